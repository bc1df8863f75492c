package store

import (
	"fmt"
	"strings"
)

// EnqueueOffline stores a message for a recipient with no live session.
func (db *DB) EnqueueOffline(e *OfflineEntry) error {
	_, err := db.Exec(`
		INSERT INTO offline_queue (id, user_id, conversation_id, message_id, enqueued_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.ConversationID, e.MessageID, e.EnqueuedAt)
	if err != nil {
		return fmt.Errorf("enqueue offline: %w", err)
	}
	return nil
}

// PendingOffline returns a user's queued entries in enqueue order.
func (db *DB) PendingOffline(userID string) ([]OfflineEntry, error) {
	rows, err := db.Query(`
		SELECT id, user_id, conversation_id, message_id, enqueued_at
		FROM offline_queue WHERE user_id = ?
		ORDER BY enqueued_at ASC, rowid ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("pending offline: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []OfflineEntry
	for rows.Next() {
		var e OfflineEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.ConversationID, &e.MessageID, &e.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("pending offline: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AckOffline removes the given entries, scoped to the owning user so a
// client cannot ack another user's queue. Returns how many were removed.
func (db *DB) AckOffline(userID string, entryIDs []string) (int64, error) {
	if len(entryIDs) == 0 {
		return 0, nil
	}
	placeholders := strings.Repeat("?,", len(entryIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(entryIDs)+1)
	args = append(args, userID)
	for _, id := range entryIDs {
		args = append(args, id)
	}
	res, err := db.Exec(`DELETE FROM offline_queue WHERE user_id = ? AND id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("ack offline: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SweepOffline deletes entries enqueued before the cutoff (unix millis).
// Returns how many were removed.
func (db *DB) SweepOffline(cutoff int64) (int64, error) {
	res, err := db.Exec(`DELETE FROM offline_queue WHERE enqueued_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep offline: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
