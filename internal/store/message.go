package store

import (
	"database/sql"
	"fmt"
	"time"
)

// CreateMessage persists a new message and stamps its canonical timestamp.
// The caller supplies the id; the store owns created_at.
func (db *DB) CreateMessage(m *Message) error {
	m.CreatedAt = time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (id, conversation_id, sender_id, sender_name, content, media_type, media_ref, reply_to_id,
			encrypted_content, iv, recipient_keys, receipts_enabled, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.SenderID, m.SenderName, m.Content, m.MediaType, m.MediaRef, m.ReplyToID,
		m.EncryptedContent, m.IV, m.RecipientKeys, m.ReceiptsEnabled, m.Status, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

const messageColumns = `id, conversation_id, sender_id, sender_name, content, media_type, media_ref, reply_to_id,
	encrypted_content, iv, recipient_keys, receipts_enabled, status, created_at`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.SenderName, &m.Content, &m.MediaType, &m.MediaRef,
		&m.ReplyToID, &m.EncryptedContent, &m.IV, &m.RecipientKeys, &m.ReceiptsEnabled, &m.Status, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// MessageByID returns the message with the given id, or nil if absent.
func (db *DB) MessageByID(id string) (*Message, error) {
	row := db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("message by id: %w", err)
	}
	return m, nil
}

// MarkDelivered advances a message to 'delivered' if it has not already moved
// past it. Returns whether a transition happened.
func (db *DB) MarkDelivered(id string) (bool, error) {
	res, err := db.Exec(`
		UPDATE messages SET status = ? WHERE id = ? AND status IN (?, ?)`,
		StatusDelivered, id, StatusSending, StatusSent)
	if err != nil {
		return false, fmt.Errorf("mark delivered: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkMessageRead advances a message to 'read'. Returns whether a transition
// happened; re-marking an already-read message affects zero rows.
func (db *DB) MarkMessageRead(id string) (bool, error) {
	res, err := db.Exec(`
		UPDATE messages SET status = ? WHERE id = ? AND status IN (?, ?, ?)`,
		StatusRead, id, StatusSending, StatusSent, StatusDelivered)
	if err != nil {
		return false, fmt.Errorf("mark read: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UnreadMessages returns the conversation's messages not yet read and not
// sent by readerID, oldest first.
func (db *DB) UnreadMessages(conversationID, readerID string) ([]Message, error) {
	rows, err := db.Query(`
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND sender_id != ? AND status IN (?, ?, ?)
		ORDER BY created_at ASC`,
		conversationID, readerID, StatusSending, StatusSent, StatusDelivered)
	if err != nil {
		return nil, fmt.Errorf("unread messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("unread messages: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// MarkConversationRead advances every unread message in the conversation not
// sent by readerID to 'read' in one transaction, and reports which messages
// actually transitioned so callers can notify each sender once.
func (db *DB) MarkConversationRead(conversationID, readerID string) ([]ReadTransition, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("mark conversation read: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(`
		SELECT id, sender_id, receipts_enabled FROM messages
		WHERE conversation_id = ? AND sender_id != ? AND status IN (?, ?, ?)
		ORDER BY created_at ASC`,
		conversationID, readerID, StatusSending, StatusSent, StatusDelivered)
	if err != nil {
		return nil, fmt.Errorf("mark conversation read: %w", err)
	}
	var transitions []ReadTransition
	for rows.Next() {
		var tr ReadTransition
		if err := rows.Scan(&tr.MessageID, &tr.SenderID, &tr.ReceiptsEnabled); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("mark conversation read: %w", err)
		}
		transitions = append(transitions, tr)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("mark conversation read: %w", err)
	}
	_ = rows.Close()

	if len(transitions) > 0 {
		_, err = tx.Exec(`
			UPDATE messages SET status = ?
			WHERE conversation_id = ? AND sender_id != ? AND status IN (?, ?, ?)`,
			StatusRead, conversationID, readerID, StatusSending, StatusSent, StatusDelivered)
		if err != nil {
			return nil, fmt.Errorf("mark conversation read: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("mark conversation read: %w", err)
	}
	return transitions, nil
}
