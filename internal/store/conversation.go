package store

import (
	"fmt"
	"time"
)

// CreateConversation inserts a conversation record.
func (db *DB) CreateConversation(id, title string) error {
	_, err := db.Exec(`INSERT INTO conversations (id, title, created_at) VALUES (?, ?, ?)`,
		id, title, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

// ConversationExists reports whether the conversation id is known.
func (db *DB) ConversationExists(id string) (bool, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM conversations WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("conversation exists: %w", err)
	}
	return n > 0, nil
}

// AddParticipant adds a user to a conversation (idempotent).
func (db *DB) AddParticipant(conversationID, userID, username string) error {
	_, err := db.Exec(`
		INSERT INTO conversation_participants (conversation_id, user_id, username, joined_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id, user_id) DO UPDATE SET username = excluded.username`,
		conversationID, userID, username, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("add participant: %w", err)
	}
	return nil
}

// Participants returns the members of a conversation.
func (db *DB) Participants(conversationID string) ([]Participant, error) {
	rows, err := db.Query(`
		SELECT user_id, username FROM conversation_participants
		WHERE conversation_id = ? ORDER BY user_id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("participants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.UserID, &p.Username); err != nil {
			return nil, fmt.Errorf("participants: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ParticipantIDs returns just the member ids of a conversation.
func (db *DB) ParticipantIDs(conversationID string) ([]string, error) {
	rows, err := db.Query(`
		SELECT user_id FROM conversation_participants
		WHERE conversation_id = ? ORDER BY user_id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("participant ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("participant ids: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// IsParticipant reports whether the user is a member of the conversation.
func (db *DB) IsParticipant(conversationID, userID string) (bool, error) {
	var n int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM conversation_participants
		WHERE conversation_id = ? AND user_id = ?`, conversationID, userID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("is participant: %w", err)
	}
	return n > 0, nil
}
