package store

import (
	"database/sql"
	"fmt"
	"time"
)

// SetReaction upserts one reaction per (message, user). An empty emoji
// removes the user's reaction.
func (db *DB) SetReaction(messageID, userID, emoji string) error {
	if emoji == "" {
		_, err := db.Exec(`DELETE FROM reactions WHERE message_id = ? AND user_id = ?`, messageID, userID)
		if err != nil {
			return fmt.Errorf("remove reaction: %w", err)
		}
		return nil
	}
	_, err := db.Exec(`
		INSERT INTO reactions (message_id, user_id, emoji, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(message_id, user_id) DO UPDATE SET emoji = excluded.emoji, updated_at = excluded.updated_at`,
		messageID, userID, emoji, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set reaction: %w", err)
	}
	return nil
}

// ReactionEmoji returns the user's reaction on a message, or "" if none.
func (db *DB) ReactionEmoji(messageID, userID string) (string, error) {
	var emoji string
	err := db.QueryRow(`SELECT emoji FROM reactions WHERE message_id = ? AND user_id = ?`,
		messageID, userID).Scan(&emoji)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reaction emoji: %w", err)
	}
	return emoji, nil
}
