package store

import "fmt"

// AddContact records a one-directional contact edge (idempotent).
func (db *DB) AddContact(userID, contactID string) error {
	_, err := db.Exec(`
		INSERT INTO contacts (user_id, contact_id) VALUES (?, ?)
		ON CONFLICT(user_id, contact_id) DO NOTHING`, userID, contactID)
	if err != nil {
		return fmt.Errorf("add contact: %w", err)
	}
	return nil
}

// ContactIDs returns userID's contact list. Presence broadcasts for a user
// are scoped to this set, and the connect-time snapshot reads it too.
func (db *DB) ContactIDs(userID string) ([]string, error) {
	rows, err := db.Query(`SELECT contact_id FROM contacts WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("contact ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("contact ids: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
