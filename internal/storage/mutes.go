package storage

import "fmt"

// SetMuted records or clears the notification mute for a conversation.
// Muting an already-muted conversation is a no-op.
func (d *DB) SetMuted(conversationID string, muted bool) error {
	if conversationID == "" {
		return fmt.Errorf("empty conversation id")
	}
	var err error
	if muted {
		_, err = d.db.Exec(
			`INSERT INTO muted_conversations (conversation_id) VALUES (?)
			 ON CONFLICT (conversation_id) DO NOTHING`, conversationID)
	} else {
		_, err = d.db.Exec(
			`DELETE FROM muted_conversations WHERE conversation_id = ?`, conversationID)
	}
	if err != nil {
		return fmt.Errorf("set muted: %w", err)
	}
	return nil
}

// IsMuted reports whether a conversation's notifications are muted.
func (d *DB) IsMuted(conversationID string) (bool, error) {
	var n int
	err := d.db.QueryRow(
		`SELECT COUNT(*) FROM muted_conversations WHERE conversation_id = ?`,
		conversationID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query muted: %w", err)
	}
	return n > 0, nil
}

// MutedConversations returns every muted conversation ID.
func (d *DB) MutedConversations() ([]string, error) {
	rows, err := d.db.Query(
		`SELECT conversation_id FROM muted_conversations ORDER BY conversation_id`)
	if err != nil {
		return nil, fmt.Errorf("query mute set: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan mute row: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
