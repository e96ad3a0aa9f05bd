package archive

import (
	"database/sql"
	"time"
)

// UpsertConversation inserts or updates a conversation record. An empty
// display name or avatar never overwrites a stored one.
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, display_name, avatar, favorite, last_message_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = COALESCE(NULLIF(excluded.display_name,''), display_name),
			avatar = COALESCE(NULLIF(excluded.avatar,''), avatar),
			last_message_at = MAX(last_message_at, excluded.last_message_at),
			updated_at = excluded.updated_at`,
		c.ID, c.DisplayName, c.Avatar, c.Favorite, c.LastMessageAt, now)
	return err
}

// ListConversations returns all conversations, favorites first, then by last
// message timestamp descending.
func (db *DB) ListConversations() ([]Conversation, error) {
	rows, err := db.Query(`
		SELECT id, display_name, avatar, favorite, last_message_at
		FROM conversations
		ORDER BY favorite DESC, last_message_at DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.DisplayName, &c.Avatar, &c.Favorite, &c.LastMessageAt); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// GetConversation returns a single conversation, or nil when unknown.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT id, display_name, avatar, favorite, last_message_at
		FROM conversations
		WHERE id = ?`, id).
		Scan(&c.ID, &c.DisplayName, &c.Avatar, &c.Favorite, &c.LastMessageAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SetFavorite persists the favorite flag, creating the row if needed.
func (db *DB) SetFavorite(id string, favorite bool) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, favorite, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			favorite = excluded.favorite,
			updated_at = excluded.updated_at`,
		id, favorite, now)
	return err
}
