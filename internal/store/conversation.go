package store

import (
	"database/sql"
	"time"

	"github.com/plantline/plantline/internal/chat"
)

// UpsertConversation inserts or updates a cached conversation row.
func (db *DB) UpsertConversation(c *chat.Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, user_id, expert_id, conv_type, status, last_message, last_message_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			last_message = excluded.last_message,
			last_message_at = excluded.last_message_at,
			updated_at = excluded.updated_at`,
		c.ID, c.UserID, c.ExpertID, c.Type, string(c.Status),
		c.LastMessage, c.LastMessageAt.UnixMilli(), c.CreatedAt.UnixMilli(), now)
	return err
}

// GetConversation returns a single cached conversation, or nil when absent.
func (db *DB) GetConversation(id string) (*chat.Conversation, error) {
	row := db.QueryRow(`
		SELECT id, user_id, expert_id, conv_type, status, last_message, last_message_at, created_at, updated_at
		FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListConversations returns cached conversations ordered by last message
// timestamp descending, for list views.
func (db *DB) ListConversations(limit, offset int) ([]chat.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, user_id, expert_id, conv_type, status, last_message, last_message_at, created_at, updated_at
		FROM conversations
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []chat.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *c)
	}
	return convs, rows.Err()
}

// TouchConversation updates the denormalized last-message cache.
func (db *DB) TouchConversation(id, preview string, at time.Time) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE conversations SET last_message = ?, last_message_at = ?, updated_at = ?
		WHERE id = ?`, preview, at.UnixMilli(), now, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(r rowScanner) (*chat.Conversation, error) {
	var c chat.Conversation
	var status string
	var lastAt, createdAt, updatedAt int64
	if err := r.Scan(&c.ID, &c.UserID, &c.ExpertID, &c.Type, &status,
		&c.LastMessage, &lastAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.Status = chat.Status(status)
	c.LastMessageAt = time.UnixMilli(lastAt)
	c.CreatedAt = time.UnixMilli(createdAt)
	c.UpdatedAt = time.UnixMilli(updatedAt)
	return &c, nil
}
