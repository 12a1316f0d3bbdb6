package store

import (
	"time"

	"github.com/plantline/plantline/internal/chat"
)

// UpsertMessage inserts or updates a cached message (idempotent on id).
// Only confirmed messages belong in the cache; optimistic entries live in
// the engine's in-memory list until their echo arrives.
func (db *DB) UpsertMessage(m *chat.Message) error {
	now := time.Now().UnixMilli()
	kind, ref := "", ""
	if m.Attachment != nil {
		kind, ref = string(m.Attachment.Kind), m.Attachment.Ref
	}
	_, err := db.Exec(`
		INSERT INTO messages (id, client_id, conversation_id, sender_id, recipient_id, body, attachment_kind, attachment_ref, read_flag, sent_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			body = excluded.body,
			attachment_kind = excluded.attachment_kind,
			attachment_ref = excluded.attachment_ref,
			read_flag = excluded.read_flag`,
		m.ID, m.ClientID, m.ConversationID, m.SenderID, m.RecipientID,
		m.Text, kind, ref, m.Read, m.SentAt.UnixMilli(), now)
	return err
}

// ListMessages returns cached messages for a conversation ascending by sent-at.
func (db *DB) ListMessages(conversationID string, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := db.Query(`
		SELECT id, client_id, conversation_id, sender_id, recipient_id, body, attachment_kind, attachment_ref, read_flag, sent_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY sent_at ASC
		LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []chat.Message
	for rows.Next() {
		var m chat.Message
		var kind, ref string
		var sentAt int64
		if err := rows.Scan(&m.ID, &m.ClientID, &m.ConversationID, &m.SenderID, &m.RecipientID,
			&m.Text, &kind, &ref, &m.Read, &sentAt); err != nil {
			return nil, err
		}
		if kind != "" || ref != "" {
			m.Attachment = &chat.Attachment{Kind: chat.AttachmentKind(kind), Ref: ref}
		}
		m.SentAt = time.UnixMilli(sentAt)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MarkConversationRead flags every message addressed to userID in the
// conversation as read.
func (db *DB) MarkConversationRead(conversationID, userID string) error {
	_, err := db.Exec(`
		UPDATE messages SET read_flag = 1
		WHERE conversation_id = ? AND recipient_id = ? AND read_flag = 0`,
		conversationID, userID)
	return err
}
