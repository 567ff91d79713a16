package cache

import (
	"time"

	"github.com/mvribeiro/wayfarer/internal/model"
)

// UpsertMessage mirrors one confirmed message. Optimistic entries have
// no server id yet and are never cached.
func (db *DB) UpsertMessage(m *model.Message) error {
	if m.ID == "" {
		return nil
	}
	var name, mime, url string
	var size int64
	if m.Attachment != nil {
		name, mime, size, url = m.Attachment.Name, m.Attachment.Mime, m.Attachment.Size, m.Attachment.URL
	}
	_, err := db.Exec(`
		INSERT INTO messages (id, conversation_id, sender_id, content, attachment_name, attachment_mime, attachment_size, attachment_url, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			status = excluded.status`,
		m.ID, m.ConversationID, m.SenderID, m.Content,
		name, mime, size, url, string(m.Status), m.CreatedAt.UnixMilli())
	return err
}

// DeleteMessage drops one cached message.
func (db *DB) DeleteMessage(id string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE id = ?`, id)
	return err
}

// ListMessages returns the newest cached messages of a conversation,
// oldest first ready for display.
func (db *DB) ListMessages(conversationID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, sender_id, content, attachment_name, attachment_mime, attachment_size, attachment_url, status, created_at
		FROM (
			SELECT * FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at DESC
			LIMIT ?
		)
		ORDER BY created_at ASC`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []model.Message
	for rows.Next() {
		var m model.Message
		var name, mime, url, status string
		var size, created int64
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content,
			&name, &mime, &size, &url, &status, &created); err != nil {
			return nil, err
		}
		m.Status = model.Status(status)
		m.CreatedAt = time.UnixMilli(created).UTC()
		if name != "" {
			m.Attachment = &model.Attachment{Name: name, Mime: mime, Size: size, URL: url}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
