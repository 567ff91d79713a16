package cache

import (
	"time"

	"github.com/mvribeiro/wayfarer/internal/model"
)

// UpsertConversation mirrors one conversation row.
func (db *DB) UpsertConversation(c *model.Conversation) error {
	preview := ""
	if c.LastMessage != nil {
		preview = c.LastMessage.Content
	}
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, participant_id, participant_name, participant_avatar, last_preview, last_activity, unread_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			participant_id = excluded.participant_id,
			participant_name = excluded.participant_name,
			participant_avatar = excluded.participant_avatar,
			last_preview = excluded.last_preview,
			last_activity = excluded.last_activity,
			unread_count = excluded.unread_count,
			updated_at = excluded.updated_at`,
		c.ID, c.Participant.ID, c.Participant.DisplayName, c.Participant.AvatarURL,
		preview, c.LastActivity.UnixMilli(), c.UnreadCount, now)
	return err
}

// DeleteConversation drops a conversation and its cached messages.
func (db *DB) DeleteConversation(id string) error {
	if _, err := db.Exec(`DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return err
	}
	_, err := db.Exec(`DELETE FROM conversations WHERE id = ?`, id)
	return err
}

// ListConversations returns cached conversations by last activity
// descending. The last message survives only as a content preview;
// everything else about it is refetched live.
func (db *DB) ListConversations(limit int) ([]model.Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT id, participant_id, participant_name, participant_avatar, last_preview, last_activity, unread_count
		FROM conversations
		ORDER BY last_activity DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convos []model.Conversation
	for rows.Next() {
		var c model.Conversation
		var preview string
		var activity int64
		if err := rows.Scan(&c.ID, &c.Participant.ID, &c.Participant.DisplayName,
			&c.Participant.AvatarURL, &preview, &activity, &c.UnreadCount); err != nil {
			return nil, err
		}
		c.LastActivity = time.UnixMilli(activity).UTC()
		if preview != "" {
			c.LastMessage = &model.Message{
				ConversationID: c.ID,
				Content:        preview,
				CreatedAt:      c.LastActivity,
			}
		}
		convos = append(convos, c)
	}
	return convos, rows.Err()
}
