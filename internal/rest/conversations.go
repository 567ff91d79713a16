package rest

import (
	"context"
	"fmt"
	"net/url"

	"github.com/mvribeiro/wayfarer/internal/model"
)

// ListConversations fetches the conversation list snapshot.
func (c *Client) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	var convos []model.Conversation
	if err := c.get(ctx, "/api/conversations", nil, &convos); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return convos, nil
}

// GetConversation fetches one conversation with full participant metadata.
func (c *Client) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	var convo model.Conversation
	if err := c.get(ctx, "/api/conversations/"+url.PathEscape(id), nil, &convo); err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	return &convo, nil
}

// CreateConversation starts a chat with another user, returning the new
// (or already existing) conversation.
func (c *Client) CreateConversation(ctx context.Context, participantID string) (*model.Conversation, error) {
	body := map[string]string{"participantId": participantID}
	var convo model.Conversation
	if err := c.post(ctx, "/api/conversations", body, &convo); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return &convo, nil
}

// MarkConversationRead zeroes the server-side unread counter.
func (c *Client) MarkConversationRead(ctx context.Context, id string) error {
	if err := c.post(ctx, "/api/conversations/"+url.PathEscape(id)+"/read", nil, nil); err != nil {
		return fmt.Errorf("mark conversation %s read: %w", id, err)
	}
	return nil
}

// DeleteConversation removes a conversation server-side.
func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	if err := c.delete(ctx, "/api/conversations/"+url.PathEscape(id)); err != nil {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	return nil
}

// SearchUsers finds users for new-chat initiation.
func (c *Client) SearchUsers(ctx context.Context, query string) ([]model.Participant, error) {
	params := url.Values{"q": {query}}
	var users []model.Participant
	if err := c.get(ctx, "/api/users/search", params, &users); err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	return users, nil
}
