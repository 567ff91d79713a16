package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mvribeiro/wayfarer/internal/composer"
	"github.com/mvribeiro/wayfarer/internal/convstore"
	"github.com/mvribeiro/wayfarer/internal/model"
	"github.com/mvribeiro/wayfarer/internal/presence"
	"github.com/mvribeiro/wayfarer/internal/rest"
	"github.com/mvribeiro/wayfarer/internal/thread"
	"github.com/mvribeiro/wayfarer/internal/transport"
)

// Engine is the facade the UI talks to. It coordinates the live
// channel, the conversation list, the open-conversation timeline, the
// composer and presence, and enforces the cross-component ordering they
// cannot enforce alone (leave before join, read marks on open).
type Engine struct {
	transport *transport.Manager
	api       *rest.Client
	convos    *convstore.Store
	thread    *thread.Synchronizer
	presence  *presence.Tracker
	composer  *composer.Composer
	typing    *composer.Notifier
	logger    *zap.Logger
}

// New assembles the facade from already constructed components.
func New(tm *transport.Manager, api *rest.Client, convos *convstore.Store,
	th *thread.Synchronizer, pr *presence.Tracker, cp *composer.Composer,
	ty *composer.Notifier, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		transport: tm,
		api:       api,
		convos:    convos,
		thread:    th,
		presence:  pr,
		composer:  cp,
		typing:    ty,
		logger:    logger.Named("engine"),
	}
}

// OpenConversation switches the engine to a conversation: the previous
// room is left before the new one is joined, the timeline resets and
// loads its first page, and the unread counter is cleared. The previous
// conversation's draft stays put for when the user comes back.
func (e *Engine) OpenConversation(ctx context.Context, id string) error {
	if _, ok := e.convos.Get(id); !ok {
		return fmt.Errorf("open conversation: unknown id %s", id)
	}

	prev := e.thread.Active()
	if prev == id {
		return nil
	}
	if prev != "" {
		e.typing.Stop(ctx)
		if err := e.transport.Leave(ctx, prev); err != nil {
			e.logger.Warn("leave failed", zap.String("conversation", prev), zap.Error(err))
		}
	}

	e.thread.Activate(id)
	e.convos.SetActive(id)
	if err := e.transport.Join(ctx, id); err != nil {
		e.logger.Warn("join failed", zap.String("conversation", id), zap.Error(err))
	}

	if _, err := e.thread.LoadHistory(ctx); err != nil {
		// The timeline fills from live events; history arrives on retry.
		e.logger.Warn("history load failed", zap.String("conversation", id), zap.Error(err))
	}
	if err := e.convos.MarkRead(ctx, id); err != nil {
		e.logger.Warn("mark read failed", zap.String("conversation", id), zap.Error(err))
	}
	return nil
}

// CloseConversation leaves the open conversation without opening
// another one.
func (e *Engine) CloseConversation(ctx context.Context) {
	prev := e.thread.Active()
	if prev == "" {
		return
	}
	e.typing.Stop(ctx)
	if err := e.transport.Leave(ctx, prev); err != nil {
		e.logger.Warn("leave failed", zap.String("conversation", prev), zap.Error(err))
	}
	e.thread.Activate("")
	e.convos.SetActive("")
}

// LoadOlder pulls the next history page of the open conversation.
func (e *Engine) LoadOlder(ctx context.Context) (int, error) {
	return e.thread.LoadHistory(ctx)
}

// Conversations returns the conversation list, newest activity first.
func (e *Engine) Conversations() []model.Conversation {
	return e.convos.Snapshot()
}

// Messages returns the open conversation's timeline, oldest first.
func (e *Engine) Messages() []model.Message {
	return e.thread.Snapshot()
}

// TotalUnread sums unread counts for a badge.
func (e *Engine) TotalUnread() int {
	return e.convos.TotalUnread()
}

// TypingUsers lists users typing in a conversation.
func (e *Engine) TypingUsers(conversationID string) []string {
	return e.presence.TypingUsers(conversationID)
}

// IsOnline reports a user's last known online state.
func (e *Engine) IsOnline(userID string) bool {
	return e.presence.IsOnline(userID)
}

// LastSeen reports when an offline user was last seen.
func (e *Engine) LastSeen(userID string) (time.Time, bool) {
	return e.presence.LastSeen(userID)
}

// SetText updates the draft of a conversation.
func (e *Engine) SetText(conversationID, text string) {
	e.composer.SetText(conversationID, text)
}

// Draft returns the compose state of a conversation.
func (e *Engine) Draft(conversationID string) composer.Draft {
	return e.composer.Draft(conversationID)
}

// Attach stages a file on a conversation's draft.
func (e *Engine) Attach(conversationID string, file composer.StagedFile) error {
	return e.composer.Attach(conversationID, file)
}

// ClearAttachment unstages the draft attachment.
func (e *Engine) ClearAttachment(conversationID string) {
	e.composer.ClearAttachment(conversationID)
}

// Input records a keystroke in the open conversation, driving the
// outbound typing indicator.
func (e *Engine) Input(ctx context.Context) {
	active := e.thread.Active()
	if active == "" {
		return
	}
	e.typing.Input(ctx, active)
}

// Send dispatches the open conversation's draft. The typing indicator
// is withdrawn; the optimistic entry appears on the timeline before the
// call returns.
func (e *Engine) Send(ctx context.Context) (string, error) {
	active := e.thread.Active()
	if active == "" {
		return "", fmt.Errorf("send: no open conversation")
	}
	e.typing.Stop(ctx)
	return e.composer.Send(active)
}

// Retry re-delivers a failed send.
func (e *Engine) Retry(clientID string) error {
	return e.composer.Retry(clientID)
}

// NewChat starts (or resumes) a conversation with another user.
func (e *Engine) NewChat(ctx context.Context, participantID string) (model.Conversation, error) {
	return e.convos.Create(ctx, participantID)
}

// SearchUsers finds users to start a conversation with.
func (e *Engine) SearchUsers(ctx context.Context, query string) ([]model.Participant, error) {
	return e.api.SearchUsers(ctx, query)
}

// MarkRead clears a conversation's unread counter.
func (e *Engine) MarkRead(ctx context.Context, conversationID string) error {
	return e.convos.MarkRead(ctx, conversationID)
}

// DeleteConversation removes a conversation for this user. If it was
// open it is closed first.
func (e *Engine) DeleteConversation(ctx context.Context, id string) error {
	if e.thread.Active() == id {
		e.CloseConversation(ctx)
	}
	return e.convos.Remove(ctx, id)
}

// DeleteMessage removes one message server-side; the broadcast takes it
// off the timeline.
func (e *Engine) DeleteMessage(ctx context.Context, messageID string) error {
	return e.api.DeleteMessage(ctx, messageID)
}

// Connected reports whether the live channel is up.
func (e *Engine) Connected() bool {
	return e.transport.Connected()
}
