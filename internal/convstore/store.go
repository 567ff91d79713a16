package convstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mvribeiro/wayfarer/internal/bus"
	"github.com/mvribeiro/wayfarer/internal/model"
	"github.com/mvribeiro/wayfarer/internal/transport"
)

// api is the REST surface the store needs.
type api interface {
	ListConversations(ctx context.Context) ([]model.Conversation, error)
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	CreateConversation(ctx context.Context, participantID string) (*model.Conversation, error)
	MarkConversationRead(ctx context.Context, id string) error
	DeleteConversation(ctx context.Context, id string) error
}

// liveEmitter sends frames over the live channel when it is up.
type liveEmitter interface {
	Emit(ctx context.Context, event string, payload any) error
}

// seenLimit bounds the duplicate-detection window for unread counting.
// Reconnect replays land well inside it.
const seenLimit = 1024

// Store is the authoritative in-memory conversation list. It is seeded
// from a REST snapshot and kept current by live events; readers get
// copies sorted by last activity, newest first.
type Store struct {
	api     api
	emitter liveEmitter
	bus     *bus.Bus
	logger  *zap.Logger
	selfID  string

	mu     sync.RWMutex
	byID   map[string]*model.Conversation
	active string

	// seen guards unread counts against duplicate message:new delivery.
	seen      map[string]struct{}
	seenOrder []string

	unsub func()
	stop  chan struct{}
	done  chan struct{}
}

// New creates a store for the given user.
func New(a api, emitter liveEmitter, b *bus.Bus, selfID string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		api:     a,
		emitter: emitter,
		bus:     b,
		logger:  logger.Named("convstore"),
		selfID:  selfID,
		byID:    make(map[string]*model.Conversation),
		seen:    make(map[string]struct{}),
	}
}

// Start subscribes the store to live traffic.
func (s *Store) Start() {
	ch, unsub := s.bus.Subscribe("rt.", 256)
	presenceCh, presenceUnsub := s.bus.Subscribe("presence.changed", 64)
	s.unsub = func() {
		unsub()
		presenceUnsub()
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		for {
			select {
			case evt := <-ch:
				s.handle(evt)
			case evt := <-presenceCh:
				if state, ok := evt.Payload.(model.PresenceState); ok {
					s.applyPresence(state)
				}
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop releases the bus subscription.
func (s *Store) Stop() {
	if s.unsub == nil {
		return
	}
	s.unsub()
	close(s.stop)
	<-s.done
	s.unsub = nil
}

// LoadInitial fetches the conversation snapshot. Live events that
// already populated an entry win over the snapshot when they are newer,
// so nothing observed during the fetch window is lost. The engine stays
// usable on failure: the error is reported and the current (possibly
// cached) list stands.
func (s *Store) LoadInitial(ctx context.Context) error {
	convos, err := s.api.ListConversations(ctx)
	if err != nil {
		s.logger.Warn("conversation snapshot failed", zap.Error(err))
		return fmt.Errorf("load conversations: %w", err)
	}

	s.mu.Lock()
	for i := range convos {
		snap := convos[i]
		if cur, ok := s.byID[snap.ID]; ok && cur.LastActivity.After(snap.LastActivity) {
			continue
		}
		c := snap
		s.byID[snap.ID] = &c
	}
	s.mu.Unlock()

	s.logger.Info("conversation snapshot loaded", zap.Int("count", len(convos)))
	s.bus.Publish("convo.loaded", len(convos))
	return nil
}

// Seed installs conversations without touching newer in-memory state.
// Used for warm starts from the local cache before the network is up.
func (s *Store) Seed(convos []model.Conversation) {
	s.mu.Lock()
	for i := range convos {
		seeded := convos[i]
		if _, ok := s.byID[seeded.ID]; ok {
			continue
		}
		c := seeded
		s.byID[seeded.ID] = &c
	}
	s.mu.Unlock()
}

func (s *Store) handle(evt bus.Event) {
	switch evt.Kind {
	case "rt.message_new":
		msg, ok := evt.Payload.(*model.Message)
		if !ok {
			return
		}
		s.applyMessage(msg)
	case "rt.message_deleted":
		p, ok := evt.Payload.(*transport.DeletedPayload)
		if !ok {
			return
		}
		s.applyDeleted(p)
	}
}

// applyMessage folds one live message into the list: bump activity,
// replace the preview, and count unread for inbound messages landing
// outside the open conversation. Unknown conversations get a stub row
// immediately and their metadata fetched in the background.
func (s *Store) applyMessage(msg *model.Message) {
	s.mu.Lock()
	if _, dup := s.seen[msg.ID]; dup {
		s.mu.Unlock()
		return
	}
	s.remember(msg.ID)

	convo, known := s.byID[msg.ConversationID]
	if !known {
		convo = &model.Conversation{ID: msg.ConversationID}
		s.byID[msg.ConversationID] = convo
	}
	m := *msg
	convo.LastMessage = &m
	if msg.CreatedAt.After(convo.LastActivity) {
		convo.LastActivity = msg.CreatedAt
	}
	if msg.SenderID != s.selfID && msg.ConversationID != s.active {
		convo.UnreadCount++
	}
	out := *convo
	s.mu.Unlock()

	s.bus.Publish("convo.updated", out)

	if !known {
		s.logger.Debug("message for unknown conversation, fetching",
			zap.String("conversation", msg.ConversationID))
		go s.hydrate(msg.ConversationID)
	}
}

// hydrateTimeout bounds the background metadata fetch for conversations
// first seen through a live message.
const hydrateTimeout = 10 * time.Second

// hydrate fills in a stub conversation created from a live message.
func (s *Store) hydrate(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), hydrateTimeout)
	defer cancel()
	fetched, err := s.api.GetConversation(ctx, id)
	if err != nil {
		s.logger.Warn("conversation hydrate failed",
			zap.String("conversation", id), zap.Error(err))
		return
	}

	s.mu.Lock()
	convo, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	convo.Participant = fetched.Participant
	if convo.LastMessage == nil {
		convo.LastMessage = fetched.LastMessage
	}
	if fetched.LastActivity.After(convo.LastActivity) {
		convo.LastActivity = fetched.LastActivity
	}
	out := *convo
	s.mu.Unlock()

	s.bus.Publish("convo.updated", out)
}

func (s *Store) applyDeleted(p *transport.DeletedPayload) {
	s.mu.Lock()
	convo, ok := s.byID[p.ConversationID]
	changed := ok && convo.LastMessage != nil && convo.LastMessage.ID == p.MessageID
	if changed {
		// The preview is gone; keep the row, blank the preview.
		convo.LastMessage = nil
	}
	var out model.Conversation
	if changed {
		out = *convo
	}
	s.mu.Unlock()

	if changed {
		s.bus.Publish("convo.updated", out)
	}
}

func (s *Store) applyPresence(state model.PresenceState) {
	s.mu.Lock()
	var updated []model.Conversation
	for _, convo := range s.byID {
		if convo.Participant.ID == state.UserID && convo.Participant.Online != state.Online {
			convo.Participant.Online = state.Online
			updated = append(updated, *convo)
		}
	}
	s.mu.Unlock()

	for _, out := range updated {
		s.bus.Publish("convo.updated", out)
	}
}

// remember records a message id in the bounded dedupe window.
func (s *Store) remember(id string) {
	s.seen[id] = struct{}{}
	s.seenOrder = append(s.seenOrder, id)
	if len(s.seenOrder) > seenLimit {
		delete(s.seen, s.seenOrder[0])
		s.seenOrder = s.seenOrder[1:]
	}
}

// SetActive marks the conversation currently open, exempting it from
// unread counting. Pass "" when no conversation is open.
func (s *Store) SetActive(id string) {
	s.mu.Lock()
	s.active = id
	s.mu.Unlock()
}

// Get returns a copy of one conversation.
func (s *Store) Get(id string) (model.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	convo, ok := s.byID[id]
	if !ok {
		return model.Conversation{}, false
	}
	return *convo, true
}

// Snapshot returns the conversation list ordered by last activity,
// newest first, with ties broken by id for stable output.
func (s *Store) Snapshot() []model.Conversation {
	s.mu.RLock()
	out := make([]model.Conversation, 0, len(s.byID))
	for _, convo := range s.byID {
		out = append(out, *convo)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// TotalUnread sums unread counts across all conversations.
func (s *Store) TotalUnread() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, convo := range s.byID {
		total += convo.UnreadCount
	}
	return total
}

// MarkRead zeroes the unread counter locally, tells the server, and
// notifies the peer over the live channel. The local zero is optimistic
// and stands even if the server call fails; the next snapshot settles it.
func (s *Store) MarkRead(ctx context.Context, id string) error {
	s.mu.Lock()
	convo, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("mark read: unknown conversation %s", id)
	}
	changed := convo.UnreadCount != 0
	convo.UnreadCount = 0
	out := *convo
	s.mu.Unlock()

	if changed {
		s.bus.Publish("convo.updated", out)
	}

	if err := s.emitter.Emit(ctx, transport.EventMessageRead, transport.ReadPayload{ConversationID: id}); err != nil {
		s.logger.Debug("read receipt not emitted", zap.String("conversation", id), zap.Error(err))
	}
	if err := s.api.MarkConversationRead(ctx, id); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// Create starts (or resumes) a conversation with another user and
// installs it locally.
func (s *Store) Create(ctx context.Context, participantID string) (model.Conversation, error) {
	convo, err := s.api.CreateConversation(ctx, participantID)
	if err != nil {
		return model.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}

	s.mu.Lock()
	if existing, ok := s.byID[convo.ID]; ok {
		// Server returned an already known conversation; keep local state.
		out := *existing
		s.mu.Unlock()
		return out, nil
	}
	c := *convo
	s.byID[convo.ID] = &c
	out := c
	s.mu.Unlock()

	s.bus.Publish("convo.updated", out)
	return out, nil
}

// Remove deletes a conversation. The row goes away locally before the
// server is asked; a server failure is surfaced without resurrecting
// the row, so the user never watches a conversation they deleted come
// back and the caller can reconcile the inconsistency explicitly.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	_, ok := s.byID[id]
	delete(s.byID, id)
	if s.active == id {
		s.active = ""
	}
	s.mu.Unlock()

	if ok {
		s.bus.Publish("convo.removed", id)
	}

	if err := s.api.DeleteConversation(ctx, id); err != nil {
		return fmt.Errorf("remove conversation: %w", err)
	}
	return nil
}
