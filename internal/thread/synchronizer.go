package thread

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

// history is the REST surface the synchronizer needs.
type history interface {
	ListMessages(ctx context.Context, conversationID string, limit int, before time.Time) ([]model.Message, error)
}

// Synchronizer maintains the message timeline of the open conversation:
// one ordered, duplicate-free slice merging REST history pages, live
// events and optimistic local sends. Server-assigned ids are the
// identity; optimistic entries are tracked by client id until the
// server echo arrives and reconciles them in place.
type Synchronizer struct {
	api      history
	bus      *bus.Bus
	logger   *zap.Logger
	selfID   string
	pageSize int

	mu       sync.Mutex
	active   string
	gen      uint64
	cancel   context.CancelFunc
	msgs     []model.Message
	byID     map[string]struct{}
	byClient map[string]struct{}
	// oldest known message time, cursor for the next history page.
	oldest     time.Time
	exhausted  bool
	refreshing bool

	unsub func()
	stop  chan struct{}
	done  chan struct{}
}

// New creates a synchronizer for the given user. pageSize bounds each
// history fetch.
func New(api history, b *bus.Bus, selfID string, pageSize int, logger *zap.Logger) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synchronizer{
		api:      api,
		bus:      b,
		logger:   logger.Named("thread"),
		selfID:   selfID,
		pageSize: pageSize,
		byID:     make(map[string]struct{}),
		byClient: make(map[string]struct{}),
	}
}

// Start subscribes the synchronizer to live traffic. After a reconnect
// the gap is unknowable, so the latest page is re-fetched and merged.
func (s *Synchronizer) Start() {
	ch, unsub := s.bus.Subscribe("rt.", 256)
	connCh, connUnsub := s.bus.Subscribe("conn.rejoined", 8)
	s.unsub = func() {
		unsub()
		connUnsub()
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		for {
			select {
			case evt := <-ch:
				s.handle(evt)
			case <-connCh:
				s.refreshAfterRejoin()
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop releases the bus subscription and cancels any in-flight fetch.
func (s *Synchronizer) Stop() {
	if s.unsub == nil {
		return
	}
	s.unsub()
	close(s.stop)
	<-s.done
	s.unsub = nil

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
}

// Activate switches the timeline to a conversation. Any in-flight
// history fetch for the previous conversation is cancelled and its
// late result discarded; state starts empty. Activating "" just clears.
func (s *Synchronizer) Activate(conversationID string) {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.gen++
	s.active = conversationID
	s.msgs = nil
	s.byID = make(map[string]struct{})
	s.byClient = make(map[string]struct{})
	s.oldest = time.Time{}
	s.exhausted = false
	s.mu.Unlock()
}

// Active returns the conversation the timeline currently tracks.
func (s *Synchronizer) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// LoadHistory fetches the next older page and merges it. The first call
// after Activate loads the newest page. Returns the number of messages
// actually added; zero with a nil error means the top of the
// conversation was reached.
func (s *Synchronizer) LoadHistory(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.active == "" {
		s.mu.Unlock()
		return 0, fmt.Errorf("load history: no active conversation")
	}
	if s.exhausted {
		s.mu.Unlock()
		return 0, nil
	}
	gen := s.gen
	convID := s.active
	before := s.oldest
	fetchCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	page, err := s.api.ListMessages(fetchCtx, convID, s.pageSize, before)
	cancel()
	if err != nil {
		if fetchCtx.Err() != nil {
			// Cancelled by a conversation switch; not an error to surface.
			return 0, nil
		}
		return 0, fmt.Errorf("load history: %w", err)
	}

	s.mu.Lock()
	if s.gen != gen {
		// Conversation switched while the page was in flight.
		s.mu.Unlock()
		return 0, nil
	}
	added := s.mergeLocked(page)
	if len(page) < s.pageSize {
		s.exhausted = true
	}
	s.mu.Unlock()

	if added > 0 {
		s.publishUpdated()
	}
	return added, nil
}

// refreshAfterRejoin re-fetches the newest page after a reconnect to
// close any delivery gap. Merging dedupes whatever was not actually
// missed.
func (s *Synchronizer) refreshAfterRejoin() {
	s.mu.Lock()
	if s.active == "" || s.refreshing {
		s.mu.Unlock()
		return
	}
	s.refreshing = true
	gen := s.gen
	convID := s.active
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.refreshing = false
			s.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		page, err := s.api.ListMessages(ctx, convID, s.pageSize, time.Time{})
		if err != nil {
			s.logger.Warn("gap refresh failed", zap.String("conversation", convID), zap.Error(err))
			return
		}

		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		added := s.mergeLocked(page)
		s.mu.Unlock()

		if added > 0 {
			s.logger.Info("gap closed after reconnect",
				zap.String("conversation", convID), zap.Int("recovered", added))
			s.publishUpdated()
		}
	}()
}

// mergeLocked folds fetched messages into the timeline, skipping ids
// already present and reconciling any that match a pending client id.
// Caller holds s.mu.
func (s *Synchronizer) mergeLocked(page []model.Message) int {
	added := 0
	for i := range page {
		msg := page[i]
		if _, dup := s.byID[msg.ID]; dup {
			continue
		}
		if msg.ClientID != "" {
			if _, pending := s.byClient[msg.ClientID]; pending {
				s.reconcileLocked(msg)
				continue
			}
		}
		s.byID[msg.ID] = struct{}{}
		s.msgs = append(s.msgs, msg)
		added++
		if s.oldest.IsZero() || msg.CreatedAt.Before(s.oldest) {
			s.oldest = msg.CreatedAt
		}
	}
	if added > 0 {
		s.sortLocked()
	}
	return added
}

// sortLocked restores timeline order: ascending creation time, pending
// entries after confirmed ones at the same instant, id as final tie.
func (s *Synchronizer) sortLocked() {
	sort.SliceStable(s.msgs, func(i, j int) bool {
		a, b := s.msgs[i], s.msgs[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func (s *Synchronizer) handle(evt bus.Event) {
	switch evt.Kind {
	case "rt.message_new":
		msg, ok := evt.Payload.(*model.Message)
		if !ok {
			return
		}
		s.applyIncoming(msg)
	case "rt.message_delivered":
		p, ok := evt.Payload.(*transport.DeliveredPayload)
		if !ok {
			return
		}
		s.advanceStatus(p.ConversationID, p.MessageID, model.StatusDelivered)
	case "rt.message_read":
		p, ok := evt.Payload.(*transport.ReadPayload)
		if !ok {
			return
		}
		s.applyReadReceipt(p)
	case "rt.message_deleted":
		p, ok := evt.Payload.(*transport.DeletedPayload)
		if !ok {
			return
		}
		s.remove(p.ConversationID, p.MessageID)
	}
}

// applyIncoming folds one live message into the timeline. A message
// echoing a pending client id reconciles the optimistic entry in place;
// everything else is deduped by server id and appended.
func (s *Synchronizer) applyIncoming(msg *model.Message) {
	s.mu.Lock()
	if msg.ConversationID != s.active {
		s.mu.Unlock()
		return
	}

	if msg.ClientID != "" {
		if _, pending := s.byClient[msg.ClientID]; pending {
			reconciled := s.reconcileLocked(*msg)
			s.mu.Unlock()
			if reconciled {
				s.bus.Publish("thread.reconciled", msg)
				s.publishUpdated()
			}
			return
		}
	}

	if _, dup := s.byID[msg.ID]; dup {
		s.mu.Unlock()
		return
	}
	s.byID[msg.ID] = struct{}{}
	s.msgs = append(s.msgs, *msg)
	s.sortLocked()
	s.mu.Unlock()

	s.bus.Publish("thread.appended", msg)
	s.publishUpdated()
}

// reconcileLocked swaps an optimistic entry for its server-confirmed
// form without moving it: same slot, server id and timestamp, status
// advanced to at least sent. Caller holds s.mu.
func (s *Synchronizer) reconcileLocked(confirmed model.Message) bool {
	for i := range s.msgs {
		if s.msgs[i].ClientID != confirmed.ClientID || s.msgs[i].ID != "" {
			continue
		}
		prev := s.msgs[i].Status
		s.msgs[i].ID = confirmed.ID
		s.msgs[i].CreatedAt = confirmed.CreatedAt
		if confirmed.Attachment != nil {
			s.msgs[i].Attachment = confirmed.Attachment
		}
		if prev.CanAdvance(confirmed.Status) {
			s.msgs[i].Status = confirmed.Status
		}
		s.byID[confirmed.ID] = struct{}{}
		delete(s.byClient, confirmed.ClientID)
		return true
	}
	return false
}

// AppendPending installs an optimistic local send at the timeline tail.
func (s *Synchronizer) AppendPending(msg model.Message) error {
	s.mu.Lock()
	if msg.ConversationID != s.active {
		s.mu.Unlock()
		return fmt.Errorf("append pending: conversation %s not active", msg.ConversationID)
	}
	if _, dup := s.byClient[msg.ClientID]; dup {
		s.mu.Unlock()
		return fmt.Errorf("append pending: client id %s already tracked", msg.ClientID)
	}
	msg.Status = model.StatusPending
	s.byClient[msg.ClientID] = struct{}{}
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()

	s.bus.Publish("thread.appended", &msg)
	s.publishUpdated()
	return nil
}

// MarkFailed moves a pending entry to failed so the UI can offer retry.
func (s *Synchronizer) MarkFailed(clientID string) {
	s.setPendingStatus(clientID, model.StatusPending, model.StatusFailed)
}

// MarkRetrying moves a failed entry back to pending for another attempt.
// The entry keeps its client id and its place; retry never creates a
// second row. Reports whether an entry was actually in the failed state,
// so a retry cannot race a delivery that is still in flight.
func (s *Synchronizer) MarkRetrying(clientID string) bool {
	return s.setPendingStatus(clientID, model.StatusFailed, model.StatusPending)
}

func (s *Synchronizer) setPendingStatus(clientID string, from, to model.Status) bool {
	s.mu.Lock()
	var out *model.Message
	for i := range s.msgs {
		if s.msgs[i].ClientID == clientID && s.msgs[i].ID == "" && s.msgs[i].Status == from {
			s.msgs[i].Status = to
			m := s.msgs[i]
			out = &m
			break
		}
	}
	s.mu.Unlock()

	if out != nil {
		if to == model.StatusFailed {
			s.bus.Publish("message.send_failed", out)
		}
		s.publishUpdated()
	}
	return out != nil
}

// advanceStatus moves one confirmed message forward in the delivery
// progression, never backward.
func (s *Synchronizer) advanceStatus(conversationID, messageID string, to model.Status) {
	s.mu.Lock()
	changed := false
	if conversationID == s.active {
		for i := range s.msgs {
			if s.msgs[i].ID == messageID && s.msgs[i].Status.CanAdvance(to) {
				s.msgs[i].Status = to
				changed = true
				break
			}
		}
	}
	s.mu.Unlock()

	if changed {
		s.publishUpdated()
	}
}

// applyReadReceipt marks every delivered-or-earlier confirmed message
// read: the peer read the whole conversation, not one message. The
// server echoes the client's own read marks too; those say nothing
// about the peer and are skipped.
func (s *Synchronizer) applyReadReceipt(p *transport.ReadPayload) {
	if p.UserID != "" && p.UserID == s.selfID {
		return
	}
	s.mu.Lock()
	changed := false
	if p.ConversationID == s.active {
		for i := range s.msgs {
			if s.msgs[i].ID != "" && s.msgs[i].Status.CanAdvance(model.StatusRead) {
				s.msgs[i].Status = model.StatusRead
				changed = true
			}
		}
	}
	s.mu.Unlock()

	if changed {
		s.publishUpdated()
	}
}

// remove drops a deleted message from the timeline.
func (s *Synchronizer) remove(conversationID, messageID string) {
	s.mu.Lock()
	removed := false
	if conversationID == s.active {
		for i := range s.msgs {
			if s.msgs[i].ID == messageID {
				s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
				delete(s.byID, messageID)
				removed = true
				break
			}
		}
	}
	s.mu.Unlock()

	if removed {
		s.bus.Publish("thread.removed", messageID)
		s.publishUpdated()
	}
}

// Exhausted reports whether the top of the conversation was reached.
func (s *Synchronizer) Exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exhausted
}

// Snapshot returns a copy of the timeline, oldest first.
func (s *Synchronizer) Snapshot() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

func (s *Synchronizer) publishUpdated() {
	s.bus.Publish("thread.updated", s.Active())
}
