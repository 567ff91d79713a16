package presence

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mvribeiro/wayfarer/internal/bus"
	"github.com/mvribeiro/wayfarer/internal/model"
	"github.com/mvribeiro/wayfarer/internal/transport"
)

// TypingChange is the payload of presence.typing bus events: the full
// set of users currently typing in one conversation.
type TypingChange struct {
	ConversationID string
	Users          []string
}

// Tracker keeps the ephemeral presence picture: which users are online
// and who is typing where. Typing entries expire after a TTL so a peer
// that never sends typing:stop (crash, tab close) does not stay
// "typing" forever. Everything here is in-memory and rebuilt from live
// traffic; nothing survives a restart by design.
type Tracker struct {
	bus    *bus.Bus
	ttl    time.Duration
	logger *zap.Logger

	// now is swappable for expiry tests.
	now func() time.Time

	mu     sync.RWMutex
	online map[string]model.PresenceState
	// typing maps conversation id -> user id -> entry expiry.
	typing map[string]map[string]time.Time

	unsub func()
	stop  chan struct{}
	done  chan struct{}
}

// NewTracker creates a tracker with the given typing TTL.
func NewTracker(b *bus.Bus, ttl time.Duration, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		bus:    b,
		ttl:    ttl,
		logger: logger.Named("presence"),
		now:    time.Now,
		online: make(map[string]model.PresenceState),
		typing: make(map[string]map[string]time.Time),
	}
}

// Start subscribes to live traffic and launches the expiry janitor.
func (t *Tracker) Start() {
	ch, unsub := t.bus.Subscribe("rt.", 128)
	connCh, connUnsub := t.bus.Subscribe("conn.disconnected", 8)
	t.unsub = func() {
		unsub()
		connUnsub()
	}
	t.stop = make(chan struct{})
	t.done = make(chan struct{})

	go func() {
		defer close(t.done)
		ticker := time.NewTicker(t.ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case evt := <-ch:
				t.handle(evt)
			case <-connCh:
				// Live picture is stale once the channel drops.
				t.clearTyping()
			case <-ticker.C:
				t.expire()
			case <-t.stop:
				return
			}
		}
	}()
}

// Stop releases the bus subscription and halts the janitor.
func (t *Tracker) Stop() {
	if t.unsub == nil {
		return
	}
	t.unsub()
	close(t.stop)
	<-t.done
	t.unsub = nil
}

func (t *Tracker) handle(evt bus.Event) {
	switch evt.Kind {
	case "rt.user_online":
		p, ok := evt.Payload.(*transport.PresencePayload)
		if !ok {
			return
		}
		t.setOnline(p.UserID, true, time.Time{})
	case "rt.user_offline":
		p, ok := evt.Payload.(*transport.PresencePayload)
		if !ok {
			return
		}
		var lastSeen time.Time
		if p.LastSeen != nil {
			lastSeen = *p.LastSeen
		} else {
			lastSeen = t.now()
		}
		t.setOnline(p.UserID, false, lastSeen)
	case "rt.typing_start":
		p, ok := evt.Payload.(*transport.TypingPayload)
		if !ok || p.UserID == "" {
			return
		}
		t.setTyping(p.ConversationID, p.UserID)
	case "rt.typing_stop":
		p, ok := evt.Payload.(*transport.TypingPayload)
		if !ok || p.UserID == "" {
			return
		}
		t.clearTypingUser(p.ConversationID, p.UserID)
	case "rt.message_new":
		// A delivered message supersedes its sender's typing state.
		msg, ok := evt.Payload.(*model.Message)
		if !ok {
			return
		}
		t.clearTypingUser(msg.ConversationID, msg.SenderID)
	}
}

func (t *Tracker) setOnline(userID string, online bool, lastSeen time.Time) {
	state := model.PresenceState{UserID: userID, Online: online, LastSeen: lastSeen}
	t.mu.Lock()
	prev, seen := t.online[userID]
	t.online[userID] = state
	t.mu.Unlock()

	if !seen || prev.Online != online {
		t.logger.Debug("presence changed",
			zap.String("user", userID), zap.Bool("online", online))
		t.bus.Publish("presence.changed", state)
	}
}

func (t *Tracker) setTyping(conversationID, userID string) {
	expiry := t.now().Add(t.ttl)
	t.mu.Lock()
	users := t.typing[conversationID]
	if users == nil {
		users = make(map[string]time.Time)
		t.typing[conversationID] = users
	}
	_, already := users[userID]
	users[userID] = expiry
	t.mu.Unlock()

	// Refreshes extend the expiry but carry no new information.
	if !already {
		t.publishTyping(conversationID)
	}
}

func (t *Tracker) clearTypingUser(conversationID, userID string) {
	t.mu.Lock()
	users := t.typing[conversationID]
	_, present := users[userID]
	if present {
		delete(users, userID)
		if len(users) == 0 {
			delete(t.typing, conversationID)
		}
	}
	t.mu.Unlock()

	if present {
		t.publishTyping(conversationID)
	}
}

func (t *Tracker) clearTyping() {
	t.mu.Lock()
	changed := make([]string, 0, len(t.typing))
	for id := range t.typing {
		changed = append(changed, id)
	}
	t.typing = make(map[string]map[string]time.Time)
	t.mu.Unlock()

	for _, id := range changed {
		t.publishTyping(id)
	}
}

// expire drops typing entries past their TTL.
func (t *Tracker) expire() {
	now := t.now()
	t.mu.Lock()
	var changed []string
	for convID, users := range t.typing {
		dropped := false
		for userID, deadline := range users {
			if !now.Before(deadline) {
				delete(users, userID)
				dropped = true
			}
		}
		if len(users) == 0 {
			delete(t.typing, convID)
		}
		if dropped {
			changed = append(changed, convID)
		}
	}
	t.mu.Unlock()

	for _, id := range changed {
		t.publishTyping(id)
	}
}

func (t *Tracker) publishTyping(conversationID string) {
	t.bus.Publish("presence.typing", TypingChange{
		ConversationID: conversationID,
		Users:          t.TypingUsers(conversationID),
	})
}

// IsOnline reports the last known online state for a user. Users never
// seen over the live channel are reported offline.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.online[userID].Online
}

// LastSeen returns the recorded last-seen time of an offline user.
func (t *Tracker) LastSeen(userID string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	state, ok := t.online[userID]
	if !ok || state.Online || state.LastSeen.IsZero() {
		return time.Time{}, false
	}
	return state.LastSeen, true
}

// TypingUsers returns the users currently typing in a conversation,
// sorted for stable display. Entries past their TTL are excluded even
// if the janitor has not swept them yet.
func (t *Tracker) TypingUsers(conversationID string) []string {
	now := t.now()
	t.mu.RLock()
	defer t.mu.RUnlock()
	users := t.typing[conversationID]
	if len(users) == 0 {
		return nil
	}
	out := make([]string, 0, len(users))
	for userID, deadline := range users {
		if now.Before(deadline) {
			out = append(out, userID)
		}
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}
