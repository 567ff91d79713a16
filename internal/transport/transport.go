package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mvribeiro/wayfarer/internal/bus"
	"github.com/mvribeiro/wayfarer/internal/model"
	"github.com/mvribeiro/wayfarer/internal/status"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

var (
	// ErrNotConnected is returned by Emit when no live channel exists.
	ErrNotConnected = errors.New("live channel not connected")
	// ErrNoToken is returned by Connect when no session token is configured.
	ErrNoToken = errors.New("connect requires a session token")

	// errShutdown marks a dial lost to a concurrent Disconnect.
	errShutdown = errors.New("manager closed during dial")
)

// After this many consecutive failed attempts the machine reports
// Degraded so the UI can switch from "reconnecting…" to a stronger hint.
const degradedAfterAttempts = 5

// Config holds the live-channel endpoint and reconnect tuning.
type Config struct {
	URL       string // http(s) base URL of the backend
	Token     string // bearer credential issued by the auth service
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Manager owns the single persistent live-channel connection. All other
// engine components observe it through the bus and Emit; none of them
// may hold a second connection. Inbound frames are decoded into typed
// payloads and published under the "rt." namespace; lifecycle changes
// under "conn.".
type Manager struct {
	cfg     Config
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger
	recon   *backoff

	mu           sync.Mutex
	conn         *websocket.Conn
	readCancel   context.CancelFunc
	done         chan struct{}
	life         context.Context
	lifeCancel   context.CancelFunc
	closed       bool
	dialing      bool
	reconnecting bool
	joined       string
}

// NewManager creates a connection manager. It does not connect.
func NewManager(cfg Config, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	life, lifeCancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg,
		bus:        b,
		machine:    machine,
		logger:     logger,
		recon:      newBackoff(cfg.BaseDelay, cfg.MaxDelay),
		done:       make(chan struct{}),
		life:       life,
		lifeCancel: lifeCancel,
	}
}

// Connect establishes the live channel. Idempotent while a connection
// is up or being dialed. A missing token is a fatal precondition, not a
// retryable condition.
func (m *Manager) Connect(ctx context.Context) error {
	if m.cfg.Token == "" {
		return ErrNoToken
	}

	m.mu.Lock()
	if m.conn != nil || m.dialing || m.reconnecting {
		m.mu.Unlock()
		return nil
	}
	if m.closed {
		// Reopened after an explicit Disconnect.
		m.closed = false
		m.done = make(chan struct{})
		m.life, m.lifeCancel = context.WithCancel(context.Background())
		_ = m.machine.Transition(status.Idle)
	}
	m.dialing = true
	m.mu.Unlock()

	_ = m.machine.Transition(status.Connecting)
	err := m.dial(ctx)

	m.mu.Lock()
	m.dialing = false
	m.mu.Unlock()

	if err != nil {
		if m.isClosed() {
			// Disconnect won the race; nothing to retry.
			return err
		}
		// The first dial failing is no different from a drop: keep
		// trying in the background with the same backoff.
		m.logger.Warn("initial dial failed", zap.Error(err))
		_ = m.machine.Transition(status.Reconnecting)
		m.bus.Publish("conn.disconnected", err.Error())
		m.startReconnect()
		return err
	}
	return nil
}

func (m *Manager) startReconnect() {
	m.mu.Lock()
	if m.reconnecting || m.closed {
		m.mu.Unlock()
		return
	}
	m.reconnecting = true
	m.mu.Unlock()

	go func() {
		m.reconnectLoop()
		m.mu.Lock()
		m.reconnecting = false
		m.mu.Unlock()
	}()
}

// Disconnect tears the channel down and cancels any pending reconnect
// timer. Safe to call repeatedly.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.done)
	m.lifeCancel() // aborts any dial still in flight
	conn := m.conn
	m.conn = nil
	cancel := m.readCancel
	m.readCancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	_ = m.machine.Transition(status.Closed)
	m.bus.Publish("conn.closed", nil)
}

// Join scopes live delivery to one conversation. At most one
// conversation is joined at a time; the id is remembered and re-issued
// automatically after a reconnect.
func (m *Manager) Join(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	m.joined = conversationID
	connected := m.conn != nil
	m.mu.Unlock()

	if !connected {
		return nil // joined on next (re)connect
	}
	return m.Emit(ctx, EventConversationJoin, RoomPayload{ConversationID: conversationID})
}

// Leave revokes live delivery for a conversation.
func (m *Manager) Leave(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	if m.joined == conversationID {
		m.joined = ""
	}
	connected := m.conn != nil
	m.mu.Unlock()

	if !connected {
		return nil
	}
	return m.Emit(ctx, EventConversationLeave, RoomPayload{ConversationID: conversationID})
}

// Joined returns the currently joined conversation id, if any.
func (m *Manager) Joined() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.joined
}

// Connected reports whether a live channel is currently up.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// Emit sends an outbound event. A nil return is the transport-level
// ack: the frame was handed to the connection, nothing more.
func (m *Manager) Emit(ctx context.Context, event string, payload any) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}
	data, err := json.Marshal(Envelope{Event: event, Payload: raw})
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", event, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

func (m *Manager) dial(ctx context.Context) error {
	// Tie the dial to the manager lifetime so Disconnect aborts it.
	m.mu.Lock()
	life := m.life
	m.mu.Unlock()
	dialCtx, dialCancel := context.WithCancel(ctx)
	defer dialCancel()
	stop := context.AfterFunc(life, dialCancel)
	defer stop()

	wsURL := deriveWSURL(m.cfg.URL)
	conn, resp, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + m.cfg.Token}},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial live channel: %w", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	if m.closed {
		// Disconnect completed while the handshake was in flight; the
		// fresh socket must not be installed after teardown.
		m.mu.Unlock()
		cancel()
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return fmt.Errorf("dial live channel: %w", errShutdown)
	}
	m.conn = conn
	m.readCancel = cancel
	joined := m.joined
	m.mu.Unlock()

	m.recon.markConnected()
	_ = m.machine.Transition(status.Online)
	m.bus.Publish("conn.connected", nil)
	m.logger.Info("live channel connected")

	go m.readLoop(readCtx, conn)

	// Re-scope delivery to the conversation that was joined before the
	// drop. The socket made no guarantee across the gap, so subscribers
	// are told to re-fetch history.
	if joined != "" {
		if err := m.Emit(ctx, EventConversationJoin, RoomPayload{ConversationID: joined}); err != nil {
			m.logger.Warn("rejoin failed", zap.String("conversation", joined), zap.Error(err))
		} else {
			m.bus.Publish("conn.rejoined", RoomPayload{ConversationID: joined})
		}
	}
	return nil
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || m.isClosed() {
				return
			}
			m.mu.Lock()
			m.conn = nil
			m.mu.Unlock()

			m.logger.Warn("live channel dropped", zap.Error(err))
			_ = m.machine.Transition(status.Reconnecting)
			m.bus.Publish("conn.disconnected", err.Error())
			m.startReconnect()
			return
		}
		m.handleFrame(data)
	}
}

// reconnectLoop retries with exponential backoff and full jitter until
// a dial succeeds or Disconnect is called.
func (m *Manager) reconnectLoop() {
	for {
		if m.isClosed() {
			return
		}
		attempt, delay := m.recon.next()
		m.bus.Publish("conn.reconnecting", ReconnectInfo{Attempt: attempt, Delay: delay})
		if attempt == degradedAfterAttempts {
			_ = m.machine.Transition(status.Degraded)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-m.doneCh():
			timer.Stop()
			return
		}

		_ = m.machine.Transition(status.Connecting)
		err := m.dial(context.Background())
		if err == nil {
			return
		}
		if m.isClosed() {
			return
		}
		m.logger.Warn("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		_ = m.machine.Transition(status.Reconnecting)
	}
}

// handleFrame decodes one inbound frame and publishes it on the bus.
// Malformed frames are logged and dropped; one bad event must not take
// down the dispatch loop.
func (m *Manager) handleFrame(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		m.logger.Warn("malformed frame", zap.Error(err))
		return
	}

	switch env.Event {
	case EventMessageNew:
		var msg model.Message
		if err := json.Unmarshal(env.Payload, &msg); err != nil || msg.ID == "" || msg.ConversationID == "" {
			m.logEventDrop(env.Event, err)
			return
		}
		if msg.Status == "" {
			msg.Status = model.StatusSent
		}
		m.bus.Publish("rt.message_new", &msg)

	case EventMessageRead:
		var p ReadPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.ConversationID == "" {
			m.logEventDrop(env.Event, err)
			return
		}
		m.bus.Publish("rt.message_read", &p)

	case EventMessageDelivered:
		var p DeliveredPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.MessageID == "" {
			m.logEventDrop(env.Event, err)
			return
		}
		m.bus.Publish("rt.message_delivered", &p)

	case EventMessageDeleted:
		var p DeletedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.MessageID == "" {
			m.logEventDrop(env.Event, err)
			return
		}
		m.bus.Publish("rt.message_deleted", &p)

	case EventTypingStart, EventTypingStop:
		var p TypingPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.ConversationID == "" || p.UserID == "" {
			m.logEventDrop(env.Event, err)
			return
		}
		if env.Event == EventTypingStart {
			m.bus.Publish("rt.typing_start", &p)
		} else {
			m.bus.Publish("rt.typing_stop", &p)
		}

	case EventUserOnline, EventUserOffline:
		var p PresencePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.UserID == "" {
			m.logEventDrop(env.Event, err)
			return
		}
		if env.Event == EventUserOnline {
			m.bus.Publish("rt.user_online", &p)
		} else {
			m.bus.Publish("rt.user_offline", &p)
		}

	default:
		m.logger.Debug("unhandled event", zap.String("event", env.Event))
	}
}

func (m *Manager) logEventDrop(event string, err error) {
	m.logger.Warn("malformed event dropped", zap.String("event", event), zap.Error(err))
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) doneCh() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

func deriveWSURL(base string) string {
	u := strings.Replace(base, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return strings.TrimSuffix(u, "/") + "/ws"
}
