package composer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mvribeiro/wayfarer/internal/transport"
)

// Notifier turns keystrokes into typing:start / typing:stop frames.
// The first input in an idle conversation starts the indicator; it
// stops after an idle interval, on an explicit Stop, or when input
// moves to another conversation. Emits are best effort; a dropped
// indicator costs nothing.
type Notifier struct {
	emitter liveEmitter
	idle    time.Duration
	logger  *zap.Logger

	mu     sync.Mutex
	active string // conversation currently marked as being typed in
	timer  *time.Timer
}

// NewNotifier creates a notifier; idle is how long after the last
// keystroke the indicator is withdrawn.
func NewNotifier(emitter liveEmitter, idle time.Duration, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{emitter: emitter, idle: idle, logger: logger.Named("typing")}
}

// Input records a keystroke in a conversation.
func (n *Notifier) Input(ctx context.Context, conversationID string) {
	n.mu.Lock()
	prev := n.active
	switching := prev != "" && prev != conversationID
	starting := prev != conversationID
	n.active = conversationID
	if n.timer != nil {
		n.timer.Stop()
	}
	n.timer = time.AfterFunc(n.idle, n.expire)
	n.mu.Unlock()

	if switching {
		n.emit(ctx, transport.EventTypingStop, prev)
	}
	if starting {
		n.emit(ctx, transport.EventTypingStart, conversationID)
	}
}

// Stop withdraws the indicator immediately (message sent, conversation
// closed, input cleared).
func (n *Notifier) Stop(ctx context.Context) {
	n.mu.Lock()
	prev := n.active
	n.active = ""
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	n.mu.Unlock()

	if prev != "" {
		n.emit(ctx, transport.EventTypingStop, prev)
	}
}

// expire fires when the idle interval elapses with no further input.
func (n *Notifier) expire() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	n.Stop(ctx)
}

func (n *Notifier) emit(ctx context.Context, event, conversationID string) {
	err := n.emitter.Emit(ctx, event, transport.TypingPayload{ConversationID: conversationID})
	if err != nil {
		n.logger.Debug("typing indicator not emitted",
			zap.String("event", event), zap.Error(err))
	}
}
