package cache

import (
	"go.uber.org/zap"

	"github.com/mvribeiro/wayfarer/internal/bus"
	"github.com/mvribeiro/wayfarer/internal/model"
	"github.com/mvribeiro/wayfarer/internal/transport"
)

// Writer mirrors engine state into the cache db as it changes. Writes
// are best effort: a cache failure is logged and the engine keeps
// running, since the server remains the source of truth.
type Writer struct {
	db     *DB
	bus    *bus.Bus
	logger *zap.Logger

	unsub func()
	stop  chan struct{}
	done  chan struct{}
}

// NewWriter creates a cache writer.
func NewWriter(db *DB, b *bus.Bus, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{db: db, bus: b, logger: logger.Named("cache")}
}

// Start subscribes the writer to conversation and message traffic.
func (w *Writer) Start() {
	convoCh, convoUnsub := w.bus.Subscribe("convo.", 256)
	rtCh, rtUnsub := w.bus.Subscribe("rt.message_", 256)
	w.unsub = func() {
		convoUnsub()
		rtUnsub()
	}
	w.stop = make(chan struct{})
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		for {
			select {
			case evt := <-convoCh:
				w.handleConvo(evt)
			case evt := <-rtCh:
				w.handleMessage(evt)
			case <-w.stop:
				return
			}
		}
	}()
}

// Stop releases the bus subscription.
func (w *Writer) Stop() {
	if w.unsub == nil {
		return
	}
	w.unsub()
	close(w.stop)
	<-w.done
	w.unsub = nil
}

func (w *Writer) handleConvo(evt bus.Event) {
	switch evt.Kind {
	case "convo.updated":
		convo, ok := evt.Payload.(model.Conversation)
		if !ok {
			return
		}
		if err := w.db.UpsertConversation(&convo); err != nil {
			w.logger.Warn("conversation not cached", zap.String("conversation", convo.ID), zap.Error(err))
		}
	case "convo.removed":
		id, ok := evt.Payload.(string)
		if !ok {
			return
		}
		if err := w.db.DeleteConversation(id); err != nil {
			w.logger.Warn("conversation not evicted", zap.String("conversation", id), zap.Error(err))
		}
	}
}

func (w *Writer) handleMessage(evt bus.Event) {
	switch evt.Kind {
	case "rt.message_new":
		msg, ok := evt.Payload.(*model.Message)
		if !ok {
			return
		}
		if err := w.db.UpsertMessage(msg); err != nil {
			w.logger.Warn("message not cached", zap.String("message", msg.ID), zap.Error(err))
		}
	case "rt.message_deleted":
		p, ok := evt.Payload.(*transport.DeletedPayload)
		if !ok {
			return
		}
		if err := w.db.DeleteMessage(p.MessageID); err != nil {
			w.logger.Warn("message not evicted", zap.String("message", p.MessageID), zap.Error(err))
		}
	}
}
