package composer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mvribeiro/wayfarer/internal/bus"
	"github.com/mvribeiro/wayfarer/internal/model"
	"github.com/mvribeiro/wayfarer/internal/rest"
	"github.com/mvribeiro/wayfarer/internal/transport"
)

var (
	// ErrEmptyDraft is returned by Send when there is nothing to send.
	ErrEmptyDraft = errors.New("draft has no text and no attachment")
	// ErrAttachmentTooLarge is returned by Attach for oversized files.
	ErrAttachmentTooLarge = errors.New("attachment exceeds size limit")
	// ErrAttachmentStaged is returned by Attach when a file is already staged.
	ErrAttachmentStaged = errors.New("draft already has an attachment")
	// ErrUnknownSend is returned by Retry for client ids it is not tracking.
	ErrUnknownSend = errors.New("no failed send with that client id")
	// ErrSendInFlight is returned by Retry while the first attempt is
	// still being delivered.
	ErrSendInFlight = errors.New("send still in flight, not retryable")
)

// uploadTimeout bounds the REST delivery path; attachment uploads can
// legitimately outlive the live-channel ack window.
const uploadTimeout = 60 * time.Second

// StagedFile is an attachment staged on a draft. Open is called at
// delivery time (and again on retry) so the bytes are never buffered in
// the draft.
type StagedFile struct {
	Name string
	Mime string
	Size int64
	Open func() (io.ReadCloser, error)
}

// Draft is the per-conversation compose state. It survives conversation
// switches; only a successful Send clears it.
type Draft struct {
	Text string
	File *StagedFile
}

// liveEmitter sends frames over the live channel.
type liveEmitter interface {
	Emit(ctx context.Context, event string, payload any) error
}

// uploader is the REST delivery path.
type uploader interface {
	SendMessage(ctx context.Context, conversationID, clientID, content string, upload *rest.Upload) (*model.Message, error)
}

// timeline is the synchronizer surface the composer drives.
type timeline interface {
	AppendPending(msg model.Message) error
	MarkFailed(clientID string)
	MarkRetrying(clientID string) bool
}

// Config tunes the composer.
type Config struct {
	AckTimeout        time.Duration // wait for the server echo before failing a send
	MaxAttachmentSize int64
}

// sendJob is everything needed to deliver (or re-deliver) one message.
type sendJob struct {
	clientID       string
	conversationID string
	content        string
	file           *StagedFile
}

// Composer owns drafts and the optimistic send pipeline. Text goes over
// the live channel and is confirmed by the server echo; attachments go
// over REST, which is the only path that can carry bytes. Failures keep
// the optimistic entry (marked failed) and enough state to retry it
// without ever producing a second visible message.
type Composer struct {
	cfg     Config
	emitter liveEmitter
	api     uploader
	thread  timeline
	bus     *bus.Bus
	logger  *zap.Logger
	selfID  string

	mu      sync.Mutex
	drafts  map[string]*Draft
	pending map[string]sendJob // failed or in-flight sends by client id
}

// New creates a composer for the given user.
func New(cfg Config, emitter liveEmitter, api uploader, thread timeline, b *bus.Bus, selfID string, logger *zap.Logger) *Composer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Composer{
		cfg:     cfg,
		emitter: emitter,
		api:     api,
		thread:  thread,
		bus:     b,
		logger:  logger.Named("composer"),
		selfID:  selfID,
		drafts:  make(map[string]*Draft),
		pending: make(map[string]sendJob),
	}
}

// SetText updates the draft text for a conversation.
func (c *Composer) SetText(conversationID, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.draftLocked(conversationID).Text = text
}

// Draft returns a copy of the compose state for a conversation.
func (c *Composer) Draft(conversationID string) Draft {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.drafts[conversationID]
	if !ok {
		return Draft{}
	}
	return *d
}

// Attach stages one file on the draft. A draft carries at most one
// attachment; staging over an existing one is rejected so nothing is
// dropped silently.
func (c *Composer) Attach(conversationID string, file StagedFile) error {
	if file.Size > c.cfg.MaxAttachmentSize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrAttachmentTooLarge, file.Size, c.cfg.MaxAttachmentSize)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.draftLocked(conversationID)
	if d.File != nil {
		return ErrAttachmentStaged
	}
	d.File = &file
	return nil
}

// ClearAttachment unstages the draft attachment.
func (c *Composer) ClearAttachment(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.drafts[conversationID]; ok {
		d.File = nil
	}
}

func (c *Composer) draftLocked(conversationID string) *Draft {
	d, ok := c.drafts[conversationID]
	if !ok {
		d = &Draft{}
		c.drafts[conversationID] = d
	}
	return d
}

// Send turns the draft into an optimistic pending message and starts
// delivery in the background. The returned client id identifies the
// entry until the server names it. The draft is cleared immediately;
// a failed delivery is retried via Retry, not by re-composing.
func (c *Composer) Send(conversationID string) (string, error) {
	c.mu.Lock()
	d, ok := c.drafts[conversationID]
	if !ok || (d.Text == "" && d.File == nil) {
		c.mu.Unlock()
		return "", ErrEmptyDraft
	}
	job := sendJob{
		clientID:       uuid.NewString(),
		conversationID: conversationID,
		content:        d.Text,
		file:           d.File,
	}
	delete(c.drafts, conversationID)
	c.pending[job.clientID] = job
	c.mu.Unlock()

	msg := model.Message{
		ClientID:       job.clientID,
		ConversationID: conversationID,
		SenderID:       c.selfID,
		Content:        job.content,
		Status:         model.StatusPending,
		CreatedAt:      time.Now(),
	}
	if job.file != nil {
		msg.Attachment = &model.Attachment{
			Name: job.file.Name, Size: job.file.Size, Mime: job.file.Mime,
		}
	}
	if err := c.thread.AppendPending(msg); err != nil {
		c.mu.Lock()
		delete(c.pending, job.clientID)
		c.mu.Unlock()
		return "", err
	}

	go c.deliver(job)
	return job.clientID, nil
}

// Retry re-delivers a failed send. The optimistic entry goes back to
// pending and delivery restarts with the same client id; the timeline
// never shows a second row for a retried message.
func (c *Composer) Retry(clientID string) error {
	c.mu.Lock()
	job, ok := c.pending[clientID]
	c.mu.Unlock()
	if !ok {
		return ErrUnknownSend
	}

	// The pending map also holds jobs whose first attempt has not
	// resolved yet; re-delivering one of those would race the original
	// attempt and leave a duplicate row once both echoes land. Only an
	// entry actually sitting in failed may go again.
	if !c.thread.MarkRetrying(clientID) {
		return ErrSendInFlight
	}
	go c.deliver(job)
	return nil
}

func (c *Composer) deliver(job sendJob) {
	if job.file != nil {
		c.deliverREST(job)
		return
	}
	c.deliverLive(job)
}

// deliverLive pushes a text message over the live channel and waits for
// the server echo that names it. No echo inside the ack window means
// the send failed as far as the user is concerned, whatever happened on
// the wire.
func (c *Composer) deliverLive(job sendJob) {
	// Subscribe before emitting so the echo cannot slip past.
	ch, unsub := c.bus.Subscribe("thread.reconciled", 32)
	defer unsub()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.AckTimeout)
	defer cancel()

	err := c.emitter.Emit(ctx, transport.EventMessageSend, transport.SendPayload{
		ConversationID: job.conversationID,
		ClientID:       job.clientID,
		Content:        job.content,
	})
	if err != nil {
		c.logger.Warn("live send failed", zap.String("clientId", job.clientID), zap.Error(err))
		c.fail(job.clientID)
		return
	}

	timer := time.NewTimer(c.cfg.AckTimeout)
	defer timer.Stop()
	for {
		select {
		case evt := <-ch:
			msg, ok := evt.Payload.(*model.Message)
			if ok && msg.ClientID == job.clientID {
				c.settle(job.clientID)
				return
			}
		case <-timer.C:
			c.logger.Warn("send ack timed out", zap.String("clientId", job.clientID))
			c.fail(job.clientID)
			return
		}
	}
}

// deliverREST uploads an attachment message. The confirmed message is
// replayed onto the bus so the timeline reconciles it exactly as if the
// echo had arrived over the live channel; the eventual broadcast copy
// dedupes away.
func (c *Composer) deliverREST(job sendJob) {
	ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
	defer cancel()

	rc, err := job.file.Open()
	if err != nil {
		c.logger.Warn("attachment open failed", zap.String("clientId", job.clientID), zap.Error(err))
		c.fail(job.clientID)
		return
	}
	defer func() { _ = rc.Close() }()

	msg, err := c.api.SendMessage(ctx, job.conversationID, job.clientID, job.content, &rest.Upload{
		Name:   job.file.Name,
		Mime:   job.file.Mime,
		Size:   job.file.Size,
		Reader: rc,
	})
	if err != nil {
		c.logger.Warn("attachment send failed", zap.String("clientId", job.clientID), zap.Error(err))
		c.fail(job.clientID)
		return
	}

	c.settle(job.clientID)
	c.bus.Publish("rt.message_new", msg)
}

func (c *Composer) fail(clientID string) {
	c.thread.MarkFailed(clientID)
}

// settle forgets a delivered send; the pending job is no longer
// retryable once the server has it.
func (c *Composer) settle(clientID string) {
	c.mu.Lock()
	delete(c.pending, clientID)
	c.mu.Unlock()
}
