// Package pipeline implements the optimistic write path: user intent is
// recorded in the local store synchronously, then propagated to the remote
// store by a background task with bounded retries. A message id is
// generated before any I/O and keyed at-most-one in-flight propagation, so
// replays and retries cannot double-apply.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"

	"github.com/noah-isme/chatsync/internal/models"
	"github.com/noah-isme/chatsync/internal/observability"
	"github.com/noah-isme/chatsync/internal/remote"
	"github.com/noah-isme/chatsync/internal/store"
)

var (
	// ErrEmptyMessage rejects sends whose text is empty after sanitization.
	ErrEmptyMessage = errors.New("message content empty after sanitization")

	// ErrUploadFailed marks a media upload failure. It is distinct from a
	// message-send failure: the message never left SENDING and was not
	// enqueued for remote propagation.
	ErrUploadFailed = errors.New("media upload failed")

	// ErrNotFailed rejects a retry for a message that is not in FAILED.
	ErrNotFailed = errors.New("message is not in a failed state")
)

const rmwAttempts = 3

// Uploader stores a media blob and returns a stable reference.
type Uploader interface {
	Upload(ctx context.Context, name string, reader io.Reader) (string, error)
}

type sendRequest struct {
	ConversationID string `validate:"required"`
	Text           string `validate:"required"`
}

// Pipeline accepts user-intent mutations and owns their propagation.
type Pipeline struct {
	store     *store.Store
	remote    *remote.Client
	uploader  Uploader
	validate  *validator.Validate
	sanitizer *bluemonday.Policy
	tracer    trace.Tracer
	log       zerolog.Logger
	selfID    string
	backoffs  []time.Duration

	// Propagation runs on baseCtx, not the caller's ctx: closing a screen
	// must not cancel a send the user already committed.
	baseCtx context.Context

	mu       sync.Mutex
	inflight map[string]struct{}
	lastTS   time.Time

	wg sync.WaitGroup
}

// New constructs a pipeline for the given local user. uploader may be nil
// when media sends are not configured.
func New(baseCtx context.Context, localStore *store.Store, remoteClient *remote.Client, uploader Uploader, validate *validator.Validate, selfID string, backoffs []time.Duration, log zerolog.Logger) *Pipeline {
	if len(backoffs) == 0 {
		backoffs = []time.Duration{time.Second, 4 * time.Second, 10 * time.Second}
	}

	sanitizer := bluemonday.StrictPolicy()

	return &Pipeline{
		store:     localStore,
		remote:    remoteClient,
		uploader:  uploader,
		validate:  validate,
		sanitizer: sanitizer,
		tracer:    otel.Tracer("github.com/noah-isme/chatsync/internal/pipeline"),
		log:       log.With().Str("component", "pipeline").Logger(),
		selfID:    selfID,
		backoffs:  backoffs,
		baseCtx:   baseCtx,
		inflight:  make(map[string]struct{}),
	}
}

// Wait blocks until every background propagation finished. Used on
// shutdown and in tests.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// nextTimestamp returns a client-assigned timestamp that is strictly
// monotonic for this sender even when sends land within the same tick.
func (p *Pipeline) nextTimestamp() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now().UTC()
	if !now.After(p.lastTS) {
		now = p.lastTS.Add(time.Nanosecond)
	}
	p.lastTS = now
	return now
}

// SendText records a TEXT message locally and enqueues remote propagation.
// The returned message is already visible to observers of the local store.
func (p *Pipeline) SendText(ctx context.Context, conversationID, text string) (models.Message, error) {
	clean := strings.TrimSpace(p.sanitizer.Sanitize(text))
	if clean == "" {
		return models.Message{}, ErrEmptyMessage
	}

	if err := p.validate.Struct(sendRequest{ConversationID: conversationID, Text: clean}); err != nil {
		return models.Message{}, err
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.send", trace.WithAttributes(
		attribute.String("chat.conversation_id", conversationID),
		attribute.String("chat.type", string(models.MessageTypeText)),
	))
	defer span.End()

	msg := p.newMessage(conversationID, models.MessageTypeText)
	msg.Text = clean

	if err := p.recordLocal(msg); err != nil {
		span.RecordError(err)
		return models.Message{}, err
	}

	observability.MessagesSent().WithLabelValues(string(models.MessageTypeText)).Inc()
	p.enqueue(msg.ID)
	return msg, nil
}

// SendMedia records an IMAGE or AUDIO message locally, uploads the blob
// out-of-band, and only enqueues remote propagation once a media reference
// exists. A failed upload leaves the message FAILED without ever reaching
// the remote write path.
func (p *Pipeline) SendMedia(ctx context.Context, conversationID string, kind models.MessageType, name string, blob io.Reader) (models.Message, error) {
	if kind != models.MessageTypeImage && kind != models.MessageTypeAudio {
		return models.Message{}, fmt.Errorf("unsupported media message type %q", kind)
	}
	if p.uploader == nil {
		return models.Message{}, fmt.Errorf("%w: no uploader configured", ErrUploadFailed)
	}

	msg := p.newMessage(conversationID, kind)
	if err := p.recordLocal(msg); err != nil {
		return models.Message{}, err
	}

	observability.MessagesSent().WithLabelValues(string(kind)).Inc()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ref, err := p.uploader.Upload(p.baseCtx, name, blob)
		if err != nil {
			p.log.Warn().Err(err).Str("message_id", msg.ID).Msg("media upload failed")
			if _, err := p.store.UpdateMessageStatus(msg.ID, models.StatusFailed); err != nil {
				p.log.Error().Err(err).Str("message_id", msg.ID).Msg("failed to mark message failed")
			}
			return
		}

		stored, err := p.store.GetMessage(msg.ID)
		if err != nil {
			p.log.Error().Err(err).Str("message_id", msg.ID).Msg("message vanished during upload")
			return
		}
		stored.MediaRef = ref
		if err := p.store.SaveMessage(stored); err != nil {
			p.log.Error().Err(err).Str("message_id", msg.ID).Msg("failed to attach media reference")
			return
		}

		p.enqueue(msg.ID)
	}()

	return msg, nil
}

// Retry re-enqueues a FAILED message under its original id.
func (p *Pipeline) Retry(messageID string) error {
	msg, err := p.store.GetMessage(messageID)
	if err != nil {
		return err
	}
	if msg.Status != models.StatusFailed {
		return ErrNotFailed
	}

	if _, err := p.store.UpdateMessageStatus(messageID, models.StatusSending); err != nil {
		return err
	}
	p.enqueue(messageID)
	return nil
}

// Resume re-enqueues every SENDING message left over from a previous run.
func (p *Pipeline) Resume() error {
	pending, err := p.store.PendingMessages()
	if err != nil {
		return err
	}
	for _, msg := range pending {
		if msg.Status == models.StatusSending && msg.MediaRefRequired() {
			continue // upload never finished, user must retry explicitly
		}
		if msg.Status == models.StatusSending {
			p.enqueue(msg.ID)
		}
	}
	return nil
}

func (p *Pipeline) newMessage(conversationID string, kind models.MessageType) models.Message {
	return models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       p.selfID,
		Type:           kind,
		Timestamp:      p.nextTimestamp(),
		Status:         models.StatusSending,
	}
}

// recordLocal persists the optimistic record and refreshes the
// conversation's list-row summary in the same breath, so the UI reorders
// instantly. The reconciler overwrites the summary later with whatever the
// remote store confirms.
func (p *Pipeline) recordLocal(msg models.Message) error {
	if err := p.store.SaveMessage(msg); err != nil {
		return err
	}
	if err := p.store.TouchLastMessage(msg); err != nil && !errors.Is(err, store.ErrNotFound) {
		p.log.Warn().Err(err).Str("conversation_id", msg.ConversationID).Msg("failed to refresh last message summary")
	}
	return nil
}

// enqueue starts the background propagation for a message id unless one is
// already in flight for it.
func (p *Pipeline) enqueue(messageID string) {
	p.mu.Lock()
	if _, busy := p.inflight[messageID]; busy {
		p.mu.Unlock()
		return
	}
	p.inflight[messageID] = struct{}{}
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.inflight, messageID)
			p.mu.Unlock()
		}()
		p.propagate(messageID)
	}()
}

// propagate pushes one message to the remote store with bounded retries,
// then advances the local status to SENT or FAILED. It runs on the
// pipeline's base context so it survives UI lifecycle changes.
func (p *Pipeline) propagate(messageID string) {
	for attempt := 0; ; attempt++ {
		msg, err := p.store.GetMessage(messageID)
		if err != nil {
			p.log.Error().Err(err).Str("message_id", messageID).Msg("cannot propagate unknown message")
			return
		}
		if msg.Status != models.StatusSending {
			return // echo already confirmed it, or a retry was superseded
		}

		outbound := msg
		outbound.Status = models.StatusSent

		_, err = p.remote.Write(p.baseCtx, remote.MessagePath(msg.ConversationID, msg.ID), outbound, nil)
		if err == nil {
			if _, err := p.store.UpdateMessageStatus(messageID, models.StatusSent); err != nil {
				p.log.Error().Err(err).Str("message_id", messageID).Msg("failed to record sent status")
			}
			return
		}

		if remote.Permanent(err) || attempt >= len(p.backoffs) {
			p.fail(messageID, err)
			return
		}

		observability.SendRetries().Inc()
		p.log.Warn().Err(err).Str("message_id", messageID).Int("attempt", attempt+1).Msg("remote write failed, backing off")

		timer := time.NewTimer(p.backoffs[attempt])
		select {
		case <-p.baseCtx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (p *Pipeline) fail(messageID string, cause error) {
	observability.SendFailures().Inc()
	p.log.Error().Err(cause).Str("message_id", messageID).Msg("send exhausted retries, marking failed")
	if _, err := p.store.UpdateMessageStatus(messageID, models.StatusFailed); err != nil {
		p.log.Error().Err(err).Str("message_id", messageID).Msg("failed to mark message failed")
	}
}

func jsonTimes(m map[string]time.Time) datatypes.JSONType[map[string]time.Time] {
	return datatypes.NewJSONType(m)
}
