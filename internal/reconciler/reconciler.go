// Package reconciler merges remote change events into the local store. It
// is the only writer that transcribes remote state to local state. Events
// are applied as idempotent upserts keyed by entity id, so duplicate
// delivery is harmless; stream errors are retried forever by the remote
// client's subscriptions and never clear local data; stale-but-present
// beats empty.
package reconciler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"

	"github.com/noah-isme/chatsync/internal/models"
	"github.com/noah-isme/chatsync/internal/observability"
	"github.com/noah-isme/chatsync/internal/remote"
	"github.com/noah-isme/chatsync/internal/store"
)

const ackAttempts = 3

// Reconciler consumes change streams and upserts into the local store.
type Reconciler struct {
	remote *remote.Client
	store  *store.Store
	selfID string
	log    zerolog.Logger
}

// New constructs a reconciler for the given local user.
func New(remoteClient *remote.Client, localStore *store.Store, selfID string, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		remote: remoteClient,
		store:  localStore,
		selfID: selfID,
		log:    log.With().Str("component", "reconciler").Logger(),
	}
}

// RunConversation follows one conversation until ctx is cancelled: one
// subscription on the conversation document and one on its message
// sub-collection.
func (r *Reconciler) RunConversation(ctx context.Context, conversationID string) {
	docs := r.remote.SubscribeDoc(ctx, remote.ConversationPath(conversationID))
	msgs := r.remote.SubscribeCollection(ctx, remote.MessagesPrefix(conversationID))

	for docs != nil || msgs != nil {
		select {
		case event, ok := <-docs:
			if !ok {
				docs = nil
				continue
			}
			r.Apply(ctx, event)
		case event, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			r.Apply(ctx, event)
		}
	}
}

// RunUser follows one user profile document until ctx is cancelled.
func (r *Reconciler) RunUser(ctx context.Context, userID string) {
	for event := range r.remote.SubscribeDoc(ctx, remote.UserPath(userID)) {
		r.Apply(ctx, event)
	}
}

// Apply routes a single change event by its document path. Errors are
// logged and swallowed: a bad event must not tear down the stream, and the
// local store is never cleared because an event failed to apply.
func (r *Reconciler) Apply(ctx context.Context, event remote.Event) {
	segments := strings.Split(event.Doc.Path, "/")

	switch {
	case len(segments) == 2 && segments[0] == "users":
		r.applyUser(event)
	case len(segments) == 2 && segments[0] == "conversations":
		r.applyConversation(event)
	case len(segments) == 4 && segments[0] == "conversations" && segments[2] == "messages":
		r.applyMessage(ctx, event)
	case len(segments) == 4 && segments[0] == "conversations" && segments[2] == "typing":
		// Ephemeral presence is observed directly, never cached durably.
	default:
		r.log.Debug().Str("path", event.Doc.Path).Msg("ignoring event for unknown path")
	}
}

func (r *Reconciler) applyUser(event remote.Event) {
	var user models.User
	if err := event.Doc.Decode(&user); err != nil {
		r.log.Warn().Err(err).Str("path", event.Doc.Path).Msg("undecodable user document")
		return
	}
	if err := r.store.SaveUser(user); err != nil {
		r.log.Error().Err(err).Str("user_id", user.ID).Msg("failed to upsert user")
		return
	}
	observability.ReconcileEvents().WithLabelValues("user").Inc()
}

func (r *Reconciler) applyConversation(event remote.Event) {
	var conv models.Conversation
	if err := event.Doc.Decode(&conv); err != nil {
		r.log.Warn().Err(err).Str("path", event.Doc.Path).Msg("undecodable conversation document")
		return
	}
	conv.Revision = event.Doc.Revision

	if err := r.store.MergeRemoteConversation(conv); err != nil {
		r.log.Error().Err(err).Str("conversation_id", conv.ID).Msg("failed to merge conversation")
		return
	}
	observability.ReconcileEvents().WithLabelValues("conversation").Inc()
}

func (r *Reconciler) applyMessage(ctx context.Context, event remote.Event) {
	var msg models.Message
	if err := event.Doc.Decode(&msg); err != nil {
		r.log.Warn().Err(err).Str("path", event.Doc.Path).Msg("undecodable message document")
		return
	}
	msg.Revision = event.Doc.Revision

	if err := r.store.MergeRemoteMessage(msg); err != nil {
		r.log.Error().Err(err).Str("message_id", msg.ID).Msg("failed to merge message")
		return
	}

	// Keep the list-row summary consistent with the newest message.
	if err := r.store.TouchLastMessage(msg); err != nil && !errors.Is(err, store.ErrNotFound) {
		r.log.Warn().Err(err).Str("conversation_id", msg.ConversationID).Msg("failed to refresh last message summary")
	}

	observability.ReconcileEvents().WithLabelValues("message").Inc()

	if r.shouldAck(msg) {
		go r.ackDelivery(ctx, msg.ConversationID, msg.ID)
	}
}

// shouldAck reports whether this client owes the sender a delivery receipt.
func (r *Reconciler) shouldAck(msg models.Message) bool {
	if msg.SenderID == r.selfID {
		return false
	}
	_, acked := msg.DeliveredTimestamps()[r.selfID]
	return !acked
}

// ackDelivery records this client in the remote message's deliveredTo map
// and advances SENT to DELIVERED. The write is a read-modify-write guarded
// by the document revision; a conflict means another participant updated
// the message first, so the loop re-reads and reapplies.
func (r *Reconciler) ackDelivery(ctx context.Context, conversationID, messageID string) {
	path := remote.MessagePath(conversationID, messageID)

	for attempt := 0; attempt < ackAttempts; attempt++ {
		doc, err := r.remote.Read(ctx, path)
		if err != nil {
			r.log.Warn().Err(err).Str("path", path).Msg("delivery ack read failed")
			return
		}

		var msg models.Message
		if err := doc.Decode(&msg); err != nil {
			r.log.Warn().Err(err).Str("path", path).Msg("delivery ack decode failed")
			return
		}

		delivered := msg.DeliveredTimestamps()
		if _, ok := delivered[r.selfID]; ok {
			return
		}
		delivered[r.selfID] = time.Now().UTC()
		msg.DeliveredTo = jsonMap(delivered)
		if msg.Status == models.StatusSent {
			msg.Status = models.StatusDelivered
		}

		rev := doc.Revision
		if _, err := r.remote.Write(ctx, path, msg, &rev); err != nil {
			if errors.Is(err, remote.ErrConflict) {
				continue
			}
			r.log.Warn().Err(err).Str("path", path).Msg("delivery ack write failed")
			return
		}
		return
	}
}

func jsonMap(m map[string]time.Time) datatypes.JSONType[map[string]time.Time] {
	return datatypes.NewJSONType(m)
}
