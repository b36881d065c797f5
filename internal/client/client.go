// Package client wires the sync core together: local store, remote store
// client, reconciler, optimistic write pipeline, and presence coordinator.
// It owns conversation lifecycle: opening a conversation starts its
// reconciliation and presence, closing it stops both without touching
// in-flight sends.
package client

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"

	"github.com/noah-isme/chatsync/internal/models"
	"github.com/noah-isme/chatsync/internal/pipeline"
	"github.com/noah-isme/chatsync/internal/presence"
	"github.com/noah-isme/chatsync/internal/reconciler"
	"github.com/noah-isme/chatsync/internal/remote"
	"github.com/noah-isme/chatsync/internal/settings"
	"github.com/noah-isme/chatsync/internal/store"
)

// Options configures a Client.
type Options struct {
	SelfID            string
	Store             *store.Store
	Remote            *remote.Client
	Uploader          pipeline.Uploader
	Validate          *validator.Validate
	SendRetryBackoffs []time.Duration
	TypingDebounce    time.Duration
	TypingTTL         time.Duration
	HeartbeatInterval time.Duration
	Logger            zerolog.Logger
}

// Client is the sync core facade the UI talks to. The UI observes the
// local store through the Observe methods and issues intents through the
// mutation methods; it never sees raw remote errors, only state.
type Client struct {
	selfID     string
	store      *store.Store
	remote     *remote.Client
	pipeline   *pipeline.Pipeline
	presence   *presence.Coordinator
	reconciler *reconciler.Reconciler
	log        zerolog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	open   map[string]context.CancelFunc
	active string
}

// New assembles a client from its parts. Nothing is started until Start.
func New(opts Options) (*Client, error) {
	if opts.SelfID == "" {
		return nil, fmt.Errorf("self user id must be provided")
	}
	if opts.Store == nil || opts.Remote == nil {
		return nil, fmt.Errorf("store and remote client must be provided")
	}
	if opts.Validate == nil {
		opts.Validate = validator.New(validator.WithRequiredStructEnabled())
	}

	baseCtx, cancel := context.WithCancel(context.Background())

	c := &Client{
		selfID:  opts.SelfID,
		store:   opts.Store,
		remote:  opts.Remote,
		log:     opts.Logger.With().Str("component", "client").Logger(),
		baseCtx: baseCtx,
		cancel:  cancel,
		open:    make(map[string]context.CancelFunc),
	}

	c.pipeline = pipeline.New(baseCtx, opts.Store, opts.Remote, opts.Uploader, opts.Validate, opts.SelfID, opts.SendRetryBackoffs, opts.Logger)
	c.presence = presence.New(baseCtx, opts.Remote, opts.SelfID, opts.TypingDebounce, opts.TypingTTL, opts.HeartbeatInterval, opts.Logger)
	c.reconciler = reconciler.New(opts.Remote, opts.Store, opts.SelfID, opts.Logger)

	return c, nil
}

// Start brings the client online: own-profile reconciliation, presence
// heartbeats, and resumption of sends interrupted by the last shutdown.
func (c *Client) Start() error {
	go c.reconciler.RunUser(c.baseCtx, c.selfID)
	c.presence.SetForeground()

	if err := c.pipeline.Resume(); err != nil {
		return fmt.Errorf("failed to resume pending sends: %w", err)
	}
	return nil
}

// Close takes the client offline. Presence flips to offline first so peers
// see it promptly; in-flight sends are given the chance to finish.
func (c *Client) Close() {
	c.presence.SetBackground()

	c.mu.Lock()
	for id, cancel := range c.open {
		cancel()
		delete(c.open, id)
	}
	c.mu.Unlock()

	c.cancel()
	c.pipeline.Wait()
	c.store.Close()
}

// --- conversation lifecycle ---

// OpenConversation starts reconciliation for a conversation. Safe to call
// twice; the second call is a no-op.
func (c *Client) OpenConversation(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.open[conversationID]; ok {
		return
	}

	ctx, cancel := context.WithCancel(c.baseCtx)
	c.open[conversationID] = cancel
	go c.reconciler.RunConversation(ctx, conversationID)
}

// CloseConversation stops the conversation's reconciler listeners and
// presence timers. Sends already in flight complete or fail independently
// of the screen lifecycle.
func (c *Client) CloseConversation(conversationID string) {
	c.mu.Lock()
	cancel, ok := c.open[conversationID]
	if ok {
		delete(c.open, conversationID)
	}
	if c.active == conversationID {
		c.active = ""
	}
	c.mu.Unlock()

	if ok {
		cancel()
	}
	c.presence.TypingStopped(conversationID)
}

// SetActiveConversation records which conversation is foregrounded. The
// notification handler reads this to suppress local notifications for the
// visible thread.
func (c *Client) SetActiveConversation(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = conversationID
}

// ShouldNotify reports whether a message in the given conversation should
// raise a local notification.
func (c *Client) ShouldNotify(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != conversationID
}

// WatchUser follows a peer's profile document (presence included) until
// the client closes.
func (c *Client) WatchUser(userID string) {
	go c.reconciler.RunUser(c.baseCtx, userID)
}

// --- intents ---

// CreateConversation registers a new conversation locally and remotely.
func (c *Client) CreateConversation(ctx context.Context, kind models.ConversationKind, participantIDs []string, name string) (models.Conversation, error) {
	conv := models.Conversation{
		ID:             uuid.NewString(),
		Kind:           kind,
		ParticipantIDs: datatypes.NewJSONSlice(participantIDs),
		Name:           name,
		UpdatedAt:      time.Now().UTC(),
	}
	if !conv.Valid() {
		return models.Conversation{}, fmt.Errorf("invalid conversation: kind %s with %d participants", kind, len(participantIDs))
	}

	if err := c.store.SaveConversation(conv); err != nil {
		return models.Conversation{}, err
	}
	if _, err := c.remote.Write(ctx, remote.ConversationPath(conv.ID), conv, nil); err != nil {
		// The local copy stands; the next mutation's read-modify-write
		// creates the remote document.
		c.log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("failed to create remote conversation")
	}
	return conv, nil
}

// SendText sends a text message through the optimistic pipeline and clears
// the typing indicator.
func (c *Client) SendText(ctx context.Context, conversationID, text string) (models.Message, error) {
	msg, err := c.pipeline.SendText(ctx, conversationID, text)
	if err != nil {
		return models.Message{}, err
	}
	c.presence.TypingStopped(conversationID)
	return msg, nil
}

// SendMedia sends an image or audio message; see pipeline.SendMedia.
func (c *Client) SendMedia(ctx context.Context, conversationID string, kind models.MessageType, name string, blob io.Reader) (models.Message, error) {
	return c.pipeline.SendMedia(ctx, conversationID, kind, name, blob)
}

// RetrySend re-enqueues a failed message.
func (c *Client) RetrySend(messageID string) error { return c.pipeline.Retry(messageID) }

// MarkConversationRead stamps read receipts for everything visible.
func (c *Client) MarkConversationRead(conversationID string) error {
	return c.pipeline.MarkConversationRead(conversationID)
}

// ToggleReaction toggles this user's emoji reaction on a message.
func (c *Client) ToggleReaction(conversationID, messageID, emoji string) error {
	return c.pipeline.ToggleReaction(conversationID, messageID, emoji)
}

// SetNickname sets this user's nickname inside a conversation.
func (c *Client) SetNickname(conversationID, nickname string) error {
	return c.pipeline.SetNickname(conversationID, nickname)
}

// SetConversationSetting writes or clears a conversation-level override.
func (c *Client) SetConversationSetting(conversationID, feature string, value *bool) error {
	return c.pipeline.SetConversationSetting(conversationID, feature, value)
}

// SetUserDefault writes a user-level feature default.
func (c *Client) SetUserDefault(feature string, value bool) error {
	return c.pipeline.SetUserDefault(feature, value)
}

// HideConversation hides the conversation's history for this user.
func (c *Client) HideConversation(conversationID string) error {
	return c.pipeline.HideConversation(conversationID)
}

// Typing reports local text-input activity.
func (c *Client) Typing(conversationID string) {
	c.presence.TypingActivity(conversationID)
}

// ObserveTyping streams peers typing in a conversation.
func (c *Client) ObserveTyping(ctx context.Context, conversationID string) <-chan []models.TypingIndicator {
	return c.presence.ObserveTyping(ctx, conversationID)
}

// --- reads ---

// Store exposes the local store for observation by the UI layer.
func (c *Client) Store() *store.Store { return c.store }

// EffectiveSetting resolves a feature toggle for a conversation at read
// time: conversation override first, then this user's default, then the
// system default.
func (c *Client) EffectiveSetting(conversationID, feature string) bool {
	override := settings.Unset
	if conv, err := c.store.GetConversation(conversationID); err == nil {
		override = settings.OverrideFrom(conv.Override(feature))
	}

	var defaults map[string]bool
	if user, err := c.store.GetUser(c.selfID); err == nil {
		defaults = user.FeatureDefaults()
	}

	return settings.Effective(feature, override, defaults)
}

// PeerOnline derives effective online state for a peer from the cached
// user record.
func (c *Client) PeerOnline(userID string, now time.Time) bool {
	user, err := c.store.GetUser(userID)
	if err != nil {
		return false
	}
	return presence.EffectiveOnline(user, now, c.presence.HeartbeatInterval())
}
