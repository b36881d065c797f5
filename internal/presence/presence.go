// Package presence manages ephemeral signals: typing indicators and
// online/last-seen heartbeats. It is deliberately decoupled from durable
// message sync: nothing here participates in delivery correctness, and
// observers defend against stale flags with TTL windows instead of
// trusting raw values.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/chatsync/internal/models"
	"github.com/noah-isme/chatsync/internal/observability"
	"github.com/noah-isme/chatsync/internal/remote"
)

// Coordinator owns this user's outgoing presence writes and exposes
// observation streams for peers.
type Coordinator struct {
	remote    *remote.Client
	log       zerolog.Logger
	selfID    string
	debounce  time.Duration
	ttl       time.Duration
	heartbeat time.Duration
	baseCtx   context.Context

	mu       sync.Mutex
	timers   map[string]*time.Timer
	stopBeat context.CancelFunc
}

// New constructs a presence coordinator for the given user.
func New(baseCtx context.Context, remoteClient *remote.Client, selfID string, debounce, ttl, heartbeat time.Duration, log zerolog.Logger) *Coordinator {
	if debounce <= 0 {
		debounce = 3 * time.Second
	}
	if ttl <= 0 {
		ttl = 6 * time.Second
	}
	if heartbeat <= 0 {
		heartbeat = time.Minute
	}
	return &Coordinator{
		remote:    remoteClient,
		log:       log.With().Str("component", "presence").Logger(),
		selfID:    selfID,
		debounce:  debounce,
		ttl:       ttl,
		heartbeat: heartbeat,
		baseCtx:   baseCtx,
		timers:    make(map[string]*time.Timer),
	}
}

// HeartbeatInterval exposes the configured interval so consumers can apply
// the 2x staleness rule.
func (c *Coordinator) HeartbeatInterval() time.Duration { return c.heartbeat }

// --- typing ---

// TypingActivity is called on every local text-input change. It writes the
// typing flag and arms (or re-arms) the debounce timer; when no further
// input arrives before it fires, the flag is cleared.
func (c *Coordinator) TypingActivity(conversationID string) {
	c.writeTyping(conversationID, true)

	c.mu.Lock()
	defer c.mu.Unlock()
	if timer, ok := c.timers[conversationID]; ok {
		timer.Reset(c.debounce)
		return
	}
	c.timers[conversationID] = time.AfterFunc(c.debounce, func() {
		c.mu.Lock()
		delete(c.timers, conversationID)
		c.mu.Unlock()
		c.writeTyping(conversationID, false)
	})
}

// TypingStopped is called on message send or when the screen closes: it
// cancels the pending debounce and clears the flag immediately.
func (c *Coordinator) TypingStopped(conversationID string) {
	c.mu.Lock()
	if timer, ok := c.timers[conversationID]; ok {
		timer.Stop()
		delete(c.timers, conversationID)
	}
	c.mu.Unlock()

	c.writeTyping(conversationID, false)
}

func (c *Coordinator) writeTyping(conversationID string, typing bool) {
	indicator := models.TypingIndicator{
		ConversationID: conversationID,
		UserID:         c.selfID,
		IsTyping:       typing,
		UpdatedAt:      time.Now().UTC(),
	}

	path := remote.TypingPath(conversationID, c.selfID)
	if err := c.remote.WriteEphemeral(c.baseCtx, path, indicator, 2*c.ttl); err != nil {
		// Best effort: a lost typing write only costs a cosmetic signal.
		c.log.Debug().Err(err).Str("conversation_id", conversationID).Msg("typing write failed")
		return
	}
	observability.PresenceWrites().WithLabelValues("typing").Inc()
}

// ObserveTyping streams the set of peers currently typing in a
// conversation, ordered by user id. The local user is filtered out, and
// entries older than the TTL window count as not-typing even when the peer
// disconnected without clearing the flag. The stream emits on every change
// event and on a periodic sweep so stale entries expire without traffic.
func (c *Coordinator) ObserveTyping(ctx context.Context, conversationID string) <-chan []models.TypingIndicator {
	out := make(chan []models.TypingIndicator, 1)
	events := c.remote.SubscribeCollection(ctx, remote.TypingPrefix(conversationID))

	go func() {
		defer close(out)

		known := make(map[string]models.TypingIndicator)
		sweep := time.NewTicker(time.Second)
		defer sweep.Stop()

		var lastEmitted []models.TypingIndicator
		emitted := false

		emit := func() {
			snapshot := activeTyping(known, c.selfID, time.Now(), c.ttl)
			if emitted && equalTyping(snapshot, lastEmitted) {
				return
			}
			lastEmitted = snapshot
			emitted = true
			select {
			case out <- snapshot:
			case <-ctx.Done():
			}
		}

		emit()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-events:
				if !ok {
					return
				}
				var indicator models.TypingIndicator
				if err := event.Doc.Decode(&indicator); err != nil {
					c.log.Debug().Err(err).Str("path", event.Doc.Path).Msg("undecodable typing document")
					continue
				}
				known[indicator.UserID] = indicator
				emit()
			case <-sweep.C:
				emit()
			}
		}
	}()

	return out
}

func activeTyping(known map[string]models.TypingIndicator, selfID string, now time.Time, ttl time.Duration) []models.TypingIndicator {
	var active []models.TypingIndicator
	for userID, indicator := range known {
		if userID == selfID {
			continue
		}
		if indicator.Active(now, ttl) {
			active = append(active, indicator)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].UserID < active[j].UserID })
	return active
}

func equalTyping(a, b []models.TypingIndicator) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].UserID != b[i].UserID || a[i].UpdatedAt != b[i].UpdatedAt {
			return false
		}
	}
	return true
}

// --- online status ---

// SetForeground marks this user online and starts the periodic heartbeat
// that refreshes lastSeen on the user document.
func (c *Coordinator) SetForeground() {
	c.mu.Lock()
	if c.stopBeat != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(c.baseCtx)
	c.stopBeat = cancel
	c.mu.Unlock()

	c.beat(true)

	go func() {
		ticker := time.NewTicker(c.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.beat(true)
			}
		}
	}()
}

// SetBackground stops the heartbeat and writes the offline flag
// immediately, preserving lastSeen for "last seen at" rendering.
func (c *Coordinator) SetBackground() {
	c.mu.Lock()
	if c.stopBeat != nil {
		c.stopBeat()
		c.stopBeat = nil
	}
	c.mu.Unlock()

	c.beat(false)
}

// beat updates the online flag and lastSeen on the remote user document.
// Plain last-write-wins: presence is self-owned, nobody else writes these
// fields.
func (c *Coordinator) beat(online bool) {
	path := remote.UserPath(c.selfID)
	now := time.Now().UTC()

	doc, err := c.remote.Read(c.baseCtx, path)
	var user models.User
	if err == nil {
		if derr := doc.Decode(&user); derr != nil {
			c.log.Warn().Err(derr).Msg("undecodable own user document")
		}
	}
	if user.ID == "" {
		user.ID = c.selfID
	}
	user.IsOnline = online
	user.LastSeen = now
	user.UpdatedAt = now

	if _, err := c.remote.Write(c.baseCtx, path, user, nil); err != nil {
		c.log.Warn().Err(err).Bool("online", online).Msg("presence heartbeat failed")
		return
	}

	kind := "heartbeat"
	if !online {
		kind = "offline"
	}
	observability.PresenceWrites().WithLabelValues(kind).Inc()
}

// EffectiveOnline derives the trustworthy online state for a peer: the raw
// flag only counts while the last heartbeat is younger than twice the
// heartbeat interval.
func EffectiveOnline(user models.User, now time.Time, heartbeat time.Duration) bool {
	return user.EffectivelyOnline(now, heartbeat)
}
