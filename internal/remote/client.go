// Package remote wraps the durable cross-device store: point reads and
// writes of JSON documents keyed by path, plus subscribable change streams.
// Documents live in redis; change events fan out over redis pub/sub and are
// mirrored onto NATS subjects so other nodes see them too. Every write is
// stamped with a server-assigned, per-document monotonic revision; client
// clocks never arbitrate conflicts.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/chatsync/internal/auth"
)

// Document is the stored envelope for one remote record.
type Document struct {
	Path      string          `json:"path"`
	Revision  int64           `json:"revision"`
	WrittenBy string          `json:"written_by"`
	WrittenAt time.Time       `json:"written_at"`
	Data      json.RawMessage `json:"data"`
}

// Decode unmarshals the document payload into out.
func (d Document) Decode(out any) error {
	return json.Unmarshal(d.Data, out)
}

// Event is one change delivered to a subscriber.
type Event struct {
	Doc       Document
	FromCache bool // replayed from stored state, not a live change
	Source    string
}

type wireEvent struct {
	Source string    `json:"source"`
	Doc    Document  `json:"doc"`
	SentAt time.Time `json:"sent_at"`
}

// Client talks to the remote store on behalf of one device session.
type Client struct {
	redis    *redis.Client
	nats     *nats.Conn
	tokens   auth.TokenSource
	log      zerolog.Logger
	nodeID   string
	baseWait time.Duration
	maxWait  time.Duration
}

// New constructs a remote store client. natsConn and tokens may be nil.
func New(redisClient *redis.Client, natsConn *nats.Conn, tokens auth.TokenSource, baseWait, maxWait time.Duration, log zerolog.Logger) *Client {
	if baseWait <= 0 {
		baseWait = time.Second
	}
	if maxWait < baseWait {
		maxWait = 30 * time.Second
	}
	return &Client{
		redis:    redisClient,
		nats:     natsConn,
		tokens:   tokens,
		log:      log.With().Str("component", "remote_client").Logger(),
		nodeID:   uuid.NewString(),
		baseWait: baseWait,
		maxWait:  maxWait,
	}
}

// NodeID identifies this client in the events it publishes.
func (c *Client) NodeID() string { return c.nodeID }

// Write stores entity at path and publishes a change event. When
// expectedRev is non-nil the write only succeeds if the stored revision
// still matches, otherwise ErrConflict tells the caller to re-read and
// reapply. The new revision is assigned under the store's own transaction,
// never from the client clock.
func (c *Client) Write(ctx context.Context, path string, entity any, expectedRev *int64) (Document, error) {
	if err := c.ensureAuth(path); err != nil {
		return Document{}, err
	}

	payload, err := json.Marshal(entity)
	if err != nil {
		return Document{}, fmt.Errorf("write %s: %w", path, err)
	}

	var doc Document
	err = c.redis.Watch(ctx, func(tx *redis.Tx) error {
		var currentRev int64
		raw, err := tx.Get(ctx, docKey(path)).Result()
		switch {
		case err == nil:
			var current Document
			if err := json.Unmarshal([]byte(raw), &current); err == nil {
				currentRev = current.Revision
			}
		case !errors.Is(err, redis.Nil):
			return err
		}

		if expectedRev != nil && currentRev != *expectedRev {
			return fmt.Errorf("write %s: expected revision %d, found %d: %w", path, *expectedRev, currentRev, ErrConflict)
		}

		doc = Document{
			Path:      path,
			Revision:  currentRev + 1,
			WrittenBy: c.nodeID,
			WrittenAt: time.Now().UTC(),
			Data:      payload,
		}

		encoded, err := json.Marshal(doc)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, docKey(path), encoded, 0)
			return nil
		})
		return err
	}, docKey(path))
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return Document{}, err
		}
		if errors.Is(err, redis.TxFailedErr) {
			return Document{}, fmt.Errorf("write %s: %w", path, ErrConflict)
		}
		return Document{}, classify("write", path, err)
	}

	c.publish(ctx, doc)
	return doc, nil
}

// WriteEphemeral stores a short-TTL document (typing, presence) and
// publishes its change event. Ephemeral writes never carry revisions: the
// TTL window, not conflict resolution, bounds their relevance.
func (c *Client) WriteEphemeral(ctx context.Context, path string, entity any, ttl time.Duration) error {
	if err := c.ensureAuth(path); err != nil {
		return err
	}

	payload, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	doc := Document{
		Path:      path,
		WrittenBy: c.nodeID,
		WrittenAt: time.Now().UTC(),
		Data:      payload,
	}

	encoded, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	if err := c.redis.Set(ctx, docKey(path), encoded, ttl).Err(); err != nil {
		return classify("write", path, err)
	}

	c.publish(ctx, doc)
	return nil
}

// Read fetches one document by path.
func (c *Client) Read(ctx context.Context, path string) (Document, error) {
	raw, err := c.redis.Get(ctx, docKey(path)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Document{}, fmt.Errorf("read %s: %w", path, ErrNotFound)
		}
		return Document{}, classify("read", path, err)
	}

	var doc Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return Document{}, fmt.Errorf("read %s: %w", path, err)
	}
	return doc, nil
}

// List fetches every document under a collection prefix.
func (c *Client) List(ctx context.Context, prefix string) ([]Document, error) {
	var docs []Document
	var cursor uint64
	pattern := docKey(prefix) + "/*"

	for {
		keys, next, err := c.redis.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, classify("list", prefix, err)
		}

		for _, key := range keys {
			raw, err := c.redis.Get(ctx, key).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue // expired between scan and read
				}
				return nil, classify("list", prefix, err)
			}
			var doc Document
			if err := json.Unmarshal([]byte(raw), &doc); err != nil {
				c.log.Warn().Err(err).Str("key", key).Msg("skipping undecodable document")
				continue
			}
			docs = append(docs, doc)
		}

		cursor = next
		if cursor == 0 {
			return docs, nil
		}
	}
}

func (c *Client) ensureAuth(path string) error {
	if c.tokens == nil {
		return nil
	}
	if _, err := c.tokens.Token(); err != nil {
		if errors.Is(err, auth.ErrTokenExpired) {
			return fmt.Errorf("write %s: %w", path, ErrUnauthenticated)
		}
		return fmt.Errorf("write %s: %w: %v", path, ErrUnauthenticated, err)
	}
	return nil
}

// publish fans the change event out on the document channel, its parent
// collection channel, and the mirrored NATS subject. Publish failures are
// logged, not returned: the write is durable and subscribers replay stored
// state on reconnect.
func (c *Client) publish(ctx context.Context, doc Document) {
	event := wireEvent{Source: c.nodeID, Doc: doc, SentAt: time.Now().UTC()}
	payload, err := json.Marshal(event)
	if err != nil {
		c.log.Warn().Err(err).Str("path", doc.Path).Msg("failed to marshal change event")
		return
	}

	channels := []string{channel(doc.Path)}
	if p := parent(doc.Path); p != "" {
		channels = append(channels, channel(p))
	}

	for _, ch := range channels {
		if err := c.redis.Publish(ctx, ch, payload).Err(); err != nil {
			c.log.Warn().Err(err).Str("channel", ch).Msg("failed to publish change event")
		}
	}

	if c.nats != nil {
		if err := c.nats.Publish(natsSubject(doc.Path), payload); err != nil {
			c.log.Warn().Err(err).Str("path", doc.Path).Msg("failed to mirror change event to nats")
		}
	}
}
