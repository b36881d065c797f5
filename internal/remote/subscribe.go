package remote

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sort"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/noah-isme/chatsync/internal/observability"
)

// SubscribeDoc streams change events for a single document. The stream
// replays the stored document on subscribe and again after every
// reconnect, then delivers live changes. It never terminates on transport
// errors, only when ctx is cancelled; reconnects use exponential backoff
// with full jitter.
func (c *Client) SubscribeDoc(ctx context.Context, path string) <-chan Event {
	return c.subscribeLoop(ctx, path, false)
}

// SubscribeCollection streams change events for every document under a
// collection prefix, with the same replay and reconnect behaviour as
// SubscribeDoc.
func (c *Client) SubscribeCollection(ctx context.Context, prefix string) <-chan Event {
	return c.subscribeLoop(ctx, prefix, true)
}

func (c *Client) subscribeLoop(ctx context.Context, path string, collection bool) <-chan Event {
	out := make(chan Event, 32)

	go func() {
		defer close(out)

		raw := make(chan []byte, 64)

		if c.nats != nil {
			subject := natsSubject(path)
			if collection {
				subject += ".>"
			}
			sub, err := c.nats.Subscribe(subject, func(msg *nats.Msg) {
				// A full buffer means redis replay will cover the gap.
				select {
				case raw <- msg.Data:
				default:
				}
			})
			if err != nil {
				c.log.Warn().Err(err).Str("subject", subject).Msg("nats subscribe failed, continuing with redis only")
			} else {
				defer func() { _ = sub.Unsubscribe() }()
			}
		}

		attempt := 0
		for ctx.Err() == nil {
			if err := c.replay(ctx, path, collection, out); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				c.log.Warn().Err(err).Str("path", path).Msg("replay failed, backing off")
				observability.StreamReconnects().Inc()
				if !c.sleep(ctx, attempt) {
					return
				}
				attempt++
				continue
			}
			attempt = 0

			pubsub := c.redis.Subscribe(ctx, channel(path))
			errc := make(chan error, 1)
			go func() {
				for {
					msg, err := pubsub.ReceiveMessage(ctx)
					if err != nil {
						errc <- err
						return
					}
					select {
					case raw <- []byte(msg.Payload):
					case <-ctx.Done():
						return
					}
				}
			}()

			receiving := true
			for receiving {
				select {
				case <-ctx.Done():
					_ = pubsub.Close()
					return
				case data := <-raw:
					c.forward(ctx, data, out)
				case err := <-errc:
					if !errors.Is(err, context.Canceled) {
						c.log.Warn().Err(err).Str("path", path).Msg("change stream dropped, reconnecting")
					}
					receiving = false
				}
			}
			_ = pubsub.Close()

			if ctx.Err() != nil {
				return
			}
			observability.StreamReconnects().Inc()
			if !c.sleep(ctx, attempt) {
				return
			}
			attempt++
		}
	}()

	return out
}

func (c *Client) forward(ctx context.Context, data []byte, out chan<- Event) {
	var event wireEvent
	if err := json.Unmarshal(data, &event); err != nil {
		c.log.Warn().Err(err).Msg("dropping undecodable change event")
		return
	}

	select {
	case out <- Event{Doc: event.Doc, Source: event.Source}:
	case <-ctx.Done():
	}
}

// replay emits the latest stored state so a subscriber that reconnected
// after missing live events still converges.
func (c *Client) replay(ctx context.Context, path string, collection bool, out chan<- Event) error {
	if !collection {
		doc, err := c.Read(ctx, path)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}
		select {
		case out <- Event{Doc: doc, FromCache: true, Source: doc.WrittenBy}:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}

	docs, err := c.List(ctx, path)
	if err != nil {
		return err
	}

	sort.Slice(docs, func(i, j int) bool { return docs[i].WrittenAt.Before(docs[j].WrittenAt) })

	for _, doc := range docs {
		select {
		case out <- Event{Doc: doc, FromCache: true, Source: doc.WrittenBy}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// sleep blocks for an exponentially growing, fully jittered interval.
// Returns false when ctx was cancelled while waiting.
func (c *Client) sleep(ctx context.Context, attempt int) bool {
	limit := c.maxWait
	wait := c.baseWait
	for i := 0; i < attempt && wait < limit; i++ {
		wait *= 2
	}
	if wait > limit {
		wait = limit
	}
	jittered := time.Duration(rand.Int63n(int64(wait) + 1))

	timer := time.NewTimer(jittered)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
