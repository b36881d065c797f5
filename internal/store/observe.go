package store

import (
	"errors"

	"github.com/noah-isme/chatsync/internal/models"
)

// Observe streams deliver a current snapshot immediately on subscription
// and a fresh snapshot after every relevant write. Emissions are conflated:
// a slow consumer always receives the latest state, never a backlog of
// stale intermediates. Streams only terminate through their cancel func or
// when the store is closed.

func (s *Store) subscribe(topic string) (*subscription, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, 0, false
	}
	sub := &subscription{
		topic:  topic,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = sub
	return sub, id, true
}

func (s *Store) unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(sub.done)
	}
}

func (s *Store) notify(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.topic != topic {
			continue
		}
		select {
		case sub.notify <- struct{}{}:
		default:
		}
	}
}

func (s *Store) notifyAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		select {
		case sub.notify <- struct{}{}:
		default:
		}
	}
}

// ObserveMessages streams the visible, timestamp-ordered messages of one
// conversation for the given viewer.
func (s *Store) ObserveMessages(conversationID, viewerID string) (<-chan []models.Message, func()) {
	return observeLoop(s, "messages:"+conversationID, func() ([]models.Message, error) {
		return s.ListMessages(conversationID, viewerID)
	})
}

// ObserveConversations streams the conversation list, most recent first.
func (s *Store) ObserveConversations() (<-chan []models.Conversation, func()) {
	return observeLoop(s, "conversations", func() ([]models.Conversation, error) {
		return s.ListConversations()
	})
}

// ObserveUser streams a single user record.
func (s *Store) ObserveUser(id string) (<-chan models.User, func()) {
	return observeLoop(s, "user:"+id, func() (models.User, error) {
		return s.GetUser(id)
	})
}

// observeLoop runs one subscription: emit the initial snapshot, then
// re-query and emit on every notification, conflating to the newest value.
func observeLoop[T any](s *Store, topic string, query func() (T, error)) (<-chan T, func()) {
	out := make(chan T, 1)

	sub, id, ok := s.subscribe(topic)
	if !ok {
		close(out)
		return out, func() {}
	}

	emit := func() {
		snapshot, err := query()
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				s.log.Error().Err(err).Str("topic", topic).Msg("observe query failed")
			}
			return
		}
		// Replace a stale buffered snapshot rather than blocking.
		select {
		case out <- snapshot:
		default:
			select {
			case <-out:
			default:
			}
			out <- snapshot
		}
	}

	go func() {
		defer close(out)
		emit()
		for {
			select {
			case <-sub.done:
				return
			case <-sub.notify:
				emit()
			}
		}
	}()

	return out, func() { s.unsubscribe(id) }
}
