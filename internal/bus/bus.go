package bus

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Bus fans values out to every subscriber of a topic. Subscribers hold a
// stable handle and leave explicitly; registering never displaces others.
type Bus[T any] struct {
	mu     sync.RWMutex
	topics map[string][]entry[T]
}

type entry[T any] struct {
	id uuid.UUID
	fn func(T)
}

// Subscription is a handle returned by Subscribe.
type Subscription struct {
	ID    uuid.UUID
	Topic string

	once   sync.Once
	cancel func()
}

// Unsubscribe removes the handler. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// New constructs an empty bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{topics: make(map[string][]entry[T])}
}

// Subscribe registers fn for topic.
func (b *Bus[T]) Subscribe(topic string, fn func(T)) *Subscription {
	id := uuid.New()
	b.mu.Lock()
	b.topics[topic] = append(b.topics[topic], entry[T]{id: id, fn: fn})
	b.mu.Unlock()
	return &Subscription{ID: id, Topic: topic, cancel: func() { b.remove(topic, id) }}
}

func (b *Bus[T]) remove(topic string, id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.topics[topic]
	for i, e := range entries {
		if e.id == id {
			next := make([]entry[T], 0, len(entries)-1)
			next = append(next, entries[:i]...)
			next = append(next, entries[i+1:]...)
			if len(next) == 0 {
				delete(b.topics, topic)
			} else {
				b.topics[topic] = next
			}
			return
		}
	}
}

// Publish delivers v to the subscribers of topic in registration order and
// returns how many were called. Handlers run on the caller's goroutine.
func (b *Bus[T]) Publish(topic string, v T) int {
	b.mu.RLock()
	entries := b.topics[topic]
	b.mu.RUnlock()
	for _, e := range entries {
		e.fn(v)
	}
	return len(entries)
}

// Count returns the number of subscribers on topic.
func (b *Bus[T]) Count(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Topics lists topics with at least one subscriber.
func (b *Bus[T]) Topics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.topics))
	for topic := range b.topics {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}
