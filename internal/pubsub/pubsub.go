// Package pubsub is a small in-process topic broker. Every registration
// returns a Subscription handle; cancelling the handle is the only way to
// remove a handler, so a handler can never be leaked by a mismatched
// remove-by-name call after a reconnect.
package pubsub

import (
	"sync"
	"sync/atomic"
)

// Subscription is a handle to a registered handler.
type Subscription struct {
	once   sync.Once
	cancel func()
	done   atomic.Bool
}

// Cancel removes the handler. It is safe to call more than once and from
// any goroutine. After Cancel returns the handler is not invoked again.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.done.Store(true)
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// Active reports whether the subscription has not been cancelled.
func (s *Subscription) Active() bool {
	return s != nil && !s.done.Load()
}

// NewSubscription wraps an arbitrary teardown function in a Subscription.
// Adapters use it for subscriptions that are not backed by a Broker, such as
// a websocket stream.
func NewSubscription(cancel func()) *Subscription {
	return &Subscription{cancel: cancel}
}

type entry[T any] struct {
	fn  func(T)
	sub *Subscription
}

// Broker delivers values published on a topic to the handlers subscribed to
// that topic. Delivery is synchronous and in subscription order, so values
// published from one goroutine arrive at each handler in publish order.
type Broker[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	topics map[string]map[uint64]entry[T]
	order  map[string][]uint64
}

// NewBroker creates an empty broker.
func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{
		topics: make(map[string]map[uint64]entry[T]),
		order:  make(map[string][]uint64),
	}
}

// Subscribe registers fn for topic.
func (b *Broker[T]) Subscribe(topic string, fn func(T)) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	sub := &Subscription{}
	sub.cancel = func() { b.remove(topic, id) }

	if b.topics[topic] == nil {
		b.topics[topic] = make(map[uint64]entry[T])
	}
	b.topics[topic][id] = entry[T]{fn: fn, sub: sub}
	b.order[topic] = append(b.order[topic], id)
	return sub
}

func (b *Broker[T]) remove(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.topics[topic], id)
	ids := b.order[topic]
	for i, v := range ids {
		if v == id {
			b.order[topic] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(b.topics[topic]) == 0 {
		delete(b.topics, topic)
		delete(b.order, topic)
	}
}

// Publish delivers v to every handler on topic. Handlers run on the caller's
// goroutine outside the broker lock, so a handler may cancel its own or any
// other subscription.
func (b *Broker[T]) Publish(topic string, v T) {
	b.mu.RLock()
	ids := b.order[topic]
	handlers := make([]entry[T], 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, b.topics[topic][id])
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		if !h.sub.Active() {
			continue
		}
		h.fn(v)
	}
}

// Count returns the number of handlers on topic.
func (b *Broker[T]) Count(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}
