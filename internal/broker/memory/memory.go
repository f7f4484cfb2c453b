// Package memory implements the in-process loopback broker.Access: a
// fan-out bus keyed by topic, grounded on the teacher's framebus
// subscriber-map/non-blocking-publish design, generalized from frames to
// arbitrary topic-addressed payloads.
package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ariadne-cps/opera/internal/broker"
)

type subscriber struct {
	id      uint64
	handler broker.Handler
}

// Broker is an in-memory loopback broker.Access: every Publish on a topic
// is delivered synchronously, in order, to every current subscriber of
// that topic.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[string][]subscriber
	closed      bool
	nextID      atomic.Uint64
}

// New returns an empty in-memory broker.
func New() *Broker {
	return &Broker{subscribers: make(map[string][]subscriber)}
}

// Publish implements broker.Access. Unlike the teacher's framebus, this
// loopback never drops: collision-notification correctness depends on
// every subscriber (in particular, test harnesses) seeing every message.
func (b *Broker) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return broker.ErrClosed
	}
	subs := make([]subscriber, len(b.subscribers[topic]))
	copy(subs, b.subscribers[topic])
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.handler(payload)
	}
	return nil
}

// Subscribe implements broker.Access.
func (b *Broker) Subscribe(topic string, handler broker.Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, broker.ErrClosed
	}
	id := b.nextID.Add(1)
	b.subscribers[topic] = append(b.subscribers[topic], subscriber{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[topic]
		for i, sub := range subs {
			if sub.id == id {
				b.subscribers[topic] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}, nil
}

// Close implements broker.Access.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subscribers = make(map[string][]subscriber)
	return nil
}
