package broker

import (
	"context"
	"sync"
	"sync/atomic"
)

// MemoryBroker is the single-instance Broker. Publish delivers synchronously
// to local subscribers in registration order.
type MemoryBroker struct {
	mu     sync.RWMutex
	topics map[string][]*memorySub
	closed bool
}

type memorySub struct {
	broker *MemoryBroker
	topic  string

	// deliverMu serializes handler invocations for this subscription.
	// Unsubscribe does not take it: it only flips closed, so a handler may
	// unsubscribe itself (NATS has the same semantics). A delivery already
	// in flight when Unsubscribe returns may still complete.
	deliverMu sync.Mutex
	closed    atomic.Bool
	fn        Handler
}

// NewMemoryBroker creates an empty in-memory broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{topics: make(map[string][]*memorySub)}
}

func (b *MemoryBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	subs := make([]*memorySub, len(b.topics[topic]))
	copy(subs, b.topics[topic])
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.deliverMu.Lock()
		if !sub.closed.Load() {
			sub.fn(payload)
		}
		sub.deliverMu.Unlock()
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, topic string, fn Handler) (Subscription, error) {
	sub := &memorySub{broker: b, topic: topic, fn: fn}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, context.Canceled
	}
	b.topics[topic] = append(b.topics[topic], sub)
	return sub, nil
}

func (s *memorySub) Unsubscribe() error {
	b := s.broker

	b.mu.Lock()
	subs := b.topics[s.topic]
	for i, candidate := range subs {
		if candidate == s {
			b.topics[s.topic] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.topics[s.topic]) == 0 {
		delete(b.topics, s.topic)
	}
	b.mu.Unlock()

	s.closed.Store(true)
	return nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	topics := b.topics
	b.topics = make(map[string][]*memorySub)
	b.closed = true
	b.mu.Unlock()

	for _, subs := range topics {
		for _, sub := range subs {
			sub.closed.Store(true)
		}
	}
	return nil
}
