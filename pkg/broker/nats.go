package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
)

// NATSBroker is the cross-instance Broker. Subscribers on one instance
// receive messages published from any instance on the same NATS.
type NATSBroker struct {
	nc *nats.Conn
}

// NewNATSBroker wraps an existing NATS connection. The broker does not own
// reconnect policy; configure that on the connection.
func NewNATSBroker(nc *nats.Conn) *NATSBroker {
	return &NATSBroker{nc: nc}
}

func (b *NATSBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.nc.Publish(topic, payload); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (b *NATSBroker) Subscribe(ctx context.Context, topic string, fn Handler) (Subscription, error) {
	sub := &natsSub{fn: fn}
	natsSubscription, err := b.nc.Subscribe(topic, func(m *nats.Msg) {
		sub.deliver(m.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	sub.sub = natsSubscription
	return sub, nil
}

func (b *NATSBroker) Close() error {
	b.nc.Close()
	return nil
}

type natsSub struct {
	sub *nats.Subscription
	fn  Handler

	deliverMu sync.Mutex
	closed    bool
}

func (s *natsSub) deliver(payload []byte) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if !s.closed {
		s.fn(payload)
	}
}

func (s *natsSub) Unsubscribe() error {
	if err := s.sub.Unsubscribe(); err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	// Wait out any in-flight delivery so callers can rely on the handler
	// being quiescent after return.
	s.deliverMu.Lock()
	s.closed = true
	s.deliverMu.Unlock()
	return nil
}
