// Package broker provides topic-based pub/sub for cross-instance message
// fan-out. The in-memory broker serves a single instance; the NATS broker
// connects a fleet. Delivery is at-least-once to each local subscriber with
// per-topic FIFO from a single publisher; undelivered messages are not
// persisted here, replay comes from the session store.
package broker

import (
	"context"
	"fmt"
)

// Topic builders. Subjects use NATS dot form.
func SessionTopic(sessionID string) string {
	return fmt.Sprintf("mcp.session.%s.message", sessionID)
}

func UserTopic(userID string) string {
	return fmt.Sprintf("mcp.user.%s.message", userID)
}

// BroadcastTopic is the fan-out subject for server-wide notifications.
const BroadcastTopic = "mcp.broadcast.notification"

// Handler receives one published payload. Handlers must not block; slow
// consumers delay delivery on their topic.
type Handler func(payload []byte)

// Subscription is one active topic subscription.
type Subscription interface {
	// Unsubscribe stops delivery. It is synchronous: after return, the
	// handler will not be invoked again.
	Unsubscribe() error
}

// Broker is the pub/sub contract shared by memory and NATS backings.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, fn Handler) (Subscription, error)
	Close() error
}
