// Package pubsub is the in-process bus on which the sync core announces
// local state changes to presentation layers.
package pubsub

import (
	"context"
)

// Message is the structure passed between components on the bus.
type Message struct {
	// Topic identifies the channel, e.g. "messages.changed".
	Topic string
	// UserID identifies the session user the change belongs to.
	UserID string
	// Payload is the JSON encoded event.
	Payload []byte
	// Metadata carries arbitrary string attributes.
	Metadata map[string]string
}

// Handler processes a received message.
type Handler func(ctx context.Context, msg Message) error

// Publisher sends messages to the bus.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Subscriber receives messages from the bus.
type Subscriber interface {
	// Subscribe starts delivering messages on topic to handler until ctx is
	// canceled or the subscriber is closed. It returns once the subscription
	// is active.
	Subscribe(ctx context.Context, topic string, handler Handler) error
	Close() error
}

// Nop discards everything. Components use it when no bus is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Message) error { return nil }
func (Nop) Close() error                            { return nil }
