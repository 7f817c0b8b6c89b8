package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
)

// Event[T] binds a topic name to its payload type.
type Event[T any] struct {
	topicName   string
	description string
}

// NewEvent declares a typed topic.
func NewEvent[T any](name, description string) Event[T] {
	return Event[T]{topicName: name, description: description}
}

// Name returns the topic name.
func (e Event[T]) Name() string { return e.topicName }

// Description returns the human readable topic description.
func (e Event[T]) Description() string { return e.description }

// Publish sends a typed event. A nil publisher is a no-op.
func Publish[T any](ctx context.Context, p Publisher, event Event[T], userID string, payload T) error {
	if p == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event.Name(), err)
	}
	return p.Publish(ctx, Message{Topic: event.Name(), UserID: userID, Payload: data})
}

// Subscribe decodes messages on event's topic into T before calling handler.
func Subscribe[T any](ctx context.Context, s Subscriber, event Event[T], handler func(ctx context.Context, userID string, payload T) error) error {
	return s.Subscribe(ctx, event.Name(), func(ctx context.Context, msg Message) error {
		var payload T
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return fmt.Errorf("unmarshal %s payload: %w", event.Name(), err)
		}
		return handler(ctx, msg.UserID, payload)
	})
}
