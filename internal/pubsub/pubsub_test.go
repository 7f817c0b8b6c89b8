package pubsub

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatermillBridge_RoundTrip(t *testing.T) {
	bus := NewWatermillBridge()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Message, 1)
	require.NoError(t, bus.Subscribe(ctx, "rooms.changed", func(ctx context.Context, msg Message) error {
		got <- msg
		return nil
	}))

	require.NoError(t, bus.Publish(ctx, Message{
		Topic:    "rooms.changed",
		UserID:   "u1",
		Payload:  []byte(`{"kind":"room_added"}`),
		Metadata: map[string]string{"origin": "test"},
	}))

	select {
	case msg := <-got:
		assert.Equal(t, "rooms.changed", msg.Topic)
		assert.Equal(t, "u1", msg.UserID)
		assert.JSONEq(t, `{"kind":"room_added"}`, string(msg.Payload))
		assert.Equal(t, "test", msg.Metadata["origin"])
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestTypedPublishSubscribe(t *testing.T) {
	bus := NewWatermillBridge()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan StateChange, 2)
	require.NoError(t, Subscribe(ctx, bus, MessagesChanged, func(ctx context.Context, userID string, change StateChange) error {
		assert.Equal(t, "u1", userID)
		got <- change
		return nil
	}))

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, Publish(ctx, bus, MessagesChanged, "u1", StateChange{Kind: KindMessageAdded, RoomID: "r1", At: at}))

	select {
	case change := <-got:
		assert.Equal(t, KindMessageAdded, change.Kind)
		assert.Equal(t, "r1", change.RoomID)
		assert.True(t, at.Equal(change.At))
	case <-time.After(2 * time.Second):
		t.Fatal("typed event not delivered")
	}
}

func TestSubscribe_HandlerErrorDoesNotStopLoop(t *testing.T) {
	bus := NewWatermillBridge()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := make(chan struct{}, 2)
	require.NoError(t, bus.Subscribe(ctx, "presence.changed", func(ctx context.Context, msg Message) error {
		calls <- struct{}{}
		return errors.New("observer failed")
	}))

	for i := 0; i < 2; i++ {
		require.NoError(t, bus.Publish(ctx, Message{Topic: "presence.changed", Payload: []byte(`{}`)}))
	}
	for i := 0; i < 2; i++ {
		select {
		case <-calls:
		case <-time.After(2 * time.Second):
			t.Fatal("loop stopped after handler error")
		}
	}
}

func TestPublish_NilPublisher(t *testing.T) {
	assert.NoError(t, Publish(context.Background(), nil, RoomsChanged, "", StateChange{Kind: KindRoomAdded}))
	assert.NoError(t, Publish(context.Background(), Nop{}, RoomsChanged, "", StateChange{Kind: KindRoomAdded}))
}
