package websocket

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/nfrund/chatsync/internal/backend/backendtest"
	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/pubsub"
	"github.com/nfrund/chatsync/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sessionSource struct {
	s *session.Session
}

func (src sessionSource) Current() (*session.Session, error) {
	if src.s == nil {
		return nil, domain.ErrNoSession
	}
	return src.s, nil
}

func dial(t *testing.T, b *Bridge) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })

	require.Eventually(t, func() bool { return b.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)
	return conn
}

func TestBridge_StreamsStateChanges(t *testing.T) {
	bus := pubsub.NewWatermillBridge()
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewBridge(sessionSource{})
	require.NoError(t, b.Start(ctx, bus))
	conn := dial(t, b)

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, pubsub.Publish(ctx, bus, pubsub.RoomsChanged, "ada", pubsub.StateChange{Kind: pubsub.KindRoomAdded, RoomID: "r1", At: at}))

	readCtx, readCancel := context.WithTimeout(ctx, 2*time.Second)
	defer readCancel()
	var env Envelope
	require.NoError(t, wsjson.Read(readCtx, conn, &env))
	assert.Equal(t, "rooms.changed", env.Topic)
	assert.Equal(t, pubsub.KindRoomAdded, env.Change.Kind)
	assert.Equal(t, "r1", env.Change.RoomID)
	assert.True(t, at.Equal(env.Change.At))
}

func TestBridge_ShutdownDisconnectsClients(t *testing.T) {
	bus := pubsub.NewWatermillBridge()
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())

	b := NewBridge(sessionSource{})
	require.NoError(t, b.Start(ctx, bus))
	conn := dial(t, b)

	cancel()
	readCtx, readCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer readCancel()
	_, _, err := conn.Read(readCtx)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
	assert.Equal(t, 0, b.Clients())
}

func TestBridge_AppliesClientCommands(t *testing.T) {
	ctx := context.Background()
	s, err := session.Start(ctx, domain.User{ID: "ada", Username: "ada"}, session.Options{Backend: backendtest.New(), TypingQuiet: time.Hour})
	require.NoError(t, err)
	defer s.Close(ctx)
	require.NoError(t, s.JoinRoom(ctx, "r1"))

	b := NewBridge(sessionSource{s: s})
	conn := dial(t, b)

	require.NoError(t, wsjson.Write(ctx, conn, Command{Type: CommandKeystroke}))
	require.Eventually(t, s.Typing.Typing, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("{not json")))
	require.NoError(t, wsjson.Write(ctx, conn, Command{Type: CommandVisibility, Hidden: true}))
	require.Eventually(t, func() bool { return !s.Typing.Typing() }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, b.Clients(), "malformed frames do not drop the client")
}
