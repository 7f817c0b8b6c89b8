package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nfrund/chatsync/internal/backend"
	"github.com/nfrund/chatsync/internal/backend/backendtest"
	"github.com/nfrund/chatsync/internal/backend/bunt"
	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/identity"
	"github.com/nfrund/chatsync/internal/messages"
	"github.com/nfrund/chatsync/internal/pubsub"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ada = domain.User{ID: "ada", Username: "ada"}

func openBunt(t *testing.T) *bunt.Backend {
	t.Helper()
	db, err := bunt.Open(":memory:", bunt.WithUnique(domain.TableRooms, domain.RoomNameKeyField))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestStart_RequiresUser(t *testing.T) {
	_, err := Start(context.Background(), domain.User{}, Options{Backend: backendtest.New()})
	assert.ErrorIs(t, err, domain.ErrNoSession)
}

func TestSession_EndToEnd(t *testing.T) {
	ctx := context.Background()
	db := openBunt(t)

	s, err := Start(ctx, ada, Options{Backend: db, TypingQuiet: time.Hour})
	require.NoError(t, err)

	room, err := s.CreateRoom(ctx, domain.CreateRoomInput{Name: "general", Join: true})
	require.NoError(t, err)
	assert.Equal(t, room.ID, s.Messages.CurrentRoom())
	assert.Equal(t, messages.Ready, s.Messages.State())

	_, err = s.CreateRoom(ctx, domain.CreateRoomInput{Name: "general", Description: "x"})
	assert.ErrorIs(t, err, domain.ErrDuplicateName)
	assert.Len(t, s.Rooms.List(), 1)

	s.Keystroke(ctx)
	assert.True(t, s.Typing.Typing())

	m, err := s.SendMessage(ctx, "hi", "")
	require.NoError(t, err)
	assert.Equal(t, room.ID, m.RoomID)
	assert.Equal(t, "ada", m.Username)
	assert.False(t, s.Typing.Typing(), "sending clears typing")

	// The feed echo of our own message must not be appended twice.
	_, err = s.SendMessage(ctx, "second", room.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(s.Messages.Messages()) == 2 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, s.Messages.Messages(), 2)

	require.Eventually(t, func() bool {
		p, ok := s.Presence.Get("ada")
		return ok && p.InRoom(room.ID) && !p.IsTyping
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Close(ctx))

	rows, err := db.Read(ctx, domain.TablePresence, backend.Query{Filter: backend.Filter{"id": "ada"}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "offline", rows[0]["status"])
	assert.Equal(t, false, rows[0]["is_typing"])
}

func TestStart_RollsBackOnFailure(t *testing.T) {
	fake := backendtest.New()
	fake.FailNext(backendtest.OpSubscribe, domain.TableMessages, errors.New("refused"))

	_, err := Start(context.Background(), ada, Options{Backend: fake})
	assert.ErrorIs(t, err, domain.ErrSubscription)
	assert.Equal(t, 0, fake.Subscribers(domain.TableRooms), "rooms feed released by rollback")
	assert.Equal(t, 0, fake.Calls(backendtest.OpUpsert, domain.TablePresence), "presence never started")
}

func TestSession_SetStatusKeepsRoom(t *testing.T) {
	ctx := context.Background()
	fake := backendtest.New()
	s, err := Start(ctx, ada, Options{Backend: fake})
	require.NoError(t, err)
	defer s.Close(ctx)

	require.NoError(t, s.JoinRoom(ctx, "r1"))
	s.SetStatus(ctx, domain.StatusBusy)
	s.VisibilityChanged(ctx, true)

	require.Eventually(t, func() bool {
		w := fake.Writes(domain.TablePresence)
		return len(w) >= 4 && w[len(w)-1].Row["status"] == "away"
	}, 2*time.Second, 10*time.Millisecond)
	w := fake.Writes(domain.TablePresence)
	assert.Equal(t, "busy", w[len(w)-2].Row["status"])
	assert.Equal(t, "r1", w[len(w)-2].Row["current_room"])
	assert.Equal(t, "r1", w[len(w)-1].Row["current_room"])
}

type recordingPublisher struct {
	ch chan pubsub.Message
}

func (p *recordingPublisher) Publish(_ context.Context, msg pubsub.Message) error {
	if msg.Topic == pubsub.SessionChanged.Name() {
		p.ch <- msg
	}
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func TestManager_FollowsIdentity(t *testing.T) {
	const path = "/session.json"
	fs := afero.NewMemMapFs()
	provider, err := identity.NewFileProvider(fs, path)
	require.NoError(t, err)

	pub := &recordingPublisher{ch: make(chan pubsub.Message, 8)}
	m := NewManager(provider, Options{Backend: backendtest.New(), Publisher: pub})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	_, err = m.Current()
	assert.ErrorIs(t, err, domain.ErrNoSession)

	require.NoError(t, afero.WriteFile(fs, path, []byte(`{"id":"ada","username":"ada"}`), 0o600))
	provider.Reload()
	require.Eventually(t, func() bool {
		s, err := m.Current()
		return err == nil && s.User.ID == "ada"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, string((<-pub.ch).Payload), pubsub.KindSessionStarted)

	require.NoError(t, fs.Remove(path))
	provider.Reload()
	require.Eventually(t, func() bool {
		_, err := m.Current()
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, string((<-pub.ch).Payload), pubsub.KindSessionEnded)

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, provider.Close())
}

func TestManager_StaticUserClosedOnCancel(t *testing.T) {
	fake := backendtest.New()
	m := NewManager(identity.NewStatic(ada), Options{Backend: fake})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := m.Current()
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, fake.Subscribers(domain.TablePresence))

	cancel()
	require.NoError(t, <-done)
	_, err := m.Current()
	assert.ErrorIs(t, err, domain.ErrNoSession)
	assert.Equal(t, 0, fake.Subscribers(domain.TablePresence))
}
