package messages

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nfrund/chatsync/internal/backend"
	"github.com/nfrund/chatsync/internal/backend/backendtest"
	"github.com/nfrund/chatsync/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

var alice = domain.User{ID: "alice", Username: "alice", AvatarURL: "alice.png"}

func ts(sec int) time.Time {
	return time.Date(2024, 5, 1, 10, 0, sec, 0, time.UTC)
}

func msgRow(id, room string, sec int) backend.Row {
	return backend.Row{"id": id, "room_id": room, "user_id": "bob", "content": "m" + id, "created_at": ts(sec)}
}

func ids(list []domain.Message) []string {
	out := make([]string, 0, len(list))
	for _, m := range list {
		out = append(out, m.ID)
	}
	return out
}

type StreamTestSuite struct {
	suite.Suite
	fake   *backendtest.Fake
	stream *Stream
	ctx    context.Context
}

func (s *StreamTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.fake = backendtest.New()
	s.stream = New(s.fake, alice, WithClock(func() time.Time { return ts(30) }))
	s.Require().NoError(s.stream.Start(s.ctx))
}

func (s *StreamTestSuite) TearDownTest() {
	s.NoError(s.stream.Shutdown(s.ctx))
	s.Equal(0, s.fake.Subscribers(domain.TableMessages), "feed released on shutdown")
}

// waitFor blocks until the message id is merged. Feed events are consumed in
// order, so everything emitted before it has been handled.
func (s *StreamTestSuite) waitFor(id string) {
	s.Require().Eventually(func() bool {
		for _, m := range s.stream.Messages() {
			if m.ID == id {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func (s *StreamTestSuite) TestJoinLoadsRoomInOrder() {
	s.fake.Seed(domain.TableMessages, msgRow("2", "r1", 2), msgRow("1", "r1", 1), msgRow("x", "r2", 1))

	s.Equal(Unloaded, s.stream.State())
	s.Require().NoError(s.stream.JoinRoom(s.ctx, "r1"))

	s.Equal(Ready, s.stream.State())
	s.Equal("r1", s.stream.CurrentRoom())
	s.Equal([]string{"1", "2"}, ids(s.stream.Messages()))
}

func (s *StreamTestSuite) TestJoinFailure() {
	s.fake.FailNext(backendtest.OpRead, domain.TableMessages, errors.New("timeout"))

	err := s.stream.JoinRoom(s.ctx, "r1")
	s.ErrorIs(err, domain.ErrBackend)
	s.Equal(Ready, s.stream.State())
	s.Empty(s.stream.Messages())
}

func (s *StreamTestSuite) TestSendMergesConfirmedRow() {
	s.Require().NoError(s.stream.JoinRoom(s.ctx, "r1"))

	m, err := s.stream.Send(s.ctx, "  hi  ", "r1")
	s.Require().NoError(err)
	s.Equal("hi", m.Content)
	s.Equal("alice", m.UserID)
	s.Equal("alice", m.Username, "author filled from the session user")
	s.Equal("alice.png", m.AvatarURL)
	s.True(ts(30).Equal(m.CreatedAt))

	s.Equal([]string{m.ID}, ids(s.stream.Messages()))
}

func (s *StreamTestSuite) TestSendValidation() {
	_, err := s.stream.Send(s.ctx, "   ", "r1")
	s.ErrorIs(err, domain.ErrValidation)
	_, err = s.stream.Send(s.ctx, "hi", "")
	s.ErrorIs(err, domain.ErrValidation)
	s.Equal(0, s.fake.Calls(backendtest.OpInsert, domain.TableMessages))
}

func (s *StreamTestSuite) TestSendBackendFailure() {
	s.Require().NoError(s.stream.JoinRoom(s.ctx, "r1"))
	s.fake.FailNext(backendtest.OpInsert, domain.TableMessages, errors.New("write refused"))

	_, err := s.stream.Send(s.ctx, "hi", "r1")
	s.ErrorIs(err, domain.ErrBackend)
	s.Empty(s.stream.Messages())
}

func (s *StreamTestSuite) TestMergeIsIdempotentInEitherOrder() {
	s.Require().NoError(s.stream.JoinRoom(s.ctx, "r1"))
	feedFirst := domain.Message{ID: "1", RoomID: "r1", UserID: "alice", Content: "hi", CreatedAt: ts(1)}
	sendFirst := domain.Message{ID: "2", RoomID: "r1", UserID: "alice", Content: "again", CreatedAt: ts(2)}

	s.stream.deliver(s.ctx, feedFirst)
	s.stream.mu.Lock()
	s.False(s.stream.mergeLocked(feedFirst), "confirmed row after its echo")
	s.True(s.stream.mergeLocked(sendFirst))
	s.stream.mu.Unlock()
	s.stream.deliver(s.ctx, sendFirst)

	s.Equal([]string{"1", "2"}, ids(s.stream.Messages()))
}

func (s *StreamTestSuite) TestSendThenEchoKeepsOneCopy() {
	s.Require().NoError(s.stream.JoinRoom(s.ctx, "r1"))

	m, err := s.stream.Send(s.ctx, "hi", "r1")
	s.Require().NoError(err)

	s.fake.Emit(domain.TableMessages, backend.EventInsert, backend.Row{
		"id": m.ID, "room_id": "r1", "user_id": "alice", "content": "hi", "created_at": ts(30),
	})
	s.fake.Emit(domain.TableMessages, backend.EventInsert, msgRow("after", "r1", 40))
	s.waitFor("after")

	s.Equal([]string{m.ID, "after"}, ids(s.stream.Messages()))
}

func (s *StreamTestSuite) TestFeedForOtherRoomIsDiscarded() {
	s.Require().NoError(s.stream.JoinRoom(s.ctx, "r1"))

	s.fake.Emit(domain.TableMessages, backend.EventInsert, msgRow("b1", "r2", 1))
	s.fake.Emit(domain.TableMessages, backend.EventInsert, msgRow("a1", "r1", 2))
	s.waitFor("a1")

	s.Equal([]string{"a1"}, ids(s.stream.Messages()))
}

func (s *StreamTestSuite) TestSwitchDiscardsEchoForPreviousRoom() {
	s.Require().NoError(s.stream.JoinRoom(s.ctx, "r1"))
	m, err := s.stream.Send(s.ctx, "hi", "r1")
	s.Require().NoError(err)
	s.Len(s.stream.Messages(), 1)

	s.Require().NoError(s.stream.JoinRoom(s.ctx, "r2"))
	s.Empty(s.stream.Messages(), "new room starts empty")

	s.fake.Emit(domain.TableMessages, backend.EventInsert, backend.Row{
		"id": m.ID, "room_id": "r1", "user_id": "alice", "content": "hi", "created_at": ts(30),
	})
	s.fake.Emit(domain.TableMessages, backend.EventInsert, msgRow("r2-1", "r2", 50))
	s.waitFor("r2-1")

	s.Equal([]string{"r2-1"}, ids(s.stream.Messages()))
}

func (s *StreamTestSuite) TestFeedForOldRoomDuringSwitchBack() {
	s.Require().NoError(s.stream.JoinRoom(s.ctx, "a"))
	s.Require().NoError(s.stream.JoinRoom(s.ctx, "b"))

	gate := s.fake.Hold(backendtest.OpRead, domain.TableMessages)
	joined := make(chan error, 1)
	go func() { joined <- s.stream.JoinRoom(s.ctx, "a") }()
	<-gate.Entered()

	s.Equal(Loading, s.stream.State())
	s.fake.Emit(domain.TableMessages, backend.EventInsert, msgRow("b-late", "b", 5))
	s.fake.Emit(domain.TableMessages, backend.EventInsert, msgRow("a-live", "a", 6))
	s.waitFor("a-live")

	gate.Release()
	s.Require().NoError(<-joined)
	s.Equal(Ready, s.stream.State())
	s.Equal([]string{"a-live"}, ids(s.stream.Messages()))
}

func (s *StreamTestSuite) TestSupersededJoinIsDropped() {
	s.fake.Seed(domain.TableMessages, msgRow("a1", "a", 1), msgRow("b1", "b", 1))

	gate := s.fake.Hold(backendtest.OpRead, domain.TableMessages)
	first := make(chan error, 1)
	go func() { first <- s.stream.JoinRoom(s.ctx, "a") }()
	<-gate.Entered()

	s.Require().NoError(s.stream.JoinRoom(s.ctx, "b"))
	gate.Release()
	s.Require().NoError(<-first)

	s.Equal("b", s.stream.CurrentRoom())
	s.Equal(Ready, s.stream.State())
	s.Equal([]string{"b1"}, ids(s.stream.Messages()))
}

func (s *StreamTestSuite) TestSendResolvingAfterSwitchIsNotMerged() {
	s.Require().NoError(s.stream.JoinRoom(s.ctx, "r1"))

	gate := s.fake.Hold(backendtest.OpInsert, domain.TableMessages)
	sent := make(chan error, 1)
	go func() {
		_, err := s.stream.Send(s.ctx, "late", "r1")
		sent <- err
	}()
	<-gate.Entered()

	s.Require().NoError(s.stream.JoinRoom(s.ctx, "r2"))
	gate.Release()
	s.Require().NoError(<-sent, "the write still succeeds")
	s.Empty(s.stream.Messages())
}

func (s *StreamTestSuite) TestLeave() {
	s.Require().NoError(s.stream.JoinRoom(s.ctx, "r1"))
	s.stream.Leave()

	s.Equal(Unloaded, s.stream.State())
	s.Empty(s.stream.CurrentRoom())

	_, err := s.stream.Send(s.ctx, "hi", "r1")
	s.Require().NoError(err)
	s.Empty(s.stream.Messages())
}

func TestStreamTestSuite(t *testing.T) {
	suite.Run(t, new(StreamTestSuite))
}

type stubAuthors map[string]string

func (a stubAuthors) Resolve(_ context.Context, m domain.Message) domain.Message {
	if m.Username == "" {
		m.Username = a[m.UserID]
	}
	return m
}

func TestStream_FeedAuthorsResolved(t *testing.T) {
	fake := backendtest.New()
	s := New(fake, alice, WithAuthors(stubAuthors{"bob": "Bob"}))
	require.NoError(t, s.Start(context.Background()))
	defer s.Shutdown(context.Background())
	require.NoError(t, s.JoinRoom(context.Background(), "r1"))

	fake.Emit(domain.TableMessages, backend.EventInsert, msgRow("1", "r1", 1))
	require.Eventually(t, func() bool { return len(s.Messages()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Bob", s.Messages()[0].Username)
}

func TestStream_SendWithoutSession(t *testing.T) {
	s := New(backendtest.New(), domain.User{})
	_, err := s.Send(context.Background(), "hi", "r1")
	assert.ErrorIs(t, err, domain.ErrNoSession)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "unloaded", Unloaded.String())
	assert.Equal(t, "loading", Loading.String())
	assert.Equal(t, "ready", Ready.String())
}
