package bunt

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nfrund/chatsync/internal/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type BuntBackendTestSuite struct {
	suite.Suite
	ctx   context.Context
	db    *Backend
	clock time.Time
}

func TestBuntBackend(t *testing.T) {
	suite.Run(t, new(BuntBackendTestSuite))
}

func (s *BuntBackendTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	db, err := Open(":memory:",
		WithUnique("rooms", "name"),
		WithClock(func() time.Time {
			s.clock = s.clock.Add(time.Second)
			return s.clock
		}),
	)
	s.Require().NoError(err)
	s.db = db
}

func (s *BuntBackendTestSuite) TearDownTest() {
	s.NoError(s.db.Close())
}

func (s *BuntBackendTestSuite) next(sub backend.Subscription) backend.ChangeEvent {
	select {
	case ev, ok := <-sub.Events():
		s.Require().True(ok, "feed closed")
		return ev
	case <-time.After(2 * time.Second):
		s.FailNow("timed out waiting for change event")
		return backend.ChangeEvent{}
	}
}

func (s *BuntBackendTestSuite) TestInsertStampsIDAndCreatedAt() {
	row, err := s.db.Insert(s.ctx, "rooms", backend.Row{"name": "general"})
	s.Require().NoError(err)

	s.NotEmpty(row.String("id"))
	s.Equal("2024-05-01T09:00:01.000000000Z", row["created_at"])
}

func (s *BuntBackendTestSuite) TestInsertRejectsDuplicateUniqueField() {
	_, err := s.db.Insert(s.ctx, "rooms", backend.Row{"name": "general"})
	s.Require().NoError(err)

	_, err = s.db.Insert(s.ctx, "rooms", backend.Row{"name": "general"})
	s.ErrorIs(err, backend.ErrConflict)

	_, err = s.db.Insert(s.ctx, "rooms", backend.Row{"name": "General"})
	s.NoError(err, "uniqueness is exact, not case folded")
}

func (s *BuntBackendTestSuite) TestConcurrentInsertsOfSameNameOnlyOneWins() {
	var wg sync.WaitGroup
	results := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.db.Insert(s.ctx, "rooms", backend.Row{"name": "race"})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	ok := 0
	for err := range results {
		if err == nil {
			ok++
		} else {
			s.ErrorIs(err, backend.ErrConflict)
		}
	}
	s.Equal(1, ok)
}

func (s *BuntBackendTestSuite) TestReadOrderFilterAndLimit() {
	for _, body := range []string{"one", "two", "three"} {
		_, err := s.db.Insert(s.ctx, "messages", backend.Row{"room_id": "r1", "content": body})
		s.Require().NoError(err)
	}
	_, err := s.db.Insert(s.ctx, "messages", backend.Row{"room_id": "r2", "content": "elsewhere"})
	s.Require().NoError(err)

	rows, err := s.db.Read(s.ctx, "messages", backend.Query{
		Filter:  backend.Filter{"room_id": "r1"},
		OrderBy: "created_at",
	})
	s.Require().NoError(err)
	s.Require().Len(rows, 3)
	s.Equal("one", rows[0]["content"])
	s.Equal("three", rows[2]["content"])

	rows, err = s.db.Read(s.ctx, "messages", backend.Query{OrderBy: "created_at", Descending: true, Limit: 2})
	s.Require().NoError(err)
	s.Require().Len(rows, 2)
	s.Equal("elsewhere", rows[0]["content"])
}

func (s *BuntBackendTestSuite) TestUpsertMergesByKey() {
	sub, err := s.db.SubscribeChanges(s.ctx, "user_presence", backend.AllEvents, nil)
	s.Require().NoError(err)
	defer sub.Unsubscribe()

	_, err = s.db.Upsert(s.ctx, "user_presence", backend.Row{"id": "u1", "status": "online", "is_typing": false}, "id")
	s.Require().NoError(err)
	s.Equal(backend.EventInsert, s.next(sub).Type)

	row, err := s.db.Upsert(s.ctx, "user_presence", backend.Row{"id": "u1", "is_typing": true}, "id")
	s.Require().NoError(err)
	s.Equal("online", row["status"])
	s.Equal(true, row["is_typing"])

	ev := s.next(sub)
	s.Equal(backend.EventUpdate, ev.Type)
	s.Equal("u1", ev.Row.String("id"))

	rows, err := s.db.Read(s.ctx, "user_presence", backend.Query{})
	s.Require().NoError(err)
	s.Len(rows, 1)
}

func (s *BuntBackendTestSuite) TestUpsertByNonIDField() {
	first, err := s.db.Upsert(s.ctx, "users", backend.Row{"username": "ada", "avatar_url": "a.png"}, "username")
	s.Require().NoError(err)

	second, err := s.db.Upsert(s.ctx, "users", backend.Row{"username": "ada", "avatar_url": "b.png"}, "username")
	s.Require().NoError(err)

	s.Equal(first.String("id"), second.String("id"))
	s.Equal("b.png", second["avatar_url"])
}

func (s *BuntBackendTestSuite) TestSubscriptionFiltersByEventAndPredicate() {
	sub, err := s.db.SubscribeChanges(s.ctx, "messages", []backend.EventType{backend.EventInsert}, backend.Filter{"room_id": "r1"})
	s.Require().NoError(err)
	defer sub.Unsubscribe()

	_, err = s.db.Insert(s.ctx, "messages", backend.Row{"room_id": "r2", "content": "skip"})
	s.Require().NoError(err)
	_, err = s.db.Insert(s.ctx, "messages", backend.Row{"room_id": "r1", "content": "keep"})
	s.Require().NoError(err)

	ev := s.next(sub)
	s.Equal("keep", ev.Row["content"])
	s.Equal("messages", ev.Table)
}

func (s *BuntBackendTestSuite) TestDeleteEmitsEvent() {
	_, err := s.db.Upsert(s.ctx, "user_presence", backend.Row{"id": "u1", "status": "online"}, "id")
	s.Require().NoError(err)

	sub, err := s.db.SubscribeChanges(s.ctx, "user_presence", nil, nil)
	s.Require().NoError(err)
	defer sub.Unsubscribe()

	s.Require().NoError(s.db.Delete(s.ctx, "user_presence", "u1"))
	ev := s.next(sub)
	s.Equal(backend.EventDelete, ev.Type)
	s.Equal("u1", ev.Row.String("id"))

	s.NoError(s.db.Delete(s.ctx, "user_presence", "u1"), "deleting a missing row is a no-op")
}

func (s *BuntBackendTestSuite) TestUnsubscribeStopsDelivery() {
	sub, err := s.db.SubscribeChanges(s.ctx, "rooms", nil, nil)
	s.Require().NoError(err)
	s.Require().NoError(sub.Unsubscribe())
	s.Require().NoError(sub.Unsubscribe())

	_, err = s.db.Insert(s.ctx, "rooms", backend.Row{"name": "after"})
	s.Require().NoError(err)

	_, ok := <-sub.Events()
	s.False(ok)
}

func TestClose_EndsFeedsWithError(t *testing.T) {
	db, err := Open(":memory:")
	require.NoError(t, err)

	sub, err := db.SubscribeChanges(context.Background(), "rooms", nil, nil)
	require.NoError(t, err)

	require.NoError(t, db.Close())

	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.ErrorIs(t, sub.Err(), backend.ErrClosed)

	_, err = db.Read(context.Background(), "rooms", backend.Query{})
	assert.ErrorIs(t, err, backend.ErrClosed)
}

func TestRead_CanceledContext(t *testing.T) {
	db, err := Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = db.Read(ctx, "rooms", backend.Query{})
	assert.ErrorIs(t, err, context.Canceled)
}
