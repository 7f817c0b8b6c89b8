// Package messages holds the ordered message history of the active room and
// reconciles local sends with the messages change feed.
package messages

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nfrund/chatsync/internal/backend"
	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/pubsub"
)

// State is the load state of the active room.
type State int

const (
	Unloaded State = iota
	Loading
	Ready
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	default:
		return "unloaded"
	}
}

// AuthorResolver fills missing author display fields of a message.
type AuthorResolver interface {
	Resolve(ctx context.Context, m domain.Message) domain.Message
}

// Option configures a Stream.
type Option func(*Stream)

// WithAuthors sets the resolver used for rows that arrive without author fields.
func WithAuthors(r AuthorResolver) Option {
	return func(s *Stream) { s.authors = r }
}

// WithPublisher sets the bus on which stream changes are announced.
func WithPublisher(p pubsub.Publisher) Option {
	return func(s *Stream) { s.publisher = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Stream) { s.logger = l }
}

// WithClock sets the clock used to stamp outgoing messages.
func WithClock(now func() time.Time) Option {
	return func(s *Stream) { s.now = now }
}

// Stream is the message history of a single active room.
type Stream struct {
	db        backend.Backend
	user      domain.User
	authors   AuthorResolver
	publisher pubsub.Publisher
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.RWMutex
	state State
	room  string
	gen   uint64 // bumped on every join and leave
	list  []domain.Message
	ids   map[string]struct{}

	sub      backend.Subscription
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a stream acting as user.
func New(db backend.Backend, user domain.User, opts ...Option) *Stream {
	s := &Stream{
		db:        db,
		user:      user,
		publisher: pubsub.Nop{},
		logger:    slog.Default(),
		now:       time.Now,
		ids:       make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "messages")
	return s
}

// Start opens the messages feed. Events are matched against the active room
// when they arrive, so one subscription serves every room.
func (s *Stream) Start(ctx context.Context) error {
	sub, err := s.db.SubscribeChanges(ctx, domain.TableMessages, []backend.EventType{backend.EventInsert}, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to subscribe to messages", "error", err)
		return domain.NewSubscriptionError("messages.start", err)
	}
	s.sub = sub
	s.wg.Add(1)
	go s.consume(sub)
	return nil
}

// Shutdown releases the feed and waits for the consumer to exit.
func (s *Stream) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() {
		if s.sub != nil {
			_ = s.sub.Unsubscribe()
		}
	})
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State reports the load state of the active room.
func (s *Stream) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// CurrentRoom returns the active room id, or "" when none is joined.
func (s *Stream) CurrentRoom() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.room
}

// Messages returns the active room's messages in creation order.
func (s *Stream) Messages() []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Message(nil), s.list...)
}

// JoinRoom makes roomID the active room and loads its history. A later join
// supersedes this one; the superseded load is discarded and JoinRoom returns
// nil for it.
func (s *Stream) JoinRoom(ctx context.Context, roomID string) error {
	const op = "messages.join"
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return domain.NewValidationError(op, "room_id is required", nil)
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.room = roomID
	s.state = Loading
	s.list = nil
	s.ids = make(map[string]struct{})
	s.mu.Unlock()
	s.notify(ctx, pubsub.KindRoomJoined, roomID)

	rows, err := s.db.Read(ctx, domain.TableMessages, backend.Query{
		Filter:  backend.Filter{"room_id": roomID},
		OrderBy: "created_at",
	})
	var fetched []domain.Message
	if err == nil {
		fetched, err = backend.DecodeAll[domain.Message](rows)
	}
	if err == nil {
		for i := range fetched {
			fetched[i] = s.resolve(ctx, fetched[i])
		}
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		s.logger.DebugContext(ctx, "Discarding superseded room load", "roomID", roomID)
		return nil
	}
	s.state = Ready
	if err != nil {
		s.mu.Unlock()
		s.logger.ErrorContext(ctx, "Failed to load messages", "roomID", roomID, "error", err)
		return domain.NewBackendError(op, err)
	}
	for _, m := range fetched {
		s.mergeLocked(m)
	}
	count := len(s.list)
	s.mu.Unlock()

	s.logger.DebugContext(ctx, "Messages loaded", "roomID", roomID, "count", count)
	s.notify(ctx, pubsub.KindMessagesLoaded, roomID)
	return nil
}

// Leave clears the active room.
func (s *Stream) Leave() {
	s.mu.Lock()
	s.gen++
	room := s.room
	s.room = ""
	s.state = Unloaded
	s.list = nil
	s.ids = make(map[string]struct{})
	s.mu.Unlock()
	if room != "" {
		s.notify(context.Background(), pubsub.KindRoomLeft, room)
	}
}

// Send writes body to roomID and returns the confirmed message. The message is
// added to the local history only if roomID is still active when the write
// completes.
func (s *Stream) Send(ctx context.Context, body, roomID string) (domain.Message, error) {
	const op = "messages.send"
	in := domain.SendMessageInput{RoomID: strings.TrimSpace(roomID), Content: strings.TrimSpace(body)}
	if err := domain.Validate(op, in); err != nil {
		return domain.Message{}, err
	}
	if s.user.IsZero() {
		return domain.Message{}, domain.ErrNoSession
	}

	row, err := s.db.Insert(ctx, domain.TableMessages, backend.Row{
		"room_id":    in.RoomID,
		"user_id":    s.user.ID,
		"content":    in.Content,
		"created_at": s.now().UTC(),
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to send message", "roomID", in.RoomID, "error", err)
		return domain.Message{}, domain.NewBackendError(op, err)
	}
	m, err := backend.Decode[domain.Message](row)
	if err != nil {
		return domain.Message{}, domain.NewBackendError(op, err)
	}
	m = s.resolve(ctx, m)

	s.mu.Lock()
	added := s.room == m.RoomID && s.mergeLocked(m)
	s.mu.Unlock()
	if added {
		s.notify(ctx, pubsub.KindMessageAdded, m.RoomID)
	}
	return m, nil
}

func (s *Stream) consume(sub backend.Subscription) {
	defer s.wg.Done()
	ctx := context.Background()
	for ev := range sub.Events() {
		m, err := backend.Decode[domain.Message](ev.Row)
		if err != nil {
			s.logger.Warn("Dropping malformed message event", "error", err)
			continue
		}
		s.deliver(ctx, m)
	}
	if err := sub.Err(); err != nil {
		s.logger.Error("Messages feed ended", "error", domain.NewSubscriptionError("messages.feed", err))
		s.notify(ctx, pubsub.KindFeedLost, "")
	}
}

// deliver merges a feed message if it belongs to the room active at arrival
// and that room has not been left or rejoined in the meantime.
func (s *Stream) deliver(ctx context.Context, m domain.Message) {
	s.mu.RLock()
	room, gen := s.room, s.gen
	_, seen := s.ids[m.ID]
	s.mu.RUnlock()
	if room == "" || m.RoomID != room || seen {
		return
	}

	m = s.resolve(ctx, m)

	s.mu.Lock()
	added := s.gen == gen && s.mergeLocked(m)
	s.mu.Unlock()
	if added {
		s.notify(ctx, pubsub.KindMessageAdded, m.RoomID)
	}
}

// mergeLocked inserts m at its ordered position unless its id is present.
func (s *Stream) mergeLocked(m domain.Message) bool {
	if m.ID == "" {
		return false
	}
	if _, ok := s.ids[m.ID]; ok {
		return false
	}
	s.ids[m.ID] = struct{}{}
	i := sort.Search(len(s.list), func(i int) bool { return m.Before(s.list[i]) })
	s.list = append(s.list, domain.Message{})
	copy(s.list[i+1:], s.list[i:])
	s.list[i] = m
	return true
}

func (s *Stream) resolve(ctx context.Context, m domain.Message) domain.Message {
	if s.authors != nil {
		m = s.authors.Resolve(ctx, m)
	}
	if m.UserID == s.user.ID && !s.user.IsZero() {
		if m.Username == "" {
			m.Username = s.user.Username
		}
		if m.AvatarURL == "" {
			m.AvatarURL = s.user.AvatarURL
		}
	}
	return m
}

func (s *Stream) notify(ctx context.Context, kind, roomID string) {
	change := pubsub.StateChange{Kind: kind, RoomID: roomID, UserID: s.user.ID, At: time.Now().UTC()}
	if err := pubsub.Publish(ctx, s.publisher, pubsub.MessagesChanged, s.user.ID, change); err != nil {
		s.logger.WarnContext(ctx, "Failed to publish messages change", "kind", kind, "error", err)
	}
}
