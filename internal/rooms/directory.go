// Package rooms keeps the local room list in sync with the rooms table and
// enforces name uniqueness before writing.
package rooms

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nfrund/chatsync/internal/backend"
	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/pubsub"
)

// Option configures a Directory.
type Option func(*Directory)

// WithPublisher sets the bus on which room list changes are announced.
func WithPublisher(p pubsub.Publisher) Option {
	return func(d *Directory) { d.publisher = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Directory) { d.logger = l }
}

// Directory is the local, feed-maintained copy of the room list.
type Directory struct {
	db        backend.Backend
	user      domain.User
	publisher pubsub.Publisher
	logger    *slog.Logger

	mu      sync.RWMutex
	rooms   []domain.Room // newest created first
	ids     map[string]struct{}
	names   map[string]string // name key -> room id
	pending map[string]struct{}

	sub      backend.Subscription
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a directory acting as user.
func New(db backend.Backend, user domain.User, opts ...Option) *Directory {
	d := &Directory{
		db:        db,
		user:      user,
		publisher: pubsub.Nop{},
		logger:    slog.Default(),
		ids:       make(map[string]struct{}),
		names:     make(map[string]string),
		pending:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "rooms")
	return d
}

// Start subscribes to room inserts and loads the current list. The feed is
// opened first so no room created during the load is missed.
func (d *Directory) Start(ctx context.Context) error {
	sub, err := d.db.SubscribeChanges(ctx, domain.TableRooms, []backend.EventType{backend.EventInsert}, nil)
	if err != nil {
		d.logger.ErrorContext(ctx, "Failed to subscribe to rooms", "error", err)
		return domain.NewSubscriptionError("rooms.start", err)
	}
	d.sub = sub
	d.wg.Add(1)
	go d.consume(sub)

	return d.Reload(ctx)
}

// Shutdown releases the feed and waits for the consumer to exit. It is safe
// to call more than once and without a prior Start.
func (d *Directory) Shutdown(ctx context.Context) error {
	d.stopOnce.Do(func() {
		if d.sub != nil {
			_ = d.sub.Unsubscribe()
		}
	})
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// List returns the cached rooms, newest created first.
func (d *Directory) List() []domain.Room {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]domain.Room(nil), d.rooms...)
}

// Get returns the cached room with id.
func (d *Directory) Get(id string) (domain.Room, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, r := range d.rooms {
		if r.ID == id {
			return r, true
		}
	}
	return domain.Room{}, false
}

// Reload rebuilds the cache from a full read of the rooms table. When the
// table holds several rooms with the same name, the earliest created wins.
// Rooms merged while the read was in flight are kept.
func (d *Directory) Reload(ctx context.Context) error {
	rows, err := d.db.Read(ctx, domain.TableRooms, backend.Query{OrderBy: "created_at", Descending: true})
	if err != nil {
		return domain.NewBackendError("rooms.reload", err)
	}
	list, err := backend.DecodeAll[domain.Room](rows)
	if err != nil {
		return domain.NewBackendError("rooms.reload", err)
	}

	// Oldest first, so the first room seen per name is the one kept.
	sort.SliceStable(list, func(i, j int) bool { return newer(list[j], list[i]) })

	d.mu.Lock()
	held := d.rooms
	d.rooms = make([]domain.Room, 0, len(list))
	d.ids = make(map[string]struct{}, len(list))
	d.names = make(map[string]string, len(list))
	for _, r := range list {
		d.mergeLocked(r)
	}
	for _, r := range held {
		d.mergeLocked(r)
	}
	count := len(d.rooms)
	d.mu.Unlock()

	d.logger.DebugContext(ctx, "Rooms reloaded", "count", count)
	d.notify(ctx, pubsub.KindRoomsReloaded, "")
	return nil
}

// Create writes a new room named name. It fails with ErrValidation for a
// blank name and ErrDuplicateName when the name is already in use locally,
// on the backend, or by a create still in flight from this client.
func (d *Directory) Create(ctx context.Context, name, description string) (domain.Room, error) {
	const op = "rooms.create"
	in := domain.CreateRoomInput{Name: strings.TrimSpace(name), Description: strings.TrimSpace(description)}
	if err := domain.Validate(op, in); err != nil {
		return domain.Room{}, err
	}
	key := domain.NameKey(in.Name)

	d.mu.Lock()
	if _, taken := d.names[key]; taken {
		d.mu.Unlock()
		return domain.Room{}, domain.NewDuplicateNameError(op, in.Name)
	}
	if _, inFlight := d.pending[key]; inFlight {
		d.mu.Unlock()
		return domain.Room{}, domain.NewDuplicateNameError(op, in.Name)
	}
	d.pending[key] = struct{}{}
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.pending, key)
		d.mu.Unlock()
	}()

	existing, err := d.db.Read(ctx, domain.TableRooms, backend.Query{Filter: backend.Filter{domain.RoomNameKeyField: key}, Limit: 1})
	if err != nil {
		return domain.Room{}, domain.NewBackendError(op, err)
	}
	if len(existing) > 0 {
		if r, derr := backend.Decode[domain.Room](existing[0]); derr == nil {
			d.merge(ctx, r)
		}
		return domain.Room{}, domain.NewDuplicateNameError(op, in.Name)
	}

	row, err := d.db.Insert(ctx, domain.TableRooms, backend.Row{
		"name":                  in.Name,
		domain.RoomNameKeyField: key,
		"description":           in.Description,
		"created_by":            d.user.ID,
	})
	if err != nil {
		if errors.Is(err, backend.ErrConflict) {
			return domain.Room{}, domain.NewDuplicateNameError(op, in.Name)
		}
		return domain.Room{}, domain.NewBackendError(op, err)
	}
	room, err := backend.Decode[domain.Room](row)
	if err != nil {
		return domain.Room{}, domain.NewBackendError(op, err)
	}

	d.logger.InfoContext(ctx, "Room created", "roomID", room.ID, "name", room.Name)
	d.merge(ctx, room)
	return room, nil
}

func (d *Directory) consume(sub backend.Subscription) {
	defer d.wg.Done()
	ctx := context.Background()
	for ev := range sub.Events() {
		room, err := backend.Decode[domain.Room](ev.Row)
		if err != nil {
			d.logger.Warn("Dropping malformed room event", "error", err)
			continue
		}
		d.merge(ctx, room)
	}
	if err := sub.Err(); err != nil {
		d.logger.Error("Rooms feed ended", "error", domain.NewSubscriptionError("rooms.feed", err))
		d.notify(ctx, pubsub.KindFeedLost, "")
	}
}

// merge adds r unless its id or name is already known, and announces it.
func (d *Directory) merge(ctx context.Context, r domain.Room) {
	d.mu.Lock()
	added := d.mergeLocked(r)
	d.mu.Unlock()
	if added {
		d.notify(ctx, pubsub.KindRoomAdded, r.ID)
	}
}

func (d *Directory) mergeLocked(r domain.Room) bool {
	if r.ID == "" {
		return false
	}
	if _, ok := d.ids[r.ID]; ok {
		return false
	}
	key := domain.NameKey(r.Name)
	if _, ok := d.names[key]; ok {
		return false
	}
	d.ids[r.ID] = struct{}{}
	d.names[key] = r.ID

	i := sort.Search(len(d.rooms), func(i int) bool { return !newer(d.rooms[i], r) })
	d.rooms = append(d.rooms, domain.Room{})
	copy(d.rooms[i+1:], d.rooms[i:])
	d.rooms[i] = r
	return true
}

// newer reports whether a sorts before b in newest-first order.
func newer(a, b domain.Room) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func (d *Directory) notify(ctx context.Context, kind, roomID string) {
	change := pubsub.StateChange{Kind: kind, RoomID: roomID, UserID: d.user.ID, At: time.Now().UTC()}
	if err := pubsub.Publish(ctx, d.publisher, pubsub.RoomsChanged, d.user.ID, change); err != nil {
		d.logger.WarnContext(ctx, "Failed to publish rooms change", "kind", kind, "error", err)
	}
}
