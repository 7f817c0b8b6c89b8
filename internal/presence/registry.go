// Package presence tracks per-user status records, keeps the online and typing
// sets derived from them, and publishes this client's own record.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nfrund/chatsync/internal/backend"
	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/pubsub"
)

const (
	// DefaultHeartbeatInterval is how often an active session re-asserts its status.
	DefaultHeartbeatInterval = 30 * time.Second

	// StaleThresholdMultiplier determines how many missed heartbeats to tolerate before a record is stale.
	StaleThresholdMultiplier = 2

	// DefaultStaleThreshold is the age of last_seen after which a user is treated as offline.
	DefaultStaleThreshold = DefaultHeartbeatInterval * StaleThresholdMultiplier

	// DefaultOfflineTimeout bounds the best-effort offline write on shutdown.
	DefaultOfflineTimeout = 2 * time.Second

	writeQueueSize = 64
)

// Option configures a Registry.
type Option func(*Registry)

// WithHeartbeatInterval sets the heartbeat period.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.heartbeatEvery = d
		}
	}
}

// WithStaleThreshold sets the last_seen age after which a user counts as offline.
func WithStaleThreshold(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.staleThreshold = d
		}
	}
}

// WithOfflineTimeout bounds the offline write issued by Shutdown.
func WithOfflineTimeout(d time.Duration) Option {
	return func(r *Registry) { r.offlineTimeout = d }
}

// WithClock sets the clock used for last_seen and updated_at.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithPublisher sets the bus on which presence changes are announced.
func WithPublisher(p pubsub.Publisher) Option {
	return func(r *Registry) { r.publisher = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// Registry is the local snapshot of every user's presence record.
type Registry struct {
	db             backend.Backend
	user           domain.User
	publisher      pubsub.Publisher
	logger         *slog.Logger
	now            func() time.Time
	heartbeatEvery time.Duration
	staleThreshold time.Duration
	offlineTimeout time.Duration

	mu      sync.RWMutex
	records map[string]domain.PresenceRecord
	online  map[string]struct{}
	typing  map[string]struct{}

	// What this client last asserted about itself.
	selfMu     sync.Mutex
	selfStatus domain.Status
	selfRoom   *string
	selfTyping bool

	queueMu sync.Mutex
	closed  bool
	writes  chan backend.Row
	writer  sync.WaitGroup

	sub           backend.Subscription
	feed          sync.WaitGroup
	stopHeartbeat chan struct{}
	heartbeat     sync.WaitGroup
	startOnce     sync.Once
	stopOnce      sync.Once
}

// New creates a registry for user and starts its write queue.
func New(db backend.Backend, user domain.User, opts ...Option) *Registry {
	r := &Registry{
		db:             db,
		user:           user,
		publisher:      pubsub.Nop{},
		logger:         slog.Default(),
		now:            time.Now,
		heartbeatEvery: DefaultHeartbeatInterval,
		staleThreshold: DefaultStaleThreshold,
		offlineTimeout: DefaultOfflineTimeout,
		records:        make(map[string]domain.PresenceRecord),
		online:         make(map[string]struct{}),
		typing:         make(map[string]struct{}),
		selfStatus:     domain.StatusOnline,
		writes:         make(chan backend.Row, writeQueueSize),
		stopHeartbeat:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "presence")

	r.writer.Add(1)
	go r.drain()
	return r
}

// Start subscribes to presence changes, announces this user online, loads
// every record and starts the heartbeat.
func (r *Registry) Start(ctx context.Context) error {
	var err error
	r.startOnce.Do(func() {
		sub, serr := r.db.SubscribeChanges(ctx, domain.TablePresence, backend.AllEvents, nil)
		if serr != nil {
			r.logger.ErrorContext(ctx, "Failed to subscribe to presence", "error", serr)
			err = domain.NewSubscriptionError("presence.start", serr)
			return
		}
		r.sub = sub
		r.feed.Add(1)
		go r.consume(sub)

		r.UpdatePresence(ctx, domain.StatusOnline, nil)
		if rerr := r.Refresh(ctx); rerr != nil {
			r.logger.WarnContext(ctx, "Initial presence refresh failed", "error", rerr)
		}

		r.heartbeat.Add(1)
		go r.beat()
		r.logger.InfoContext(ctx, "Presence started", "userID", r.user.ID, "heartbeat", r.heartbeatEvery)
	})
	return err
}

// Shutdown stops the heartbeat, writes an offline record (best effort,
// bounded by the offline timeout), waits for queued writes and releases the
// feed.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.stopOnce.Do(func() {
		close(r.stopHeartbeat)
		r.heartbeat.Wait()

		r.selfMu.Lock()
		r.selfStatus = domain.StatusOffline
		r.selfTyping = false
		row := r.selfRowLocked()
		r.selfMu.Unlock()
		r.enqueue(row)

		r.queueMu.Lock()
		r.closed = true
		close(r.writes)
		r.queueMu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		r.writer.Wait()
		if r.sub != nil {
			_ = r.sub.Unsubscribe()
		}
		r.feed.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpdatePresence records status and current room for this user. The write
// happens in the background; failures are logged only.
func (r *Registry) UpdatePresence(ctx context.Context, status domain.Status, roomID *string) {
	if !status.Valid() {
		r.logger.WarnContext(ctx, "Ignoring invalid presence status", "status", status)
		return
	}
	r.selfMu.Lock()
	r.selfStatus = status
	r.selfRoom = cloneRoom(roomID)
	row := r.selfRowLocked()
	r.selfMu.Unlock()
	r.enqueue(row)
}

// SetTyping records the typing flag and current room for this user, keeping
// the last asserted status. Callers debounce; see package typing.
func (r *Registry) SetTyping(ctx context.Context, isTyping bool, roomID *string) {
	r.selfMu.Lock()
	r.selfTyping = isTyping
	r.selfRoom = cloneRoom(roomID)
	row := r.selfRowLocked()
	r.selfMu.Unlock()
	r.enqueue(row)
}

// VisibilityChanged announces away when the client is hidden and online when
// it is visible again.
func (r *Registry) VisibilityChanged(ctx context.Context, hidden bool) {
	r.selfMu.Lock()
	room := r.selfRoom
	r.selfMu.Unlock()
	if hidden {
		r.UpdatePresence(ctx, domain.StatusAway, room)
		return
	}
	r.UpdatePresence(ctx, domain.StatusOnline, room)
}

// CurrentRoom returns the room this client last reported.
func (r *Registry) CurrentRoom() *string {
	r.selfMu.Lock()
	defer r.selfMu.Unlock()
	return cloneRoom(r.selfRoom)
}

// Refresh replaces the snapshot with a full read of the presence table.
// Records that changed locally while the read was in flight are kept.
func (r *Registry) Refresh(ctx context.Context) error {
	started := r.now().UTC()
	rows, err := r.db.Read(ctx, domain.TablePresence, backend.Query{OrderBy: "updated_at", Descending: true})
	if err != nil {
		return domain.NewBackendError("presence.refresh", err)
	}
	list, err := backend.DecodeAll[domain.PresenceRecord](rows)
	if err != nil {
		return domain.NewBackendError("presence.refresh", err)
	}

	records := make(map[string]domain.PresenceRecord, len(list))
	for _, p := range list {
		if _, ok := records[p.UserID]; !ok && p.UserID != "" {
			records[p.UserID] = p
		}
	}
	r.mu.Lock()
	for id, held := range r.records {
		fetched, ok := records[id]
		if (ok && held.UpdatedAt.After(fetched.UpdatedAt)) || (!ok && !held.UpdatedAt.Before(started)) {
			records[id] = held
		}
	}
	r.records = records
	r.recomputeLocked()
	r.mu.Unlock()

	r.notify(ctx, pubsub.KindPresenceChanged, "")
	return nil
}

// IsUserOnline reports whether id's record has status online.
func (r *Registry) IsUserOnline(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.online[id]
	return ok
}

// IsUserTyping reports whether id's record has the typing flag set.
func (r *Registry) IsUserTyping(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.typing[id]
	return ok
}

// GetRoomUsers returns the records whose current room is roomID, ordered by user id.
func (r *Registry) GetRoomUsers(roomID string) []domain.PresenceRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.PresenceRecord
	for _, p := range r.records {
		if p.InRoom(roomID) {
			out = append(out, p)
		}
	}
	sortRecords(out)
	return out
}

// TypingInRoom returns the ids of users typing in roomID, except exclude.
func (r *Registry) TypingInRoom(roomID, exclude string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id := range r.typing {
		if id == exclude {
			continue
		}
		if p, ok := r.records[id]; ok && p.InRoom(roomID) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Get returns id's record.
func (r *Registry) Get(id string) (domain.PresenceRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.records[id]
	return p, ok
}

// Records returns every record, ordered by user id.
func (r *Registry) Records() []domain.PresenceRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.PresenceRecord, 0, len(r.records))
	for _, p := range r.records {
		out = append(out, p)
	}
	sortRecords(out)
	return out
}

// OnlineUsers returns the sorted online set.
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.online)
}

// TypingUsers returns the sorted typing set.
func (r *Registry) TypingUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.typing)
}

// IsStale reports whether id has no record or its last_seen is older than the
// stale threshold at now. A stale user is offline whatever its status says.
func (r *Registry) IsStale(id string, now time.Time) bool {
	r.mu.RLock()
	p, ok := r.records[id]
	r.mu.RUnlock()
	if !ok {
		return true
	}
	return now.Sub(p.LastSeen) > r.staleThreshold
}

// StatusText describes id's presence for display: typing, then online, away
// and busy, then how long ago the user was last seen.
func (r *Registry) StatusText(id string, now time.Time) string {
	r.mu.RLock()
	p, ok := r.records[id]
	_, typing := r.typing[id]
	r.mu.RUnlock()
	if !ok {
		return "offline"
	}
	stale := now.Sub(p.LastSeen) > r.staleThreshold
	switch {
	case stale:
	case typing:
		return "typing..."
	case p.Status == domain.StatusOnline:
		return "online"
	case p.Status == domain.StatusAway:
		return "away"
	case p.Status == domain.StatusBusy:
		return "busy"
	}
	if p.LastSeen.IsZero() {
		return "offline"
	}
	return "last seen " + ago(now.Sub(p.LastSeen))
}

func (r *Registry) consume(sub backend.Subscription) {
	defer r.feed.Done()
	ctx := context.Background()
	for ev := range sub.Events() {
		p, err := backend.Decode[domain.PresenceRecord](ev.Row)
		if err != nil || p.UserID == "" {
			r.logger.Warn("Dropping malformed presence event", "type", ev.Type, "error", err)
			continue
		}
		if ev.Type == backend.EventDelete {
			r.remove(ctx, p.UserID)
			continue
		}
		r.merge(ctx, p)
	}
	if err := sub.Err(); err != nil {
		r.logger.Error("Presence feed ended", "error", domain.NewSubscriptionError("presence.feed", err))
		r.notify(ctx, pubsub.KindFeedLost, "")
	}
}

// merge replaces the record for p.UserID unless the held one is newer, then
// recomputes the derived sets.
func (r *Registry) merge(ctx context.Context, p domain.PresenceRecord) {
	r.mu.Lock()
	if held, ok := r.records[p.UserID]; ok && p.UpdatedAt.Before(held.UpdatedAt) {
		r.mu.Unlock()
		return
	}
	r.records[p.UserID] = p
	r.recomputeLocked()
	r.mu.Unlock()
	r.notify(ctx, pubsub.KindPresenceChanged, p.UserID)
}

func (r *Registry) remove(ctx context.Context, id string) {
	r.mu.Lock()
	if _, ok := r.records[id]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.records, id)
	r.recomputeLocked()
	r.mu.Unlock()
	r.notify(ctx, pubsub.KindPresenceRemoved, id)
}

// recomputeLocked rebuilds the online and typing sets from the records.
func (r *Registry) recomputeLocked() {
	online := make(map[string]struct{}, len(r.records))
	typing := make(map[string]struct{})
	for id, p := range r.records {
		if p.Status == domain.StatusOnline {
			online[id] = struct{}{}
		}
		if p.IsTyping {
			typing[id] = struct{}{}
		}
	}
	r.online = online
	r.typing = typing
}

func (r *Registry) beat() {
	defer r.heartbeat.Done()
	ticker := time.NewTicker(r.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.selfMu.Lock()
			r.selfStatus = domain.StatusOnline
			row := r.selfRowLocked()
			r.selfMu.Unlock()
			r.enqueue(row)
		case <-r.stopHeartbeat:
			return
		}
	}
}

func (r *Registry) selfRowLocked() backend.Row {
	now := r.now().UTC()
	var room any
	if r.selfRoom != nil {
		room = *r.selfRoom
	}
	return backend.Row{
		"id":           r.user.ID,
		"status":       string(r.selfStatus),
		"current_room": room,
		"is_typing":    r.selfTyping,
		"last_seen":    now,
		"updated_at":   now,
	}
}

func (r *Registry) enqueue(row backend.Row) {
	if r.user.ID == "" {
		return
	}
	r.queueMu.Lock()
	defer r.queueMu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.writes <- row:
	default:
		r.logger.Warn("Presence write queue full, dropping update", "status", row["status"])
	}
}

// drain performs queued writes in order so a later update never lands
// before an earlier one.
func (r *Registry) drain() {
	defer r.writer.Done()
	for row := range r.writes {
		ctx, cancel := context.WithTimeout(context.Background(), r.writeTimeout(row))
		saved, err := r.db.Upsert(ctx, domain.TablePresence, row, "id")
		cancel()
		if err != nil {
			r.logger.Warn("Failed to update presence", "status", row["status"], "error", err)
			continue
		}
		if p, derr := backend.Decode[domain.PresenceRecord](saved); derr == nil {
			r.merge(context.Background(), p)
		}
	}
}

func (r *Registry) writeTimeout(row backend.Row) time.Duration {
	if row["status"] == string(domain.StatusOffline) && r.offlineTimeout > 0 {
		return r.offlineTimeout
	}
	return r.heartbeatEvery
}

func (r *Registry) notify(ctx context.Context, kind, userID string) {
	if userID == "" {
		userID = r.user.ID
	}
	change := pubsub.StateChange{Kind: kind, UserID: userID, At: time.Now().UTC()}
	if err := pubsub.Publish(ctx, r.publisher, pubsub.PresenceChanged, r.user.ID, change); err != nil {
		r.logger.WarnContext(ctx, "Failed to publish presence change", "kind", kind, "error", err)
	}
}

func cloneRoom(room *string) *string {
	if room == nil || *room == "" {
		return nil
	}
	v := *room
	return &v
}

func sortRecords(list []domain.PresenceRecord) {
	sort.Slice(list, func(i, j int) bool { return list[i].UserID < list[j].UserID })
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ago renders d the way a chat sidebar does: "just now", "5 minutes ago".
func ago(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return plural(int(d/time.Minute), "minute") + " ago"
	case d < 24*time.Hour:
		return plural(int(d/time.Hour), "hour") + " ago"
	default:
		return plural(int(d/(24*time.Hour)), "day") + " ago"
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
