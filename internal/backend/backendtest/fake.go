// Package backendtest provides a scriptable in-memory backend for tests.
// Calls can be held mid-flight, made to fail, and change events can be
// delivered by hand in any order.
package backendtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nfrund/chatsync/internal/backend"
)

// Op names a backend operation for fault injection and call counting.
type Op string

const (
	OpRead      Op = "read"
	OpInsert    Op = "insert"
	OpUpsert    Op = "upsert"
	OpSubscribe Op = "subscribe"
)

// Gate pauses a held call until Release is called.
type Gate struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

// Entered is closed once the held call has reached the backend.
func (g *Gate) Entered() <-chan struct{} { return g.entered }

// Release lets the held call proceed.
func (g *Gate) Release() { g.once.Do(func() { close(g.release) }) }

type opKey struct {
	op    Op
	table string
}

type feed struct {
	stream *backend.Stream
	table  string
	events []backend.EventType
	filter backend.Filter
}

// Option configures a Fake.
type Option func(*Fake)

// WithEcho makes successful writes appear on matching change feeds, as a
// real backend would.
func WithEcho() Option {
	return func(f *Fake) { f.echo = true }
}

// WithClock sets the clock used for server stamped created_at values.
func WithClock(now func() time.Time) Option {
	return func(f *Fake) { f.now = now }
}

// Fake is an in-memory backend.Backend.
type Fake struct {
	echo bool
	now  func() time.Time

	mu     sync.Mutex
	rows   map[string][]backend.Row
	feeds  map[string]*feed
	holds  map[opKey]*Gate
	fails  map[opKey]error
	calls  map[opKey]int
	writes []Write
}

// Write records a successful write for later assertions.
type Write struct {
	Op    Op
	Table string
	Row   backend.Row
}

var _ backend.Backend = (*Fake)(nil)

// New returns an empty Fake.
func New(opts ...Option) *Fake {
	f := &Fake{
		now:   time.Now,
		rows:  make(map[string][]backend.Row),
		feeds: make(map[string]*feed),
		holds: make(map[opKey]*Gate),
		fails: make(map[opKey]error),
		calls: make(map[opKey]int),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Seed stores rows without emitting events.
func (f *Fake) Seed(table string, rows ...backend.Row) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range rows {
		f.rows[table] = append(f.rows[table], r.Clone())
	}
}

// Hold makes the next call of op on table block until the gate is released.
func (f *Fake) Hold(op Op, table string) *Gate {
	g := &Gate{entered: make(chan struct{}), release: make(chan struct{})}
	f.mu.Lock()
	f.holds[opKey{op, table}] = g
	f.mu.Unlock()
	return g
}

// FailNext makes the next call of op on table return err.
func (f *Fake) FailNext(op Op, table string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fails[opKey{op, table}] = err
}

// Calls reports how many times op was invoked on table.
func (f *Fake) Calls(op Op, table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[opKey{op, table}]
}

// Writes returns the successful writes to table in order.
func (f *Fake) Writes(table string) []Write {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Write
	for _, w := range f.writes {
		if w.Table == table {
			out = append(out, w)
		}
	}
	return out
}

// Subscribers reports the number of open feeds on table.
func (f *Fake) Subscribers(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, fd := range f.feeds {
		if fd.table == table {
			n++
		}
	}
	return n
}

// Emit delivers an event to every matching feed on table.
func (f *Fake) Emit(table string, t backend.EventType, row backend.Row) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitLocked(table, t, row)
}

// Fail ends every feed on table with err, as a dropped transport would.
func (f *Fake) Fail(table string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, fd := range f.feeds {
		if fd.table == table {
			fd.stream.End(err)
			delete(f.feeds, id)
		}
	}
}

func (f *Fake) emitLocked(table string, t backend.EventType, row backend.Row) {
	for _, fd := range f.feeds {
		if fd.table != table || !backend.Wants(fd.events, t) || !fd.filter.Matches(row) {
			continue
		}
		fd.stream.Offer(backend.ChangeEvent{Type: t, Table: table, Row: row.Clone()})
	}
}

// enter counts the call, waits on any hold and returns any injected failure.
func (f *Fake) enter(ctx context.Context, op Op, table string) error {
	key := opKey{op, table}
	f.mu.Lock()
	f.calls[key]++
	gate := f.holds[key]
	delete(f.holds, key)
	err := f.fails[key]
	delete(f.fails, key)
	f.mu.Unlock()

	if gate != nil {
		close(gate.entered)
		select {
		case <-gate.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *Fake) Read(ctx context.Context, table string, q backend.Query) ([]backend.Row, error) {
	if err := f.enter(ctx, OpRead, table); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []backend.Row
	for _, r := range f.rows[table] {
		if q.Filter.Matches(r) {
			out = append(out, r.Clone())
		}
	}
	if q.OrderBy != "" {
		sort.SliceStable(out, func(i, j int) bool {
			c := compare(out[i][q.OrderBy], out[j][q.OrderBy])
			if q.Descending {
				return c > 0
			}
			return c < 0
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (f *Fake) Insert(ctx context.Context, table string, row backend.Row) (backend.Row, error) {
	if err := f.enter(ctx, OpInsert, table); err != nil {
		return nil, err
	}
	row = row.Clone()
	if row.String("id") == "" {
		row["id"] = uuid.NewString()
	}
	if _, ok := row["created_at"]; !ok {
		row["created_at"] = f.now()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[table] = append(f.rows[table], row.Clone())
	f.writes = append(f.writes, Write{Op: OpInsert, Table: table, Row: row.Clone()})
	if f.echo {
		f.emitLocked(table, backend.EventInsert, row)
	}
	return row, nil
}

func (f *Fake) Upsert(ctx context.Context, table string, row backend.Row, conflictKey string) (backend.Row, error) {
	if err := f.enter(ctx, OpUpsert, table); err != nil {
		return nil, err
	}
	if row.String(conflictKey) == "" {
		return nil, fmt.Errorf("upsert %s: missing %s", table, conflictKey)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	t := backend.EventInsert
	merged := row.Clone()
	idx := -1
	for i, r := range f.rows[table] {
		if r.String(conflictKey) == row.String(conflictKey) {
			idx = i
			break
		}
	}
	if idx >= 0 {
		t = backend.EventUpdate
		merged = f.rows[table][idx].Clone()
		for k, v := range row {
			merged[k] = v
		}
		f.rows[table][idx] = merged.Clone()
	} else {
		f.rows[table] = append(f.rows[table], merged.Clone())
	}
	f.writes = append(f.writes, Write{Op: OpUpsert, Table: table, Row: row.Clone()})
	if f.echo {
		f.emitLocked(table, t, merged)
	}
	return merged, nil
}

func (f *Fake) SubscribeChanges(ctx context.Context, table string, events []backend.EventType, filter backend.Filter) (backend.Subscription, error) {
	if err := f.enter(ctx, OpSubscribe, table); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	fd := &feed{table: table, events: events, filter: filter}
	fd.stream = backend.NewStream(table, func() {
		f.mu.Lock()
		delete(f.feeds, fd.stream.ID())
		f.mu.Unlock()
	})
	f.feeds[fd.stream.ID()] = fd
	return fd.stream, nil
}

func compare(a, b any) int {
	switch x := a.(type) {
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y)
		}
	case string:
		if y, ok := b.(string); ok {
			switch {
			case x < y:
				return -1
			case x > y:
				return 1
			}
			return 0
		}
	}
	return 0
}
