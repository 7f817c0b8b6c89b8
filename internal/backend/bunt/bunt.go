// Package bunt is an embedded backend built on buntdb. Rows are stored as
// JSON under "<table>:<id>" keys, ordering uses lazily created JSON indexes,
// and change feeds are served in process after each committed write.
package bunt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nfrund/chatsync/internal/backend"
	"github.com/tidwall/buntdb"
)

// Option configures a Backend.
type Option func(*Backend)

// WithUnique enforces that no two rows in table share the same value of field.
func WithUnique(table, field string) Option {
	return func(b *Backend) {
		b.unique[table] = append(b.unique[table], field)
	}
}

// WithClock overrides the time source used for server-side timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) { b.logger = logger }
}

type subscriber struct {
	stream *backend.Stream
	events []backend.EventType
	filter backend.Filter
}

// Backend implements backend.Backend on top of a buntdb database.
type Backend struct {
	db     *buntdb.DB
	now    func() time.Time
	logger *slog.Logger
	unique map[string][]string

	mu      sync.Mutex
	indexes map[string]bool
	subs    map[string]map[string]*subscriber
	closed  bool
}

var _ backend.Backend = (*Backend)(nil)

// Open opens the database at path. Use ":memory:" for a transient store.
func Open(path string, opts ...Option) (*Backend, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open buntdb %s: %w", path, err)
	}
	b := &Backend{
		db:      db,
		now:     time.Now,
		logger:  slog.Default(),
		unique:  make(map[string][]string),
		indexes: make(map[string]bool),
		subs:    make(map[string]map[string]*subscriber),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "bunt_backend")
	for table, fields := range b.unique {
		for _, field := range fields {
			if _, err := b.ensureIndex(table, field); err != nil {
				db.Close()
				return nil, err
			}
		}
	}
	return b, nil
}

// Close ends every open change feed and closes the database.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var streams []*backend.Stream
	for _, subs := range b.subs {
		for _, s := range subs {
			streams = append(streams, s.stream)
		}
	}
	b.subs = make(map[string]map[string]*subscriber)
	b.mu.Unlock()

	for _, s := range streams {
		s.End(backend.ErrClosed)
	}
	return b.db.Close()
}

func (b *Backend) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Read returns the rows of table matching q.
func (b *Backend) Read(ctx context.Context, table string, q backend.Query) ([]backend.Row, error) {
	if err := b.check(ctx); err != nil {
		return nil, err
	}
	index := ""
	if q.OrderBy != "" {
		var err error
		if index, err = b.ensureIndex(table, q.OrderBy); err != nil {
			return nil, err
		}
	}

	var rows []backend.Row
	var decodeErr error
	iter := func(key, value string) bool {
		row, err := decodeRow(value)
		if err != nil {
			decodeErr = fmt.Errorf("decode %s: %w", key, err)
			return false
		}
		if !q.Filter.Matches(row) {
			return true
		}
		rows = append(rows, row)
		return q.Limit <= 0 || len(rows) < q.Limit
	}

	err := b.db.View(func(tx *buntdb.Tx) error {
		switch {
		case index == "":
			return tx.AscendKeys(table+":*", iter)
		case q.Descending:
			return tx.Descend(index, iter)
		default:
			return tx.Ascend(index, iter)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", table, err)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return rows, nil
}

// Insert stores a new row. A missing id is generated and a missing
// created_at is stamped with the backend clock.
func (b *Backend) Insert(ctx context.Context, table string, row backend.Row) (backend.Row, error) {
	if err := b.check(ctx); err != nil {
		return nil, err
	}
	row = row.Clone()
	if row.String("id") == "" {
		row["id"] = uuid.NewString()
	}
	if _, ok := row["created_at"]; !ok {
		row["created_at"] = b.now()
	}

	value, err := encodeRow(row)
	if err != nil {
		return nil, err
	}
	key := table + ":" + row.String("id")

	err = b.db.Update(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(key); err == nil {
			return fmt.Errorf("insert %s: %w", key, backend.ErrConflict)
		} else if !errors.Is(err, buntdb.ErrNotFound) {
			return err
		}
		if err := b.checkUnique(tx, table, key, row); err != nil {
			return err
		}
		_, _, err := tx.Set(key, value, nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	stored, err := decodeRow(value)
	if err != nil {
		return nil, err
	}
	b.publish(table, backend.EventInsert, stored)
	return stored, nil
}

// Upsert merges row into the record whose conflictKey matches, creating it
// when absent.
func (b *Backend) Upsert(ctx context.Context, table string, row backend.Row, conflictKey string) (backend.Row, error) {
	if err := b.check(ctx); err != nil {
		return nil, err
	}
	keyValue := row.String(conflictKey)
	if keyValue == "" {
		return nil, fmt.Errorf("upsert %s: missing %s", table, conflictKey)
	}
	if conflictKey != "id" {
		if _, err := b.ensureIndex(table, conflictKey); err != nil {
			return nil, err
		}
	}

	var value string
	eventType := backend.EventInsert
	err := b.db.Update(func(tx *buntdb.Tx) error {
		key, existing, err := b.lookup(tx, table, conflictKey, keyValue)
		if err != nil {
			return err
		}
		merged := backend.Row{}
		if existing != nil {
			eventType = backend.EventUpdate
			merged = existing
		}
		for k, v := range row {
			merged[k] = v
		}
		if merged.String("id") == "" {
			merged["id"] = uuid.NewString()
		}
		if _, ok := merged["created_at"]; !ok {
			merged["created_at"] = b.now()
		}
		if key == "" {
			key = table + ":" + merged.String("id")
		}
		if err := b.checkUnique(tx, table, key, merged); err != nil {
			return err
		}
		if value, err = encodeRow(merged); err != nil {
			return err
		}
		_, _, err = tx.Set(key, value, nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	stored, err := decodeRow(value)
	if err != nil {
		return nil, err
	}
	b.publish(table, eventType, stored)
	return stored, nil
}

// Delete removes a row by id and emits a DELETE event carrying its last value.
func (b *Backend) Delete(ctx context.Context, table, id string) error {
	if err := b.check(ctx); err != nil {
		return err
	}
	var value string
	err := b.db.Update(func(tx *buntdb.Tx) error {
		var err error
		value, err = tx.Delete(table + ":" + id)
		return err
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete %s:%s: %w", table, id, err)
	}
	stored, err := decodeRow(value)
	if err != nil {
		return err
	}
	b.publish(table, backend.EventDelete, stored)
	return nil
}

// SubscribeChanges opens a change feed on table.
func (b *Backend) SubscribeChanges(ctx context.Context, table string, events []backend.EventType, filter backend.Filter) (backend.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, backend.ErrClosed
	}

	sub := &subscriber{events: events, filter: filter}
	sub.stream = backend.NewStream(table, func() { b.removeSubscriber(table, sub) })
	if b.subs[table] == nil {
		b.subs[table] = make(map[string]*subscriber)
	}
	b.subs[table][sub.stream.ID()] = sub
	b.logger.Debug("Change feed opened", "table", table, "subID", sub.stream.ID())
	return sub.stream, nil
}

func (b *Backend) removeSubscriber(table string, sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[table], sub.stream.ID())
	b.logger.Debug("Change feed closed", "table", table, "subID", sub.stream.ID())
}

func (b *Backend) publish(table string, t backend.EventType, row backend.Row) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs[table] {
		if !backend.Wants(sub.events, t) || !sub.filter.Matches(row) {
			continue
		}
		sub.stream.Offer(backend.ChangeEvent{Type: t, Table: table, Row: row.Clone()})
	}
}

func (b *Backend) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.isClosed() {
		return backend.ErrClosed
	}
	return nil
}

// ensureIndex creates the JSON index for table.field once and returns its name.
func (b *Backend) ensureIndex(table, field string) (string, error) {
	name := table + "." + field
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.indexes[name] {
		return name, nil
	}
	err := b.db.CreateIndex(name, table+":*", buntdb.IndexJSON(field))
	if err != nil && !errors.Is(err, buntdb.ErrIndexExists) {
		return "", fmt.Errorf("create index %s: %w", name, err)
	}
	b.indexes[name] = true
	return name, nil
}

// lookup finds the row whose field equals value. It returns an empty key
// when no row matches.
func (b *Backend) lookup(tx *buntdb.Tx, table, field, value string) (string, backend.Row, error) {
	if field == "id" {
		key := table + ":" + value
		raw, err := tx.Get(key)
		if errors.Is(err, buntdb.ErrNotFound) {
			return "", nil, nil
		}
		if err != nil {
			return "", nil, err
		}
		row, err := decodeRow(raw)
		return key, row, err
	}

	pivot, err := json.Marshal(map[string]string{field: value})
	if err != nil {
		return "", nil, err
	}
	var foundKey string
	var found backend.Row
	var scanErr error
	err = tx.AscendEqual(table+"."+field, string(pivot), func(key, raw string) bool {
		row, err := decodeRow(raw)
		if err != nil {
			scanErr = err
			return false
		}
		// The JSON index compares case-insensitively.
		if row.String(field) == value {
			foundKey, found = key, row
			return false
		}
		return true
	})
	if err != nil {
		return "", nil, err
	}
	return foundKey, found, scanErr
}

func (b *Backend) checkUnique(tx *buntdb.Tx, table, key string, row backend.Row) error {
	for _, field := range b.unique[table] {
		value := row.String(field)
		if value == "" {
			continue
		}
		other, _, err := b.lookup(tx, table, field, value)
		if err != nil {
			return err
		}
		if other != "" && other != key {
			return fmt.Errorf("%s.%s = %q: %w", table, field, value, backend.ErrConflict)
		}
	}
	return nil
}

func encodeRow(row backend.Row) (string, error) {
	out := make(map[string]any, len(row))
	for k, v := range row {
		switch t := v.(type) {
		case time.Time:
			out[k] = backend.FormatTime(t)
		case *time.Time:
			if t == nil {
				out[k] = nil
			} else {
				out[k] = backend.FormatTime(*t)
			}
		default:
			out[k] = v
		}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("encode row: %w", err)
	}
	return string(data), nil
}

func decodeRow(value string) (backend.Row, error) {
	var row backend.Row
	dec := json.NewDecoder(strings.NewReader(value))
	if err := dec.Decode(&row); err != nil {
		return nil, err
	}
	return row, nil
}
