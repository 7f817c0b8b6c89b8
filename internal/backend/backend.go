// Package backend defines the data backend the sync core talks to: row reads
// and writes plus per-table change feeds. Implementations live in
// internal/database (SurrealDB) and internal/backend/bunt (embedded).
package backend

import (
	"context"
	"errors"
	"reflect"
)

// ErrConflict is returned by writes that violate a uniqueness constraint.
var ErrConflict = errors.New("unique constraint violated")

// ErrClosed is returned by a backend that has been closed.
var ErrClosed = errors.New("backend closed")

// Row is a single record as exchanged with the backend.
type Row map[string]any

// Clone returns a shallow copy of r.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// String returns the field as a string, or "" when absent or not a string.
func (r Row) String(field string) string {
	s, _ := r[field].(string)
	return s
}

// EventType is the kind of row-level change delivered on a feed.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// AllEvents subscribes to every change type.
var AllEvents = []EventType{EventInsert, EventUpdate, EventDelete}

// Filter is a field equality predicate. A nil or empty filter matches all rows.
type Filter map[string]any

// Matches reports whether every field in f equals the row's value.
func (f Filter) Matches(row Row) bool {
	for k, want := range f {
		got, ok := row[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

// Query describes a read.
type Query struct {
	Filter     Filter
	OrderBy    string
	Descending bool
	Limit      int
}

// ChangeEvent is one change delivered on a subscription.
type ChangeEvent struct {
	Type  EventType
	Table string
	Row   Row
}

// Subscription is a standing change feed. Events is closed once the
// subscription ends, either through Unsubscribe or because the transport
// failed, in which case Err reports why.
type Subscription interface {
	ID() string
	Events() <-chan ChangeEvent
	Err() error
	// Unsubscribe releases the feed. It is safe to call more than once.
	Unsubscribe() error
}

// Backend is the read/write/subscribe capability the sync core depends on.
type Backend interface {
	Read(ctx context.Context, table string, q Query) ([]Row, error)
	Insert(ctx context.Context, table string, row Row) (Row, error)
	// Upsert writes row, merging into the existing record whose conflictKey
	// field equals row[conflictKey].
	Upsert(ctx context.Context, table string, row Row, conflictKey string) (Row, error)
	SubscribeChanges(ctx context.Context, table string, events []EventType, filter Filter) (Subscription, error)
}

// Wants reports whether t is in events. An empty list means all events.
func Wants(events []EventType, t EventType) bool {
	if len(events) == 0 {
		return true
	}
	for _, e := range events {
		if e == t {
			return true
		}
	}
	return false
}
