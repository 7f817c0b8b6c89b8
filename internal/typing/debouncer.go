// Package typing turns a stream of keystrokes into typing on/off edges.
package typing

import (
	"context"
	"sync"
	"time"
)

// DefaultQuietInterval is how long input must pause before typing is cleared.
const DefaultQuietInterval = 3 * time.Second

// Setter records the typing flag. It is called with the debouncer's lock
// held and must not block.
type Setter interface {
	SetTyping(ctx context.Context, isTyping bool, roomID *string)
}

// Debouncer sends true on the first keystroke of a burst and false once the
// quiet interval passes without another keystroke.
type Debouncer struct {
	setter Setter
	quiet  time.Duration

	mu      sync.Mutex
	typing  bool
	room    string
	timer   *time.Timer
	gen     uint64
	stopped bool
}

// New creates a debouncer. A non-positive quiet uses DefaultQuietInterval.
func New(setter Setter, quiet time.Duration) *Debouncer {
	if quiet <= 0 {
		quiet = DefaultQuietInterval
	}
	return &Debouncer{setter: setter, quiet: quiet}
}

// Keystroke records input in roomID and reschedules the reset.
func (d *Debouncer) Keystroke(ctx context.Context, roomID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || roomID == "" {
		return
	}
	if d.typing && d.room != roomID {
		d.clearLocked(ctx)
	}
	if !d.typing {
		d.typing = true
		d.room = roomID
		d.setter.SetTyping(ctx, true, &roomID)
	}

	d.gen++
	gen := d.gen
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.quiet, func() { d.expire(gen) })
}

// Flush clears typing now, as when the message is sent.
func (d *Debouncer) Flush(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clearLocked(ctx)
}

// Stop flushes and ignores later keystrokes.
func (d *Debouncer) Stop(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clearLocked(ctx)
	d.stopped = true
}

// Shutdown stops the debouncer as part of a session scope.
func (d *Debouncer) Shutdown(ctx context.Context) error {
	d.Stop(ctx)
	return nil
}

// Typing reports whether a burst is in progress.
func (d *Debouncer) Typing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.typing
}

func (d *Debouncer) expire(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if gen != d.gen {
		return
	}
	d.clearLocked(context.Background())
}

func (d *Debouncer) clearLocked(ctx context.Context) {
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if !d.typing {
		return
	}
	d.typing = false
	room := d.room
	d.setter.SetTyping(ctx, false, &room)
}
