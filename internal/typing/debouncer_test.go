package typing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type edge struct {
	typing bool
	room   string
}

type recorder struct {
	mu    sync.Mutex
	edges []edge
}

func (r *recorder) SetTyping(_ context.Context, isTyping bool, roomID *string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.edges = append(r.edges, edge{isTyping, *roomID})
}

func (r *recorder) Edges() []edge {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]edge(nil), r.edges...)
}

func TestDebouncer_BurstSendsOneTrueThenOneFalse(t *testing.T) {
	rec := &recorder{}
	d := New(rec, 80*time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d.Keystroke(ctx, "r1")
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, []edge{{true, "r1"}}, rec.Edges(), "no reset between keystrokes")
	}

	require.Eventually(t, func() bool { return len(rec.Edges()) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(160 * time.Millisecond)
	assert.Equal(t, []edge{{true, "r1"}, {false, "r1"}}, rec.Edges())
	assert.False(t, d.Typing())
}

func TestDebouncer_FlushClearsImmediately(t *testing.T) {
	rec := &recorder{}
	d := New(rec, time.Hour)
	ctx := context.Background()

	d.Keystroke(ctx, "r1")
	d.Flush(ctx)
	d.Flush(ctx)

	assert.Equal(t, []edge{{true, "r1"}, {false, "r1"}}, rec.Edges())
}

func TestDebouncer_RoomChangeClearsOldRoom(t *testing.T) {
	rec := &recorder{}
	d := New(rec, time.Hour)
	ctx := context.Background()

	d.Keystroke(ctx, "r1")
	d.Keystroke(ctx, "r2")

	assert.Equal(t, []edge{{true, "r1"}, {false, "r1"}, {true, "r2"}}, rec.Edges())
	d.Stop(ctx)
}

func TestDebouncer_StopIgnoresLaterInput(t *testing.T) {
	rec := &recorder{}
	d := New(rec, 20*time.Millisecond)
	ctx := context.Background()

	d.Keystroke(ctx, "r1")
	d.Stop(ctx)
	d.Keystroke(ctx, "r1")
	time.Sleep(60 * time.Millisecond)

	assert.Equal(t, []edge{{true, "r1"}, {false, "r1"}}, rec.Edges())
}

func TestNew_DefaultQuiet(t *testing.T) {
	d := New(&recorder{}, 0)
	assert.Equal(t, DefaultQuietInterval, d.quiet)
}
