package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nfrund/chatsync/internal/backend"
	"github.com/nfrund/chatsync/internal/config"
	"github.com/nfrund/chatsync/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenBackend_Local(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.LocalDataPath = filepath.Join(t.TempDir(), "chat.db")

	db, closeDB, err := OpenBackend(ctx, cfg)
	require.NoError(t, err)

	_, err = db.Insert(ctx, domain.TableRooms, backend.Row{"name": "general", domain.RoomNameKeyField: "general"})
	require.NoError(t, err)
	_, err = db.Insert(ctx, domain.TableRooms, backend.Row{"name": "general", domain.RoomNameKeyField: "general"})
	assert.ErrorIs(t, err, backend.ErrConflict)
	require.NoError(t, closeDB(ctx))
}

func TestOpenBackend_Unknown(t *testing.T) {
	cfg := config.Default()
	cfg.Backend = "postgres"
	_, _, err := OpenBackend(context.Background(), cfg)
	assert.Error(t, err)
}

func TestNew_StaticUser(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d, err := New(ctx, config.Default(), domain.User{ID: "ada", Username: "ada"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- d.Sessions.Run(ctx) }()
	require.Eventually(t, func() bool {
		s, err := d.Sessions.Current()
		return err == nil && s.User.ID == "ada"
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	require.NoError(t, d.Close(context.Background()))
}

func TestNew_SessionFile(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"id":"bob","username":"bob"}`), 0o600))
	cfg := config.Default()
	cfg.SessionFile = path

	d, err := New(ctx, cfg, domain.User{ID: "ignored"})
	require.NoError(t, err)
	defer d.Close(context.Background())

	u, ok := d.Identity.CurrentUser()
	require.True(t, ok)
	assert.Equal(t, "bob", u.ID)
}
