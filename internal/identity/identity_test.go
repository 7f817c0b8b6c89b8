package identity

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nfrund/chatsync/internal/domain"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sessionPath = "/home/ada/.chatsync/session.json"

func next(t *testing.T, ch <-chan Change) Change {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no identity change delivered")
		return Change{}
	}
}

func TestStatic(t *testing.T) {
	s := NewStatic(domain.User{ID: "u1", Username: "ada"})
	u, ok := s.CurrentUser()
	assert.True(t, ok)
	assert.Equal(t, "ada", u.Username)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, open := <-s.Changes()
	assert.False(t, open)

	_, ok = NewStatic(domain.User{}).CurrentUser()
	assert.False(t, ok)
}

func TestFileProvider_MissingFileIsLoggedOut(t *testing.T) {
	p, err := NewFileProvider(afero.NewMemMapFs(), sessionPath)
	require.NoError(t, err)
	defer p.Close()

	_, ok := p.CurrentUser()
	assert.False(t, ok)
}

func TestFileProvider_ReloadEmitsLoginAndLogout(t *testing.T) {
	fs := afero.NewMemMapFs()
	p, err := NewFileProvider(fs, sessionPath)
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, afero.WriteFile(fs, sessionPath, []byte(`{"id":"u1","username":"ada","avatar_url":"a.png"}`), 0o600))
	p.Reload()
	c := next(t, p.Changes())
	assert.Equal(t, LoggedIn, c.Kind)
	assert.Equal(t, domain.User{ID: "u1", Username: "ada", AvatarURL: "a.png"}, c.User)

	// Same content again is not a change.
	p.Reload()

	require.NoError(t, afero.WriteFile(fs, sessionPath, []byte(`{"id":"u2","username":"bob"}`), 0o600))
	p.Reload()
	assert.Equal(t, LoggedOut, next(t, p.Changes()).Kind, "switching users ends the old session first")
	c = next(t, p.Changes())
	assert.Equal(t, LoggedIn, c.Kind)
	assert.Equal(t, "u2", c.User.ID)

	require.NoError(t, fs.Remove(sessionPath))
	p.Reload()
	assert.Equal(t, LoggedOut, next(t, p.Changes()).Kind)
	_, ok := p.CurrentUser()
	assert.False(t, ok)
}

func TestFileProvider_CorruptFileKeepsUser(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, sessionPath, []byte(`{"id":"u1","username":"ada"}`), 0o600))
	p, err := NewFileProvider(fs, sessionPath)
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, afero.WriteFile(fs, sessionPath, []byte(`{not json`), 0o600))
	p.Reload()

	u, ok := p.CurrentUser()
	assert.True(t, ok)
	assert.Equal(t, "u1", u.ID)
	assert.Empty(t, p.Changes())
}

func TestFileProvider_CorruptFileAtStartup(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, sessionPath, []byte(`nope`), 0o600))
	_, err := NewFileProvider(fs, sessionPath)
	assert.Error(t, err)
}

func TestFileProvider_WatchesRealFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.json")
	p, err := NewFileProvider(afero.NewOsFs(), path)
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.StartWatcher(ctx))
	require.NoError(t, p.StartWatcher(ctx), "second start is a no-op")

	require.NoError(t, os.WriteFile(path, []byte(`{"id":"u1","username":"ada"}`), 0o600))
	c := next(t, p.Changes())
	assert.Equal(t, LoggedIn, c.Kind)
	assert.Equal(t, "u1", c.User.ID)

	require.NoError(t, os.Remove(path))
	assert.Equal(t, LoggedOut, next(t, p.Changes()).Kind)
}
