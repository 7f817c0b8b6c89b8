// Package users caches the profiles owned by the identity collaborator so
// that messages delivered without author fields can be displayed.
package users

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/nfrund/chatsync/internal/backend"
	"github.com/nfrund/chatsync/internal/domain"
)

const defaultCacheSize = 512

// Directory is a read-through profile cache over the users table.
type Directory struct {
	db     backend.Backend
	cache  *lru.ARCCache
	logger *slog.Logger

	mu   sync.RWMutex
	list []domain.User
}

// NewDirectory creates a directory holding up to size profiles (512 when size <= 0).
func NewDirectory(db backend.Backend, size int) (*Directory, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.NewARC(size)
	if err != nil {
		return nil, fmt.Errorf("could not create profile cache: %w", err)
	}
	return &Directory{db: db, cache: cache, logger: slog.Default().With("component", "users")}, nil
}

// Load reads every profile ordered by username and caches them.
func (d *Directory) Load(ctx context.Context) error {
	rows, err := d.db.Read(ctx, domain.TableUsers, backend.Query{OrderBy: "username"})
	if err != nil {
		return domain.NewBackendError("users.load", err)
	}
	list, err := backend.DecodeAll[domain.User](rows)
	if err != nil {
		return domain.NewBackendError("users.load", err)
	}
	for _, u := range list {
		d.cache.Add(u.ID, u)
	}
	d.mu.Lock()
	d.list = list
	d.mu.Unlock()
	return nil
}

// List returns the profiles from the last Load.
func (d *Directory) List() []domain.User {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]domain.User(nil), d.list...)
}

// Remember caches u, typically the session user.
func (d *Directory) Remember(u domain.User) {
	if u.IsZero() {
		return
	}
	d.cache.Add(u.ID, u)
}

// Cached returns the profile for id without touching the backend.
func (d *Directory) Cached(id string) (domain.User, bool) {
	v, ok := d.cache.Get(id)
	if !ok {
		return domain.User{}, false
	}
	return v.(domain.User), true
}

// Lookup returns the profile for id, reading it from the backend on a miss.
// Unknown users are reported as not found without error.
func (d *Directory) Lookup(ctx context.Context, id string) (domain.User, bool, error) {
	if id == "" {
		return domain.User{}, false, nil
	}
	if u, ok := d.Cached(id); ok {
		return u, true, nil
	}
	rows, err := d.db.Read(ctx, domain.TableUsers, backend.Query{Filter: backend.Filter{"id": id}, Limit: 1})
	if err != nil {
		return domain.User{}, false, domain.NewBackendError("users.lookup", err)
	}
	if len(rows) == 0 {
		return domain.User{}, false, nil
	}
	u, err := backend.Decode[domain.User](rows[0])
	if err != nil {
		return domain.User{}, false, domain.NewBackendError("users.lookup", err)
	}
	d.cache.Add(u.ID, u)
	return u, true, nil
}

// Resolve fills missing author display fields of m. Lookup failures are
// logged and leave m unchanged.
func (d *Directory) Resolve(ctx context.Context, m domain.Message) domain.Message {
	if m.Username != "" || m.UserID == "" {
		return m
	}
	u, ok, err := d.Lookup(ctx, m.UserID)
	if err != nil {
		d.logger.WarnContext(ctx, "Failed to resolve message author", "userID", m.UserID, "error", err)
		return m
	}
	if ok {
		m.Username = u.Username
		if m.AvatarURL == "" {
			m.AvatarURL = u.AvatarURL
		}
	}
	return m
}
