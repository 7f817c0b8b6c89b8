// Package app wires the process-wide services every command shares: the data
// backend, the state-changed bus, the identity provider and the session manager.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nfrund/chatsync/internal/backend"
	"github.com/nfrund/chatsync/internal/backend/bunt"
	"github.com/nfrund/chatsync/internal/config"
	"github.com/nfrund/chatsync/internal/database"
	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/identity"
	"github.com/nfrund/chatsync/internal/pubsub"
	"github.com/nfrund/chatsync/internal/session"
	"github.com/spf13/afero"
)

// Dependencies holds the core services built from configuration.
type Dependencies struct {
	Config   config.Provider
	Backend  backend.Backend
	Bus      *pubsub.WatermillBridge
	Identity identity.Provider
	Sessions *session.Manager

	closers []func(context.Context) error
}

// New opens the backend and builds the shared services. A configured session
// file takes precedence over user; without either nobody is logged in until
// the file appears.
func New(ctx context.Context, cfg config.Provider, user domain.User) (*Dependencies, error) {
	d := &Dependencies{Config: cfg}

	db, closeDB, err := OpenBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	d.Backend = db
	d.closers = append(d.closers, closeDB)

	d.Bus = pubsub.NewWatermillBridge()
	d.closers = append(d.closers, func(context.Context) error { return d.Bus.Close() })

	if path := cfg.GetSessionFile(); path != "" {
		fp, err := identity.NewFileProvider(afero.NewOsFs(), path)
		if err != nil {
			_ = d.Close(ctx)
			return nil, err
		}
		if err := fp.StartWatcher(ctx); err != nil {
			_ = fp.Close()
			_ = d.Close(ctx)
			return nil, err
		}
		d.Identity = fp
	} else {
		d.Identity = identity.NewStatic(user)
	}
	d.closers = append(d.closers, func(context.Context) error { return d.Identity.Close() })

	d.Sessions = session.NewManager(d.Identity, session.OptionsFromConfig(cfg, d.Backend, d.Bus))
	return d, nil
}

// Close releases everything New opened, most recent first.
func (d *Dependencies) Close(ctx context.Context) error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		errs = append(errs, d.closers[i](ctx))
	}
	d.closers = nil
	return errors.Join(errs...)
}

// OpenBackend opens the configured data backend. Room names get a unique
// index either way so concurrent creates cannot both succeed.
func OpenBackend(ctx context.Context, cfg config.Provider) (backend.Backend, func(context.Context) error, error) {
	logger := slog.Default().With("component", "app")

	switch cfg.GetBackend() {
	case config.BackendSurreal:
		conn := database.NewConnection(cfg)
		if err := conn.Connect(ctx); err != nil {
			return nil, nil, fmt.Errorf("connect to surrealdb: %w", err)
		}
		conn.StartMonitoring()

		db := database.NewBackend(conn, database.NewLiveQueryService(conn))
		if err := db.EnsureUniqueIndex(ctx, domain.TableRooms, domain.RoomNameKeyField); err != nil {
			_ = conn.Close(ctx)
			return nil, nil, fmt.Errorf("define room name index: %w", err)
		}
		logger.Info("Using SurrealDB backend", "url", cfg.GetDBURL())
		return db, conn.Close, nil

	case config.BackendLocal:
		db, err := bunt.Open(cfg.GetLocalDataPath(), bunt.WithUnique(domain.TableRooms, domain.RoomNameKeyField))
		if err != nil {
			return nil, nil, fmt.Errorf("open local store: %w", err)
		}
		logger.Info("Using local backend", "path", cfg.GetLocalDataPath())
		return db, func(context.Context) error { return db.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.GetBackend())
	}
}
