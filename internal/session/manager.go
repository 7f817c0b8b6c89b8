package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/identity"
	"github.com/nfrund/chatsync/internal/pubsub"
)

// DefaultCloseTimeout bounds how long a logout waits for the session to shut down.
const DefaultCloseTimeout = 5 * time.Second

// Manager starts a session on login and closes it on logout.
type Manager struct {
	identity identity.Provider
	opts     Options
	logger   *slog.Logger

	mu      sync.RWMutex
	current *Session
}

// NewManager creates a manager following p.
func NewManager(p identity.Provider, opts Options) *Manager {
	if opts.Publisher == nil {
		opts.Publisher = pubsub.Nop{}
	}
	return &Manager{
		identity: p,
		opts:     opts,
		logger:   slog.Default().With("component", "session_manager"),
	}
}

// Current returns the active session.
func (m *Manager) Current() (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil, domain.ErrNoSession
	}
	return m.current, nil
}

// Run starts a session for the current user, if any, then follows identity
// changes until ctx is cancelled or the provider closes. The active session is
// closed before Run returns.
func (m *Manager) Run(ctx context.Context) error {
	defer m.logout(context.WithoutCancel(ctx))

	if u, ok := m.identity.CurrentUser(); ok {
		if err := m.login(ctx, u); err != nil {
			m.logger.ErrorContext(ctx, "Failed to start session", "userID", u.ID, "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-m.identity.Changes():
			if !ok {
				return nil
			}
			switch c.Kind {
			case identity.LoggedIn:
				m.logout(ctx)
				if err := m.login(ctx, c.User); err != nil {
					m.logger.ErrorContext(ctx, "Failed to start session", "userID", c.User.ID, "error", err)
				}
			case identity.LoggedOut:
				m.logout(ctx)
			}
		}
	}
}

func (m *Manager) login(ctx context.Context, u domain.User) error {
	s, err := Start(ctx, u, m.opts)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
	m.announce(ctx, pubsub.KindSessionStarted, u.ID)
	return nil
}

func (m *Manager) logout(ctx context.Context) {
	m.mu.Lock()
	s := m.current
	m.current = nil
	m.mu.Unlock()
	if s == nil {
		return
	}

	closeCtx, cancel := context.WithTimeout(ctx, DefaultCloseTimeout)
	defer cancel()
	if err := s.Close(closeCtx); err != nil {
		m.logger.WarnContext(ctx, "Session closed with errors", "userID", s.User.ID, "error", err)
	}
	m.announce(ctx, pubsub.KindSessionEnded, s.User.ID)
}

func (m *Manager) announce(ctx context.Context, kind, userID string) {
	change := pubsub.StateChange{Kind: kind, UserID: userID, At: time.Now().UTC()}
	if err := pubsub.Publish(ctx, m.opts.Publisher, pubsub.SessionChanged, userID, change); err != nil {
		m.logger.WarnContext(ctx, "Failed to publish session change", "kind", kind, "error", err)
	}
}
