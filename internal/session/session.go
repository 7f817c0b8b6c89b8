// Package session owns the registries of one logged-in user. They are built
// in a dependency-injection scope when the session starts and shut down
// together when it ends.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/nfrund/chatsync/internal/backend"
	"github.com/nfrund/chatsync/internal/config"
	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/messages"
	"github.com/nfrund/chatsync/internal/presence"
	"github.com/nfrund/chatsync/internal/pubsub"
	"github.com/nfrund/chatsync/internal/rooms"
	"github.com/nfrund/chatsync/internal/typing"
	"github.com/nfrund/chatsync/internal/users"
	"github.com/samber/do/v2"
)

// Options are the shared collaborators and tunables every session is built from.
type Options struct {
	Backend           backend.Backend
	Publisher         pubsub.Publisher
	HeartbeatInterval time.Duration
	StaleThreshold    time.Duration
	TypingQuiet       time.Duration
	UserCacheSize     int
}

// OptionsFromConfig fills the tunables from cfg.
func OptionsFromConfig(cfg config.Provider, db backend.Backend, pub pubsub.Publisher) Options {
	return Options{
		Backend:           db,
		Publisher:         pub,
		HeartbeatInterval: cfg.GetHeartbeatInterval(),
		StaleThreshold:    cfg.GetStaleThreshold(),
		TypingQuiet:       cfg.GetTypingQuietInterval(),
	}
}

// Session is one user's live view of rooms, messages and presence.
type Session struct {
	User     domain.User
	Rooms    *rooms.Directory
	Messages *messages.Stream
	Presence *presence.Registry
	Users    *users.Directory
	Typing   *typing.Debouncer

	scope  *do.RootScope
	logger *slog.Logger
}

// Start builds and starts the registries for user. If any of them fails to
// start, everything already started is shut down again.
func Start(ctx context.Context, user domain.User, opts Options) (*Session, error) {
	if user.IsZero() {
		return nil, domain.ErrNoSession
	}
	if opts.Publisher == nil {
		opts.Publisher = pubsub.Nop{}
	}
	logger := slog.Default().With("component", "session", "userID", user.ID)

	scope := do.New()
	do.ProvideValue(scope, user)
	do.ProvideValue(scope, opts.Backend)
	do.ProvideValue(scope, opts.Publisher)
	do.Provide(scope, func(i do.Injector) (*users.Directory, error) {
		return users.NewDirectory(do.MustInvoke[backend.Backend](i), opts.UserCacheSize)
	})
	do.Provide(scope, func(i do.Injector) (*rooms.Directory, error) {
		return rooms.New(
			do.MustInvoke[backend.Backend](i),
			do.MustInvoke[domain.User](i),
			rooms.WithPublisher(do.MustInvoke[pubsub.Publisher](i)),
		), nil
	})
	do.Provide(scope, func(i do.Injector) (*messages.Stream, error) {
		return messages.New(
			do.MustInvoke[backend.Backend](i),
			do.MustInvoke[domain.User](i),
			messages.WithAuthors(do.MustInvoke[*users.Directory](i)),
			messages.WithPublisher(do.MustInvoke[pubsub.Publisher](i)),
		), nil
	})
	do.Provide(scope, func(i do.Injector) (*presence.Registry, error) {
		return presence.New(
			do.MustInvoke[backend.Backend](i),
			do.MustInvoke[domain.User](i),
			presence.WithPublisher(do.MustInvoke[pubsub.Publisher](i)),
			presence.WithHeartbeatInterval(opts.HeartbeatInterval),
			presence.WithStaleThreshold(opts.StaleThreshold),
		), nil
	})
	do.Provide(scope, func(i do.Injector) (*typing.Debouncer, error) {
		return typing.New(do.MustInvoke[*presence.Registry](i), opts.TypingQuiet), nil
	})

	s := &Session{User: user, scope: scope, logger: logger}
	if err := s.start(ctx); err != nil {
		logger.ErrorContext(ctx, "Session failed to start, rolling back", "error", err)
		if report := scope.ShutdownWithContext(context.WithoutCancel(ctx)); report != nil && !report.Succeed {
			logger.WarnContext(ctx, "Rollback incomplete", "error", report.Error())
		}
		return nil, err
	}
	logger.InfoContext(ctx, "Session started")
	return s, nil
}

func (s *Session) start(ctx context.Context) error {
	var err error
	if s.Users, err = do.Invoke[*users.Directory](s.scope); err != nil {
		return err
	}
	s.Users.Remember(s.User)
	if err := s.Users.Load(ctx); err != nil {
		s.logger.WarnContext(ctx, "Failed to load users", "error", err)
	}

	if s.Rooms, err = do.Invoke[*rooms.Directory](s.scope); err != nil {
		return err
	}
	if err := s.Rooms.Start(ctx); err != nil {
		return err
	}
	if s.Messages, err = do.Invoke[*messages.Stream](s.scope); err != nil {
		return err
	}
	if err := s.Messages.Start(ctx); err != nil {
		return err
	}
	if s.Presence, err = do.Invoke[*presence.Registry](s.scope); err != nil {
		return err
	}
	if err := s.Presence.Start(ctx); err != nil {
		return err
	}
	s.Typing, err = do.Invoke[*typing.Debouncer](s.scope)
	return err
}

// Close tears the session down: typing is cleared, presence goes offline and
// every feed is released.
func (s *Session) Close(ctx context.Context) error {
	report := s.scope.ShutdownWithContext(ctx)
	if report != nil && !report.Succeed {
		s.logger.WarnContext(ctx, "Session shutdown incomplete", "error", report.Error())
		return errors.New(report.Error())
	}
	s.logger.InfoContext(ctx, "Session closed")
	return nil
}

// JoinRoom switches the message stream to roomID and reports it as the
// user's current room.
func (s *Session) JoinRoom(ctx context.Context, roomID string) error {
	roomID = strings.TrimSpace(roomID)
	s.Typing.Flush(ctx)
	s.Presence.UpdatePresence(ctx, domain.StatusOnline, &roomID)
	return s.Messages.JoinRoom(ctx, roomID)
}

// CreateRoom creates a room and, when join is set, joins it.
func (s *Session) CreateRoom(ctx context.Context, in domain.CreateRoomInput) (domain.Room, error) {
	room, err := s.Rooms.Create(ctx, in.Name, in.Description)
	if err != nil {
		return domain.Room{}, err
	}
	if in.Join {
		if err := s.JoinRoom(ctx, room.ID); err != nil {
			return room, err
		}
	}
	return room, nil
}

// SendMessage sends body to roomID, or to the active room when roomID is
// empty. Typing is cleared first.
func (s *Session) SendMessage(ctx context.Context, body, roomID string) (domain.Message, error) {
	if strings.TrimSpace(roomID) == "" {
		roomID = s.Messages.CurrentRoom()
	}
	s.Typing.Flush(ctx)
	return s.Messages.Send(ctx, body, roomID)
}

// Keystroke records input in the active room.
func (s *Session) Keystroke(ctx context.Context) {
	s.Typing.Keystroke(ctx, s.Messages.CurrentRoom())
}

// SetStatus asserts status, keeping the current room.
func (s *Session) SetStatus(ctx context.Context, status domain.Status) {
	s.Presence.UpdatePresence(ctx, status, s.Presence.CurrentRoom())
}

// VisibilityChanged forwards client visibility to presence.
func (s *Session) VisibilityChanged(ctx context.Context, hidden bool) {
	if hidden {
		s.Typing.Flush(ctx)
	}
	s.Presence.VisibilityChanged(ctx, hidden)
}
