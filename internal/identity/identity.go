// Package identity reports who is logged in and when that changes.
package identity

import (
	"sync"

	"github.com/nfrund/chatsync/internal/domain"
)

// ChangeKind says whether a session began or ended.
type ChangeKind string

const (
	LoggedIn  ChangeKind = "login"
	LoggedOut ChangeKind = "logout"
)

// Change is a session lifecycle notification. User is zero for LoggedOut.
type Change struct {
	Kind ChangeKind
	User domain.User
}

// Provider is the session collaborator.
type Provider interface {
	// CurrentUser returns the logged-in user, if any.
	CurrentUser() (domain.User, bool)
	// Changes delivers login and logout notifications. It is closed by Close.
	Changes() <-chan Change
	Close() error
}

// Static is a provider for a fixed user that never changes.
type Static struct {
	user    domain.User
	changes chan Change
	once    sync.Once
}

// NewStatic returns a provider that always reports user. A zero user means
// nobody is logged in.
func NewStatic(user domain.User) *Static {
	return &Static{user: user, changes: make(chan Change)}
}

func (s *Static) CurrentUser() (domain.User, bool) {
	return s.user, !s.user.IsZero()
}

func (s *Static) Changes() <-chan Change { return s.changes }

func (s *Static) Close() error {
	s.once.Do(func() { close(s.changes) })
	return nil
}
