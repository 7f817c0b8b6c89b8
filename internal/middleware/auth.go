package middleware

import (
	"github.com/labstack/echo/v4"
	"github.com/nfrund/chatsync/internal/session"
)

// SessionContextKey is where RequireSession stores the active session.
const SessionContextKey = "session"

// SessionSource yields the logged-in user's session, or domain.ErrNoSession.
type SessionSource interface {
	Current() (*session.Session, error)
}

// RequireSession rejects requests while nobody is logged in. Downstream
// handlers read the session with CurrentSession.
func RequireSession(src SessionSource) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			s, err := src.Current()
			if err != nil {
				return err
			}
			c.Set(SessionContextKey, s)
			setLogger(c, FromContext(c.Request().Context()).With("userID", s.User.ID))
			return next(c)
		}
	}
}

// CurrentSession returns the session stored by RequireSession.
func CurrentSession(c echo.Context) (*session.Session, bool) {
	s, ok := c.Get(SessionContextKey).(*session.Session)
	return s, ok && s != nil
}
