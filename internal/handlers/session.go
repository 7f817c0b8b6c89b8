// Package handlers implements the JSON API over the logged-in user's session.
// Every handler expects middleware.RequireSession to have run.
package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/middleware"
	"github.com/nfrund/chatsync/internal/session"
)

func currentSession(c echo.Context) (*session.Session, error) {
	s, ok := middleware.CurrentSession(c)
	if !ok {
		return nil, domain.ErrNoSession
	}
	return s, nil
}

// SessionHandler serves the session summary and the users directory.
type SessionHandler struct{}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler() *SessionHandler {
	return &SessionHandler{}
}

// Get handles GET /api/session.
func (h *SessionHandler) Get(c echo.Context) error {
	s, err := currentSession(c)
	if err != nil {
		return err
	}
	resp := SessionResponse{
		User:        s.User,
		CurrentRoom: s.Messages.CurrentRoom(),
		State:       s.Messages.State().String(),
	}
	if rec, ok := s.Presence.Get(s.User.ID); ok {
		resp.Status = rec.Status
	}
	return c.JSON(http.StatusOK, resp)
}

// Users handles GET /api/users.
func (h *SessionHandler) Users(c echo.Context) error {
	s, err := currentSession(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, orEmpty(s.Users.List()))
}
