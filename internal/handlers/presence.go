package handlers

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/nfrund/chatsync/internal/domain"
)

// PresenceHandler handles presence queries and the user's own presence signals.
type PresenceHandler struct {
	now func() time.Time
}

// NewPresenceHandler creates a new presence handler. A nil clock uses time.Now.
func NewPresenceHandler(now func() time.Time) *PresenceHandler {
	if now == nil {
		now = time.Now
	}
	return &PresenceHandler{now: now}
}

// List handles GET /api/presence.
func (h *PresenceHandler) List(c echo.Context) error {
	s, err := currentSession(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, PresenceResponse{
		Records: orEmpty(s.Presence.Records()),
		Online:  orEmpty(s.Presence.OnlineUsers()),
		Typing:  orEmpty(s.Presence.TypingUsers()),
	})
}

// GetUserPresence handles GET /api/presence/:userID.
func (h *PresenceHandler) GetUserPresence(c echo.Context) error {
	s, err := currentSession(c)
	if err != nil {
		return err
	}
	userID := c.Param("userID")
	now := h.now()
	resp := UserPresenceResponse{
		UserID:     userID,
		Online:     s.Presence.IsUserOnline(userID),
		Typing:     s.Presence.IsUserTyping(userID),
		Stale:      s.Presence.IsStale(userID, now),
		StatusText: s.Presence.StatusText(userID, now),
	}
	if rec, ok := s.Presence.Get(userID); ok {
		resp.Record = &rec
	}
	return c.JSON(http.StatusOK, resp)
}

// RoomPresence handles GET /api/rooms/:id/presence. The caller is left out of
// the typing list.
func (h *PresenceHandler) RoomPresence(c echo.Context) error {
	s, err := currentSession(c)
	if err != nil {
		return err
	}
	roomID := c.Param("id")
	return c.JSON(http.StatusOK, RoomPresenceResponse{
		RoomID: roomID,
		Users:  orEmpty(s.Presence.GetRoomUsers(roomID)),
		Typing: orEmpty(s.Presence.TypingInRoom(roomID, s.User.ID)),
	})
}

// Update handles POST /api/presence. Without current_room the room is kept.
func (h *PresenceHandler) Update(c echo.Context) error {
	s, err := currentSession(c)
	if err != nil {
		return err
	}
	var in domain.PresenceInput
	if err := c.Bind(&in); err != nil {
		return err
	}
	if err := c.Validate(&in); err != nil {
		return err
	}
	if in.CurrentRoom == nil {
		s.SetStatus(c.Request().Context(), in.Status)
	} else {
		s.Presence.UpdatePresence(c.Request().Context(), in.Status, in.CurrentRoom)
	}
	return c.NoContent(http.StatusAccepted)
}

// Typing handles POST /api/typing, one call per keystroke.
func (h *PresenceHandler) Typing(c echo.Context) error {
	s, err := currentSession(c)
	if err != nil {
		return err
	}
	s.Keystroke(c.Request().Context())
	return c.NoContent(http.StatusAccepted)
}

// Visibility handles POST /api/visibility.
func (h *PresenceHandler) Visibility(c echo.Context) error {
	s, err := currentSession(c)
	if err != nil {
		return err
	}
	var req VisibilityRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	s.VisibilityChanged(c.Request().Context(), req.Hidden)
	return c.NoContent(http.StatusAccepted)
}
