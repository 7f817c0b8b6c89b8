package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/middleware"
)

// RoomHandler handles the room directory endpoints.
type RoomHandler struct{}

// NewRoomHandler creates a new RoomHandler.
func NewRoomHandler() *RoomHandler {
	return &RoomHandler{}
}

// List handles GET /api/rooms, newest first.
func (h *RoomHandler) List(c echo.Context) error {
	s, err := currentSession(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, orEmpty(s.Rooms.List()))
}

// Create handles POST /api/rooms.
func (h *RoomHandler) Create(c echo.Context) error {
	s, err := currentSession(c)
	if err != nil {
		return err
	}
	var in domain.CreateRoomInput
	if err := c.Bind(&in); err != nil {
		return err
	}
	if err := c.Validate(&in); err != nil {
		return err
	}

	room, err := s.CreateRoom(c.Request().Context(), in)
	if err != nil {
		return err
	}
	middleware.FromContext(c.Request().Context()).Info("Room created via API", "roomID", room.ID, "joined", in.Join)
	return c.JSON(http.StatusCreated, room)
}

// Join handles POST /api/rooms/:id/join and returns the loaded messages.
func (h *RoomHandler) Join(c echo.Context) error {
	s, err := currentSession(c)
	if err != nil {
		return err
	}
	roomID := c.Param("id")
	if err := s.JoinRoom(c.Request().Context(), roomID); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, messagesResponse(s.Messages.CurrentRoom(), s.Messages.State().String(), s.Messages.Messages()))
}
