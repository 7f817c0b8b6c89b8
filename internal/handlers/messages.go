package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/nfrund/chatsync/internal/domain"
)

// MessageHandler handles reading and sending messages in the joined room.
type MessageHandler struct{}

// NewMessageHandler creates a new MessageHandler.
func NewMessageHandler() *MessageHandler {
	return &MessageHandler{}
}

// List handles GET /api/messages.
func (h *MessageHandler) List(c echo.Context) error {
	s, err := currentSession(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, messagesResponse(s.Messages.CurrentRoom(), s.Messages.State().String(), s.Messages.Messages()))
}

// Send handles POST /api/messages.
func (h *MessageHandler) Send(c echo.Context) error {
	s, err := currentSession(c)
	if err != nil {
		return err
	}
	var req SendMessageRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	m, err := s.SendMessage(c.Request().Context(), req.Content, req.RoomID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, m)
}

func messagesResponse(roomID, state string, msgs []domain.Message) MessagesResponse {
	return MessagesResponse{RoomID: roomID, State: state, Messages: orEmpty(msgs)}
}
