package handlers

import (
	"github.com/nfrund/chatsync/internal/domain"
)

// CustomValidator adapts the shared domain validator to Echo's Validator
// interface. Failures come back as domain.ErrValidation.
type CustomValidator struct {
	op string
}

// NewValidator creates a new CustomValidator.
func NewValidator() *CustomValidator {
	return &CustomValidator{op: "request"}
}

// Validate implements the echo.Validator interface.
func (cv *CustomValidator) Validate(i interface{}) error {
	return domain.Validate(cv.op, i)
}

// SendMessageRequest is the body of POST /api/messages. An empty room_id
// targets the joined room.
type SendMessageRequest struct {
	RoomID  string `json:"room_id"`
	Content string `json:"content" validate:"notblank,max=4000"`
}

// VisibilityRequest is the body of POST /api/visibility.
type VisibilityRequest struct {
	Hidden bool `json:"hidden"`
}
