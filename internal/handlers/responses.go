package handlers

import (
	"github.com/nfrund/chatsync/internal/domain"
)

// ErrorResponse is the standard format for API error responses.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SessionResponse describes who is logged in and where they are.
type SessionResponse struct {
	User        domain.User   `json:"user"`
	CurrentRoom string        `json:"current_room,omitempty"`
	State       string        `json:"state"`
	Status      domain.Status `json:"status,omitempty"`
}

// MessagesResponse is the joined room's message list.
type MessagesResponse struct {
	RoomID   string           `json:"room_id,omitempty"`
	State    string           `json:"state"`
	Messages []domain.Message `json:"messages"`
}

// PresenceResponse is the whole presence view with its derived sets.
type PresenceResponse struct {
	Records []domain.PresenceRecord `json:"records"`
	Online  []string                `json:"online"`
	Typing  []string                `json:"typing"`
}

// UserPresenceResponse is one user's presence as the UI shows it.
type UserPresenceResponse struct {
	UserID     string                 `json:"user_id"`
	Record     *domain.PresenceRecord `json:"record,omitempty"`
	Online     bool                   `json:"online"`
	Typing     bool                   `json:"typing"`
	Stale      bool                   `json:"stale"`
	StatusText string                 `json:"status_text"`
}

// RoomPresenceResponse lists who is in a room and who is typing there.
type RoomPresenceResponse struct {
	RoomID string                  `json:"room_id"`
	Users  []domain.PresenceRecord `json:"users"`
	Typing []string                `json:"typing"`
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
