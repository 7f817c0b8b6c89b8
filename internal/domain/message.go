package domain

import "time"

// Message is an immutable chat message belonging to exactly one room.
// Username and AvatarURL are display fields resolved at write or read time.
type Message struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	Username  string    `json:"username,omitempty"`
	AvatarURL string    `json:"avatar_url,omitempty"`
}

// Before reports whether m sorts before o: by creation time, then by id.
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// SendMessageInput is the validated payload for sending a message.
type SendMessageInput struct {
	RoomID  string `json:"room_id" validate:"notblank"`
	Content string `json:"content" validate:"notblank"`
}
