package domain

import "time"

// Table names used on the data backend.
const (
	TableRooms    = "rooms"
	TableMessages = "messages"
	TablePresence = "user_presence"
	TableUsers    = "users"
)

// RoomNameKeyField holds NameKey(name) on room rows. The unique index is
// defined on it so canonically equivalent names collide on the backend.
const RoomNameKeyField = "name_key"

// Room is a named chat channel. Names are unique across all rooms and rooms
// are never mutated or deleted by this client.
type Room struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedBy   string    `json:"created_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// CreateRoomInput is the validated payload for creating a room.
type CreateRoomInput struct {
	Name        string `json:"name" validate:"notblank,max=100"`
	Description string `json:"description" validate:"max=500"`
	Join        bool   `json:"join"`
}
