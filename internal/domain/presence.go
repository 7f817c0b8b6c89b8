package domain

import "time"

// Status is a user's advertised availability.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return true
	}
	return false
}

// PresenceRecord is the single presence row a user owns. It is keyed by the
// user's id and only ever written by that user's own client.
type PresenceRecord struct {
	UserID      string    `json:"id"`
	Status      Status    `json:"status"`
	CurrentRoom *string   `json:"current_room"`
	IsTyping    bool      `json:"is_typing"`
	LastSeen    time.Time `json:"last_seen"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// InRoom reports whether the record's current room is roomID.
func (p PresenceRecord) InRoom(roomID string) bool {
	return p.CurrentRoom != nil && *p.CurrentRoom == roomID
}

// PresenceInput is the validated payload for a manual presence update.
type PresenceInput struct {
	Status      Status  `json:"status" validate:"required,oneof=online away busy offline"`
	CurrentRoom *string `json:"current_room"`
}
