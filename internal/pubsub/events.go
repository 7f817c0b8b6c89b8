package pubsub

import "time"

// Change kinds carried in StateChange.Kind.
const (
	KindRoomAdded       = "room_added"
	KindRoomsReloaded   = "rooms_reloaded"
	KindRoomJoined      = "room_joined"
	KindRoomLeft        = "room_left"
	KindMessagesLoaded  = "messages_loaded"
	KindMessageAdded    = "message_added"
	KindPresenceChanged = "presence_changed"
	KindPresenceRemoved = "presence_removed"
	KindSessionStarted  = "session_started"
	KindSessionEnded    = "session_ended"
	KindFeedLost        = "feed_lost"
)

// StateChange notifies observers that local state changed. Observers re-read
// the owning component for the new state.
type StateChange struct {
	Kind   string    `json:"kind"`
	RoomID string    `json:"room_id,omitempty"`
	UserID string    `json:"user_id,omitempty"`
	At     time.Time `json:"at"`
}

// Topics announcing local state changes, one per state owner.
var (
	RoomsChanged    = NewEvent[StateChange]("rooms.changed", "Room directory changed")
	MessagesChanged = NewEvent[StateChange]("messages.changed", "Active room message stream changed")
	PresenceChanged = NewEvent[StateChange]("presence.changed", "Presence records or derived sets changed")
	SessionChanged  = NewEvent[StateChange]("session.changed", "User logged in or out")
)

// AllTopics lists every state-change topic.
var AllTopics = []Event[StateChange]{RoomsChanged, MessagesChanged, PresenceChanged, SessionChanged}
