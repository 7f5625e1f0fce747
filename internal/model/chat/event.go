package chat

import "time"

// EventName names an event delivered to connected clients.
type EventName string

const (
	EventMessage         EventName = "message"
	EventUserJoined      EventName = "user_joined"
	EventUserLeft        EventName = "user_left"
	EventUserKicked      EventName = "user_kicked"
	EventUserListUpdated EventName = "user_list_updated"
	EventError           EventName = "error"
)

// Event is an outbound notification for one session.
type Event struct {
	Name      EventName `json:"event"`
	SessionID string    `json:"sessionId,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

// UserEvent is the payload of joined, left and kicked events.
type UserEvent struct {
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
}

// UserListEvent carries the full live member list.
type UserListEvent struct {
	Users     []string `json:"users"`
	Timestamp int64    `json:"timestamp"`
}

// ErrorEvent reports a rejected inbound request to its sender only.
type ErrorEvent struct {
	Message string `json:"message"`
}

// NewEvent stamps an event for sessionID with at.
func NewEvent(name EventName, sessionID string, data any, at time.Time) Event {
	return Event{Name: name, SessionID: sessionID, Data: data, Timestamp: at.UnixMilli()}
}
