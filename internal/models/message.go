package models

// EventType is the type of a message pushed to a user's call feed
type EventType string

const (
	EventTypeRinging EventType = "ringing"
	EventTypeState   EventType = "state"
	EventTypeError   EventType = "error"
)

// CommandType is the type of a message a client sends on its call feed
type CommandType string

const (
	CommandTypeAccept CommandType = "accept"
	CommandTypeHangUp CommandType = "hangup"
)

// CallEvent is pushed to a connected user over the websocket feed
type CallEvent struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	State     string    `json:"state,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// CallCommand is received from a connected user over the websocket feed
type CallCommand struct {
	Type      CommandType `json:"type"`
	SessionID string      `json:"sessionId"`
}
