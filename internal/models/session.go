package models

import "time"

// ConnectionState of the transport backing a session.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Session is the live binding between the client and one group's channel.
type Session struct {
	GroupID         string          `json:"group_id"`
	ConnectionState ConnectionState `json:"connection_state"`
	JoinedAt        time.Time       `json:"joined_at"`
}

// ActionType enumerates the actions the presentation layer can dispatch.
type ActionType string

const (
	ActionSend   ActionType = "send"
	ActionEdit   ActionType = "edit"
	ActionDelete ActionType = "delete"
	ActionRetry  ActionType = "retry"
)

// Action is a locally initiated user action. ID is the target message for
// edit/delete and the local id for retry; Kind and Body describe send/edit content.
type Action struct {
	Type ActionType
	ID   string
	Kind MessageKind
	Body string
}
