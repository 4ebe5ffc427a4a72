package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageKind is the closed set of message payload types.
type MessageKind int

const (
	KindText MessageKind = iota + 1
	KindImage
	KindVideo
)

var kindNames = map[MessageKind]string{
	KindText:  "text",
	KindImage: "image",
	KindVideo: "video",
}

func (k MessageKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("MessageKind(%d)", int(k))
}

// IsMedia reports whether the body is a reference to an uploaded file.
func (k MessageKind) IsMedia() bool {
	return k == KindImage || k == KindVideo
}

// ParseMessageKind maps a wire type name to a MessageKind.
func ParseMessageKind(s string) (MessageKind, error) {
	switch s {
	case "text", "":
		return KindText, nil
	case "image":
		return KindImage, nil
	case "video":
		return KindVideo, nil
	}
	return 0, fmt.Errorf("unknown message kind %q", s)
}

func (k MessageKind) MarshalJSON() ([]byte, error) {
	name, ok := kindNames[k]
	if !ok {
		return nil, fmt.Errorf("invalid message kind %d", int(k))
	}
	return json.Marshal(name)
}

func (k *MessageKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseMessageKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// DeliveryState tracks a locally initiated action until it settles. It never leaves the client.
type DeliveryState int

const (
	StateConfirmed DeliveryState = iota
	StatePending
	StateFailed
)

func (s DeliveryState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("DeliveryState(%d)", int(s))
}

// Message is one chat event in a group.
type Message struct {
	ID            string        `db:"id" json:"id"`
	ClientID      string        `db:"-" json:"client_id,omitempty"`
	GroupID       string        `db:"group_id" json:"group_id"`
	SenderID      string        `db:"sender_id" json:"sender_id"`
	Kind          MessageKind   `db:"-" json:"kind"`
	Body          string        `db:"body" json:"body"`
	Timestamp     time.Time     `db:"created_at" json:"timestamp"`
	EditedAt      *time.Time    `db:"edited_at" json:"edited_at,omitempty"`
	DeliveryState DeliveryState `db:"-" json:"-"`
}

// Draft is what the presentation layer hands over for a new message.
// For media kinds Body holds the uploaded file URL.
type Draft struct {
	Kind MessageKind
	Body string
}
