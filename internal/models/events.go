package models

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Socket event names shared with the chat server.
const (
	EventJoinGroup      = "joinGroup"
	EventSendMessage    = "sendMessage"
	EventEditMessage    = "editMessage"
	EventDeleteMessage  = "deleteMessage"
	EventNewMessage     = "newMessage"
	EventMessageEdited  = "messageEdited"
	EventMessageDeleted = "messageDeleted"
)

// Envelope frames every event on the socket.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type JoinGroupPayload struct {
	GroupID string `json:"groupId"`
}

type SendMessagePayload struct {
	UserID      string `json:"userId"`
	GroupID     string `json:"groupId"`
	MessageType string `json:"messageType"`
	MessageText string `json:"messageText,omitempty"`
	FileURL     string `json:"fileUrl,omitempty"`
	ClientID    string `json:"clientId,omitempty"`
}

type EditMessagePayload struct {
	MessageID string `json:"messageId"`
	NewText   string `json:"newText"`
	UserID    string `json:"userId"`
	GroupID   string `json:"groupId"`
}

type DeleteMessagePayload struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	GroupID   string `json:"groupId"`
}

// NewSendMessagePayload builds the outbound payload for a draft.
func NewSendMessagePayload(userID, groupID, clientID string, d Draft) SendMessagePayload {
	p := SendMessagePayload{
		UserID:      userID,
		GroupID:     groupID,
		MessageType: d.Kind.String(),
		ClientID:    clientID,
	}
	if d.Kind.IsMedia() {
		p.FileURL = d.Body
	} else {
		p.MessageText = d.Body
	}
	return p
}

var ErrMissingMessageID = errors.New("message payload has no id")

// WireMessage is a message as broadcast by the server in newMessage and messageEdited.
type WireMessage struct {
	ID          string     `json:"id"`
	MongoID     string     `json:"_id"`
	GroupID     string     `json:"groupId"`
	SenderID    string     `json:"senderId"`
	MessageType string     `json:"messageType"`
	MessageText string     `json:"messageText"`
	FileURL     string     `json:"fileUrl"`
	Timestamp   *time.Time `json:"timestamp"`
	CreatedAt   *time.Time `json:"createdAt"`
	EditedAt    *time.Time `json:"editedAt"`
	ClientID    string     `json:"clientId"`
}

// ToMessage converts the wire form into a confirmed Message.
func (w WireMessage) ToMessage() (Message, error) {
	id := w.ID
	if id == "" {
		id = w.MongoID
	}
	if id == "" {
		return Message{}, ErrMissingMessageID
	}
	kind, err := ParseMessageKind(w.MessageType)
	if err != nil {
		return Message{}, err
	}
	msg := Message{
		ID:            id,
		ClientID:      w.ClientID,
		GroupID:       w.GroupID,
		SenderID:      w.SenderID,
		Kind:          kind,
		Body:          w.MessageText,
		EditedAt:      w.EditedAt,
		DeliveryState: StateConfirmed,
	}
	if kind.IsMedia() {
		msg.Body = w.FileURL
	}
	switch {
	case w.Timestamp != nil:
		msg.Timestamp = *w.Timestamp
	case w.CreatedAt != nil:
		msg.Timestamp = *w.CreatedAt
	}
	return msg, nil
}

// ParseDeletedID accepts a bare id string or an object carrying messageId/id/_id.
func ParseDeletedID(data json.RawMessage) (string, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, `"`) {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return "", err
		}
		if id == "" {
			return "", ErrMissingMessageID
		}
		return id, nil
	}

	var obj struct {
		MessageID string `json:"messageId"`
		ID        string `json:"id"`
		MongoID   string `json:"_id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", err
	}
	for _, id := range []string{obj.MessageID, obj.ID, obj.MongoID} {
		if id != "" {
			return id, nil
		}
	}
	return "", ErrMissingMessageID
}

// EditedMessage is the content of a messageEdited broadcast.
type EditedMessage struct {
	ID       string
	GroupID  string
	Body     string
	EditedAt *time.Time
}

// ParseEditedMessage accepts either the full message or the editMessage fields
// echoed back by the server.
func ParseEditedMessage(data json.RawMessage) (EditedMessage, error) {
	var wire struct {
		WireMessage
		MessageID string `json:"messageId"`
		NewText   string `json:"newText"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return EditedMessage{}, err
	}
	out := EditedMessage{
		GroupID:  wire.GroupID,
		Body:     wire.MessageText,
		EditedAt: wire.EditedAt,
	}
	for _, id := range []string{wire.MessageID, wire.ID, wire.MongoID} {
		if id != "" {
			out.ID = id
			break
		}
	}
	if out.ID == "" {
		return EditedMessage{}, ErrMissingMessageID
	}
	if wire.NewText != "" {
		out.Body = wire.NewText
	}
	return out, nil
}
