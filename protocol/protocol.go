// Package protocol defines the relay's wire events.
//
// Every frame is a JSON envelope {"event": name, "data": payload, "ack": id}.
// The line transport separates frames with '\n'; WebSocket carries one frame
// per text message. A non-zero ack asks the server to answer with an "ack"
// frame carrying the same id.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidEnvelope = errors.New("invalid envelope")
	ErrMissingUserID   = errors.New("missing user id")
)

// Client to server.
const (
	EventSetUserID   = "setUserId"
	EventHeartbeat   = "heartbeat"
	EventUserOffline = "userOffline"
	EventTyping      = "typing"
)

// Both directions.
const (
	EventNewMessage       = "newMessage"
	EventMessageDelivered = "messageDelivered"
	EventMessageRead      = "messageRead"
)

// Server to client.
const (
	EventAck               = "ack"
	EventError             = "error"
	EventMessageAck        = "messageAck"
	EventMessageSent       = "messageSent"
	EventMessageError      = "messageError"
	EventUserTyping        = "userTyping"
	EventUserStoppedTyping = "userStoppedTyping"
	EventUserStatusChange  = "userStatusChange"
	EventSessionReplaced   = "sessionReplaced"
	EventBye               = "bye"
)

type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   int64           `json:"ack,omitempty"`
}

// Parse decodes one frame.
func Parse(frame []byte) (*Envelope, error) {
	frame = bytes.TrimSpace(frame)
	if len(frame) == 0 {
		return nil, ErrInvalidEnvelope
	}

	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("%w: missing event", ErrInvalidEnvelope)
	}

	return &env, nil
}

// Encode builds one frame without the trailing newline.
func Encode(event string, data any, ack int64) ([]byte, error) {
	env := Envelope{Event: event, Ack: ack}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", event, err)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %s has no data", ErrInvalidEnvelope, e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidEnvelope, e.Event, err)
	}
	return nil
}

// UserID extracts the setUserId payload, which is either a bare string or
// an object with a userId field.
func (e *Envelope) UserID() (string, error) {
	var id string
	if err := json.Unmarshal(e.Data, &id); err == nil {
		if id == "" {
			return "", ErrMissingUserID
		}
		return id, nil
	}

	var obj struct {
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(e.Data, &obj); err != nil || obj.UserID == "" {
		return "", ErrMissingUserID
	}
	return obj.UserID, nil
}

// Payloads

type OutgoingMessage struct {
	ID       string `json:"id"` // client-side temporary id
	SenderID string `json:"senderId"`
	Content  string `json:"content"`
}

type NewMessageRequest struct {
	Message        OutgoingMessage `json:"message"`
	ConversationID string          `json:"conversationId"`
	RecipientID    string          `json:"recipientId"`
}

// Message is the fully formed message forwarded to a recipient, content in
// plaintext.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	RecipientID    string    `json:"recipientId,omitempty"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

type MessageAck struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	TempID    string `json:"tempId,omitempty"`
}

type MessageSent struct {
	MessageID string `json:"messageId"`
	TempID    string `json:"tempId,omitempty"`
	Status    string `json:"status"`
}

type MessageDelivered struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
}

type MessageRead struct {
	MessageID string `json:"messageId"`
}

type MessageError struct {
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error"`
}

// Receipt is the client's delivered/read acknowledgement. SenderID names
// the author of the acknowledged message.
type Receipt struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
}

type Typing struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type UserTyping struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId,omitempty"`
}

type HeartbeatAck struct {
	Success   bool  `json:"success"`
	Timestamp int64 `json:"timestamp"` // unix milliseconds
}

type UserStatusChange struct {
	UserID   string     `json:"userId"`
	Status   string     `json:"status"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

type Reason struct {
	Reason string `json:"reason"`
}

type Error struct {
	Event string `json:"event,omitempty"` // the event that failed
	Error string `json:"error"`
}
