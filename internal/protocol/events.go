// Package protocol defines the event envelope exchanged over the realtime
// socket and the payload of every event.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/nexus-im/kindred/store/message"
)

// Event names an envelope's payload.
type Event string

// typing:start, typing:stop and message:delivered travel both ways.
const (
	EventTypingStart      Event = "typing:start"
	EventTypingStop       Event = "typing:stop"
	EventMessageDelivered Event = "message:delivered"

	// Client -> Server
	EventMarkRead     Event = "conversation:markRead"
	EventPresenceSync Event = "presence:sync"
	EventMessageSend  Event = "message:send"

	// Server -> Client
	EventMessageNew       Event = "message:new"
	EventMessageRead      Event = "message:read"
	EventMessageAck       Event = "message:ack"
	EventPresenceUpdate   Event = "presence:update"
	EventPresenceInitial  Event = "presence:initial"
	EventConversationRead Event = "conversation:read"
	EventError            Event = "error"
)

// Envelope wraps every socket frame.
type Envelope struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// TypingRequest is sent by a client starting or stopping to type.
type TypingRequest struct {
	ConversationID string `json:"conversationId"`
}

// Typing is relayed to the other participant.
type Typing struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
}

// DeliveredRequest acknowledges receipt of one message.
type DeliveredRequest struct {
	MessageID string `json:"messageId"`
}

type MarkReadRequest struct {
	ConversationID string `json:"conversationId"`
}

// SendRequest submits a message over the socket. It is answered with
// message:ack or error carrying the same ClientMessageID.
type SendRequest struct {
	ConversationID  string `json:"conversationId"`
	Content         string `json:"content"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

// Ack answers a socket send.
type Ack struct {
	ClientMessageID string           `json:"clientMessageId,omitempty"`
	Message         *message.Message `json:"message"`
	Duplicate       bool             `json:"duplicate,omitempty"`
}

// Delivered tells a sender its message reached the recipient.
type Delivered struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	DeliveredAt    time.Time `json:"deliveredAt"`
}

// Read tells a sender the recipient read the conversation.
type Read struct {
	ConversationID string    `json:"conversationId"`
	ReadAt         time.Time `json:"readAt"`
	ReaderID       string    `json:"readerId"`
}

// ConversationRead syncs a read across the reader's own devices.
type ConversationRead struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	ReadAt         time.Time `json:"readAt"`
}

type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// PresenceUpdate is one user's status change.
type PresenceUpdate struct {
	UserID   string     `json:"userId"`
	Status   Status     `json:"status"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// Error reports a rejected client event.
type Error struct {
	Event           Event  `json:"event,omitempty"`
	Code            string `json:"code"`
	Message         string `json:"message"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
	RetryAfterMs    int64  `json:"retryAfterMs,omitempty"`
}

// NewEnvelope creates an envelope with the given event and data.
func NewEnvelope(event Event, data any) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{Event: event, Data: raw}, nil
}

// Encode marshals an envelope for event and data into a single frame.
func Encode(event Event, data any) ([]byte, error) {
	env, err := NewEnvelope(event, data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// ParseEnvelope parses a raw frame into an envelope.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// ParseData unmarshals the envelope's payload into v.
func (e *Envelope) ParseData(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}
