package message

import (
	"context"
	"errors"
	"time"
)

// Message is one immutable entry in a conversation's log. DeliveredAt and
// ReadAt are set once and never cleared.
type Message struct {
	ID              string     `json:"id"`
	ConversationID  string     `json:"conversationId"`
	SenderID        string     `json:"senderId"`
	Content         string     `json:"content"`
	ClientMessageID string     `json:"clientMessageId,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	DeliveredAt     *time.Time `json:"deliveredAt,omitempty"`
	ReadAt          *time.Time `json:"readAt,omitempty"`
}

// Receipt describes a message whose delivered-at was just set.
type Receipt struct {
	MessageID      string    `json:"messageId"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"-"`
	DeliveredAt    time.Time `json:"deliveredAt"`
}

var ErrMessageNotFound = errors.New("message not found")

// Store defines message persistence operations.
type Store interface {
	// Append persists msg. When msg carries a ClientMessageID that is
	// already stored, the stored message is returned with created=false.
	Append(ctx context.Context, msg *Message) (stored *Message, created bool, err error)
	Get(ctx context.Context, id string) (*Message, error)
	FindByClientID(ctx context.Context, clientMessageID string) (*Message, error)
	// List returns up to limit messages newest first, strictly older than
	// before when before is non-zero.
	List(ctx context.Context, conversationID string, limit int, before time.Time) ([]*Message, error)
	MarkDelivered(ctx context.Context, ids []string, requesterID string, at time.Time) ([]Receipt, error)
	MarkConversationRead(ctx context.Context, conversationID, readerID string, at time.Time) (int64, error)
	CountUnread(ctx context.Context, conversationID, userID string, since time.Time) (int, error)
}
