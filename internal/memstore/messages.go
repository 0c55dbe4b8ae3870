package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/nexus-im/kindred/store/conversation"
	"github.com/nexus-im/kindred/store/message"
)

func (m *Messages) Append(_ context.Context, msg *message.Message) (*message.Message, bool, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ClientMessageID != "" {
		if id, ok := s.byToken[msg.ClientMessageID]; ok {
			return copyMessage(s.messages[id]), false, nil
		}
	}
	if _, ok := s.conversations[msg.ConversationID]; !ok {
		return nil, false, conversation.ErrConversationNotFound
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	stored := copyMessage(msg)
	s.messages[stored.ID] = stored
	s.byConvo[stored.ConversationID] = append(s.byConvo[stored.ConversationID], stored.ID)
	if stored.ClientMessageID != "" {
		s.byToken[stored.ClientMessageID] = stored.ID
	}
	return copyMessage(stored), true, nil
}

func (m *Messages) Get(_ context.Context, id string) (*message.Message, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, message.ErrMessageNotFound
	}
	return copyMessage(msg), nil
}

func (m *Messages) FindByClientID(_ context.Context, clientMessageID string) (*message.Message, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byToken[clientMessageID]
	if clientMessageID == "" || !ok {
		return nil, message.ErrMessageNotFound
	}
	return copyMessage(s.messages[id]), nil
}

func (m *Messages) List(_ context.Context, conversationID string, limit int, before time.Time) ([]*message.Message, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*message.Message
	for _, id := range s.byConvo[conversationID] {
		msg := s.messages[id]
		if !before.IsZero() && !msg.CreatedAt.Before(before) {
			continue
		}
		out = append(out, copyMessage(msg))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkDelivered only touches messages the requester received: the requester
// must participate in the conversation and must not be the author.
func (m *Messages) MarkDelivered(_ context.Context, ids []string, requesterID string, at time.Time) ([]message.Receipt, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()

	var receipts []message.Receipt
	for _, id := range ids {
		msg, ok := s.messages[id]
		if !ok || msg.DeliveredAt != nil || msg.SenderID == requesterID {
			continue
		}
		convo, ok := s.conversations[msg.ConversationID]
		if !ok || !convo.Includes(requesterID) {
			continue
		}
		t := at
		msg.DeliveredAt = &t
		receipts = append(receipts, message.Receipt{
			MessageID:      msg.ID,
			ConversationID: msg.ConversationID,
			SenderID:       msg.SenderID,
			DeliveredAt:    at,
		})
	}
	return receipts, nil
}

func (m *Messages) MarkConversationRead(_ context.Context, conversationID, readerID string, at time.Time) (int64, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, id := range s.byConvo[conversationID] {
		msg := s.messages[id]
		if msg.SenderID == readerID || msg.ReadAt != nil {
			continue
		}
		t := at
		msg.ReadAt = &t
		if msg.DeliveredAt == nil {
			d := at
			msg.DeliveredAt = &d
		}
		n++
	}
	return n, nil
}

func (m *Messages) CountUnread(_ context.Context, conversationID, userID string, since time.Time) (int, error) {
	s := m.s
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, id := range s.byConvo[conversationID] {
		msg := s.messages[id]
		if msg.SenderID == userID {
			continue
		}
		if !since.IsZero() && !msg.CreatedAt.After(since) {
			continue
		}
		n++
	}
	return n, nil
}

func copyMessage(msg *message.Message) *message.Message {
	c := *msg
	if c.DeliveredAt != nil {
		t := *c.DeliveredAt
		c.DeliveredAt = &t
	}
	if c.ReadAt != nil {
		t := *c.ReadAt
		c.ReadAt = &t
	}
	return &c
}
