package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/nexus-im/kindred/store/conversation"
)

func (c *Conversations) Get(_ context.Context, id string) (*conversation.Conversation, error) {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationLocked(id, "")
}

func (c *Conversations) GetBetween(_ context.Context, userAID, userBID string) (*conversation.Conversation, error) {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.pairs[conversation.CanonicalPair(userAID, userBID)]
	if !ok {
		return nil, conversation.ErrConversationNotFound
	}
	return s.conversationLocked(id, "")
}

func (c *Conversations) Create(_ context.Context, convo *conversation.Conversation) error {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()

	pair := conversation.CanonicalPair(convo.Participants[0].ID, convo.Participants[1].ID)
	if _, ok := s.pairs[pair]; ok {
		return conversation.ErrDuplicatePair
	}
	if convo.ID == "" {
		convo.ID = uuid.NewString()
	}
	if convo.CreatedAt.IsZero() {
		convo.CreatedAt = time.Now()
	}
	convo.Participants = pair

	stored := *convo
	stored.Settings = nil
	s.conversations[convo.ID] = &stored
	s.pairs[pair] = convo.ID
	return nil
}

func (c *Conversations) UpsertSettings(_ context.Context, conversationID, userID string, update conversation.SettingsUpdate) (*conversation.Settings, error) {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[conversationID]; !ok {
		return nil, conversation.ErrConversationNotFound
	}
	current := s.settingsLocked(conversationID, userID)
	if update.Muted != nil {
		current.Muted = *update.Muted
	}
	if update.Archived != nil {
		current.Archived = *update.Archived
	}
	s.settings[conversationID][userID] = current
	return &current, nil
}

func (c *Conversations) SetLastRead(_ context.Context, conversationID, userID string, at time.Time) error {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[conversationID]; !ok {
		return conversation.ErrConversationNotFound
	}
	current := s.settingsLocked(conversationID, userID)
	if current.LastReadAt == nil || at.After(*current.LastReadAt) {
		t := at
		current.LastReadAt = &t
	}
	s.settings[conversationID][userID] = current
	return nil
}

func (c *Conversations) TouchLastMessage(_ context.Context, conversationID string, at time.Time) error {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()

	convo, ok := s.conversations[conversationID]
	if !ok {
		return conversation.ErrConversationNotFound
	}
	if convo.LastMessageAt == nil || at.After(*convo.LastMessageAt) {
		t := at
		convo.LastMessageAt = &t
	}
	return nil
}

func (c *Conversations) ListForUser(_ context.Context, userID string) ([]*conversation.Conversation, error) {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*conversation.Conversation
	for id, convo := range s.conversations {
		if !convo.Includes(userID) {
			continue
		}
		cp, _ := s.conversationLocked(id, userID)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].LastMessageAt, out[j].LastMessageAt
		switch {
		case a == nil && b == nil:
			return out[i].CreatedAt.After(out[j].CreatedAt)
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return a.After(*b)
	})
	return out, nil
}

// conversationLocked returns a copy of the conversation. When onlyUser is
// set, only that user's settings are attached.
func (s *Store) conversationLocked(id, onlyUser string) (*conversation.Conversation, error) {
	convo, ok := s.conversations[id]
	if !ok {
		return nil, conversation.ErrConversationNotFound
	}
	c := *convo
	if c.LastMessageAt != nil {
		t := *c.LastMessageAt
		c.LastMessageAt = &t
	}
	c.Settings = nil
	for _, p := range c.Participants {
		if onlyUser != "" && p.ID != onlyUser {
			continue
		}
		if st, ok := s.settings[id][p.ID]; ok {
			c.Settings = append(c.Settings, copySettings(st))
		} else if onlyUser != "" {
			c.Settings = append(c.Settings, conversation.Settings{UserID: p.ID})
		}
	}
	return &c, nil
}

func (s *Store) settingsLocked(conversationID, userID string) conversation.Settings {
	if s.settings[conversationID] == nil {
		s.settings[conversationID] = make(map[string]conversation.Settings)
	}
	current, ok := s.settings[conversationID][userID]
	if !ok {
		current = conversation.Settings{UserID: userID}
	}
	return copySettings(current)
}

func copySettings(st conversation.Settings) conversation.Settings {
	if st.LastReadAt != nil {
		t := *st.LastReadAt
		st.LastReadAt = &t
	}
	return st
}
