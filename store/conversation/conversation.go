package conversation

import (
	"context"
	"errors"
	"time"
)

// Participant is the canonical representation of a conversation member at
// the store boundary.
type Participant struct {
	ID string `json:"id"`
}

// Settings is one participant's view of a conversation.
type Settings struct {
	UserID     string     `json:"userId"`
	Muted      bool       `json:"isMuted"`
	Archived   bool       `json:"isArchived"`
	LastReadAt *time.Time `json:"lastReadAt,omitempty"`
}

// SettingsUpdate carries a partial settings change; nil fields are left alone.
type SettingsUpdate struct {
	Muted    *bool `json:"isMuted,omitempty"`
	Archived *bool `json:"isArchived,omitempty"`
}

// Conversation represents a two-party chat thread.
type Conversation struct {
	ID            string         `json:"id"`
	Participants  [2]Participant `json:"participants"`
	Settings      []Settings     `json:"settings,omitempty"`
	LastMessageAt *time.Time     `json:"lastMessageAt,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// Includes reports whether userID is one of the two participants.
func (c *Conversation) Includes(userID string) bool {
	return c.Participants[0].ID == userID || c.Participants[1].ID == userID
}

// Other returns the participant that is not userID.
func (c *Conversation) Other(userID string) (Participant, bool) {
	return OtherOf(c.Participants, userID)
}

// SettingsFor returns userID's settings, or defaults when none were stored.
func (c *Conversation) SettingsFor(userID string) Settings {
	for _, s := range c.Settings {
		if s.UserID == userID {
			return s
		}
	}
	return Settings{UserID: userID}
}

// OtherOf returns the member of pair that is not userID.
func OtherOf(pair [2]Participant, userID string) (Participant, bool) {
	switch userID {
	case pair[0].ID:
		return pair[1], true
	case pair[1].ID:
		return pair[0], true
	}
	return Participant{}, false
}

// CanonicalPair orders two user IDs the way the store's uniqueness
// constraint expects them.
func CanonicalPair(userAID, userBID string) [2]Participant {
	if userBID < userAID {
		userAID, userBID = userBID, userAID
	}
	return [2]Participant{{ID: userAID}, {ID: userBID}}
}

var (
	ErrConversationNotFound = errors.New("conversation not found")
	// ErrDuplicatePair is returned by Create when a conversation for the
	// pair already exists.
	ErrDuplicatePair = errors.New("conversation already exists for pair")
)

// Store defines conversation persistence operations.
type Store interface {
	Get(ctx context.Context, id string) (*Conversation, error)
	GetBetween(ctx context.Context, userAID, userBID string) (*Conversation, error)
	Create(ctx context.Context, convo *Conversation) error
	UpsertSettings(ctx context.Context, conversationID, userID string, update SettingsUpdate) (*Settings, error)
	SetLastRead(ctx context.Context, conversationID, userID string, at time.Time) error
	TouchLastMessage(ctx context.Context, conversationID string, at time.Time) error
	// ListForUser returns the user's conversations, most recent activity
	// first, each carrying only the caller's settings.
	ListForUser(ctx context.Context, userID string) ([]*Conversation, error)
}
