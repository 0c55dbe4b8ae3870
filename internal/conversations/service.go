// Package conversations applies participant rules on top of the
// conversation and message stores.
package conversations

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/nexus-im/kindred/internal/apperr"
	"github.com/nexus-im/kindred/store/conversation"
	"github.com/nexus-im/kindred/store/message"
	"github.com/nexus-im/kindred/store/moderation"
)

// DefaultCacheSize is the participant cache capacity.
const DefaultCacheSize = 4096

// Summary is a conversation annotated for the caller's inbox.
type Summary struct {
	*conversation.Conversation
	UnreadCount int `json:"unreadCount"`
}

// ReadResult reports a markRead outcome. Affected counts the messages
// whose read-at was set by this call.
type ReadResult struct {
	Conversation *conversation.Conversation
	ReadAt       time.Time
	Affected     int64
}

// Service owns conversation lifecycle and per-participant state.
type Service struct {
	convs    conversation.Store
	messages message.Store
	blocks   moderation.Checker
	pairs    *lru.Cache[string, [2]conversation.Participant]
	clock    clock.Clock
	logger   *zap.Logger
}

// Option configures a Service.
type Option func(*options)

type options struct {
	clock     clock.Clock
	cacheSize int
}

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithCacheSize(n int) Option {
	return func(o *options) { o.cacheSize = n }
}

// NewService creates a Service.
func NewService(convs conversation.Store, messages message.Store, blocks moderation.Checker, logger *zap.Logger, opts ...Option) (*Service, error) {
	o := options{clock: clock.New(), cacheSize: DefaultCacheSize}
	for _, opt := range opts {
		opt(&o)
	}
	pairs, err := lru.New[string, [2]conversation.Participant](o.cacheSize)
	if err != nil {
		return nil, err
	}
	return &Service{
		convs:    convs,
		messages: messages,
		blocks:   blocks,
		pairs:    pairs,
		clock:    o.clock,
		logger:   logger,
	}, nil
}

// FindOrCreate returns the single conversation between a and b, creating
// it when absent. Concurrent creators converge on the same row: the loser
// of the unique-pair race reads back the winner's conversation.
func (s *Service) FindOrCreate(ctx context.Context, a, b string) (*conversation.Conversation, bool, error) {
	if a == "" || b == "" {
		return nil, false, apperr.ErrInvalidRequest
	}
	if a == b {
		return nil, false, apperr.ErrSelfConversation
	}
	if err := s.checkBlocked(ctx, a, b); err != nil {
		return nil, false, err
	}

	existing, err := s.convs.GetBetween(ctx, a, b)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, conversation.ErrConversationNotFound) {
		return nil, false, s.internal("get conversation between", err)
	}

	convo := &conversation.Conversation{
		Participants: conversation.CanonicalPair(a, b),
		CreatedAt:    s.clock.Now(),
	}
	err = s.convs.Create(ctx, convo)
	switch {
	case err == nil:
		s.pairs.Add(convo.ID, convo.Participants)
		s.logger.Debug("conversation created", zap.String("conversation_id", convo.ID))
		return convo, true, nil
	case errors.Is(err, conversation.ErrDuplicatePair):
		existing, err = s.convs.GetBetween(ctx, a, b)
		if err != nil {
			return nil, false, s.internal("get conversation after duplicate", err)
		}
		return existing, false, nil
	default:
		return nil, false, s.internal("create conversation", err)
	}
}

// Participants returns the pair for conversationID. Pairs never change, so
// they are served from the cache once seen.
func (s *Service) Participants(ctx context.Context, conversationID string) ([2]conversation.Participant, error) {
	if pair, ok := s.pairs.Get(conversationID); ok {
		return pair, nil
	}
	convo, err := s.load(ctx, conversationID)
	if err != nil {
		return [2]conversation.Participant{}, err
	}
	return convo.Participants, nil
}

// Authorize loads the conversation and checks userID belongs to it.
func (s *Service) Authorize(ctx context.Context, conversationID, userID string) (*conversation.Conversation, error) {
	convo, err := s.load(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !convo.Includes(userID) {
		return nil, apperr.ErrNotParticipant
	}
	return convo, nil
}

func (s *Service) UpdateSettings(ctx context.Context, conversationID, userID string, update conversation.SettingsUpdate) (*conversation.Settings, error) {
	if _, err := s.Authorize(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	st, err := s.convs.UpsertSettings(ctx, conversationID, userID, update)
	if err != nil {
		return nil, s.internal("upsert settings", err)
	}
	return st, nil
}

func (s *Service) MarkRead(ctx context.Context, conversationID, userID string) (*ReadResult, error) {
	convo, err := s.Authorize(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if err := s.convs.SetLastRead(ctx, conversationID, userID, now); err != nil {
		return nil, s.internal("set last read", err)
	}
	affected, err := s.messages.MarkConversationRead(ctx, conversationID, userID, now)
	if err != nil {
		return nil, s.internal("mark conversation read", err)
	}
	return &ReadResult{Conversation: convo, ReadAt: now, Affected: affected}, nil
}

// ListForUser returns the user's inbox. The unread count query only runs
// for conversations with activity after the caller's last read.
func (s *Service) ListForUser(ctx context.Context, userID string, includeArchived bool) ([]Summary, error) {
	convos, err := s.convs.ListForUser(ctx, userID)
	if err != nil {
		return nil, s.internal("list conversations", err)
	}

	out := make([]Summary, 0, len(convos))
	for _, c := range convos {
		s.pairs.Add(c.ID, c.Participants)
		st := c.SettingsFor(userID)
		if st.Archived && !includeArchived {
			continue
		}
		unread, err := s.unreadCount(ctx, c, st, userID)
		if err != nil {
			return nil, err
		}
		out = append(out, Summary{Conversation: c, UnreadCount: unread})
	}
	return out, nil
}

func (s *Service) TouchLastMessage(ctx context.Context, conversationID string, at time.Time) error {
	return s.convs.TouchLastMessage(ctx, conversationID, at)
}

// IsBlocked reports whether either user blocked the other.
func (s *Service) IsBlocked(ctx context.Context, a, b string) (bool, error) {
	blocked, err := s.blocks.IsBlocked(ctx, a, b)
	if err != nil {
		return false, s.internal("check block", err)
	}
	return blocked, nil
}

func (s *Service) unreadCount(ctx context.Context, c *conversation.Conversation, st conversation.Settings, userID string) (int, error) {
	if c.LastMessageAt == nil {
		return 0, nil
	}
	var since time.Time
	if st.LastReadAt != nil {
		if !c.LastMessageAt.After(*st.LastReadAt) {
			return 0, nil
		}
		since = *st.LastReadAt
	}
	n, err := s.messages.CountUnread(ctx, c.ID, userID, since)
	if err != nil {
		return 0, s.internal("count unread", err)
	}
	return max(n, 0), nil
}

func (s *Service) checkBlocked(ctx context.Context, a, b string) error {
	blocked, err := s.IsBlocked(ctx, a, b)
	if err != nil {
		return err
	}
	if blocked {
		return apperr.ErrBlocked
	}
	return nil
}

func (s *Service) load(ctx context.Context, conversationID string) (*conversation.Conversation, error) {
	convo, err := s.convs.Get(ctx, conversationID)
	if errors.Is(err, conversation.ErrConversationNotFound) {
		return nil, apperr.ErrConversationNotFound
	}
	if err != nil {
		return nil, s.internal("get conversation", err)
	}
	s.pairs.Add(convo.ID, convo.Participants)
	return convo, nil
}

func (s *Service) internal(op string, err error) error {
	s.logger.Error("conversation store failure", zap.String("op", op), zap.Error(err))
	return apperr.Internal(err)
}
