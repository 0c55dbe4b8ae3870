// Package delivery implements the message send path and the delivery and
// read receipts. Persistence is the only commit point: every rejection
// happens before the message store is written, and fan-out only happens
// after it.
package delivery

import (
	"context"
	"errors"
	"html"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/nexus-im/kindred/internal/apperr"
	"github.com/nexus-im/kindred/internal/conversations"
	"github.com/nexus-im/kindred/internal/metrics"
	"github.com/nexus-im/kindred/internal/protocol"
	"github.com/nexus-im/kindred/store/conversation"
	"github.com/nexus-im/kindred/store/message"
)

// DefaultMaxContentLength is the content ceiling in runes.
const DefaultMaxContentLength = 2000

// RateLimiter admits sends per user and per conversation.
type RateLimiter interface {
	CheckAndConsume(userKey, conversationKey string) bool
	RemainingCooldown(userKey, conversationKey string) time.Duration
}

// Broadcaster pushes events to a user's live connections. Sends never
// block and are dropped for offline users.
type Broadcaster interface {
	SendToUser(userID string, event protocol.Event, payload any)
	SendToUserExcept(userID, connID string, event protocol.Event, payload any)
}

// Conversations authorizes participants and records conversation state.
type Conversations interface {
	Authorize(ctx context.Context, conversationID, userID string) (*conversation.Conversation, error)
	MarkRead(ctx context.Context, conversationID, userID string) (*conversations.ReadResult, error)
	TouchLastMessage(ctx context.Context, conversationID string, at time.Time) error
}

// Messages persists messages and delivery receipts.
type Messages interface {
	Append(ctx context.Context, msg *message.Message) (*message.Message, bool, error)
	FindByClientID(ctx context.Context, clientMessageID string) (*message.Message, error)
	MarkDelivered(ctx context.Context, ids []string, requesterID string, at time.Time) ([]message.Receipt, error)
}

// BlockChecker reports whether either user blocked the other.
type BlockChecker interface {
	IsBlocked(ctx context.Context, a, b string) (bool, error)
}

// SendRequest is one send attempt. ClientMessageID is optional.
type SendRequest struct {
	SenderID        string
	ConversationID  string
	Content         string
	ClientMessageID string
}

// SendResult carries the stored message. Duplicate is set when the
// idempotency token matched an earlier send.
type SendResult struct {
	Message   *message.Message
	Duplicate bool
}

// Pipeline runs sends and receipts against the stores and fans the
// resulting events out.
type Pipeline struct {
	limiter  RateLimiter
	bcast    Broadcaster
	convs    Conversations
	messages Messages
	blocks   BlockChecker

	maxLen  int
	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock sets the clock used for timestamps.
func WithClock(c clock.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// WithMaxContentLength overrides DefaultMaxContentLength.
func WithMaxContentLength(n int) Option {
	return func(p *Pipeline) { p.maxLen = n }
}

// WithMetrics records send outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New creates a Pipeline.
func New(limiter RateLimiter, bcast Broadcaster, convs Conversations, messages Messages, blocks BlockChecker, logger *zap.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		limiter:  limiter,
		bcast:    bcast,
		convs:    convs,
		messages: messages,
		blocks:   blocks,
		maxLen:   DefaultMaxContentLength,
		clock:    clock.New(),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Send validates, persists and fans out one message.
func (p *Pipeline) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	res, err := p.send(ctx, req)
	switch {
	case err != nil:
		p.metrics.SendOutcome(string(apperr.CodeOf(err)))
	case res.Duplicate:
		p.metrics.SendOutcome(metrics.OutcomeDuplicate)
	default:
		p.metrics.SendOutcome(metrics.OutcomeCreated)
	}
	return res, err
}

func (p *Pipeline) send(ctx context.Context, req SendRequest) (*SendResult, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, apperr.ErrEmptyContent
	}
	if utf8.RuneCountInString(content) > p.maxLen {
		return nil, apperr.ErrContentTooLong
	}
	if req.ConversationID == "" {
		return nil, apperr.ErrInvalidRequest
	}

	if !p.limiter.CheckAndConsume(req.SenderID, req.ConversationID) {
		return nil, apperr.RateLimited(p.limiter.RemainingCooldown(req.SenderID, req.ConversationID))
	}

	content = html.EscapeString(content)

	convo, err := p.convs.Authorize(ctx, req.ConversationID, req.SenderID)
	if err != nil {
		return nil, err
	}
	other, _ := convo.Other(req.SenderID)
	blocked, err := p.blocks.IsBlocked(ctx, req.SenderID, other.ID)
	if err != nil {
		return nil, p.internal("check block", err)
	}
	if blocked {
		return nil, apperr.ErrBlocked
	}

	if req.ClientMessageID != "" {
		existing, err := p.messages.FindByClientID(ctx, req.ClientMessageID)
		switch {
		case err == nil:
			return p.replay(existing, req)
		case !errors.Is(err, message.ErrMessageNotFound):
			return nil, p.internal("find by client id", err)
		}
	}

	stored, created, err := p.messages.Append(ctx, &message.Message{
		ConversationID:  req.ConversationID,
		SenderID:        req.SenderID,
		Content:         content,
		ClientMessageID: req.ClientMessageID,
		CreatedAt:       p.clock.Now(),
	})
	if err != nil {
		return nil, p.internal("append", err)
	}
	if !created {
		// A concurrent retry with the same token won the insert.
		return p.replay(stored, req)
	}

	if err := p.convs.TouchLastMessage(ctx, stored.ConversationID, stored.CreatedAt); err != nil {
		p.logger.Warn("bump last message", zap.String("conversation_id", stored.ConversationID), zap.Error(err))
	}

	for _, participant := range convo.Participants {
		p.bcast.SendToUser(participant.ID, protocol.EventMessageNew, stored)
	}
	return &SendResult{Message: stored}, nil
}

// replay answers a retried send with the message the token already names.
// A token is only valid for the sender and conversation that first used it.
func (p *Pipeline) replay(existing *message.Message, req SendRequest) (*SendResult, error) {
	if existing.SenderID != req.SenderID || existing.ConversationID != req.ConversationID {
		return nil, apperr.ErrIdempotencyConflict
	}
	return &SendResult{Message: existing, Duplicate: true}, nil
}

// MarkDelivered sets delivered-at on the messages userID received and
// notifies each sender.
func (p *Pipeline) MarkDelivered(ctx context.Context, userID string, ids []string) ([]message.Receipt, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, apperr.ErrInvalidRequest
	}
	receipts, err := p.messages.MarkDelivered(ctx, ids, userID, p.clock.Now())
	if err != nil {
		return nil, p.internal("mark delivered", err)
	}
	for _, r := range receipts {
		p.bcast.SendToUser(r.SenderID, protocol.EventMessageDelivered, protocol.Delivered{
			MessageID:      r.MessageID,
			ConversationID: r.ConversationID,
			DeliveredAt:    r.DeliveredAt,
		})
	}
	return receipts, nil
}

// MarkRead marks the conversation read for userID. When messages changed
// state, the other participant receives message:read and the reader's
// other devices receive conversation:read. A repeat call emits nothing.
func (p *Pipeline) MarkRead(ctx context.Context, userID, conversationID, originConnID string) (*conversations.ReadResult, error) {
	res, err := p.convs.MarkRead(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if res.Affected == 0 {
		return res, nil
	}
	if other, ok := res.Conversation.Other(userID); ok {
		p.bcast.SendToUser(other.ID, protocol.EventMessageRead, protocol.Read{
			ConversationID: conversationID,
			ReadAt:         res.ReadAt,
			ReaderID:       userID,
		})
	}
	p.bcast.SendToUserExcept(userID, originConnID, protocol.EventConversationRead, protocol.ConversationRead{
		ConversationID: conversationID,
		UserID:         userID,
		ReadAt:         res.ReadAt,
	})
	return res, nil
}

func (p *Pipeline) internal(op string, err error) error {
	p.logger.Error("delivery failure", zap.String("op", op), zap.Error(err))
	return apperr.Internal(err)
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
