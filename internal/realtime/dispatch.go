package realtime

import (
	"context"

	"go.uber.org/zap"

	"github.com/nexus-im/kindred/internal/apperr"
	"github.com/nexus-im/kindred/internal/delivery"
	"github.com/nexus-im/kindred/internal/protocol"
	"github.com/nexus-im/kindred/store/conversation"
)

func (m *Manager) dispatch(ctx context.Context, c *Client, env *protocol.Envelope) {
	m.metrics.Inbound(string(env.Event))

	switch env.Event {
	case protocol.EventTypingStart, protocol.EventTypingStop:
		var req protocol.TypingRequest
		if err := env.ParseData(&req); err != nil {
			return
		}
		m.handleTyping(ctx, c, env.Event, req)

	case protocol.EventMessageDelivered:
		var req protocol.DeliveredRequest
		if err := env.ParseData(&req); err != nil || req.MessageID == "" {
			c.sendError(env.Event, apperr.ErrInvalidRequest, "")
			return
		}
		if _, err := m.pipeline.MarkDelivered(ctx, c.userID, []string{req.MessageID}); err != nil {
			c.sendError(env.Event, err, "")
		}

	case protocol.EventMarkRead:
		var req protocol.MarkReadRequest
		if err := env.ParseData(&req); err != nil || req.ConversationID == "" {
			c.sendError(env.Event, apperr.ErrInvalidRequest, "")
			return
		}
		if _, err := m.pipeline.MarkRead(ctx, c.userID, req.ConversationID, c.id); err != nil {
			c.sendError(env.Event, err, "")
		}

	case protocol.EventPresenceSync:
		_ = c.sendEvent(protocol.EventPresenceInitial, m.presence.Snapshot())

	case protocol.EventMessageSend:
		var req protocol.SendRequest
		if err := env.ParseData(&req); err != nil {
			c.sendError(env.Event, apperr.ErrInvalidRequest, "")
			return
		}
		m.handleSend(ctx, c, req)

	default:
		c.sendError(env.Event, apperr.InvalidArg("unknown event"), "")
	}
}

// throttled answers an event dropped by the inbound limiter. A dropped send
// echoes its token so the sender can resolve the pending entry.
func (m *Manager) throttled(c *Client, env *protocol.Envelope) {
	var token string
	if env.Event == protocol.EventMessageSend {
		var req protocol.SendRequest
		if err := env.ParseData(&req); err == nil {
			token = req.ClientMessageID
		}
	}
	c.sendError(env.Event, apperr.ErrRateLimited, token)
}

// handleTyping relays a typing event to the other participant. Events for
// unknown conversations, outsiders and blocked pairs are dropped silently.
func (m *Manager) handleTyping(ctx context.Context, c *Client, event protocol.Event, req protocol.TypingRequest) {
	if req.ConversationID == "" {
		return
	}
	pair, err := m.convs.Participants(ctx, req.ConversationID)
	if err != nil {
		return
	}
	other, ok := conversation.OtherOf(pair, c.userID)
	if !ok {
		return
	}
	blocked, err := m.convs.IsBlocked(ctx, c.userID, other.ID)
	if err != nil || blocked {
		return
	}
	m.hub.SendToUser(other.ID, event, protocol.Typing{UserID: c.userID, ConversationID: req.ConversationID})
}

func (m *Manager) handleSend(ctx context.Context, c *Client, req protocol.SendRequest) {
	res, err := m.pipeline.Send(ctx, delivery.SendRequest{
		SenderID:        c.userID,
		ConversationID:  req.ConversationID,
		Content:         req.Content,
		ClientMessageID: req.ClientMessageID,
	})
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeInternal {
			m.logger.Error("socket send failed", zap.String("user_id", c.userID), zap.Error(err))
		}
		c.sendError(protocol.EventMessageSend, err, req.ClientMessageID)
		return
	}
	_ = c.sendEvent(protocol.EventMessageAck, protocol.Ack{
		ClientMessageID: req.ClientMessageID,
		Message:         res.Message,
		Duplicate:       res.Duplicate,
	})
}
