package client

import (
	"go.uber.org/zap"

	"github.com/nexus-im/kindred/internal/protocol"
	"github.com/nexus-im/kindred/store/message"
)

func (s *Session) handle(env *protocol.Envelope) {
	switch env.Event {
	case protocol.EventMessageNew:
		var m message.Message
		if s.parse(env, &m) {
			s.receive(&m)
		}

	case protocol.EventMessageAck:
		var ack protocol.Ack
		if !s.parse(env, &ack) || ack.Message == nil {
			return
		}
		s.takeInflight(ack.ClientMessageID)
		tl := s.timeline(ack.Message.ConversationID)
		tl.Confirm(ack.Message)
		s.listener(Change{Kind: ChangeTimeline, ConversationID: tl.ConversationID()})

	case protocol.EventError:
		var perr protocol.Error
		if !s.parse(env, &perr) {
			return
		}
		s.logger.Debug("server error", zap.String("event", string(perr.Event)), zap.String("code", perr.Code), zap.String("message", perr.Message))
		if perr.ClientMessageID == "" {
			return
		}
		if conversationID, ok := s.takeInflight(perr.ClientMessageID); ok {
			if tl := s.Timeline(conversationID); tl != nil && tl.Fail(perr.ClientMessageID) {
				s.listener(Change{Kind: ChangeTimeline, ConversationID: conversationID})
			}
		}

	case protocol.EventMessageDelivered:
		var d protocol.Delivered
		if !s.parse(env, &d) {
			return
		}
		if tl := s.Timeline(d.ConversationID); tl != nil && tl.ApplyDelivered(d.MessageID, d.DeliveredAt) {
			s.listener(Change{Kind: ChangeTimeline, ConversationID: d.ConversationID})
		}

	case protocol.EventMessageRead:
		var r protocol.Read
		if !s.parse(env, &r) {
			return
		}
		if tl := s.Timeline(r.ConversationID); tl != nil && tl.ApplyRead(r.ReaderID, r.ReadAt) > 0 {
			s.listener(Change{Kind: ChangeTimeline, ConversationID: r.ConversationID})
		}

	case protocol.EventConversationRead:
		var r protocol.ConversationRead
		if !s.parse(env, &r) || r.UserID != s.cfg.UserID {
			return
		}
		at := r.ReadAt
		if at.IsZero() {
			at = s.clock.Now()
		}
		if tl := s.Timeline(r.ConversationID); tl != nil && tl.MarkAllRead(s.cfg.UserID, at) > 0 {
			s.listener(Change{Kind: ChangeTimeline, ConversationID: r.ConversationID})
		}

	case protocol.EventTypingStart, protocol.EventTypingStop:
		var ty protocol.Typing
		if !s.parse(env, &ty) {
			return
		}
		if env.Event == protocol.EventTypingStart {
			s.typing.Start(ty.ConversationID, ty.UserID)
		} else {
			s.typing.Stop(ty.ConversationID, ty.UserID)
		}
		s.listener(Change{Kind: ChangeTyping, ConversationID: ty.ConversationID})

	case protocol.EventPresenceInitial:
		var ids []string
		if !s.parse(env, &ids) {
			return
		}
		online := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			online[id] = struct{}{}
		}
		s.mu.Lock()
		s.online = online
		s.mu.Unlock()
		s.listener(Change{Kind: ChangePresence})

	case protocol.EventPresenceUpdate:
		var u protocol.PresenceUpdate
		if !s.parse(env, &u) {
			return
		}
		s.mu.Lock()
		if u.Status == protocol.StatusOnline {
			s.online[u.UserID] = struct{}{}
		} else {
			delete(s.online, u.UserID)
		}
		s.mu.Unlock()
		s.listener(Change{Kind: ChangePresence})
	}
}

// receive merges a pushed message and acknowledges delivery of foreign
// messages while foregrounded.
func (s *Session) receive(m *message.Message) {
	s.takeInflight(m.ClientMessageID)
	tl := s.timeline(m.ConversationID)
	tl.Merge([]*message.Message{m})
	s.listener(Change{Kind: ChangeTimeline, ConversationID: m.ConversationID})

	if m.SenderID == s.cfg.UserID || !s.Foreground() {
		return
	}
	if err := s.emit(protocol.EventMessageDelivered, protocol.DeliveredRequest{MessageID: m.ID}); err != nil {
		s.logger.Debug("delivery ack failed", zap.String("message_id", m.ID), zap.Error(err))
	}
}

func (s *Session) parse(env *protocol.Envelope, v any) bool {
	if err := env.ParseData(v); err != nil {
		s.logger.Warn("malformed event", zap.String("event", string(env.Event)), zap.Error(err))
		return false
	}
	return true
}
