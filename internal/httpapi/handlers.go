package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/nexus-im/kindred/internal/apperr"
	"github.com/nexus-im/kindred/internal/conversations"
	"github.com/nexus-im/kindred/internal/delivery"
	"github.com/nexus-im/kindred/store/conversation"
	"github.com/nexus-im/kindred/store/message"
)

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConversationID  string `json:"conversationId"`
		Content         string `json:"content"`
		ClientMessageID string `json:"clientMessageId"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	res, err := s.pipeline.Send(r.Context(), delivery.SendRequest{
		SenderID:        caller(r),
		ConversationID:  req.ConversationID,
		Content:         req.Content,
		ClientMessageID: req.ClientMessageID,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	s.writeJSON(w, status, res.Message)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("conversationId")
	if _, err := s.convs.Authorize(r.Context(), conversationID, caller(r)); err != nil {
		s.writeError(w, err)
		return
	}

	limit := defaultPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, apperr.InvalidArg("limit must be a positive integer"))
			return
		}
		limit = min(n, maxPageSize)
	}
	var before time.Time
	if raw := r.URL.Query().Get("before"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			s.writeError(w, apperr.InvalidArg("before must be an RFC 3339 timestamp"))
			return
		}
		before = t
	}

	page, err := s.messages.List(r.Context(), conversationID, limit+1, before)
	if err != nil {
		s.writeError(w, apperr.Internal(err))
		return
	}
	hasMore := len(page) > limit
	if hasMore {
		page = page[:limit]
	}
	if page == nil {
		page = []*message.Message{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"messages": page,
		"hasMore":  hasMore,
	})
}

func (s *Server) handleMarkDelivered(w http.ResponseWriter, r *http.Request) {
	s.markDelivered(w, r, []string{r.PathValue("id")})
}

func (s *Server) handleMarkDeliveredBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MessageIDs []string `json:"messageIds"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if len(req.MessageIDs) > maxBatchSize {
		s.writeError(w, apperr.InvalidArg("too many message ids"))
		return
	}
	s.markDelivered(w, r, req.MessageIDs)
}

func (s *Server) markDelivered(w http.ResponseWriter, r *http.Request, ids []string) {
	receipts, err := s.pipeline.MarkDelivered(r.Context(), caller(r), ids)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if receipts == nil {
		receipts = []message.Receipt{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"receipts": receipts})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("id")
	res, err := s.pipeline.MarkRead(r.Context(), caller(r), conversationID, "")
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"conversationId": conversationID,
		"readAt":         res.ReadAt,
		"affected":       res.Affected,
	})
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var update conversation.SettingsUpdate
	if err := decode(r, &update); err != nil {
		s.writeError(w, err)
		return
	}
	st, err := s.convs.UpdateSettings(r.Context(), r.PathValue("id"), caller(r), update)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	includeArchived, _ := strconv.ParseBool(r.URL.Query().Get("includeArchived"))
	list, err := s.convs.ListForUser(r.Context(), caller(r), includeArchived)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if list == nil {
		list = []conversations.Summary{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"conversations": list})
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RecipientID string `json:"recipientId"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.RecipientID == "" {
		s.writeError(w, apperr.InvalidArg("recipientId is required"))
		return
	}

	convo, created, err := s.convs.FindOrCreate(r.Context(), caller(r), req.RecipientID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, map[string]any{
		"conversation": convo,
		"created":      created,
	})
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	st, err := s.presence.Status(r.Context(), r.PathValue("userId"))
	if err != nil {
		s.writeError(w, apperr.Internal(err))
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}
