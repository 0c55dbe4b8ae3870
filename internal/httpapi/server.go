// Package httpapi serves the REST fallback surface under /api together with
// the health, metrics and socket endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/nexus-im/kindred/internal/apperr"
	"github.com/nexus-im/kindred/internal/auth"
	"github.com/nexus-im/kindred/internal/conversations"
	"github.com/nexus-im/kindred/internal/delivery"
	"github.com/nexus-im/kindred/internal/protocol"
	"github.com/nexus-im/kindred/store/conversation"
	"github.com/nexus-im/kindred/store/message"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
	maxBatchSize    = 500
)

// Pipeline handles sends and receipts.
type Pipeline interface {
	Send(ctx context.Context, req delivery.SendRequest) (*delivery.SendResult, error)
	MarkDelivered(ctx context.Context, userID string, ids []string) ([]message.Receipt, error)
	MarkRead(ctx context.Context, userID, conversationID, originConnID string) (*conversations.ReadResult, error)
}

type Conversations interface {
	FindOrCreate(ctx context.Context, a, b string) (*conversation.Conversation, bool, error)
	Authorize(ctx context.Context, conversationID, userID string) (*conversation.Conversation, error)
	UpdateSettings(ctx context.Context, conversationID, userID string, update conversation.SettingsUpdate) (*conversation.Settings, error)
	ListForUser(ctx context.Context, userID string, includeArchived bool) ([]conversations.Summary, error)
}

type MessageReader interface {
	List(ctx context.Context, conversationID string, limit int, before time.Time) ([]*message.Message, error)
}

type Presence interface {
	Status(ctx context.Context, userID string) (protocol.PresenceUpdate, error)
}

// Server is the REST surface.
type Server struct {
	authn    *auth.Authenticator
	pipeline Pipeline
	convs    Conversations
	messages MessageReader
	presence Presence
	logger   *zap.Logger
}

// New creates a Server.
func New(authn *auth.Authenticator, pipeline Pipeline, convs Conversations, messages MessageReader, presence Presence, logger *zap.Logger) *Server {
	return &Server{
		authn:    authn,
		pipeline: pipeline,
		convs:    convs,
		messages: messages,
		presence: presence,
		logger:   logger,
	}
}

// Handler builds the process mux. socket and metrics may be nil.
func (s *Server) Handler(socket http.HandlerFunc, metrics http.Handler) http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/messages", s.handleSendMessage)
	api.HandleFunc("GET /api/messages/{conversationId}", s.handleListMessages)
	api.HandleFunc("POST /api/messages/{id}/delivered", s.handleMarkDelivered)
	api.HandleFunc("POST /api/messages/delivered/batch", s.handleMarkDeliveredBatch)
	api.HandleFunc("PUT /api/conversations/{id}/read", s.handleMarkRead)
	api.HandleFunc("PATCH /api/conversations/{id}/settings", s.handleUpdateSettings)
	api.HandleFunc("GET /api/conversations", s.handleListConversations)
	api.HandleFunc("POST /api/conversations", s.handleCreateConversation)
	api.HandleFunc("GET /api/presence/{userId}", s.handlePresence)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.authn.Middleware(s.reject, api))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			s.logger.Debug("health check write error", zap.Error(err))
		}
	})
	if socket != nil {
		mux.HandleFunc("GET /ws", socket)
	}
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	return mux
}

func (s *Server) reject(w http.ResponseWriter, err error) {
	s.writeError(w, auth.AppError(err))
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code         apperr.Code `json:"code"`
	Message      string      `json:"message"`
	RetryAfterMs int64       `json:"retryAfterMs,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	retryAfter := apperr.RetryAfterOf(err)
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
	}
	code := apperr.CodeOf(err)
	if code == apperr.CodeUnknown {
		code = apperr.CodeInternal
	}
	s.writeJSON(w, status, errorBody{Error: errorDetail{
		Code:         code,
		Message:      apperr.MessageOf(err),
		RetryAfterMs: retryAfter.Milliseconds(),
	}})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("response write error", zap.Error(err))
	}
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.InvalidArg("invalid request body")
	}
	return nil
}

func caller(r *http.Request) string {
	if id := auth.FromContext(r.Context()); id != nil {
		return id.UserID
	}
	return ""
}
