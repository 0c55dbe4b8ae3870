// Package realtime serves the persistent socket: it authenticates the
// handshake, joins each connection to its user's room, dispatches client
// events and fans server events out to live connections.
package realtime

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nexus-im/kindred/internal/apperr"
	"github.com/nexus-im/kindred/internal/auth"
	"github.com/nexus-im/kindred/internal/conversations"
	"github.com/nexus-im/kindred/internal/delivery"
	"github.com/nexus-im/kindred/internal/metrics"
	"github.com/nexus-im/kindred/internal/protocol"
	"github.com/nexus-im/kindred/store/conversation"
	"github.com/nexus-im/kindred/store/message"
)

// Config holds socket timings and per-connection limits.
type Config struct {
	PongWait       time.Duration
	PingPeriod     time.Duration
	WriteWait      time.Duration
	SendBuffer     int
	MaxMessageSize int64
	// InboundRate and InboundBurst bound client events per connection.
	InboundRate  float64
	InboundBurst int
}

// DefaultConfig returns the production socket settings.
func DefaultConfig() Config {
	return Config{
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
		WriteWait:      10 * time.Second,
		SendBuffer:     256,
		MaxMessageSize: 64 * 1024,
		InboundRate:    20,
		InboundBurst:   40,
	}
}

// Verifier authenticates the handshake request.
type Verifier interface {
	VerifyRequest(r *http.Request) (*auth.Identity, error)
}

// Presence counts live connections per user.
type Presence interface {
	RegisterConnection(userID, connID string) bool
	DeregisterConnection(ctx context.Context, userID, connID string) bool
	Snapshot() []string
}

// Conversations resolves participants for typing relay.
type Conversations interface {
	Participants(ctx context.Context, conversationID string) ([2]conversation.Participant, error)
	IsBlocked(ctx context.Context, a, b string) (bool, error)
}

// Pipeline handles sends and receipts arriving over the socket.
type Pipeline interface {
	Send(ctx context.Context, req delivery.SendRequest) (*delivery.SendResult, error)
	MarkDelivered(ctx context.Context, userID string, ids []string) ([]message.Receipt, error)
	MarkRead(ctx context.Context, userID, conversationID, originConnID string) (*conversations.ReadResult, error)
}

// Manager owns the socket endpoint and the per-connection pumps.
type Manager struct {
	hub      *Hub
	verifier Verifier
	presence Presence
	convs    Conversations
	pipeline Pipeline

	cfg      Config
	upgrader websocket.Upgrader
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewManager creates a Manager.
func NewManager(hub *Hub, verifier Verifier, presence Presence, convs Conversations, pipeline Pipeline, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		hub:      hub,
		verifier: verifier,
		presence: presence,
		convs:    convs,
		pipeline: pipeline,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browsers connect cross-origin; the bearer token is the gate.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:  logger,
		metrics: m,
	}
}

// ServeWS verifies the handshake credential before upgrading. Rejected
// handshakes never reach the hub.
func (m *Manager) ServeWS(w http.ResponseWriter, r *http.Request) {
	c := newClient(uuid.NewString(), m.cfg.SendBuffer, rate.NewLimiter(rate.Limit(m.cfg.InboundRate), m.cfg.InboundBurst))
	c.setState(StateAuthenticating)

	identity, err := m.verifier.VerifyRequest(r)
	if err != nil {
		c.setState(StateRejected)
		appErr := auth.AppError(err)
		m.logger.Debug("socket handshake rejected", zap.Error(err))
		http.Error(w, apperr.MessageOf(appErr), apperr.HTTPStatus(appErr))
		return
	}
	c.userID = identity.UserID

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c.conn = conn

	m.join(c)
	go m.writePump(c)
	m.readPump(r.Context(), c)
}

func (m *Manager) join(c *Client) {
	m.hub.add(c)
	m.presence.RegisterConnection(c.userID, c.id)
	c.setState(StateJoined)
	_ = c.sendEvent(protocol.EventPresenceInitial, m.presence.Snapshot())
	m.logger.Debug("connection joined", zap.String("user_id", c.userID), zap.String("conn_id", c.id))
}

// leave runs exactly once per joined connection, whatever closed it.
func (m *Manager) leave(c *Client) {
	c.setState(StateDisconnected)
	c.close()
	if m.hub.remove(c) {
		m.presence.DeregisterConnection(context.Background(), c.userID, c.id)
	}
	m.logger.Debug("connection left", zap.String("user_id", c.userID), zap.String("conn_id", c.id))
}

// CloseAll disconnects every live connection. Used on shutdown.
func (m *Manager) CloseAll() {
	for _, c := range m.hub.Clients() {
		c.close()
	}
}

func (m *Manager) readPump(ctx context.Context, c *Client) {
	defer func() {
		m.leave(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(m.cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(m.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(m.cfg.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				m.logger.Info("websocket read error", zap.String("conn_id", c.id), zap.Error(err))
			}
			return
		}
		env, err := protocol.ParseEnvelope(data)
		if err != nil {
			c.sendError("", apperr.ErrInvalidRequest, "")
			continue
		}
		if !c.limiter.Allow() {
			m.metrics.Drop(metrics.DropInboundRate)
			m.throttled(c, env)
			continue
		}
		m.dispatch(ctx, c, env)
	}
}

func (m *Manager) writePump(c *Client) {
	ticker := time.NewTicker(m.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
