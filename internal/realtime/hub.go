package realtime

import (
	"sync"

	"go.uber.org/zap"

	"github.com/nexus-im/kindred/internal/metrics"
	"github.com/nexus-im/kindred/internal/protocol"
)

// Hub keeps one room per user holding that user's live connections.
//
// Lock order: callers may hold the presence tracker's lock while calling
// into the hub, so the hub never calls out while holding mu.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}

	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewHub creates an empty Hub.
func NewHub(logger *zap.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		rooms:   make(map[string]map[*Client]struct{}),
		logger:  logger,
		metrics: m,
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	room, ok := h.rooms[c.userID]
	if !ok {
		room = make(map[*Client]struct{})
		h.rooms[c.userID] = room
	}
	room[c] = struct{}{}
	h.mu.Unlock()
	h.metrics.ConnectionOpened()
}

// remove reports whether c was still registered.
func (h *Hub) remove(c *Client) bool {
	h.mu.Lock()
	room, ok := h.rooms[c.userID]
	if ok {
		_, ok = room[c]
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, c.userID)
		}
	}
	h.mu.Unlock()
	if ok {
		h.metrics.ConnectionClosed()
	}
	return ok
}

// SendToUser delivers event to every live connection of userID. It never
// blocks; offline users are a no-op.
func (h *Hub) SendToUser(userID string, event protocol.Event, payload any) {
	h.SendToUserExcept(userID, "", event, payload)
}

// SendToUserExcept is SendToUser skipping the connection connID.
func (h *Hub) SendToUserExcept(userID, connID string, event protocol.Event, payload any) {
	targets := h.collect(func(c *Client) bool {
		return c.userID == userID && c.id != connID
	}, userID)
	h.deliver(targets, event, payload)
}

// Broadcast delivers event to every live connection.
func (h *Hub) Broadcast(event protocol.Event, payload any) {
	h.deliver(h.collect(nil, ""), event, payload)
}

// Connections returns how many live connections userID holds.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[userID])
}

// Clients returns a snapshot of every live connection.
func (h *Hub) Clients() []*Client {
	return h.collect(nil, "")
}

func (h *Hub) collect(keep func(*Client) bool, userID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []*Client
	visit := func(room map[*Client]struct{}) {
		for c := range room {
			if keep == nil || keep(c) {
				out = append(out, c)
			}
		}
	}
	if userID != "" {
		visit(h.rooms[userID])
		return out
	}
	for _, room := range h.rooms {
		visit(room)
	}
	return out
}

func (h *Hub) deliver(targets []*Client, event protocol.Event, payload any) {
	if len(targets) == 0 {
		return
	}
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		h.logger.Error("encode event", zap.String("event", string(event)), zap.Error(err))
		return
	}
	for _, c := range targets {
		if !c.enqueue(frame) {
			h.metrics.Drop(metrics.DropBufferFull)
			h.logger.Warn("send buffer full, closing connection",
				zap.String("user_id", c.userID), zap.String("conn_id", c.id))
		}
	}
}
