package realtime

import (
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nexus-im/kindred/internal/apperr"
	"github.com/nexus-im/kindred/internal/protocol"
)

// State is a connection's position in its lifecycle:
// Connecting -> Authenticating -> Joined -> Disconnected, or
// Authenticating -> Rejected when verification fails.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateJoined
	StateDisconnected
	StateRejected
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateJoined:
		return "joined"
	case StateDisconnected:
		return "disconnected"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Client is one live socket of a user.
type Client struct {
	id     string
	userID string
	conn   *websocket.Conn
	send   chan []byte

	limiter *rate.Limiter
	state   atomic.Int32

	mu     sync.Mutex
	closed bool
}

func newClient(id string, bufferSize int, limiter *rate.Limiter) *Client {
	return &Client{
		id:      id,
		send:    make(chan []byte, bufferSize),
		limiter: limiter,
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

func (c *Client) UserID() string { return c.userID }

func (c *Client) State() State { return State(c.state.Load()) }

func (c *Client) setState(s State) { c.state.Store(int32(s)) }

// enqueue queues frame without blocking. A full buffer closes the
// connection and reports false.
func (c *Client) enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.closeLocked()
		return false
	}
}

// close stops the write pump, which then closes the socket.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) sendEvent(event protocol.Event, payload any) error {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	c.enqueue(frame)
	return nil
}

func (c *Client) sendError(event protocol.Event, err error, clientMessageID string) {
	_ = c.sendEvent(protocol.EventError, protocol.Error{
		Event:           event,
		Code:            string(apperr.CodeOf(err)),
		Message:         apperr.MessageOf(err),
		ClientMessageID: clientMessageID,
		RetryAfterMs:    apperr.RetryAfterOf(err).Milliseconds(),
	})
}
