package realtime

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"

	"github.com/nexus-im/kindred/internal/metrics"
	"github.com/nexus-im/kindred/internal/protocol"
)

func testClient(id, userID string, buffer int) *Client {
	c := newClient(id, buffer, rate.NewLimiter(rate.Inf, 1))
	c.userID = userID
	return c
}

func drain(c *Client) []protocol.Event {
	var out []protocol.Event
	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return out
			}
			env, err := protocol.ParseEnvelope(frame)
			if err == nil {
				out = append(out, env.Event)
			}
		default:
			return out
		}
	}
}

func TestSendToUserReachesEveryDevice(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t), nil)
	phone, laptop := testClient("c1", "alice", 4), testClient("c2", "alice", 4)
	other := testClient("c3", "bob", 4)
	hub.add(phone)
	hub.add(laptop)
	hub.add(other)

	hub.SendToUser("alice", protocol.EventMessageNew, map[string]string{"id": "m1"})

	assert.Equal(t, []protocol.Event{protocol.EventMessageNew}, drain(phone))
	assert.Equal(t, []protocol.Event{protocol.EventMessageNew}, drain(laptop))
	assert.Empty(t, drain(other))
	assert.Equal(t, 2, hub.Connections("alice"))
}

func TestSendToUserExceptSkipsOrigin(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t), nil)
	phone, laptop := testClient("c1", "alice", 4), testClient("c2", "alice", 4)
	hub.add(phone)
	hub.add(laptop)

	hub.SendToUserExcept("alice", "c1", protocol.EventConversationRead, protocol.ConversationRead{})

	assert.Empty(t, drain(phone))
	assert.Equal(t, []protocol.Event{protocol.EventConversationRead}, drain(laptop))
}

func TestSendToOfflineUserIsNoop(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t), nil)
	assert.NotPanics(t, func() {
		hub.SendToUser("nobody", protocol.EventMessageNew, nil)
	})
}

func TestBroadcastReachesEveryone(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t), nil)
	a, b := testClient("c1", "alice", 4), testClient("c2", "bob", 4)
	hub.add(a)
	hub.add(b)

	hub.Broadcast(protocol.EventPresenceUpdate, protocol.PresenceUpdate{UserID: "carol", Status: protocol.StatusOnline})

	assert.Len(t, drain(a), 1)
	assert.Len(t, drain(b), 1)
}

func TestFullBufferClosesSlowConnection(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	hub := NewHub(zaptest.NewLogger(t), m)
	slow := testClient("c1", "alice", 1)
	hub.add(slow)

	hub.SendToUser("alice", protocol.EventMessageNew, nil)
	hub.SendToUser("alice", protocol.EventMessageNew, nil)
	// Closed clients swallow further frames without panicking.
	hub.SendToUser("alice", protocol.EventMessageNew, nil)

	frame, ok := <-slow.send
	require.True(t, ok)
	assert.NotEmpty(t, frame)
	_, ok = <-slow.send
	assert.False(t, ok, "send channel is closed after overflow")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Dropped.WithLabelValues(metrics.DropBufferFull)))
}

func TestRemoveIsIdempotent(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	hub := NewHub(zaptest.NewLogger(t), m)
	c := testClient("c1", "alice", 1)
	hub.add(c)

	assert.True(t, hub.remove(c))
	assert.False(t, hub.remove(c))
	assert.Zero(t, hub.Connections("alice"))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Connections))
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, "joined", StateJoined.String())
	assert.Equal(t, "rejected", StateRejected.String())
	assert.Equal(t, "unknown", State(42).String())
}
