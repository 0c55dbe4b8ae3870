// Package presence tracks which users hold at least one live connection.
//
// State is process-local: it is rebuilt from live connections as they
// re-establish after a restart, and running more than one instance needs a
// shared store behind the same API.
package presence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/nexus-im/kindred/internal/metrics"
	"github.com/nexus-im/kindred/internal/protocol"
	"github.com/nexus-im/kindred/store/user"
)

// Broadcaster reaches every live connection.
type Broadcaster interface {
	Broadcast(event protocol.Event, payload any)
}

// Tracker counts live connections per user and announces transitions.
type Tracker struct {
	mu    sync.Mutex
	conns map[string]map[string]struct{}
	bcast Broadcaster

	lastSeen user.LastSeenStore
	clock    clock.Clock
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// Option configures a Tracker.
type Option func(*Tracker)

func WithClock(c clock.Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// NewTracker creates a Tracker. Call SetBroadcaster before serving.
func NewTracker(lastSeen user.LastSeenStore, logger *zap.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		conns:    make(map[string]map[string]struct{}),
		lastSeen: lastSeen,
		clock:    clock.New(),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetBroadcaster attaches the fan-out used for presence:update. It must be
// called before the first connection registers.
func (t *Tracker) SetBroadcaster(b Broadcaster) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bcast = b
}

// RegisterConnection adds connID to userID's set and reports whether this
// was the user's first connection.
func (t *Tracker) RegisterConnection(userID, connID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.conns[userID]
	if !ok {
		set = make(map[string]struct{})
		t.conns[userID] = set
	}
	set[connID] = struct{}{}
	if len(set) != 1 {
		return false
	}

	t.metrics.SetOnline(len(t.conns))
	t.broadcastLocked(protocol.PresenceUpdate{UserID: userID, Status: protocol.StatusOnline})
	return true
}

// DeregisterConnection removes connID and reports whether the user went
// offline. Going offline persists the last-seen time.
func (t *Tracker) DeregisterConnection(ctx context.Context, userID, connID string) bool {
	t.mu.Lock()
	set, ok := t.conns[userID]
	if !ok {
		t.mu.Unlock()
		return false
	}
	if _, present := set[connID]; !present {
		t.mu.Unlock()
		return false
	}
	delete(set, connID)
	if len(set) > 0 {
		t.mu.Unlock()
		return false
	}
	delete(t.conns, userID)
	at := t.clock.Now()
	t.metrics.SetOnline(len(t.conns))
	t.broadcastLocked(protocol.PresenceUpdate{UserID: userID, Status: protocol.StatusOffline, LastSeen: &at})
	t.mu.Unlock()

	if err := t.lastSeen.UpdateLastSeen(ctx, userID, at); err != nil {
		t.logger.Warn("persist last seen", zap.String("user_id", userID), zap.Error(err))
	}
	return true
}

func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns[userID]) > 0
}

// Snapshot returns the online user ids in sorted order.
func (t *Tracker) Snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.conns))
	for id := range t.conns {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Status combines live state with the durable last-seen time.
func (t *Tracker) Status(ctx context.Context, userID string) (protocol.PresenceUpdate, error) {
	if t.IsOnline(userID) {
		return protocol.PresenceUpdate{UserID: userID, Status: protocol.StatusOnline}, nil
	}
	st := protocol.PresenceUpdate{UserID: userID, Status: protocol.StatusOffline}
	at, err := t.lastSeen.GetLastSeen(ctx, userID)
	switch {
	case errors.Is(err, user.ErrNeverSeen):
		return st, nil
	case err != nil:
		return st, err
	}
	at = at.In(time.UTC)
	st.LastSeen = &at
	return st, nil
}

// broadcastLocked runs under t.mu so updates for one user go out in
// transition order.
func (t *Tracker) broadcastLocked(update protocol.PresenceUpdate) {
	if t.bcast == nil {
		return
	}
	t.bcast.Broadcast(protocol.EventPresenceUpdate, update)
}
