// Package ratelimit implements the send guard: two independent
// fixed-window counters, one keyed by sender and one by conversation.
//
// Windows reset rather than decay. When now - start exceeds the window
// length the counter restarts at 1, so a sender can burst up to twice the
// ceiling across a window boundary. That is accepted: the guard is a soft
// limit, not a security boundary, and its state is process-local.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Config holds the guard policy.
type Config struct {
	Window            time.Duration
	UserLimit         int
	ConversationLimit int
	// SweepInterval controls how often Run drops expired windows.
	SweepInterval time.Duration
}

// DefaultConfig returns the default policy.
func DefaultConfig() Config {
	return Config{
		Window:            10 * time.Second,
		UserLimit:         5,
		ConversationLimit: 10,
		SweepInterval:     time.Minute,
	}
}

type window struct {
	count int
	start time.Time
}

// Guard is safe for concurrent use.
type Guard struct {
	config Config
	clock  clock.Clock

	mu            sync.Mutex
	users         map[string]*window
	conversations map[string]*window
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(g *Guard) { g.clock = c }
}

// NewGuard creates a Guard with empty windows.
func NewGuard(config Config, opts ...Option) *Guard {
	g := &Guard{
		config:        config,
		clock:         clock.New(),
		users:         make(map[string]*window),
		conversations: make(map[string]*window),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CheckAndConsume reports whether a send by userKey into conversationKey is
// allowed. Both counters must have room; only then are both consumed.
func (g *Guard) CheckAndConsume(userKey, conversationKey string) bool {
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.hasRoom(g.users[userKey], g.config.UserLimit, now) ||
		!g.hasRoom(g.conversations[conversationKey], g.config.ConversationLimit, now) {
		return false
	}

	g.consume(g.users, userKey, now)
	g.consume(g.conversations, conversationKey, now)
	return true
}

// RemainingCooldown returns how long until both counters would admit a send
// again: the larger of the two outstanding cooldowns, or 0.
func (g *Guard) RemainingCooldown(userKey, conversationKey string) time.Duration {
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	userWait := g.cooldown(g.users[userKey], g.config.UserLimit, now)
	convWait := g.cooldown(g.conversations[conversationKey], g.config.ConversationLimit, now)
	if userWait > convWait {
		return userWait
	}
	return convWait
}

// Sweep drops windows that have expired. It returns the number removed.
func (g *Guard) Sweep() int {
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for _, m := range []map[string]*window{g.users, g.conversations} {
		for key, w := range m {
			if g.expired(w, now) {
				delete(m, key)
				removed++
			}
		}
	}
	return removed
}

// Run sweeps expired windows until ctx is done.
func (g *Guard) Run(ctx context.Context) error {
	interval := g.config.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := g.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			g.Sweep()
		}
	}
}

func (g *Guard) expired(w *window, now time.Time) bool {
	return w == nil || now.Sub(w.start) >= g.config.Window
}

func (g *Guard) hasRoom(w *window, limit int, now time.Time) bool {
	if g.expired(w, now) {
		return limit > 0
	}
	return w.count < limit
}

func (g *Guard) consume(m map[string]*window, key string, now time.Time) {
	w := m[key]
	if g.expired(w, now) {
		m[key] = &window{count: 1, start: now}
		return
	}
	w.count++
}

func (g *Guard) cooldown(w *window, limit int, now time.Time) time.Duration {
	if g.expired(w, now) || w.count < limit {
		return 0
	}
	// The window admits again once now - start reaches the window length.
	return w.start.Add(g.config.Window).Sub(now)
}
