package client

import (
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultTypingTimeout clears an indicator that saw no stop event.
const DefaultTypingTimeout = 7 * time.Second

// Indicator identifies one user typing in one conversation.
type Indicator struct {
	ConversationID string
	UserID         string
}

// Typing tracks remote typing indicators. An indicator lapses on its own
// once timeout passes without a stop.
type Typing struct {
	mu        sync.Mutex
	clock     clock.Clock
	timeout   time.Duration
	deadlines map[Indicator]time.Time
}

// NewTyping creates an empty Typing set.
func NewTyping(clk clock.Clock, timeout time.Duration) *Typing {
	if clk == nil {
		clk = clock.New()
	}
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	return &Typing{clock: clk, timeout: timeout, deadlines: make(map[Indicator]time.Time)}
}

// Start records or refreshes an indicator.
func (t *Typing) Start(conversationID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deadlines[Indicator{conversationID, userID}] = t.clock.Now().Add(t.timeout)
}

// Stop clears an indicator and reports whether it was active.
func (t *Typing) Stop(conversationID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := Indicator{conversationID, userID}
	deadline, ok := t.deadlines[key]
	delete(t.deadlines, key)
	return ok && t.clock.Now().Before(deadline)
}

func (t *Typing) IsTyping(conversationID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	deadline, ok := t.deadlines[Indicator{conversationID, userID}]
	return ok && t.clock.Now().Before(deadline)
}

// Active lists the users currently typing in a conversation.
func (t *Typing) Active(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	var users []string
	for key, deadline := range t.deadlines {
		if key.ConversationID == conversationID && now.Before(deadline) {
			users = append(users, key.UserID)
		}
	}
	slices.Sort(users)
	return users
}

// Expire removes lapsed indicators and returns them.
func (t *Typing) Expire() []Indicator {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	var expired []Indicator
	for key, deadline := range t.deadlines {
		if !now.Before(deadline) {
			expired = append(expired, key)
			delete(t.deadlines, key)
		}
	}
	return expired
}
