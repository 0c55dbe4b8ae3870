// Package client implements the client side of the messaging protocol:
// optimistic sends, idempotent retries, merge-by-identifier reconciliation,
// reconnect resync and the polling fallback.
package client

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/nexus-im/kindred/store/message"
)

// Status is the local delivery state of a timeline entry.
type Status string

const (
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Entry is one row of a conversation timeline. Provisional entries have an
// empty ID and are keyed by their ClientMessageID until confirmed.
type Entry struct {
	message.Message
	Status Status
}

func (e *Entry) provisional() bool { return e.ID == "" }

// Timeline is the in-memory, newest-first view of one conversation.
type Timeline struct {
	mu             sync.Mutex
	conversationID string
	selfID         string
	clock          clock.Clock
	entries        []*Entry
}

// NewTimeline creates an empty timeline for selfID.
func NewTimeline(conversationID, selfID string, clk clock.Clock) *Timeline {
	if clk == nil {
		clk = clock.New()
	}
	return &Timeline{conversationID: conversationID, selfID: selfID, clock: clk}
}

func (t *Timeline) ConversationID() string { return t.conversationID }

// AddProvisional inserts a sending entry carrying a fresh idempotency token.
func (t *Timeline) AddProvisional(content string) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := &Entry{
		Message: message.Message{
			ConversationID:  t.conversationID,
			SenderID:        t.selfID,
			Content:         content,
			ClientMessageID: uuid.NewString(),
			CreatedAt:       t.clock.Now(),
		},
		Status: StatusSending,
	}
	t.entries = append(t.entries, e)
	t.sortLocked()
	return *e
}

// Confirm resolves the provisional entry sharing msg's token, or merges msg
// when no such entry exists.
func (t *Timeline) Confirm(msg *message.Message) {
	t.Merge([]*message.Message{msg})
}

// Fail moves a sending entry to failed. It reports whether one was found.
func (t *Timeline) Fail(token string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.provisionalLocked(token)
	if e == nil || e.Status != StatusSending {
		return false
	}
	e.Status = StatusFailed
	return true
}

// Retry moves a failed entry back to sending and returns it so the caller
// can resubmit it with the same token.
func (t *Timeline) Retry(token string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.provisionalLocked(token)
	if e == nil || e.Status != StatusFailed {
		return Entry{}, false
	}
	e.Status = StatusSending
	return *e, true
}

// HasPending reports whether a provisional entry carries token.
func (t *Timeline) HasPending(token string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.provisionalLocked(token) != nil
}

func (t *Timeline) provisionalLocked(token string) *Entry {
	if token == "" {
		return nil
	}
	for _, e := range t.entries {
		if e.provisional() && e.ClientMessageID == token {
			return e
		}
	}
	return nil
}

// Merge folds a batch of confirmed messages into the timeline. Provisional
// entries sharing a token with an incoming message are dropped, known
// messages keep whichever receipt timestamps were set first, and the result
// is sorted newest-first without duplicate identifiers.
func (t *Timeline) Merge(batch []*message.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tokens := make(map[string]struct{}, len(batch))
	for _, m := range batch {
		if m != nil && m.ClientMessageID != "" {
			tokens[m.ClientMessageID] = struct{}{}
		}
	}

	merged := make([]*Entry, 0, len(t.entries)+len(batch))
	byID := make(map[string]*Entry, len(t.entries)+len(batch))
	for _, e := range t.entries {
		if e.provisional() {
			if _, ok := tokens[e.ClientMessageID]; ok {
				continue
			}
			merged = append(merged, e)
			continue
		}
		if _, dup := byID[e.ID]; dup {
			continue
		}
		byID[e.ID] = e
		merged = append(merged, e)
	}

	for _, m := range batch {
		if m == nil || m.ID == "" || m.ConversationID != t.conversationID {
			continue
		}
		if cur, ok := byID[m.ID]; ok {
			cur.DeliveredAt = firstSet(cur.DeliveredAt, m.DeliveredAt)
			cur.ReadAt = firstSet(cur.ReadAt, m.ReadAt)
			cur.Status = StatusSent
			continue
		}
		e := &Entry{Message: *m, Status: StatusSent}
		e.DeliveredAt = firstSet(nil, m.DeliveredAt)
		e.ReadAt = firstSet(nil, m.ReadAt)
		byID[m.ID] = e
		merged = append(merged, e)
	}

	t.entries = merged
	t.sortLocked()
}

// ApplyDelivered records a delivery receipt. Set-once.
func (t *Timeline) ApplyDelivered(messageID string, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range t.entries {
		if e.ID == messageID && !e.provisional() {
			if e.DeliveredAt != nil {
				return false
			}
			e.DeliveredAt = &at
			return true
		}
	}
	return false
}

// ApplyRead marks every message not sent by readerID and created at or
// before at as read, back-filling delivered-at. It returns the number of
// entries changed.
func (t *Timeline) ApplyRead(readerID string, at time.Time) int {
	return t.markRead(readerID, at, true)
}

// MarkAllRead marks every unread message not sent by readerID as read at
// at, whatever its creation time. It is used when the reader is this
// user, since the server marks the whole conversation.
func (t *Timeline) MarkAllRead(readerID string, at time.Time) int {
	return t.markRead(readerID, at, false)
}

func (t *Timeline) markRead(readerID string, at time.Time, cutoff bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, e := range t.entries {
		if e.provisional() || e.SenderID == readerID || e.ReadAt != nil || (cutoff && e.CreatedAt.After(at)) {
			continue
		}
		read := at
		e.ReadAt = &read
		if e.DeliveredAt == nil {
			delivered := at
			e.DeliveredAt = &delivered
		}
		n++
	}
	return n
}

// Undelivered lists confirmed messages from the other participant that have
// no delivered-at yet.
func (t *Timeline) Undelivered() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ids []string
	for _, e := range t.entries {
		if !e.provisional() && e.SenderID != t.selfID && e.DeliveredAt == nil {
			ids = append(ids, e.ID)
		}
	}
	return ids
}

// Oldest returns the creation time of the oldest confirmed entry.
func (t *Timeline) Oldest() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := len(t.entries) - 1; i >= 0; i-- {
		if !t.entries[i].provisional() {
			return t.entries[i].CreatedAt, true
		}
	}
	return time.Time{}, false
}

// Entries returns a newest-first snapshot.
func (t *Timeline) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, len(t.entries))
	for i, e := range t.entries {
		out[i] = *e
	}
	return out
}

func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Timeline) sortLocked() {
	slices.SortStableFunc(t.entries, func(a, b *Entry) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID+b.ClientMessageID, a.ID+a.ClientMessageID)
	})
}

func firstSet(cur, incoming *time.Time) *time.Time {
	if cur != nil {
		return cur
	}
	if incoming == nil {
		return nil
	}
	t := *incoming
	return &t
}
