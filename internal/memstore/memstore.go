// Package memstore is an in-process implementation of every store
// interface. It backs `serve` when database.driver is "memory" and the
// package tests that need real store semantics without Postgres.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/nexus-im/kindred/store/conversation"
	"github.com/nexus-im/kindred/store/message"
	"github.com/nexus-im/kindred/store/moderation"
	"github.com/nexus-im/kindred/store/user"
)

var (
	_ conversation.Store = (*Conversations)(nil)
	_ message.Store      = (*Messages)(nil)
	_ moderation.Checker = (*Store)(nil)
	_ user.LastSeenStore = (*Store)(nil)
)

type blockKey struct{ blocker, blocked string }

// Store is safe for concurrent use.
type Store struct {
	mu sync.Mutex

	conversations map[string]*conversation.Conversation
	pairs         map[[2]conversation.Participant]string
	settings      map[string]map[string]conversation.Settings

	messages map[string]*message.Message
	byConvo  map[string][]string
	byToken  map[string]string
	lastSeen map[string]time.Time
	blocks   map[blockKey]struct{}
}

// Conversations is the conversation.Store view of a Store.
type Conversations struct{ s *Store }

// Messages is the message.Store view of a Store.
type Messages struct{ s *Store }

func (s *Store) Conversations() *Conversations { return &Conversations{s: s} }

func (s *Store) Messages() *Messages { return &Messages{s: s} }

// New creates an empty Store.
func New() *Store {
	return &Store{
		conversations: make(map[string]*conversation.Conversation),
		pairs:         make(map[[2]conversation.Participant]string),
		settings:      make(map[string]map[string]conversation.Settings),
		messages:      make(map[string]*message.Message),
		byConvo:       make(map[string][]string),
		byToken:       make(map[string]string),
		lastSeen:      make(map[string]time.Time),
		blocks:        make(map[blockKey]struct{}),
	}
}

// Block records that blocker blocked blocked.
func (s *Store) Block(blocker, blocked string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[blockKey{blocker, blocked}] = struct{}{}
}

func (s *Store) Unblock(blocker, blocked string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blocks, blockKey{blocker, blocked})
}

func (s *Store) IsBlocked(_ context.Context, userAID, userBID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ab := s.blocks[blockKey{userAID, userBID}]
	_, ba := s.blocks[blockKey{userBID, userAID}]
	return ab || ba, nil
}

// MessageCount returns how many messages are stored.
func (s *Store) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// ConversationCount returns how many conversations are stored.
func (s *Store) ConversationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conversations)
}

func (s *Store) UpdateLastSeen(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.lastSeen[userID]; !ok || at.After(prev) {
		s.lastSeen[userID] = at
	}
	return nil
}

func (s *Store) GetLastSeen(_ context.Context, userID string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.lastSeen[userID]
	if !ok {
		return time.Time{}, user.ErrNeverSeen
	}
	return at, nil
}
