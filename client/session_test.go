package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nexus-im/kindred/internal/auth"
	"github.com/nexus-im/kindred/internal/conversations"
	"github.com/nexus-im/kindred/internal/delivery"
	"github.com/nexus-im/kindred/internal/httpapi"
	"github.com/nexus-im/kindred/internal/memstore"
	"github.com/nexus-im/kindred/internal/metrics"
	"github.com/nexus-im/kindred/internal/presence"
	"github.com/nexus-im/kindred/internal/ratelimit"
	"github.com/nexus-im/kindred/internal/realtime"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

type server struct {
	srv   *httptest.Server
	authn *auth.Authenticator
	mem   *memstore.Store
	convs *conversations.Service
	mgr   *realtime.Manager
	// refuseSocket answers socket handshakes with 503.
	refuseSocket atomic.Bool
	// dropNextSend processes the next POST /api/messages and then aborts
	// the response.
	dropNextSend atomic.Bool
}

func newServer(t *testing.T) *server {
	t.Helper()
	logger := zaptest.NewLogger(t)
	m := metrics.New(prometheus.NewRegistry())
	mem := memstore.New()
	authn := auth.NewAuthenticator("test-secret", "kindred", time.Hour)

	convs, err := conversations.NewService(mem.Conversations(), mem.Messages(), mem, logger)
	require.NoError(t, err)
	hub := realtime.NewHub(logger, m)
	tracker := presence.NewTracker(mem, logger)
	tracker.SetBroadcaster(hub)
	limits := ratelimit.DefaultConfig()
	limits.UserLimit, limits.ConversationLimit = 100, 100
	pipeline := delivery.New(ratelimit.NewGuard(limits), hub, convs, mem.Messages(), convs, logger)
	mgr := realtime.NewManager(hub, authn, tracker, convs, pipeline, realtime.DefaultConfig(), logger, m)
	api := httpapi.New(authn, pipeline, convs, mem.Messages(), tracker, logger).Handler(mgr.ServeWS, nil)

	s := &server{authn: authn, mem: mem, convs: convs, mgr: mgr}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" && s.refuseSocket.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		if r.Method == http.MethodPost && r.URL.Path == "/api/messages" && s.dropNextSend.CompareAndSwap(true, false) {
			api.ServeHTTP(httptest.NewRecorder(), r)
			panic(http.ErrAbortHandler)
		}
		api.ServeHTTP(w, r)
	}))
	t.Cleanup(s.srv.Close)
	t.Cleanup(mgr.CloseAll)
	return s
}

func (s *server) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := s.authn.GenerateToken(auth.Identity{UserID: userID})
	require.NoError(t, err)
	return token
}

func (s *server) conversation(t *testing.T, a, b string) string {
	t.Helper()
	c, _, err := s.convs.FindOrCreate(context.Background(), a, b)
	require.NoError(t, err)
	return c.ID
}

func (s *server) session(t *testing.T, userID string, opts ...Option) *Session {
	t.Helper()
	cfg := DefaultConfig(s.srv.URL, s.token(t, userID), userID)
	cfg.NewBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(20 * time.Millisecond) }
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	return NewSession(cfg, opts...)
}

func run(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func connected(t *testing.T, s *Session) {
	t.Helper()
	require.Eventually(t, s.Connected, waitFor, tick)
}

func statusOf(tl *Timeline, token string) Status {
	for _, e := range tl.Entries() {
		if e.ClientMessageID == token {
			return e.Status
		}
	}
	return ""
}

func TestRESTLostResponseRetry(t *testing.T) {
	srv := newServer(t)
	convID := srv.conversation(t, "alice", "bob")
	alice := srv.session(t, "alice")
	ctx := context.Background()

	srv.dropNextSend.Store(true)
	e, err := alice.Send(ctx, convID, "hello")
	require.Error(t, err)
	assert.Equal(t, StatusFailed, e.Status)
	assert.Equal(t, 1, srv.mem.MessageCount(), "the server stored the first attempt")

	retried, err := alice.Retry(ctx, convID, e.ClientMessageID)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, retried.Status)
	assert.Equal(t, e.ClientMessageID, retried.ClientMessageID)

	entries := alice.Timeline(convID).Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, StatusSent, entries[0].Status)
	assert.Equal(t, 1, srv.mem.MessageCount())
}

func TestRESTRejectionFailsEntry(t *testing.T) {
	srv := newServer(t)
	convID := srv.conversation(t, "alice", "bob")
	mallory := srv.session(t, "mallory")

	e, err := mallory.Send(context.Background(), convID, "hi")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Equal(t, "PERMISSION_DENIED", apiErr.Code)
	assert.Equal(t, StatusFailed, e.Status)
}

func TestSocketSendIsAcknowledgedAndDelivered(t *testing.T) {
	srv := newServer(t)
	convID := srv.conversation(t, "alice", "bob")
	alice, bob := srv.session(t, "alice"), srv.session(t, "bob")
	run(t, alice)
	run(t, bob)
	connected(t, alice)
	connected(t, bob)

	e, err := alice.Send(context.Background(), convID, "hello")
	require.NoError(t, err)
	tl := alice.Timeline(convID)
	require.Eventually(t, func() bool { return statusOf(tl, e.ClientMessageID) == StatusSent }, waitFor, tick)
	assert.Equal(t, 1, tl.Len(), "echo and ack collapse into one entry")

	require.Eventually(t, func() bool {
		bt := bob.Timeline(convID)
		return bt != nil && bt.Len() == 1
	}, waitFor, tick)

	require.Eventually(t, func() bool {
		entries := tl.Entries()
		return len(entries) == 1 && entries[0].DeliveredAt != nil
	}, waitFor, tick, "bob's session acknowledges delivery")
}

func TestPresenceTracksOtherSessions(t *testing.T) {
	srv := newServer(t)
	alice := srv.session(t, "alice")
	run(t, alice)
	connected(t, alice)

	bob := srv.session(t, "bob")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bob.Run(ctx) }()

	require.Eventually(t, func() bool { return alice.IsOnline("bob") }, waitFor, tick)
	assert.Contains(t, alice.Online(), "alice")

	cancel()
	require.NoError(t, <-done)
	require.Eventually(t, func() bool { return !alice.IsOnline("bob") }, waitFor, tick)
}

func TestTypingReachesOtherSession(t *testing.T) {
	srv := newServer(t)
	convID := srv.conversation(t, "alice", "bob")
	alice, bob := srv.session(t, "alice"), srv.session(t, "bob")
	run(t, alice)
	run(t, bob)
	connected(t, alice)
	connected(t, bob)

	require.NoError(t, alice.StartTyping(convID))
	require.Eventually(t, func() bool { return bob.Typing().IsTyping(convID, "alice") }, waitFor, tick)

	require.NoError(t, alice.StopTyping(convID))
	require.Eventually(t, func() bool { return !bob.Typing().IsTyping(convID, "alice") }, waitFor, tick)
}

func TestReconnectResyncsMissedMessages(t *testing.T) {
	srv := newServer(t)
	convID := srv.conversation(t, "alice", "bob")
	alice := srv.session(t, "alice")
	_, err := alice.Open(context.Background(), convID)
	require.NoError(t, err)
	run(t, alice)
	connected(t, alice)

	srv.refuseSocket.Store(true)
	srv.mgr.CloseAll()
	require.Eventually(t, func() bool { return !alice.Connected() }, waitFor, tick)

	_, _, err = NewREST(srv.srv.URL, srv.token(t, "bob"), nil).SendMessage(context.Background(), convID, "while you were away", "")
	require.NoError(t, err)
	assert.Zero(t, alice.Timeline(convID).Len())

	srv.refuseSocket.Store(false)
	connected(t, alice)
	require.Eventually(t, func() bool { return alice.Timeline(convID).Len() == 1 }, waitFor, tick)

	require.Eventually(t, func() bool {
		entries := alice.Timeline(convID).Entries()
		return len(entries) == 1 && entries[0].DeliveredAt != nil
	}, waitFor, tick, "foregrounded resync marks fetched messages delivered")
}

func TestPollingFallbackWhileDisconnected(t *testing.T) {
	srv := newServer(t)
	srv.refuseSocket.Store(true)
	convID := srv.conversation(t, "alice", "bob")
	mock := clock.NewMock()
	alice := srv.session(t, "alice", WithClock(mock))
	_, err := alice.Open(context.Background(), convID)
	require.NoError(t, err)
	run(t, alice)

	_, _, err = NewREST(srv.srv.URL, srv.token(t, "bob"), nil).SendMessage(context.Background(), convID, "ping", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mock.Add(30 * time.Second)
		return alice.Timeline(convID).Len() == 1
	}, waitFor, tick)
	assert.False(t, alice.Connected())
}

func TestPollingSkippedInBackground(t *testing.T) {
	srv := newServer(t)
	srv.refuseSocket.Store(true)
	convID := srv.conversation(t, "alice", "bob")
	mock := clock.NewMock()
	alice := srv.session(t, "alice", WithClock(mock))
	_, err := alice.Open(context.Background(), convID)
	require.NoError(t, err)
	require.NoError(t, alice.SetForeground(context.Background(), false))
	run(t, alice)

	_, _, err = NewREST(srv.srv.URL, srv.token(t, "bob"), nil).SendMessage(context.Background(), convID, "ping", "")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		mock.Add(30 * time.Second)
		time.Sleep(tick)
	}
	assert.Zero(t, alice.Timeline(convID).Len())

	require.NoError(t, alice.SetForeground(context.Background(), true))
}

func TestMarkReadSyncsOtherDevice(t *testing.T) {
	srv := newServer(t)
	convID := srv.conversation(t, "alice", "bob")
	phone, desktop := srv.session(t, "alice"), srv.session(t, "alice")
	run(t, phone)
	run(t, desktop)
	connected(t, phone)
	connected(t, desktop)

	_, _, err := NewREST(srv.srv.URL, srv.token(t, "bob"), nil).SendMessage(context.Background(), convID, "ping", "")
	require.NoError(t, err)
	for _, s := range []*Session{phone, desktop} {
		require.Eventually(t, func() bool {
			tl := s.Timeline(convID)
			return tl != nil && tl.Len() == 1
		}, waitFor, tick)
	}

	require.NoError(t, phone.MarkRead(context.Background(), convID))
	assert.NotNil(t, phone.Timeline(convID).Entries()[0].ReadAt)
	require.Eventually(t, func() bool {
		return desktop.Timeline(convID).Entries()[0].ReadAt != nil
	}, waitFor, tick)
}

func TestRunStopsOnRejectedCredential(t *testing.T) {
	srv := newServer(t)
	cfg := DefaultConfig(srv.srv.URL, "forged", "alice")
	s := NewSession(cfg, WithLogger(zaptest.NewLogger(t)))
	err := s.Run(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)
}
