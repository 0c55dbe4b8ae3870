package client

import (
	"context"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nexus-im/kindred/internal/protocol"
)

var (
	ErrUnauthorized = errors.New("credential rejected")
	ErrDisconnected = errors.New("not connected")
)

// Config configures a Session.
type Config struct {
	// BaseURL is the server's http(s) origin, e.g. https://chat.example.com.
	BaseURL string
	Token   string
	UserID  string

	PageSize      int
	PollInterval  time.Duration
	TypingTimeout time.Duration
	WriteWait     time.Duration
	// ReadWait bounds the silence tolerated between server pings.
	ReadWait time.Duration
	// NewBackOff builds the reconnect policy for each disconnect.
	NewBackOff func() backoff.BackOff
}

// DefaultConfig returns the standard client timings.
func DefaultConfig(baseURL, token, userID string) Config {
	return Config{
		BaseURL:       strings.TrimSuffix(baseURL, "/"),
		Token:         token,
		UserID:        userID,
		PageSize:      50,
		PollInterval:  30 * time.Second,
		TypingTimeout: DefaultTypingTimeout,
		WriteWait:     10 * time.Second,
		ReadWait:      70 * time.Second,
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// ChangeKind says which part of the session state changed.
type ChangeKind int

const (
	ChangeTimeline ChangeKind = iota
	ChangePresence
	ChangeTyping
	ChangeConnection
)

type Change struct {
	Kind           ChangeKind
	ConversationID string
}

// Option configures a Session.
type Option func(*Session)

func WithClock(c clock.Clock) Option { return func(s *Session) { s.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(s *Session) { s.logger = l } }

func WithHTTPClient(hc *http.Client) Option { return func(s *Session) { s.hc = hc } }

// WithListener registers a callback invoked after every state change. It
// runs on session goroutines and must not block.
func WithListener(fn func(Change)) Option { return func(s *Session) { s.listener = fn } }

// Session keeps one user's view of their conversations consistent with the
// server across disconnects.
type Session struct {
	cfg      Config
	rest     *REST
	hc       *http.Client
	dialer   *websocket.Dialer
	clock    clock.Clock
	logger   *zap.Logger
	listener func(Change)
	typing   *Typing

	mu         sync.RWMutex
	conn       *websocket.Conn
	foreground bool
	timelines  map[string]*Timeline
	online     map[string]struct{}
	// inflight maps tokens sent over the socket to their conversation.
	inflight map[string]string

	writeMu sync.Mutex
}

// NewSession creates a Session. Call Run to connect.
func NewSession(cfg Config, opts ...Option) *Session {
	s := &Session{
		cfg:        cfg,
		dialer:     websocket.DefaultDialer,
		clock:      clock.New(),
		logger:     zap.NewNop(),
		listener:   func(Change) {},
		foreground: true,
		timelines:  make(map[string]*Timeline),
		online:     make(map[string]struct{}),
		inflight:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.rest = NewREST(cfg.BaseURL, cfg.Token, s.hc)
	s.typing = NewTyping(s.clock, cfg.TypingTimeout)
	return s
}

func (s *Session) REST() *REST { return s.rest }

func (s *Session) Typing() *Typing { return s.typing }

// Run keeps the socket connected until ctx is done. It returns an error
// only when the server rejects the credential.
func (s *Session) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.connectLoop(ctx) })
	g.Go(func() error { return s.pollLoop(ctx) })
	g.Go(func() error { return s.typingLoop(ctx) })
	return g.Wait()
}

func (s *Session) connectLoop(ctx context.Context) error {
	for {
		conn, err := s.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		s.attach(conn)
		s.resync(ctx)
		err = s.readLoop(ctx, conn)
		s.detach(conn)

		if ctx.Err() != nil {
			return nil
		}
		s.logger.Info("connection lost", zap.Error(err))
	}
}

func (s *Session) socketURL() string {
	base := s.cfg.BaseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{"Authorization": []string{"Bearer " + s.cfg.Token}}

	var conn *websocket.Conn
	op := func() error {
		c, resp, err := s.dialer.DialContext(ctx, s.socketURL(), header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				return backoff.Permanent(ErrUnauthorized)
			}
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Debug("dial failed", zap.Duration("retry_in", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(s.cfg.NewBackOff(), ctx), notify); err != nil {
		return nil, err
	}
	return conn, nil
}

func (s *Session) attach(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(s.cfg.WriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.logger.Info("connected")
	s.listener(Change{Kind: ChangeConnection})
}

// detach drops the connection and fails every send still awaiting its ack
// on it.
func (s *Session) detach(conn *websocket.Conn) {
	_ = conn.Close()

	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	inflight := s.inflight
	s.inflight = make(map[string]string)
	s.mu.Unlock()

	for token, conversationID := range inflight {
		if tl := s.Timeline(conversationID); tl != nil && tl.Fail(token) {
			s.listener(Change{Kind: ChangeTimeline, ConversationID: conversationID})
		}
	}
	s.listener(Change{Kind: ChangeConnection})
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		env, err := protocol.ParseEnvelope(data)
		if err != nil {
			s.logger.Warn("unparseable frame", zap.Error(err))
			continue
		}
		s.handle(env)
	}
}

// resync re-fetches the newest page of every open conversation and asks for
// a fresh presence snapshot.
func (s *Session) resync(ctx context.Context) {
	if err := s.emit(protocol.EventPresenceSync, struct{}{}); err != nil {
		s.logger.Debug("presence sync failed", zap.Error(err))
	}
	s.refreshAll(ctx)
}

func (s *Session) pollLoop(ctx context.Context) error {
	ticker := s.clock.Ticker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if s.Connected() || !s.Foreground() {
				continue
			}
			s.refreshAll(ctx)
		}
	}
}

func (s *Session) typingLoop(ctx context.Context) error {
	ticker := s.clock.Ticker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, ind := range s.typing.Expire() {
				s.listener(Change{Kind: ChangeTyping, ConversationID: ind.ConversationID})
			}
		}
	}
}

func (s *Session) refreshAll(ctx context.Context) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.timelines))
	for id := range s.timelines {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		if err := s.refresh(ctx, id); err != nil {
			s.logger.Warn("refresh failed", zap.String("conversation_id", id), zap.Error(err))
		}
	}
}

// refresh merges the newest page of a conversation and, while foregrounded,
// batch-marks the fetched foreign messages delivered.
func (s *Session) refresh(ctx context.Context, conversationID string) error {
	page, _, err := s.rest.ListMessages(ctx, conversationID, s.cfg.PageSize, time.Time{})
	if err != nil {
		return err
	}
	tl := s.timeline(conversationID)
	tl.Merge(page)
	s.listener(Change{Kind: ChangeTimeline, ConversationID: conversationID})
	if s.Foreground() {
		return s.markDelivered(ctx, tl)
	}
	return nil
}

func (s *Session) markDelivered(ctx context.Context, tl *Timeline) error {
	ids := tl.Undelivered()
	if len(ids) == 0 {
		return nil
	}
	receipts, err := s.rest.MarkDelivered(ctx, ids)
	if err != nil {
		return err
	}
	for _, r := range receipts {
		tl.ApplyDelivered(r.MessageID, r.DeliveredAt)
	}
	return nil
}

// Open loads the newest page of a conversation and tracks it from then on.
func (s *Session) Open(ctx context.Context, conversationID string) (*Timeline, error) {
	if err := s.refresh(ctx, conversationID); err != nil {
		return nil, err
	}
	return s.timeline(conversationID), nil
}

// LoadMore fetches the page older than the oldest loaded message.
func (s *Session) LoadMore(ctx context.Context, conversationID string) (bool, error) {
	tl := s.timeline(conversationID)
	before, _ := tl.Oldest()
	page, hasMore, err := s.rest.ListMessages(ctx, conversationID, s.cfg.PageSize, before)
	if err != nil {
		return false, err
	}
	tl.Merge(page)
	s.listener(Change{Kind: ChangeTimeline, ConversationID: conversationID})
	return hasMore, nil
}

// Timeline returns the tracked timeline or nil.
func (s *Session) Timeline(conversationID string) *Timeline {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.timelines[conversationID]
}

func (s *Session) timeline(conversationID string) *Timeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	tl, ok := s.timelines[conversationID]
	if !ok {
		tl = NewTimeline(conversationID, s.cfg.UserID, s.clock)
		s.timelines[conversationID] = tl
	}
	return tl
}

// Send adds a provisional entry and submits it. The returned entry reflects
// the state right after submission; socket sends resolve when the ack
// arrives.
func (s *Session) Send(ctx context.Context, conversationID, content string) (Entry, error) {
	tl := s.timeline(conversationID)
	e := tl.AddProvisional(content)
	s.listener(Change{Kind: ChangeTimeline, ConversationID: conversationID})
	err := s.submit(ctx, tl, e)
	return s.entry(tl, e.ClientMessageID), err
}

// Retry resubmits a failed entry with its original token.
func (s *Session) Retry(ctx context.Context, conversationID, token string) (Entry, error) {
	tl := s.Timeline(conversationID)
	if tl == nil {
		return Entry{}, errors.Errorf("unknown conversation %s", conversationID)
	}
	e, ok := tl.Retry(token)
	if !ok {
		return Entry{}, errors.Errorf("no failed entry for token %s", token)
	}
	s.listener(Change{Kind: ChangeTimeline, ConversationID: conversationID})
	err := s.submit(ctx, tl, e)
	return s.entry(tl, token), err
}

func (s *Session) entry(tl *Timeline, token string) Entry {
	for _, e := range tl.Entries() {
		if e.ClientMessageID == token {
			return e
		}
	}
	return Entry{}
}

func (s *Session) submit(ctx context.Context, tl *Timeline, e Entry) error {
	token := e.ClientMessageID
	if conn := s.current(); conn != nil {
		s.mu.Lock()
		s.inflight[token] = tl.ConversationID()
		s.mu.Unlock()

		err := s.write(conn, protocol.EventMessageSend, protocol.SendRequest{
			ConversationID:  e.ConversationID,
			Content:         e.Content,
			ClientMessageID: token,
		})
		if err == nil {
			return nil
		}
		s.takeInflight(token)
		s.logger.Debug("socket send failed, using REST", zap.Error(err))
	}

	msg, _, err := s.rest.SendMessage(ctx, e.ConversationID, e.Content, token)
	if err != nil {
		tl.Fail(token)
		s.listener(Change{Kind: ChangeTimeline, ConversationID: tl.ConversationID()})
		return err
	}
	tl.Confirm(msg)
	s.listener(Change{Kind: ChangeTimeline, ConversationID: tl.ConversationID()})
	return nil
}

func (s *Session) takeInflight(token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conversationID, ok := s.inflight[token]
	delete(s.inflight, token)
	return conversationID, ok
}

// MarkRead marks a conversation read locally and on the server.
func (s *Session) MarkRead(ctx context.Context, conversationID string) error {
	if tl := s.Timeline(conversationID); tl != nil && tl.MarkAllRead(s.cfg.UserID, s.clock.Now()) > 0 {
		s.listener(Change{Kind: ChangeTimeline, ConversationID: conversationID})
	}
	err := s.emit(protocol.EventMarkRead, protocol.MarkReadRequest{ConversationID: conversationID})
	if err == nil {
		return nil
	}
	return s.rest.MarkRead(ctx, conversationID)
}

func (s *Session) StartTyping(conversationID string) error {
	return s.emit(protocol.EventTypingStart, protocol.TypingRequest{ConversationID: conversationID})
}

func (s *Session) StopTyping(conversationID string) error {
	return s.emit(protocol.EventTypingStop, protocol.TypingRequest{ConversationID: conversationID})
}

// SetForeground records view visibility. Coming to the foreground marks
// every fetched foreign message delivered.
func (s *Session) SetForeground(ctx context.Context, foreground bool) error {
	s.mu.Lock()
	was := s.foreground
	s.foreground = foreground
	timelines := make([]*Timeline, 0, len(s.timelines))
	for _, tl := range s.timelines {
		timelines = append(timelines, tl)
	}
	s.mu.Unlock()

	if !foreground || was {
		return nil
	}
	for _, tl := range timelines {
		if err := s.markDelivered(ctx, tl); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) Foreground() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.foreground
}

func (s *Session) Connected() bool {
	return s.current() != nil
}

func (s *Session) current() *websocket.Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// Online returns the sorted set of users currently online.
func (s *Session) Online() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]string, 0, len(s.online))
	for id := range s.online {
		users = append(users, id)
	}
	slices.Sort(users)
	return users
}

func (s *Session) IsOnline(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.online[userID]
	return ok
}

func (s *Session) emit(event protocol.Event, data any) error {
	conn := s.current()
	if conn == nil {
		return ErrDisconnected
	}
	return s.write(conn, event, data)
}

func (s *Session) write(conn *websocket.Conn, event protocol.Event, data any) error {
	frame, err := protocol.Encode(event, data)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, frame)
}
