package client

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-im/kindred/internal/apperr"
	"github.com/nexus-im/kindred/internal/protocol"
	"github.com/nexus-im/kindred/store/message"
)

func envelope(t *testing.T, event protocol.Event, data any) *protocol.Envelope {
	t.Helper()
	frame, err := protocol.Encode(event, data)
	require.NoError(t, err)
	env, err := protocol.ParseEnvelope(frame)
	require.NoError(t, err)
	return env
}

func offlineSession(t *testing.T, userID string) (*Session, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(t0)
	return NewSession(DefaultConfig("http://127.0.0.1:0", "token", userID), WithClock(mock)), mock
}

func TestThrottledSocketSendFailsEntry(t *testing.T) {
	s, _ := offlineSession(t, "alice")
	tl := s.timeline("c1")
	e := tl.AddProvisional("hello")
	s.inflight[e.ClientMessageID] = "c1"

	s.handle(envelope(t, protocol.EventError, protocol.Error{
		Event:           protocol.EventMessageSend,
		Code:            string(apperr.CodeOf(apperr.ErrRateLimited)),
		ClientMessageID: e.ClientMessageID,
	}))

	assert.Equal(t, StatusFailed, statusOf(tl, e.ClientMessageID))
	_, pending := s.takeInflight(e.ClientMessageID)
	assert.False(t, pending)
}

func TestConversationReadFromOtherDeviceUsesServerTime(t *testing.T) {
	s, _ := offlineSession(t, "alice")
	tl := s.timeline("c1")
	// Bob's latest message carries a server timestamp ahead of this
	// device's clock.
	tl.Merge([]*message.Message{
		confirmed("m1", "bob", "", t0.Add(-time.Minute)),
		confirmed("m2", "bob", "", t0.Add(time.Hour)),
		confirmed("m3", "alice", "", t0),
	})

	readAt := t0.Add(2 * time.Hour)
	s.handle(envelope(t, protocol.EventConversationRead, protocol.ConversationRead{
		ConversationID: "c1",
		UserID:         "alice",
		ReadAt:         readAt,
	}))

	for _, e := range tl.Entries() {
		if e.SenderID == "bob" {
			require.NotNil(t, e.ReadAt, e.ID)
			assert.Equal(t, readAt, *e.ReadAt)
		} else {
			assert.Nil(t, e.ReadAt)
		}
	}
}
