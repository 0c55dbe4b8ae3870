package client

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-im/kindred/store/message"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestTimeline() (*Timeline, *clock.Mock) {
	mock := clock.NewMock()
	mock.Set(t0)
	return NewTimeline("c1", "alice", mock), mock
}

func confirmed(id, sender, token string, at time.Time) *message.Message {
	return &message.Message{ID: id, ConversationID: "c1", SenderID: sender, Content: id, ClientMessageID: token, CreatedAt: at}
}

func TestProvisionalThenConfirm(t *testing.T) {
	tl, _ := newTestTimeline()
	e := tl.AddProvisional("hello")
	assert.Equal(t, StatusSending, e.Status)
	assert.NotEmpty(t, e.ClientMessageID)
	assert.Empty(t, e.ID)

	tl.Confirm(confirmed("m1", "alice", e.ClientMessageID, t0))

	entries := tl.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "m1", entries[0].ID)
	assert.Equal(t, StatusSent, entries[0].Status)
	assert.False(t, tl.HasPending(e.ClientMessageID))
}

func TestFailAndRetryKeepToken(t *testing.T) {
	tl, _ := newTestTimeline()
	e := tl.AddProvisional("hello")

	assert.True(t, tl.Fail(e.ClientMessageID))
	assert.False(t, tl.Fail(e.ClientMessageID), "already failed")
	assert.Equal(t, StatusFailed, tl.Entries()[0].Status)

	_, ok := tl.Retry("unknown")
	assert.False(t, ok)

	retry, ok := tl.Retry(e.ClientMessageID)
	require.True(t, ok)
	assert.Equal(t, e.ClientMessageID, retry.ClientMessageID)
	assert.Equal(t, StatusSending, retry.Status)

	_, ok = tl.Retry(e.ClientMessageID)
	assert.False(t, ok, "only failed entries can be retried")
}

func TestLostResponseRetryYieldsOneEntry(t *testing.T) {
	tl, _ := newTestTimeline()
	e := tl.AddProvisional("hello")
	tl.Fail(e.ClientMessageID)
	_, ok := tl.Retry(e.ClientMessageID)
	require.True(t, ok)

	// The server replays the message it stored for the first attempt.
	stored := confirmed("m1", "alice", e.ClientMessageID, t0)
	tl.Confirm(stored)
	tl.Merge([]*message.Message{stored})

	entries := tl.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, StatusSent, entries[0].Status)
}

func TestMergeDedupesAndSortsNewestFirst(t *testing.T) {
	tl, _ := newTestTimeline()
	tl.Merge([]*message.Message{
		confirmed("m1", "bob", "", t0),
		confirmed("m3", "bob", "", t0.Add(2*time.Second)),
	})
	tl.Merge([]*message.Message{
		confirmed("m2", "alice", "", t0.Add(time.Second)),
		confirmed("m3", "bob", "", t0.Add(2*time.Second)),
		confirmed("m1", "bob", "", t0),
	})

	var ids []string
	for _, e := range tl.Entries() {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"m3", "m2", "m1"}, ids)
}

func TestMergeReplacesProvisionalByToken(t *testing.T) {
	tl, mock := newTestTimeline()
	keep := tl.AddProvisional("still sending")
	mock.Add(time.Second)
	e := tl.AddProvisional("hello")

	tl.Merge([]*message.Message{confirmed("m1", "alice", e.ClientMessageID, t0.Add(5*time.Second))})

	entries := tl.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "m1", entries[0].ID)
	assert.Equal(t, keep.ClientMessageID, entries[1].ClientMessageID)
	assert.True(t, tl.HasPending(keep.ClientMessageID))
}

func TestMergeIgnoresOtherConversations(t *testing.T) {
	tl, _ := newTestTimeline()
	other := confirmed("m1", "bob", "", t0)
	other.ConversationID = "c2"
	tl.Merge([]*message.Message{other, nil})
	assert.Zero(t, tl.Len())
}

func TestReceiptsAreSetOnce(t *testing.T) {
	tl, _ := newTestTimeline()
	tl.Merge([]*message.Message{confirmed("m1", "alice", "", t0)})

	first := t0.Add(time.Second)
	assert.True(t, tl.ApplyDelivered("m1", first))
	assert.False(t, tl.ApplyDelivered("m1", t0.Add(time.Minute)))
	assert.False(t, tl.ApplyDelivered("missing", first))

	// A stale page without receipts must not clear them.
	tl.Merge([]*message.Message{confirmed("m1", "alice", "", t0)})
	require.NotNil(t, tl.Entries()[0].DeliveredAt)
	assert.Equal(t, first, *tl.Entries()[0].DeliveredAt)
}

func TestApplyReadBackfillsDelivered(t *testing.T) {
	tl, _ := newTestTimeline()
	tl.Merge([]*message.Message{
		confirmed("m1", "alice", "", t0),
		confirmed("m2", "bob", "", t0.Add(time.Second)),
		confirmed("m3", "alice", "", t0.Add(time.Hour)),
	})

	readAt := t0.Add(time.Minute)
	assert.Equal(t, 1, tl.ApplyRead("bob", readAt))
	assert.Zero(t, tl.ApplyRead("bob", readAt), "repeat is a no-op")

	for _, e := range tl.Entries() {
		switch e.ID {
		case "m1":
			require.NotNil(t, e.ReadAt)
			require.NotNil(t, e.DeliveredAt)
			assert.Equal(t, readAt, *e.DeliveredAt)
		case "m2", "m3":
			assert.Nil(t, e.ReadAt)
		}
	}
}

func TestMarkAllReadIgnoresLocalClock(t *testing.T) {
	tl, _ := newTestTimeline()
	tl.Merge([]*message.Message{
		confirmed("m1", "alice", "", t0),
		confirmed("m2", "alice", "", t0.Add(time.Hour)),
		confirmed("m3", "bob", "", t0.Add(time.Hour)),
	})

	// The device clock lags the server's timestamps.
	behind := t0.Add(time.Minute)
	assert.Equal(t, 2, tl.MarkAllRead("bob", behind))
	assert.Zero(t, tl.MarkAllRead("bob", behind), "repeat is a no-op")

	for _, e := range tl.Entries() {
		if e.SenderID == "alice" {
			require.NotNil(t, e.ReadAt, e.ID)
			assert.Equal(t, behind, *e.ReadAt)
		} else {
			assert.Nil(t, e.ReadAt)
		}
	}
}

func TestUndeliveredListsForeignMessagesOnly(t *testing.T) {
	tl, _ := newTestTimeline()
	tl.AddProvisional("mine")
	tl.Merge([]*message.Message{
		confirmed("m1", "alice", "", t0),
		confirmed("m2", "bob", "", t0.Add(time.Second)),
	})
	assert.Equal(t, []string{"m2"}, tl.Undelivered())

	oldest, ok := tl.Oldest()
	require.True(t, ok)
	assert.Equal(t, t0, oldest)
}
