package conversation

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	return NewSQLStore(db), mock
}

var conversationColumns = []string{"id", "user_a", "user_b", "created_at", "last_message_at"}
var settingsColumns = []string{"user_id", "is_muted", "is_archived", "last_read_at"}

func TestGetLoadsSettings(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	lastRead := created.Add(time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE c.id = $1")).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows(conversationColumns).AddRow("c1", "alice", "bob", created, nil))
	mock.ExpectQuery(regexp.QuoteMeta("FROM conversation_settings")).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows(settingsColumns).
			AddRow("alice", true, false, lastRead))

	convo, err := store.Get(context.Background(), "c1")
	require.NoError(t, err)

	assert.Equal(t, [2]Participant{{ID: "alice"}, {ID: "bob"}}, convo.Participants)
	assert.Nil(t, convo.LastMessageAt)
	assert.True(t, convo.SettingsFor("alice").Muted)
	require.NotNil(t, convo.SettingsFor("alice").LastReadAt)
	assert.Equal(t, lastRead, *convo.SettingsFor("alice").LastReadAt)
	assert.Equal(t, Settings{UserID: "bob"}, convo.SettingsFor("bob"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE c.id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(conversationColumns))

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestGetBetweenUsesCanonicalOrder(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE c.user_a = $1 AND c.user_b = $2")).
		WithArgs("alice", "bob").
		WillReturnRows(sqlmock.NewRows(conversationColumns).AddRow("c1", "alice", "bob", created, created))
	mock.ExpectQuery(regexp.QuoteMeta("FROM conversation_settings")).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows(settingsColumns))

	convo, err := store.GetBetween(context.Background(), "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, "c1", convo.ID)
	require.NotNil(t, convo.LastMessageAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateCanonicalizesPair(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO conversations")).
		WithArgs(sqlmock.AnyArg(), "alice", "bob", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	convo := &Conversation{Participants: [2]Participant{{ID: "bob"}, {ID: "alice"}}}
	require.NoError(t, store.Create(context.Background(), convo))

	assert.NotEmpty(t, convo.ID)
	assert.False(t, convo.CreatedAt.IsZero())
	assert.Equal(t, "alice", convo.Participants[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateDuplicatePair(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO conversations")).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	err := store.Create(context.Background(), &Conversation{Participants: [2]Participant{{ID: "a"}, {ID: "b"}}})
	assert.ErrorIs(t, err, ErrDuplicatePair)
}

func TestUpsertSettingsPartial(t *testing.T) {
	store, mock := newMockStore(t)
	archived := true

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO conversation_settings")).
		WithArgs("c1", "alice", nil, true).
		WillReturnRows(sqlmock.NewRows(settingsColumns).AddRow("alice", false, true, nil))

	settings, err := store.UpsertSettings(context.Background(), "c1", "alice", SettingsUpdate{Archived: &archived})
	require.NoError(t, err)
	assert.True(t, settings.Archived)
	assert.False(t, settings.Muted)
	assert.Nil(t, settings.LastReadAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetLastRead(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Now()

	mock.ExpectExec(regexp.QuoteMeta("last_read_at = GREATEST(")).
		WithArgs("c1", "alice", at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.SetLastRead(context.Background(), "c1", "alice", at))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTouchLastMessageMissingConversation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE conversations")).
		WithArgs("gone", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.TouchLastMessage(context.Background(), "gone", time.Now())
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestListForUser(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("LEFT JOIN conversation_settings")).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows(append(conversationColumns, "is_muted", "is_archived", "last_read_at")).
			AddRow("c1", "alice", "bob", now, now, false, false, now).
			AddRow("c2", "alice", "carol", now, nil, true, true, nil))

	convos, err := store.ListForUser(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, convos, 2)

	assert.Equal(t, "c1", convos[0].ID)
	require.NotNil(t, convos[0].SettingsFor("alice").LastReadAt)
	assert.True(t, convos[1].SettingsFor("alice").Archived)
	assert.Nil(t, convos[1].LastMessageAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestParticipantHelpers(t *testing.T) {
	convo := &Conversation{Participants: CanonicalPair("zed", "amy")}

	assert.Equal(t, "amy", convo.Participants[0].ID)
	assert.True(t, convo.Includes("zed"))
	assert.False(t, convo.Includes("bob"))

	other, ok := convo.Other("amy")
	assert.True(t, ok)
	assert.Equal(t, "zed", other.ID)

	_, ok = convo.Other("bob")
	assert.False(t, ok)
}
