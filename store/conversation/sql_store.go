package conversation

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

const uniqueViolation = "23505"

// SQLStore implements Store using a database/sql connection.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a new SQLStore.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const selectConversation = `
		SELECT c.id, c.user_a, c.user_b, c.created_at, c.last_message_at
		FROM conversations c
`

func (s *SQLStore) Get(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, selectConversation+`WHERE c.id = $1`, id)

	convo, err := scanConversation(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrConversationNotFound
		}
		return nil, errors.Wrap(err, "conversationStore.Get.Scan")
	}

	if err := s.loadSettings(ctx, convo); err != nil {
		return nil, err
	}
	return convo, nil
}

func (s *SQLStore) GetBetween(ctx context.Context, userAID, userBID string) (*Conversation, error) {
	pair := CanonicalPair(userAID, userBID)
	row := s.db.QueryRowContext(ctx, selectConversation+`WHERE c.user_a = $1 AND c.user_b = $2`, pair[0].ID, pair[1].ID)

	convo, err := scanConversation(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrConversationNotFound
		}
		return nil, errors.Wrap(err, "conversationStore.GetBetween.Scan")
	}

	if err := s.loadSettings(ctx, convo); err != nil {
		return nil, err
	}
	return convo, nil
}

// Create inserts convo with its participants in canonical order. A second
// insert for the same pair fails with ErrDuplicatePair.
func (s *SQLStore) Create(ctx context.Context, convo *Conversation) error {
	if convo.ID == "" {
		convo.ID = uuid.NewString()
	}
	if convo.CreatedAt.IsZero() {
		convo.CreatedAt = time.Now()
	}
	convo.Participants = CanonicalPair(convo.Participants[0].ID, convo.Participants[1].ID)

	query := `
		INSERT INTO conversations (id, user_a, user_b, created_at)
		VALUES ($1, $2, $3, $4)
	`

	_, err := s.db.ExecContext(ctx, query, convo.ID, convo.Participants[0].ID, convo.Participants[1].ID, convo.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrDuplicatePair
		}
		return errors.Wrap(err, "conversationStore.Create.Insert")
	}
	return nil
}

func (s *SQLStore) UpsertSettings(ctx context.Context, conversationID, userID string, update SettingsUpdate) (*Settings, error) {
	query := `
		INSERT INTO conversation_settings (conversation_id, user_id, is_muted, is_archived)
		VALUES ($1, $2, COALESCE($3::boolean, false), COALESCE($4::boolean, false))
		ON CONFLICT (conversation_id, user_id) DO UPDATE SET
			is_muted = COALESCE($3::boolean, conversation_settings.is_muted),
			is_archived = COALESCE($4::boolean, conversation_settings.is_archived)
		RETURNING user_id, is_muted, is_archived, last_read_at
	`

	row := s.db.QueryRowContext(ctx, query, conversationID, userID, update.Muted, update.Archived)

	var settings Settings
	var lastRead sql.NullTime
	if err := row.Scan(&settings.UserID, &settings.Muted, &settings.Archived, &lastRead); err != nil {
		return nil, errors.Wrap(err, "conversationStore.UpsertSettings.Scan")
	}
	settings.LastReadAt = timePtr(lastRead)
	return &settings, nil
}

func (s *SQLStore) SetLastRead(ctx context.Context, conversationID, userID string, at time.Time) error {
	query := `
		INSERT INTO conversation_settings (conversation_id, user_id, last_read_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (conversation_id, user_id) DO UPDATE SET
			last_read_at = GREATEST(COALESCE(conversation_settings.last_read_at, EXCLUDED.last_read_at), EXCLUDED.last_read_at)
	`

	if _, err := s.db.ExecContext(ctx, query, conversationID, userID, at); err != nil {
		return errors.Wrap(err, "conversationStore.SetLastRead.Exec")
	}
	return nil
}

// TouchLastMessage moves the denormalized last-message timestamp forward;
// it never moves it back.
func (s *SQLStore) TouchLastMessage(ctx context.Context, conversationID string, at time.Time) error {
	query := `
		UPDATE conversations
		SET last_message_at = GREATEST(COALESCE(last_message_at, $2), $2)
		WHERE id = $1
	`

	res, err := s.db.ExecContext(ctx, query, conversationID, at)
	if err != nil {
		return errors.Wrap(err, "conversationStore.TouchLastMessage.Exec")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrConversationNotFound
	}
	return nil
}

func (s *SQLStore) ListForUser(ctx context.Context, userID string) ([]*Conversation, error) {
	query := `
		SELECT c.id, c.user_a, c.user_b, c.created_at, c.last_message_at,
			COALESCE(cs.is_muted, false), COALESCE(cs.is_archived, false), cs.last_read_at
		FROM conversations c
		LEFT JOIN conversation_settings cs ON cs.conversation_id = c.id AND cs.user_id = $1
		WHERE c.user_a = $1 OR c.user_b = $1
		ORDER BY c.last_message_at DESC NULLS LAST, c.created_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, errors.Wrap(err, "conversationStore.ListForUser.Query")
	}
	defer func() {
		_ = rows.Close()
	}()

	var convos []*Conversation
	for rows.Next() {
		var (
			convo       Conversation
			lastMessage sql.NullTime
			lastRead    sql.NullTime
			settings    = Settings{UserID: userID}
		)
		if err := rows.Scan(
			&convo.ID, &convo.Participants[0].ID, &convo.Participants[1].ID, &convo.CreatedAt, &lastMessage,
			&settings.Muted, &settings.Archived, &lastRead,
		); err != nil {
			return nil, errors.Wrap(err, "conversationStore.ListForUser.Scan")
		}
		convo.LastMessageAt = timePtr(lastMessage)
		settings.LastReadAt = timePtr(lastRead)
		convo.Settings = []Settings{settings}
		convos = append(convos, &convo)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "conversationStore.ListForUser.Rows")
	}
	return convos, nil
}

func (s *SQLStore) loadSettings(ctx context.Context, convo *Conversation) error {
	query := `
		SELECT user_id, is_muted, is_archived, last_read_at
		FROM conversation_settings
		WHERE conversation_id = $1
	`

	rows, err := s.db.QueryContext(ctx, query, convo.ID)
	if err != nil {
		return errors.Wrap(err, "conversationStore.loadSettings.Query")
	}
	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		var settings Settings
		var lastRead sql.NullTime
		if err := rows.Scan(&settings.UserID, &settings.Muted, &settings.Archived, &lastRead); err != nil {
			return errors.Wrap(err, "conversationStore.loadSettings.Scan")
		}
		settings.LastReadAt = timePtr(lastRead)
		convo.Settings = append(convo.Settings, settings)
	}
	return errors.Wrap(rows.Err(), "conversationStore.loadSettings.Rows")
}

func scanConversation(row *sql.Row) (*Conversation, error) {
	var convo Conversation
	var lastMessage sql.NullTime
	if err := row.Scan(&convo.ID, &convo.Participants[0].ID, &convo.Participants[1].ID, &convo.CreatedAt, &lastMessage); err != nil {
		return nil, err
	}
	convo.LastMessageAt = timePtr(lastMessage)
	return &convo, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
