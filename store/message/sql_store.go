package message

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// SQLStore implements Store using a database/sql connection.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a new SQLStore.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const selectMessage = `
		SELECT id, conversation_id, sender_id, content, COALESCE(client_message_id, ''), created_at, delivered_at, read_at
		FROM messages
`

// Append relies on the unique index over client_message_id: concurrent
// retries carrying the same token race on the insert and every loser reads
// back the winner's row.
func (s *SQLStore) Append(ctx context.Context, msg *Message) (*Message, bool, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO messages (id, conversation_id, sender_id, content, client_message_id, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
		ON CONFLICT (client_message_id) DO NOTHING
	`

	res, err := s.db.ExecContext(ctx, query,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Content, msg.ClientMessageID, msg.CreatedAt)
	if err != nil {
		return nil, false, errors.Wrap(err, "messageStore.Append.Insert")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, errors.Wrap(err, "messageStore.Append.RowsAffected")
	}
	if n == 1 {
		return msg, true, nil
	}

	existing, err := s.FindByClientID(ctx, msg.ClientMessageID)
	if err != nil {
		return nil, false, errors.Wrap(err, "messageStore.Append.FindExisting")
	}
	return existing, false, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Message, error) {
	return s.getOne(ctx, selectMessage+`WHERE id = $1`, id)
}

func (s *SQLStore) FindByClientID(ctx context.Context, clientMessageID string) (*Message, error) {
	if clientMessageID == "" {
		return nil, ErrMessageNotFound
	}
	return s.getOne(ctx, selectMessage+`WHERE client_message_id = $1`, clientMessageID)
}

func (s *SQLStore) List(ctx context.Context, conversationID string, limit int, before time.Time) ([]*Message, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if before.IsZero() {
		rows, err = s.db.QueryContext(ctx, selectMessage+`
		WHERE conversation_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, conversationID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, selectMessage+`
		WHERE conversation_id = $1 AND created_at < $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3`, conversationID, before, limit)
	}
	if err != nil {
		return nil, errors.Wrap(err, "messageStore.List.Query")
	}
	defer func() {
		_ = rows.Close()
	}()

	msgs := make([]*Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "messageStore.List.Scan")
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "messageStore.List.Rows")
	}
	return msgs, nil
}

// MarkDelivered sets delivered_at on the given messages that the requester
// did not author, that belong to one of the requester's conversations and
// that were not yet delivered.
func (s *SQLStore) MarkDelivered(ctx context.Context, ids []string, requesterID string, at time.Time) ([]Receipt, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `
		UPDATE messages m
		SET delivered_at = $3
		FROM conversations c
		WHERE m.id = ANY($1)
			AND c.id = m.conversation_id
			AND (c.user_a = $2 OR c.user_b = $2)
			AND m.sender_id <> $2
			AND m.delivered_at IS NULL
		RETURNING m.id, m.conversation_id, m.sender_id, m.delivered_at
	`

	rows, err := s.db.QueryContext(ctx, query, pq.Array(ids), requesterID, at)
	if err != nil {
		return nil, errors.Wrap(err, "messageStore.MarkDelivered.Update")
	}
	defer func() {
		_ = rows.Close()
	}()

	var receipts []Receipt
	for rows.Next() {
		var r Receipt
		if err := rows.Scan(&r.MessageID, &r.ConversationID, &r.SenderID, &r.DeliveredAt); err != nil {
			return nil, errors.Wrap(err, "messageStore.MarkDelivered.Scan")
		}
		receipts = append(receipts, r)
	}
	return receipts, errors.Wrap(rows.Err(), "messageStore.MarkDelivered.Rows")
}

// MarkConversationRead marks every unread message from the other side as
// read, back-filling delivered_at, and returns how many rows changed.
func (s *SQLStore) MarkConversationRead(ctx context.Context, conversationID, readerID string, at time.Time) (int64, error) {
	query := `
		UPDATE messages
		SET read_at = $3, delivered_at = COALESCE(delivered_at, $3)
		WHERE conversation_id = $1
			AND sender_id <> $2
			AND read_at IS NULL
	`

	res, err := s.db.ExecContext(ctx, query, conversationID, readerID, at)
	if err != nil {
		return 0, errors.Wrap(err, "messageStore.MarkConversationRead.Exec")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "messageStore.MarkConversationRead.RowsAffected")
	}
	return n, nil
}

func (s *SQLStore) CountUnread(ctx context.Context, conversationID, userID string, since time.Time) (int, error) {
	var (
		row   *sql.Row
		count int
	)
	if since.IsZero() {
		row = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE conversation_id = $1 AND sender_id <> $2`, conversationID, userID)
	} else {
		row = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE conversation_id = $1 AND sender_id <> $2 AND created_at > $3`, conversationID, userID, since)
	}
	if err := row.Scan(&count); err != nil {
		return 0, errors.Wrap(err, "messageStore.CountUnread.Scan")
	}
	return count, nil
}

func (s *SQLStore) getOne(ctx context.Context, query string, arg string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, query, arg)
	msg, err := scanMessage(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrMessageNotFound
		}
		return nil, errors.Wrap(err, "messageStore.getOne.Scan")
	}
	return msg, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*Message, error) {
	var (
		msg       Message
		delivered sql.NullTime
		read      sql.NullTime
	)
	if err := row.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Content, &msg.ClientMessageID,
		&msg.CreatedAt, &delivered, &read); err != nil {
		return nil, err
	}
	if delivered.Valid {
		t := delivered.Time
		msg.DeliveredAt = &t
	}
	if read.Valid {
		t := read.Time
		msg.ReadAt = &t
	}
	return &msg, nil
}
