// Package user persists the per-user state this core owns: the durable
// last-seen timestamp written when a user's last connection closes.
package user

import (
	"context"
	"database/sql"
	"errors"
	"time"

	pkgerrors "github.com/pkg/errors"
)

var ErrNeverSeen = errors.New("user has no recorded last-seen")

// LastSeenStore defines presence persistence operations.
type LastSeenStore interface {
	UpdateLastSeen(ctx context.Context, userID string, at time.Time) error
	GetLastSeen(ctx context.Context, userID string) (time.Time, error)
}

// SQLStore implements LastSeenStore using a database/sql connection.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a new SQLStore.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) UpdateLastSeen(ctx context.Context, userID string, at time.Time) error {
	query := `
		INSERT INTO user_presence (user_id, last_seen)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET last_seen = GREATEST(user_presence.last_seen, EXCLUDED.last_seen)
	`

	if _, err := s.db.ExecContext(ctx, query, userID, at); err != nil {
		return pkgerrors.Wrap(err, "userStore.UpdateLastSeen.Exec")
	}
	return nil
}

func (s *SQLStore) GetLastSeen(ctx context.Context, userID string) (time.Time, error) {
	var lastSeen time.Time
	err := s.db.QueryRowContext(ctx, `SELECT last_seen FROM user_presence WHERE user_id = $1`, userID).Scan(&lastSeen)
	if err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, ErrNeverSeen
		}
		return time.Time{}, pkgerrors.Wrap(err, "userStore.GetLastSeen.Scan")
	}
	return lastSeen, nil
}
