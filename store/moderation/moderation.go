// Package moderation reads block relationships owned by the moderation
// service. This core only consults them.
package moderation

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// Checker answers whether two users have a block in either direction.
type Checker interface {
	IsBlocked(ctx context.Context, userAID, userBID string) (bool, error)
}

// SQLStore implements Checker over the user_blocks table.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a new SQLStore.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) IsBlocked(ctx context.Context, userAID, userBID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM user_blocks
			WHERE (blocker_id = $1 AND blocked_id = $2)
				OR (blocker_id = $2 AND blocked_id = $1)
		)
	`

	var blocked bool
	if err := s.db.QueryRowContext(ctx, query, userAID, userBID).Scan(&blocked); err != nil {
		return false, errors.Wrap(err, "moderationStore.IsBlocked.Scan")
	}
	return blocked, nil
}
