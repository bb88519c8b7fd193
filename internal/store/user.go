package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// DefaultReputation is the reputation assigned to a user on first
// moderation-relevant write.
const DefaultReputation = 100

// User carries the moderation-relevant slice of a user record. The legacy
// score column mirrors reputation for clients that still read it.
type User struct {
	ID         string
	Reputation int
}

// GetUser loads a user by id. Returns (nil, nil) if it does not exist.
func (s *Store) GetUser(ctx context.Context, userID string) (*User, error) {
	const query = `SELECT id, reputation FROM users WHERE id = $1`

	var u User
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&u.ID, &u.Reputation)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user: %w", err)
	}
	return &u, nil
}
