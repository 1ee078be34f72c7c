package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"registration-service/internal/models"
)

// GetUser returns a non-deleted user.
func (s *Store) GetUser(ctx context.Context, userID int64) (*models.User, error) {
	var u models.User
	err := s.db.GetContext(ctx, &u,
		`SELECT id, email, name, is_enabled, is_admin FROM users WHERE id = $1 AND deleted_at IS NULL`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}
