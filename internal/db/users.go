package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rx3lixir/callcore/internal/calls"
)

func (s *PostgresStore) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	query := `
		SELECT id, username, display_name, photo_key, created_at, updated_at
		FROM users
		WHERE id = $1
	`

	user := &User{}
	err := s.db.QueryRow(ctx, query, id).Scan(
		&user.ID,
		&user.Username,
		&user.DisplayName,
		&user.PhotoKey,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", id, calls.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return user, nil
}

// GetProfile returns the public face of a user for caller display.
func (s *PostgresStore) GetProfile(ctx context.Context, id uuid.UUID) (calls.Profile, error) {
	user, err := s.GetUserByID(ctx, id)
	if err != nil {
		return calls.Profile{}, err
	}

	return calls.Profile{
		UserID:      user.ID,
		DisplayName: user.Name(),
		PhotoRef:    user.PhotoKey,
	}, nil
}
