package cockroach

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"voicecall-backend/internal/domain"
)

// UserSchema creates the users table used for caller/receiver lookups
const UserSchema = `
	CREATE TABLE IF NOT EXISTS users (
		user_id      STRING PRIMARY KEY,
		display_name STRING NOT NULL DEFAULT ''
	)
`

// UserRepository resolves users from CockroachDB
type UserRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository creates a new UserRepository
func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

// EnsureSchema creates the users table if missing
func (r *UserRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, UserSchema); err != nil {
		return fmt.Errorf("failed to create users table: %w", err)
	}
	return nil
}

// Upsert inserts a user or renames an existing one
func (r *UserRepository) Upsert(ctx context.Context, user *domain.User) error {
	query := `UPSERT INTO users (user_id, display_name) VALUES ($1, $2)`

	if _, err := r.pool.Exec(ctx, query, user.UserID, user.DisplayName); err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID; a missing user is nil, nil
func (r *UserRepository) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, display_name
		FROM users
		WHERE user_id = $1
	`

	user := &domain.User{}
	err := r.pool.QueryRow(ctx, query, userID).Scan(&user.UserID, &user.DisplayName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return user, nil
}
