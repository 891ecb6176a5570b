package repository

import (
	"context"
	"fmt"

	"voicecall-backend/internal/domain"
)

// UserStore looks up accounts
type UserStore interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
}

// PresenceStore answers whether a user is connected
type PresenceStore interface {
	IsUserOnline(ctx context.Context, userID string) (bool, error)
}

// Directory joins a user store with a presence store
type Directory struct {
	users    UserStore
	presence PresenceStore
}

// NewDirectory combines account lookups with presence
func NewDirectory(users UserStore, presence PresenceStore) *Directory {
	return &Directory{users: users, presence: presence}
}

func (d *Directory) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	user, err := d.users.GetUser(ctx, userID)
	if err != nil || user == nil {
		return user, err
	}

	online, err := d.presence.IsUserOnline(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve presence: %w", err)
	}
	user.Online = online
	return user, nil
}

func (d *Directory) IsOnline(ctx context.Context, userID string) (bool, error) {
	return d.presence.IsUserOnline(ctx, userID)
}
