package repository

import (
	"context"
	"time"

	"voicecall-backend/internal/domain"
	"voicecall-backend/pkg/cache"
)

// CachedUserStore keeps recent account lookups in memory. Misses are not
// cached, so newly created accounts become visible on the next lookup.
type CachedUserStore struct {
	users UserStore
	cache *cache.MemoryCache[domain.User]
}

// NewCachedUserStore wraps users with a cache of at most maxSize entries
func NewCachedUserStore(users UserStore, ttl time.Duration, maxSize int) *CachedUserStore {
	return &CachedUserStore{
		users: users,
		cache: cache.NewMemoryCache[domain.User](ttl, maxSize),
	}
}

// StartCleanup purges expired entries every interval until stop is called
func (s *CachedUserStore) StartCleanup(interval time.Duration) (stop func()) {
	return s.cache.StartCleanup(interval)
}

func (s *CachedUserStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	if user, ok := s.cache.Get(userID); ok {
		return &user, nil
	}

	user, err := s.users.GetUser(ctx, userID)
	if err != nil || user == nil {
		return user, err
	}

	s.cache.Set(userID, *user, 0)
	return user, nil
}
