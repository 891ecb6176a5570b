package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"voicecall-backend/internal/domain"
)

// Directory is an in-process user directory with presence tracking
type Directory struct {
	mu     sync.RWMutex
	users  map[string]string
	online map[string]bool
}

// NewDirectory creates an empty directory
func NewDirectory() *Directory {
	return &Directory{
		users:  make(map[string]string),
		online: make(map[string]bool),
	}
}

// NewDirectoryFromSeed builds a directory from "id:Display Name" entries.
// An entry without a name uses the id as its display name.
func NewDirectoryFromSeed(entries []string) *Directory {
	d := NewDirectory()
	for _, entry := range entries {
		id, name, found := strings.Cut(entry, ":")
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if !found || strings.TrimSpace(name) == "" {
			name = id
		}
		d.AddUser(id, strings.TrimSpace(name))
	}
	return d
}

// AddUser registers or renames a user
func (d *Directory) AddUser(userID, displayName string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[userID] = displayName
}

func (d *Directory) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	name, ok := d.users[userID]
	if !ok {
		return nil, nil
	}
	return &domain.User{UserID: userID, DisplayName: name, Online: d.online[userID]}, nil
}

func (d *Directory) IsOnline(ctx context.Context, userID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.online[userID], nil
}

// IsUserOnline lets the directory act as a presence store.
func (d *Directory) IsUserOnline(ctx context.Context, userID string) (bool, error) {
	return d.IsOnline(ctx, userID)
}

func (d *Directory) SetUserOnline(ctx context.Context, userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.online[userID] = true
	return nil
}

func (d *Directory) SetUserOffline(ctx context.Context, userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.online, userID)
	return nil
}

// RefreshPresence is a no-op; in-memory presence does not expire.
func (d *Directory) RefreshPresence(ctx context.Context, userID string) error {
	return nil
}

// UserIDs lists registered users in id order
func (d *Directory) UserIDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ids := make([]string, 0, len(d.users))
	for id := range d.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
