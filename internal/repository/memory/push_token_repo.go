package memory

import (
	"context"
	"sync"
	"time"

	"voicecall-backend/pkg/push"
)

// PushTokenRepository keeps device tokens in process memory
type PushTokenRepository struct {
	mu     sync.RWMutex
	tokens map[string]map[string]push.Token
}

// NewPushTokenRepository creates an empty token store
func NewPushTokenRepository() *PushTokenRepository {
	return &PushTokenRepository{tokens: make(map[string]map[string]push.Token)}
}

func (r *PushTokenRepository) Store(_ context.Context, token *push.Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().Unix()
	if token.CreatedAt == 0 {
		token.CreatedAt = now
	}
	token.UpdatedAt = now

	byToken, ok := r.tokens[token.UserID]
	if !ok {
		byToken = make(map[string]push.Token)
		r.tokens[token.UserID] = byToken
	}
	byToken[token.Token] = *token
	return nil
}

func (r *PushTokenRepository) GetByUserID(_ context.Context, userID string) ([]*push.Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*push.Token, 0, len(r.tokens[userID]))
	for _, t := range r.tokens[userID] {
		tok := t
		out = append(out, &tok)
	}
	return out, nil
}

func (r *PushTokenRepository) Delete(_ context.Context, userID, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens[userID], token)
	return nil
}
