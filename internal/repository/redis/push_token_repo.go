package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"voicecall-backend/internal/database"
	"voicecall-backend/pkg/logger"
	"voicecall-backend/pkg/push"
)

// pushTokenExpiry bounds how long an unrefreshed device token set lives
const pushTokenExpiry = 30 * 24 * time.Hour

// PushTokenRepository handles push notification token storage in Redis
type PushTokenRepository struct {
	client *database.RedisClient
}

// NewPushTokenRepository creates a new push token repository
func NewPushTokenRepository(client *database.RedisClient) *PushTokenRepository {
	return &PushTokenRepository{client: client}
}

func userTokensKey(userID string) string {
	return fmt.Sprintf("voicecall:push:user:%s:tokens", userID)
}

// Store saves a token in the user's token hash, keyed by token value
func (r *PushTokenRepository) Store(ctx context.Context, token *push.Token) error {
	now := time.Now().Unix()
	if token.CreatedAt == 0 {
		token.CreatedAt = now
	}
	token.UpdatedAt = now

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	key := userTokensKey(token.UserID)
	if err := r.client.SafeHSet(ctx, key, token.Token, data).Err(); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}

	if err := r.client.SafeExpire(ctx, key, pushTokenExpiry).Err(); err != nil {
		logger.Warn("Failed to set expiration on user tokens",
			zap.String("user_id", token.UserID),
			zap.Error(err))
	}

	return nil
}

// GetByUserID retrieves all tokens registered for a user
func (r *PushTokenRepository) GetByUserID(ctx context.Context, userID string) ([]*push.Token, error) {
	values, err := r.client.SafeHGetAll(ctx, userTokensKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get user tokens: %w", err)
	}

	tokens := make([]*push.Token, 0, len(values))
	for _, raw := range values {
		var token push.Token
		if err := json.Unmarshal([]byte(raw), &token); err != nil {
			logger.Warn("Skipping malformed push token",
				zap.String("user_id", userID),
				zap.Error(err))
			continue
		}
		tokens = append(tokens, &token)
	}

	return tokens, nil
}

// Delete removes one token from a user's set
func (r *PushTokenRepository) Delete(ctx context.Context, userID, token string) error {
	if err := r.client.SafeHDel(ctx, userTokensKey(userID), token).Err(); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}
