package push

import (
	"context"
	"fmt"
	"sync"

	"voicecall-backend/pkg/logger"

	"go.uber.org/zap"
)

// Provider defines interface for sending push notifications
type Provider interface {
	Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error)
}

// SendResult contains the result of a push notification send operation
type SendResult struct {
	SuccessCount  int
	FailureCount  int
	InvalidTokens []string
	Errors        []error
}

// Notification represents a push notification
type Notification struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Priority string            `json:"priority,omitempty"` // high, normal
	Sound    string            `json:"sound,omitempty"`
	Category string            `json:"category,omitempty"`
}

// MissedCallData describes a call the receiver never answered
type MissedCallData struct {
	CallID     string
	CallerID   string
	CallerName string
	StartTime  int64
}

// TokenType represents the type of push notification token
type TokenType string

const (
	TokenTypeFCM TokenType = "fcm"
	TokenTypeWeb TokenType = "web"
)

// Token represents a push notification token for a user
type Token struct {
	UserID    string    `json:"user_id"`
	Token     string    `json:"token"`
	Type      TokenType `json:"type"`
	Platform  string    `json:"platform,omitempty"` // ios, android, web
	Active    bool      `json:"active"`
	CreatedAt int64     `json:"created_at"`
	UpdatedAt int64     `json:"updated_at"`
}

// TokenRepository defines interface for storing and retrieving push tokens
type TokenRepository interface {
	Store(ctx context.Context, token *Token) error
	GetByUserID(ctx context.Context, userID string) ([]*Token, error)
	Delete(ctx context.Context, userID, token string) error
}

// Service handles push notification operations
type Service struct {
	provider Provider
	repo     TokenRepository
}

// NewService creates a new push notification service
func NewService(provider Provider, repo TokenRepository) *Service {
	return &Service{
		provider: provider,
		repo:     repo,
	}
}

// RegisterToken registers a push notification token for a user
func (s *Service) RegisterToken(ctx context.Context, token *Token) error {
	token.Active = true
	return s.repo.Store(ctx, token)
}

// UnregisterToken removes one device token of a user
func (s *Service) UnregisterToken(ctx context.Context, userID, token string) error {
	return s.repo.Delete(ctx, userID, token)
}

// SendMissedCallNotification tells the receiver about an unanswered call
func (s *Service) SendMissedCallNotification(ctx context.Context, data *MissedCallData, receiverID string) error {
	notification := &Notification{
		Title:    "Missed Call",
		Body:     fmt.Sprintf("You missed a call from %s", data.CallerName),
		Priority: "normal",
		Sound:    "default",
		Category: "MISSED_CALL",
		Data: map[string]string{
			"type":        "missed_call",
			"call_id":     data.CallID,
			"caller_id":   data.CallerID,
			"caller_name": data.CallerName,
			"start_time":  fmt.Sprintf("%d", data.StartTime),
		},
	}

	tokens, err := s.repo.GetByUserID(ctx, receiverID)
	if err != nil {
		return fmt.Errorf("failed to get push tokens: %w", err)
	}

	var active []string
	for _, token := range tokens {
		if token.Active {
			active = append(active, token.Token)
		}
	}
	if len(active) == 0 {
		logger.Debug("No push tokens for missed call receiver",
			zap.String("call_id", data.CallID),
			zap.String("receiver_id", receiverID))
		return nil
	}

	result, err := s.provider.Send(ctx, notification, active)
	if err != nil {
		logger.Error("Failed to send missed call notification",
			zap.String("call_id", data.CallID),
			zap.Error(err))
		return err
	}

	logger.Info("Missed call notification sent",
		zap.String("call_id", data.CallID),
		zap.Int("success_count", result.SuccessCount),
		zap.Int("failure_count", result.FailureCount))

	for _, invalid := range result.InvalidTokens {
		if err := s.repo.Delete(ctx, receiverID, invalid); err != nil {
			logger.Warn("Failed to delete invalid push token",
				zap.String("receiver_id", receiverID),
				zap.Error(err))
		}
	}

	return nil
}

// MockProvider records notifications instead of delivering them
type MockProvider struct {
	mu   sync.Mutex
	sent []*Notification
}

// Send implements Provider interface
func (m *MockProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	m.mu.Lock()
	m.sent = append(m.sent, notification)
	m.mu.Unlock()

	logger.Debug("MockProvider: Sending notification",
		zap.String("title", notification.Title),
		zap.String("body", notification.Body),
		zap.Int("token_count", len(tokens)))

	return &SendResult{SuccessCount: len(tokens)}, nil
}

// Sent returns the notifications delivered so far
func (m *MockProvider) Sent() []*Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Notification(nil), m.sent...)
}
