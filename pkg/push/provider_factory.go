package push

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"voicecall-backend/pkg/logger"
	"voicecall-backend/pkg/resilience"
)

// ProviderType represents the type of push notification provider
type ProviderType string

const (
	ProviderTypeMock     ProviderType = "mock"
	ProviderTypeFirebase ProviderType = "firebase"
)

// NewProvider creates the provider named by providerType
func NewProvider(ctx context.Context, providerType, firebaseProjectID string) (Provider, error) {
	logger.Info("Initializing push notification provider",
		zap.String("provider_type", providerType))

	switch ProviderType(providerType) {
	case ProviderTypeFirebase:
		provider, err := NewFirebaseProvider(ctx, firebaseProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to create firebase provider: %w", err)
		}
		return provider, nil
	case ProviderTypeMock, "":
		return &MockProvider{}, nil
	default:
		logger.Warn("Unknown push provider type, falling back to mock",
			zap.String("provider_type", providerType))
		return &MockProvider{}, nil
	}
}

// GuardedProvider sends through a circuit breaker so a failing push
// backend is retried briefly and then skipped until it recovers
type GuardedProvider struct {
	provider Provider
	breaker  *resilience.Breaker
}

// NewGuardedProvider wraps provider with breaker
func NewGuardedProvider(provider Provider, breaker *resilience.Breaker) *GuardedProvider {
	return &GuardedProvider{provider: provider, breaker: breaker}
}

func (g *GuardedProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	var result *SendResult
	err := g.breaker.Execute(ctx, "send", func(ctx context.Context) error {
		r, err := g.provider.Send(ctx, notification, tokens)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}
