package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{
		FailureThreshold: 2,
		Cooldown:         50 * time.Millisecond,
		MaxAttempts:      3,
		InitialBackoff:   time.Millisecond,
		MaxBackoff:       2 * time.Millisecond,
	}
}

func TestExecute_RetriesUntilSuccess(t *testing.T) {
	b := NewBreaker("push", fastConfig(), prometheus.NewRegistry())

	calls := 0
	err := b.Execute(context.Background(), "send", func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("connection refused")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, CircuitBreakerClosed, b.State())
}

func TestExecute_OpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker("push", fastConfig(), nil)
	boom := errors.New("boom")

	calls := 0
	err := b.Execute(context.Background(), "send", func(context.Context) error {
		calls++
		return boom
	})

	// the third attempt is refused by the open circuit
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, calls)
	assert.Equal(t, CircuitBreakerOpen, b.State())

	err = b.Execute(context.Background(), "send", func(context.Context) error {
		t.Fatal("called while open")
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestExecute_HalfOpenTrialCloses(t *testing.T) {
	b := NewBreaker("push", fastConfig(), nil)
	_ = b.Execute(context.Background(), "send", func(context.Context) error { return errors.New("boom") })
	require.Equal(t, CircuitBreakerOpen, b.State())

	time.Sleep(60 * time.Millisecond)

	require.NoError(t, b.Execute(context.Background(), "send", func(context.Context) error { return nil }))
	assert.Equal(t, CircuitBreakerClosed, b.State())
}

func TestExecute_HalfOpenTrialFailureReopens(t *testing.T) {
	b := NewBreaker("push", fastConfig(), nil)
	_ = b.Execute(context.Background(), "send", func(context.Context) error { return errors.New("boom") })

	time.Sleep(60 * time.Millisecond)

	calls := 0
	err := b.Execute(context.Background(), "send", func(context.Context) error {
		calls++
		return errors.New("still down")
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 1, calls)
	assert.Equal(t, CircuitBreakerOpen, b.State())
}

func TestExecute_GivesUpAfterMaxAttempts(t *testing.T) {
	cfg := fastConfig()
	cfg.FailureThreshold = 10
	b := NewBreaker("push", cfg, nil)
	boom := errors.New("boom")

	err := b.Execute(context.Background(), "send", func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, CircuitBreakerClosed, b.State())
}

func TestExecute_StopsOnContextCancel(t *testing.T) {
	cfg := fastConfig()
	cfg.FailureThreshold = 10
	cfg.InitialBackoff = time.Second
	cfg.MaxBackoff = time.Second
	b := NewBreaker("push", cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := b.Execute(ctx, "send", func(context.Context) error { return errors.New("boom") })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, "timeout", classifyError(context.DeadlineExceeded))
	assert.Equal(t, "network", classifyError(errors.New("dial tcp: connection refused")))
	assert.Equal(t, "dns", classifyError(errors.New("lookup fcm: no such host")))
	assert.Equal(t, "unknown", classifyError(errors.New("boom")))
}
