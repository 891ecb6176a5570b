// Package resilience guards calls to flaky external services with retries
// and a circuit breaker.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"voicecall-backend/pkg/logger"
)

// ErrCircuitOpen is returned while the breaker rejects calls
var ErrCircuitOpen = errors.New("circuit breaker open")

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState string

const (
	CircuitBreakerClosed   CircuitBreakerState = "closed"
	CircuitBreakerHalfOpen CircuitBreakerState = "half_open"
	CircuitBreakerOpen     CircuitBreakerState = "open"
)

func (s CircuitBreakerState) gaugeValue() float64 {
	switch s {
	case CircuitBreakerHalfOpen:
		return 1
	case CircuitBreakerOpen:
		return 2
	default:
		return 0
	}
}

// Config tunes retries and the breaker
type Config struct {
	// FailureThreshold consecutive failures open the circuit
	FailureThreshold int
	// Cooldown is how long the circuit stays open before one trial call
	Cooldown       time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig suits a remote notification API
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		Cooldown:         10 * time.Second,
		MaxAttempts:      3,
		InitialBackoff:   100 * time.Millisecond,
		MaxBackoff:       2 * time.Second,
	}
}

type breakerMetrics struct {
	requestsTotal       *prometheus.CounterVec
	errorsTotal         *prometheus.CounterVec
	circuitBreakerState prometheus.Gauge
}

// Breaker runs operations with retry, backoff and a circuit breaker
type Breaker struct {
	name string
	cfg  Config

	mu                  sync.Mutex
	state               CircuitBreakerState
	consecutiveFailures int
	openedAt            time.Time
	trialInFlight       bool

	metrics *breakerMetrics
}

// NewBreaker creates a closed breaker. Metrics are registered with reg
// unless it is nil.
func NewBreaker(name string, cfg Config, reg prometheus.Registerer) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}

	factory := promauto.With(reg)
	labels := prometheus.Labels{"breaker": name}

	return &Breaker{
		name:  name,
		cfg:   cfg,
		state: CircuitBreakerClosed,
		metrics: &breakerMetrics{
			requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
				Name:        "resilience_requests_total",
				Help:        "Total number of guarded requests",
				ConstLabels: labels,
			}, []string{"operation", "status"}),
			errorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
				Name:        "resilience_errors_total",
				Help:        "Total number of guarded request errors",
				ConstLabels: labels,
			}, []string{"operation", "error_type"}),
			circuitBreakerState: factory.NewGauge(prometheus.GaugeOpts{
				Name:        "resilience_circuit_breaker_state",
				Help:        "State of the circuit breaker (0=closed, 1=half_open, 2=open)",
				ConstLabels: labels,
			}),
		},
	}
}

// Execute runs fn until it succeeds, attempts run out, ctx ends or the
// circuit opens.
func (b *Breaker) Execute(ctx context.Context, operation string, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= b.cfg.MaxAttempts; attempt++ {
		if !b.allow() {
			b.metrics.requestsTotal.WithLabelValues(operation, "circuit_breaker_open").Inc()
			if lastErr != nil {
				return fmt.Errorf("%s %s: %w (last error: %v)", b.name, operation, ErrCircuitOpen, lastErr)
			}
			return fmt.Errorf("%s %s: %w", b.name, operation, ErrCircuitOpen)
		}

		err := fn(ctx)
		b.record(operation, err)
		if err == nil {
			b.metrics.requestsTotal.WithLabelValues(operation, "success").Inc()
			return nil
		}

		lastErr = err
		b.metrics.requestsTotal.WithLabelValues(operation, "failure").Inc()
		b.metrics.errorsTotal.WithLabelValues(operation, classifyError(err)).Inc()

		if attempt == b.cfg.MaxAttempts {
			break
		}

		backoff := b.cfg.InitialBackoff << (attempt - 1)
		if backoff > b.cfg.MaxBackoff || backoff <= 0 {
			backoff = b.cfg.MaxBackoff
		}
		logger.Debug("Guarded operation failed, backing off",
			zap.String("breaker", b.name),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s %s: %w", b.name, operation, ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("%s %s failed after %d attempts: %w", b.name, operation, b.cfg.MaxAttempts, lastErr)
}

// State returns the current circuit breaker state
func (b *Breaker) State() CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitBreakerOpen:
		if time.Since(b.openedAt) < b.cfg.Cooldown {
			return false
		}
		b.setStateLocked(CircuitBreakerHalfOpen)
		b.trialInFlight = true
		return true
	case CircuitBreakerHalfOpen:
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true
	default:
		return true
	}
}

func (b *Breaker) record(operation string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.trialInFlight = false
	if err == nil {
		b.consecutiveFailures = 0
		if b.state != CircuitBreakerClosed {
			b.setStateLocked(CircuitBreakerClosed)
			logger.Info("Circuit breaker closed",
				zap.String("breaker", b.name),
				zap.String("operation", operation))
		}
		return
	}

	b.consecutiveFailures++
	if b.state == CircuitBreakerHalfOpen || b.consecutiveFailures >= b.cfg.FailureThreshold {
		if b.state != CircuitBreakerOpen {
			logger.Error("Circuit breaker opened",
				zap.String("breaker", b.name),
				zap.String("operation", operation),
				zap.Int("consecutive_failures", b.consecutiveFailures))
		}
		b.setStateLocked(CircuitBreakerOpen)
		b.openedAt = time.Now()
	}
}

func (b *Breaker) setStateLocked(state CircuitBreakerState) {
	b.state = state
	b.metrics.circuitBreakerState.Set(state.gaugeValue())
}

// classifyError buckets errors for metrics
func classifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}

	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "network unreachable"):
		return "network"
	case strings.Contains(errMsg, "no such host") || strings.Contains(errMsg, "dns"):
		return "dns"
	case strings.Contains(errMsg, "permission denied") || strings.Contains(errMsg, "unauthenticated"):
		return "permission"
	default:
		return "unknown"
	}
}
