package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// WithRateLimit wraps next so inference calls never exceed rps sustained
// with the given burst. Callers block in Wait until a token is available or
// their context expires.
func WithRateLimit(next Broker, rps float64, burst int, logger *zap.Logger) Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if rps <= 0 {
		rps = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &rateLimited{
		next:   next,
		lim:    rate.NewLimiter(rate.Limit(rps), burst),
		logger: logger,
	}
}

type rateLimited struct {
	next   Broker
	lim    *rate.Limiter
	logger *zap.Logger
}

func (r *rateLimited) Infer(ctx context.Context, taskType, prompt string, maxTokens int, temperature float64) (string, error) {
	if err := r.lim.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait: %w", err)
	}
	return r.next.Infer(ctx, taskType, prompt, maxTokens, temperature)
}

// BreakerConfig tunes the circuit breaker around the broker.
type BreakerConfig struct {
	// ConsecutiveFailures opens the circuit once reached. Defaults to 5.
	ConsecutiveFailures uint32

	// OpenTimeout is how long the circuit stays open before probing
	// half-open. Defaults to 30s.
	OpenTimeout time.Duration
}

// WithBreaker wraps next in a circuit breaker. While the circuit is open,
// Infer fails fast with ErrUnavailable instead of queueing work against a
// dead upstream.
func WithBreaker(next Broker, cfg BreakerConfig, logger *zap.Logger) Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "model-broker",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("broker circuit state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &breakered{next: next, cb: cb}
}

type breakered struct {
	next Broker
	cb   *gobreaker.CircuitBreaker
}

func (b *breakered) Infer(ctx context.Context, taskType, prompt string, maxTokens int, temperature float64) (string, error) {
	out, err := b.cb.Execute(func() (any, error) {
		return b.next.Infer(ctx, taskType, prompt, maxTokens, temperature)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("circuit open: %w", ErrUnavailable)
		}
		return "", err
	}
	return out.(string), nil
}
