package update

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	defaultHealthRetries = 6
	defaultHealthDelay   = 10 * time.Second
)

// HealthChecker validates one service health endpoint.
type HealthChecker interface {
	Validate(ctx context.Context, service, url string) error
}

// HealthValidator polls an HTTP health endpoint until it returns 200.
// It makes at most retries attempts and sleeps delay between consecutive
// attempts, so a fully failing endpoint sees retries probes and
// retries-1 sleeps. The first 200 wins immediately.
type HealthValidator struct {
	client  *http.Client
	retries int
	delay   time.Duration
	logger  *zap.Logger

	sleep func(time.Duration)
}

// NewHealthValidator creates a validator with the default retry policy.
func NewHealthValidator(logger *zap.Logger) *HealthValidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthValidator{
		client:  &http.Client{Timeout: 5 * time.Second},
		retries: defaultHealthRetries,
		delay:   defaultHealthDelay,
		logger:  logger,
		sleep:   time.Sleep,
	}
}

// WithPolicy overrides the attempt count and inter-attempt delay.
func (v *HealthValidator) WithPolicy(retries int, delay time.Duration) *HealthValidator {
	if retries > 0 {
		v.retries = retries
	}
	v.delay = delay
	return v
}

// Validate probes url until it answers 200 or the attempts run out.
// Non-200 answers and transport errors both count as failed attempts.
func (v *HealthValidator) Validate(ctx context.Context, service, url string) error {
	var lastErr error
	for attempt := 1; attempt <= v.retries; attempt++ {
		if attempt > 1 {
			v.sleep(v.delay)
		}

		lastErr = v.probe(ctx, url)
		if lastErr == nil {
			v.logger.Info("service healthy",
				zap.String("service", service),
				zap.Int("attempt", attempt))
			return nil
		}
		v.logger.Warn("health probe failed",
			zap.String("service", service),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", v.retries),
			zap.Error(lastErr))
	}
	return fmt.Errorf("unhealthy after %d attempts: %w", v.retries, lastErr)
}

func (v *HealthValidator) probe(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
