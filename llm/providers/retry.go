package providers

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/BaSui01/modelbridge/llm"
	"go.uber.org/zap"
)

// RetryConfig holds the backoff policy shared by every backend.
type RetryConfig struct {
	MaxAttempts   int           `json:"max_attempts" yaml:"max_attempts"`     // Total attempts including the first, default 3
	BaseDelay     time.Duration `json:"base_delay" yaml:"base_delay"`         // Delay before the first retry, default 1s
	MaxDelay      time.Duration `json:"max_delay" yaml:"max_delay"`           // Backoff cap, default 30s
	BackoffFactor float64       `json:"backoff_factor" yaml:"backoff_factor"` // Exponential factor, default 2.0
}

// DefaultRetryConfig returns sensible retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		BaseDelay:     time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
	}
}

// normalized fills zero fields with defaults.
func (c RetryConfig) normalized() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.BackoffFactor <= 1 {
		c.BackoffFactor = d.BackoffFactor
	}
	return c
}

// Classifier decides, given a failure, whether another attempt may help.
type Classifier func(error) bool

// Retry runs op under the bounded exponential-backoff policy. A nil
// classifier falls back to llm.IsRetryable (HTTP 4xx and translation
// failures terminal, network faults and 5xx transient; the one 4xx
// exception is 429 rate limiting, which MapHTTPError marks retryable so
// it rides the same backoff). For a stream-producing op, only call
// Retry around stream establishment: a partially delivered stream
// cannot be replayed without duplication.
func Retry[T any](ctx context.Context, label string, cfg RetryConfig, classify Classifier, logger *zap.Logger, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	cfg = cfg.normalized()
	if classify == nil {
		classify = llm.IsRetryable
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := cfg.delay(attempt)
			logger.Debug("retrying operation",
				zap.String("op", label),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !classify(err) {
			return zero, err
		}

		if attempt < cfg.MaxAttempts-1 {
			logger.Warn("operation failed, will retry",
				zap.String("op", label),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
	}

	return zero, fmt.Errorf("%s failed after %d attempts: %w", label, cfg.MaxAttempts, lastErr)
}

// delay computes the wait before the given retry (attempt >= 1).
func (c RetryConfig) delay(attempt int) time.Duration {
	d := float64(c.BaseDelay) * math.Pow(c.BackoffFactor, float64(attempt-1))
	if d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	return time.Duration(d)
}
