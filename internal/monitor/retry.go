package monitor

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yieldvault/deposit-monitor/internal/chain"
	"github.com/yieldvault/deposit-monitor/internal/config"
	"github.com/yieldvault/deposit-monitor/internal/metrics"
)

// RetryConfig defines tick retry behavior.
type RetryConfig struct {
	MaxAttempts       int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	RateLimitCooldown time.Duration
}

// DefaultRetryConfig matches the deployment defaults.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:       3,
	BaseDelay:         1 * time.Second,
	MaxDelay:          60 * time.Second,
	RateLimitCooldown: 30 * time.Second,
}

// RetryConfigFrom builds a RetryConfig from monitor settings, keeping
// defaults for anything left unset.
func RetryConfigFrom(cfg *config.MonitorConfig) RetryConfig {
	rc := DefaultRetryConfig
	if cfg == nil {
		return rc
	}
	if cfg.RetryAttempts > 0 {
		rc.MaxAttempts = cfg.RetryAttempts
	}
	if cfg.RetryBaseDelay > 0 {
		rc.BaseDelay = cfg.RetryBaseDelay
	}
	if cfg.RetryMaxDelay > 0 {
		rc.MaxDelay = cfg.RetryMaxDelay
	}
	if cfg.RateLimitCooldown > 0 {
		rc.RateLimitCooldown = cfg.RateLimitCooldown
	}
	return rc
}

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retrier re-runs a tick attempt with a fixed cooldown for rate-limited
// failures and exponential backoff for everything else.
type Retrier struct {
	config  RetryConfig
	sleep   SleepFunc
	logger  *logrus.Entry
	metrics *metrics.PrometheusMetrics
}

// NewRetrier creates a retrier
func NewRetrier(cfg RetryConfig, logger *logrus.Entry) *Retrier {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Retrier{
		config: cfg,
		sleep:  sleepContext,
		logger: logger,
	}
}

// Delay returns how long to wait after the given number of failed attempts.
func (r *Retrier) Delay(failures int, err error) time.Duration {
	if chain.Classify(err) == chain.ClassRateLimited {
		return r.config.RateLimitCooldown
	}
	delay := float64(r.config.BaseDelay) * math.Pow(2, float64(failures))
	if r.config.MaxDelay > 0 && delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}
	return time.Duration(delay)
}

// Do runs op until it succeeds, fails fatally or MaxAttempts is reached.
// It returns the number of attempts made.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context, attempt int) error) (int, error) {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		err := op(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		lastErr = err

		class := chain.Classify(err)
		if ctx.Err() != nil {
			class = chain.ClassFatal
		}

		fields := logrus.Fields{
			"attempt":      attempt,
			"max_attempts": r.config.MaxAttempts,
			"class":        class.String(),
		}
		if class == chain.ClassFatal {
			r.logger.WithFields(fields).WithError(err).Warn("Tick attempt failed, not retrying")
			return attempt, err
		}
		if attempt == r.config.MaxAttempts {
			r.logger.WithFields(fields).WithError(err).Error("Tick attempt failed")
			break
		}

		delay := r.Delay(attempt, err)
		fields["retry_in"] = delay
		if class == chain.ClassRateLimited {
			r.logger.WithFields(fields).WithError(err).Warn("Rate limited, cooling down")
		} else {
			r.logger.WithFields(fields).WithError(err).Warn("Tick attempt failed, backing off")
		}
		if r.metrics != nil {
			r.metrics.RecordRetry(class.String())
		}

		if err := r.sleep(ctx, delay); err != nil {
			return attempt, fmt.Errorf("retry interrupted: %w", lastErr)
		}
	}

	return r.config.MaxAttempts, fmt.Errorf("failed after %d attempts: %w", r.config.MaxAttempts, lastErr)
}
