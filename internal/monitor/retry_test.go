package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yieldvault/deposit-monitor/internal/chain"
	"github.com/yieldvault/deposit-monitor/internal/config"
	"github.com/yieldvault/deposit-monitor/pkg/utils"
)

func newTestRetrier(cfg RetryConfig) (*Retrier, *sleepRecorder) {
	r := NewRetrier(cfg, utils.ComponentLogger("test"))
	sleeper := &sleepRecorder{}
	r.sleep = sleeper.sleep
	return r, sleeper
}

func TestRetrierDelay(t *testing.T) {
	r, _ := newTestRetrier(RetryConfig{
		MaxAttempts:       5,
		BaseDelay:         time.Second,
		MaxDelay:          5 * time.Second,
		RateLimitCooldown: 30 * time.Second,
	})
	plain := errors.New("boom")

	assert.Equal(t, 2*time.Second, r.Delay(1, plain))
	assert.Equal(t, 4*time.Second, r.Delay(2, plain))
	assert.Equal(t, 5*time.Second, r.Delay(3, plain))
	assert.Equal(t, 30*time.Second, r.Delay(1, &chain.RPCError{RateLimited: true}))
	assert.Equal(t, 30*time.Second, r.Delay(4, errors.New("daily request quota reached")))
}

func TestRetrierSucceedsAfterFailures(t *testing.T) {
	r, sleeper := newTestRetrier(DefaultRetryConfig)

	calls := 0
	attempts, err := r.Do(context.Background(), func(context.Context, int) error {
		calls++
		if calls < 3 {
			return errors.New("temporary")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, sleeper.recorded())
}

func TestRetrierNoSleepAfterLastAttempt(t *testing.T) {
	r, sleeper := newTestRetrier(RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, RateLimitCooldown: time.Second})

	attempts, err := r.Do(context.Background(), func(context.Context, int) error {
		return &chain.RPCError{Message: "rate limit exceeded", RateLimited: true}
	})
	require.Error(t, err)
	assert.True(t, chain.IsRateLimited(err))
	assert.Equal(t, 2, attempts)
	assert.Equal(t, []time.Duration{time.Second}, sleeper.recorded())
}

func TestRetrierStopsOnCancel(t *testing.T) {
	r, sleeper := newTestRetrier(DefaultRetryConfig)

	ctx, cancel := context.WithCancel(context.Background())
	attempts, err := r.Do(ctx, func(context.Context, int) error {
		cancel()
		return ctx.Err()
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, sleeper.recorded())
}

func TestRetryConfigFrom(t *testing.T) {
	rc := RetryConfigFrom(&config.MonitorConfig{RetryAttempts: 5, RateLimitCooldown: time.Minute})
	assert.Equal(t, 5, rc.MaxAttempts)
	assert.Equal(t, time.Minute, rc.RateLimitCooldown)
	assert.Equal(t, DefaultRetryConfig.BaseDelay, rc.BaseDelay)

	assert.Equal(t, DefaultRetryConfig, RetryConfigFrom(nil))
}

func TestSleepContextHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
	assert.NoError(t, sleepContext(context.Background(), time.Millisecond))
}
