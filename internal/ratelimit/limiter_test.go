package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/outlook-mcp/internal/config"
	"github.com/brandon/outlook-mcp/internal/fault"
)

func newTestLimiter(cfg config.RateLimitConfig) *Limiter {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return New(cfg, logger)
}

func shortCtx(t *testing.T, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

func TestBurstAdmitsImmediately(t *testing.T) {
	l := newTestLimiter(config.RateLimitConfig{RPS: 1, Burst: 3, PerMinute: 1000, PerHour: 10000})
	ctx := shortCtx(t, 50*time.Millisecond)

	for i := 0; i < 3; i++ {
		start := time.Now()
		require.Nil(t, l.Admit(ctx, ""), "burst admission %d", i)
		assert.Less(t, time.Since(start), 20*time.Millisecond)
	}
}

func TestDeniesBeyondBurstUnderDeadline(t *testing.T) {
	l := newTestLimiter(config.RateLimitConfig{RPS: 1, Burst: 2, PerMinute: 1000, PerHour: 10000})
	ctx := shortCtx(t, 50*time.Millisecond)

	require.Nil(t, l.Admit(ctx, ""))
	require.Nil(t, l.Admit(ctx, ""))

	f := l.Admit(ctx, "")
	require.NotNil(t, f)
	assert.Equal(t, fault.CodeRateLimited, f.Code())
	assert.Greater(t, f.RetryAfter, 0.0)
}

func TestWaitsWhenDeadlineAllows(t *testing.T) {
	l := newTestLimiter(config.RateLimitConfig{RPS: 50, Burst: 1, PerMinute: 1000, PerHour: 10000})
	ctx := shortCtx(t, time.Second)

	require.Nil(t, l.Admit(ctx, ""))

	start := time.Now()
	require.Nil(t, l.Admit(ctx, ""), "should wait for refill instead of denying")
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestPerMinuteWindowDenies(t *testing.T) {
	l := newTestLimiter(config.RateLimitConfig{RPS: 1000, Burst: 1000, PerMinute: 3, PerHour: 10000})
	ctx := shortCtx(t, 50*time.Millisecond)

	for i := 0; i < 3; i++ {
		require.Nil(t, l.Admit(ctx, ""))
	}

	f := l.Admit(ctx, "")
	require.NotNil(t, f)
	assert.Equal(t, fault.CodeRateLimited, f.Code())
	assert.Greater(t, f.RetryAfter, 0.0)
}

func TestWindowRollover(t *testing.T) {
	w := window{span: 50 * time.Millisecond, limit: 2}
	now := time.Now()

	ok, _ := w.tryTake(now)
	require.True(t, ok)
	ok, _ = w.tryTake(now)
	require.True(t, ok)

	ok, wait := w.tryTake(now)
	require.False(t, ok)
	assert.Greater(t, wait, time.Duration(0))

	ok, _ = w.tryTake(now.Add(60 * time.Millisecond))
	assert.True(t, ok, "window must reset after its span")
}

func TestWindowPutBack(t *testing.T) {
	w := window{span: time.Minute, limit: 1}
	now := time.Now()

	ok, _ := w.tryTake(now)
	require.True(t, ok)

	// A denied bucket reservation returns its window slot.
	w.putBack()
	ok, _ = w.tryTake(now)
	assert.True(t, ok)
}

func TestPerCallerSegmentation(t *testing.T) {
	l := newTestLimiter(config.RateLimitConfig{RPS: 1, Burst: 1, PerMinute: 1000, PerHour: 10000, PerCaller: true})
	ctx := shortCtx(t, 50*time.Millisecond)

	require.Nil(t, l.Admit(ctx, "alice"))
	require.Nil(t, l.Admit(ctx, "bob"), "independent callers get independent buckets")

	f := l.Admit(ctx, "alice")
	require.NotNil(t, f)
	assert.Equal(t, fault.CodeRateLimited, f.Code())
}
