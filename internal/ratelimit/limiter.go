package ratelimit

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/brandon/outlook-mcp/internal/config"
	"github.com/brandon/outlook-mcp/internal/fault"
)

const perCallerBuckets = 1024

// window is a fixed quota window (per-minute / per-hour).
type window struct {
	span  time.Duration
	limit int
	start time.Time
	count int
}

// tryTake consumes one slot if the window has room, returning the wait until
// the window rolls over otherwise.
func (w *window) tryTake(now time.Time) (bool, time.Duration) {
	if w.limit <= 0 {
		return true, 0
	}
	if now.Sub(w.start) >= w.span {
		w.start = now
		w.count = 0
	}
	if w.count < w.limit {
		w.count++
		return true, 0
	}
	return false, w.span - now.Sub(w.start)
}

func (w *window) putBack() {
	if w.limit > 0 && w.count > 0 {
		w.count--
	}
}

// bucketSet is one caller's limiter state: a token bucket for rps/burst plus
// the secondary quota windows.
type bucketSet struct {
	bucket *rate.Limiter

	mu     sync.Mutex
	minute window
	hour   window
}

func newBucketSet(cfg config.RateLimitConfig) *bucketSet {
	return &bucketSet{
		bucket: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		minute: window{span: time.Minute, limit: cfg.PerMinute},
		hour:   window{span: time.Hour, limit: cfg.PerHour},
	}
}

// Limiter is the process-wide admission gate. With per-caller segmentation
// enabled it keeps a bounded LRU of caller buckets; eviction only resets the
// bucket of an inactive caller, which has no correctness consequence.
type Limiter struct {
	cfg    config.RateLimitConfig
	logger *logrus.Logger

	global  *bucketSet
	callers *lru.Cache[string, *bucketSet]
}

// New constructs the limiter.
func New(cfg config.RateLimitConfig, logger *logrus.Logger) *Limiter {
	l := &Limiter{
		cfg:    cfg,
		logger: logger,
		global: newBucketSet(cfg),
	}
	if cfg.PerCaller {
		// Error only fires for non-positive sizes.
		l.callers, _ = lru.New[string, *bucketSet](perCallerBuckets)
	}
	return l
}

// Admit consumes one token, sleeping while quota refills as long as the
// context deadline allows. Denials carry the suggested retry_after.
func (l *Limiter) Admit(ctx context.Context, caller string) *fault.Fault {
	bs := l.global
	if l.callers != nil && caller != "" {
		if existing, ok := l.callers.Get(caller); ok {
			bs = existing
		} else {
			bs = newBucketSet(l.cfg)
			l.callers.Add(caller, bs)
		}
	}

	for {
		now := time.Now()

		bs.mu.Lock()
		okMinute, waitMinute := bs.minute.tryTake(now)
		if !okMinute {
			bs.mu.Unlock()
			if f := l.sleep(ctx, waitMinute, "per-minute"); f != nil {
				return f
			}
			continue
		}
		okHour, waitHour := bs.hour.tryTake(now)
		if !okHour {
			bs.minute.putBack()
			bs.mu.Unlock()
			if f := l.sleep(ctx, waitHour, "per-hour"); f != nil {
				return f
			}
			continue
		}
		bs.mu.Unlock()

		res := bs.bucket.ReserveN(now, 1)
		delay := res.DelayFrom(now)
		if delay == 0 {
			return nil
		}

		if deadline, ok := ctx.Deadline(); ok && now.Add(delay).After(deadline) {
			res.CancelAt(now)
			bs.mu.Lock()
			bs.minute.putBack()
			bs.hour.putBack()
			bs.mu.Unlock()
			l.deny(caller, delay)
			return fault.RateLimited(delay.Seconds())
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			timer.Stop()
			res.CancelAt(time.Now())
			bs.mu.Lock()
			bs.minute.putBack()
			bs.hour.putBack()
			bs.mu.Unlock()
			l.deny(caller, delay)
			return fault.RateLimited(delay.Seconds())
		}
	}
}

// sleep waits for a window rollover, bounded by the context deadline.
func (l *Limiter) sleep(ctx context.Context, wait time.Duration, which string) *fault.Fault {
	if deadline, ok := ctx.Deadline(); ok && time.Now().Add(wait).After(deadline) {
		l.deny(which, wait)
		return fault.RateLimited(wait.Seconds())
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		l.deny(which, wait)
		return fault.RateLimited(wait.Seconds())
	}
}

func (l *Limiter) deny(caller string, wait time.Duration) {
	l.logger.WithFields(logrus.Fields{
		"caller":      caller,
		"retry_after": wait.Seconds(),
	}).Warn("Rate limit denied request")
}
