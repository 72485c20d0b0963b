package identify

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Default ceilings for the external identification provider.
const (
	DefaultRequestsPerMinute = 45
	DefaultRequestsPerDay    = 1800
	DefaultMaxWait           = 30 * time.Second
)

// DayStore shares the 24-hour counter across processes. Satisfied by
// storage.DBClient.
type DayStore interface {
	IncrementDayUsage(day string, n int64) (int64, error)
	DayUsage(day string) (int64, error)
}

// RateLimitError reports an over-limit rejection with a retry hint.
type RateLimitError struct {
	RetryAfter time.Duration
	Scope      string // "minute" or "day"
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded (%s window), retry after %s", e.Scope, e.RetryAfter)
}

// RateLimiter enforces a sliding 60-second window and a UTC-day cap. Both are
// checked under one mutex before any network call. Callers block up to
// maxWait for window slots; day-cap exhaustion is always an immediate
// rejection since the wait would exceed any sane bound.
type RateLimiter struct {
	mu        sync.Mutex
	perMinute int
	perDay    int64
	maxWait   time.Duration

	window []time.Time
	store  DayStore

	// in-memory fallback when no shared store is configured
	memDay   string
	memCount int64

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewRateLimiter builds a limiter; zero values fall back to the defaults.
// store may be nil, in which case the day counter is process-local.
func NewRateLimiter(perMinute int, perDay int64, maxWait time.Duration, store DayStore) *RateLimiter {
	if perMinute <= 0 {
		perMinute = DefaultRequestsPerMinute
	}
	if perDay <= 0 {
		perDay = DefaultRequestsPerDay
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	return &RateLimiter{
		perMinute: perMinute,
		perDay:    perDay,
		maxWait:   maxWait,
		store:     store,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Acquire reserves one request slot, blocking up to maxWait for the minute
// window. Returns *RateLimitError when the caller should back off instead.
func (r *RateLimiter) Acquire(ctx context.Context) error {
	waited := time.Duration(0)

	for {
		r.mu.Lock()
		now := r.now().UTC()
		r.prune(now)

		// Day cap first: no bounded wait recovers from it.
		dayCount, err := r.dayUsage(now)
		if err != nil {
			r.mu.Unlock()
			return fmt.Errorf("reading day usage: %w", err)
		}
		if dayCount >= r.perDay {
			r.mu.Unlock()
			return &RateLimitError{RetryAfter: untilNextUTCDay(now), Scope: "day"}
		}

		if len(r.window) < r.perMinute {
			r.window = append(r.window, now)
			if err := r.bumpDay(now); err != nil {
				r.mu.Unlock()
				return fmt.Errorf("incrementing day usage: %w", err)
			}
			r.mu.Unlock()
			return nil
		}

		wait := r.window[0].Add(time.Minute).Sub(now)
		r.mu.Unlock()

		if wait <= 0 {
			continue
		}
		if waited+wait > r.maxWait {
			return &RateLimitError{RetryAfter: wait, Scope: "minute"}
		}
		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
		waited += wait
	}
}

// prune drops window entries older than 60 seconds. Caller holds the lock.
func (r *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(r.window) && !r.window[i].After(cutoff) {
		i++
	}
	if i > 0 {
		r.window = append(r.window[:0], r.window[i:]...)
	}
}

func (r *RateLimiter) dayUsage(now time.Time) (int64, error) {
	day := now.Format("2006-01-02")
	if r.store != nil {
		return r.store.DayUsage(day)
	}
	if r.memDay != day {
		r.memDay = day
		r.memCount = 0
	}
	return r.memCount, nil
}

func (r *RateLimiter) bumpDay(now time.Time) error {
	day := now.Format("2006-01-02")
	if r.store != nil {
		_, err := r.store.IncrementDayUsage(day, 1)
		return err
	}
	if r.memDay != day {
		r.memDay = day
		r.memCount = 0
	}
	r.memCount++
	return nil
}

func untilNextUTCDay(now time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	return next.Sub(now)
}
