package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter bounds outbound requests to a fixed number per window; the counter
// hard-resets when the window rolls over.
// It is cooperative, single-process throttling: only one sync run per game
// executes at a time, so there is no need for a distributed limiter.
type Limiter struct {
	Limit  int
	Window time.Duration

	// Now and Sleep are injectable for tests; they default to the real clock.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error

	mu          sync.Mutex
	windowStart time.Time
	count       int
}

func New(limit int, window time.Duration) *Limiter {
	return &Limiter{Limit: limit, Window: window}
}

func (l *Limiter) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *Limiter) sleep(ctx context.Context, d time.Duration) error {
	if l.Sleep != nil {
		return l.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Acquire blocks until a request slot is free in the current window. The
// counter resets when the window rolls over.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.now()

		if l.windowStart.IsZero() || now.Sub(l.windowStart) >= l.Window {
			l.windowStart = now
			l.count = 0
		}

		if l.count < l.Limit {
			l.count++
			l.mu.Unlock()
			return nil
		}

		wait := l.Window - now.Sub(l.windowStart)
		l.mu.Unlock()

		if wait <= 0 {
			continue
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Remaining reports free slots in the current window, for observability.
func (l *Limiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if l.windowStart.IsZero() || now.Sub(l.windowStart) >= l.Window {
		return l.Limit
	}
	return l.Limit - l.count
}
