package broker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const rateWindow = time.Minute

// RateLimiter is a sliding one-minute window limiter. Routine calls may
// consume up to the usable budget (per-minute limit scaled by a
// utilization factor); cancellation and liquidation calls may dip into a
// small emergency reserve on top of it. Acquisition is strictly
// serialized so concurrent callers cannot double-spend the last token.
type RateLimiter struct {
	mu      sync.Mutex
	usable  int
	reserve int
	stamps  []time.Time

	// test seams
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRateLimiter builds a limiter from the raw per-minute limit, the
// utilization factor applied to it and the emergency reserve size.
func NewRateLimiter(perMinute int, utilization float64, reserve int) *RateLimiter {
	usable := int(float64(perMinute) * utilization)
	if usable < 1 {
		usable = 1
	}
	if reserve < 0 {
		reserve = 0
	}
	return &RateLimiter{
		usable:  usable,
		reserve: reserve,
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Acquire blocks until a routine token is available or ctx is done.
func (l *RateLimiter) Acquire(ctx context.Context) error {
	return l.acquire(ctx, l.usable)
}

// AcquireEmergency is Acquire with access to the reserve. Only
// cancellation and liquidation paths may call it.
func (l *RateLimiter) AcquireEmergency(ctx context.Context) error {
	return l.acquire(ctx, l.usable+l.reserve)
}

func (l *RateLimiter) acquire(ctx context.Context, limit int) error {
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		l.mu.Lock()
		now := l.now()
		l.prune(now)
		if len(l.stamps) < limit {
			l.stamps = append(l.stamps, now)
			l.mu.Unlock()
			return nil
		}
		// Oldest timestamp leaves the window first; wait it out.
		wait := rateWindow - now.Sub(l.stamps[0])
		l.mu.Unlock()

		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		if err := l.sleep(ctx, wait); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
	}
}

// prune drops timestamps older than the window. Callers hold l.mu.
func (l *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-rateWindow)
	i := 0
	for i < len(l.stamps) && !l.stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[i:]...)
	}
}

// InWindow returns how many tokens are currently spent in the window.
func (l *RateLimiter) InWindow() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return len(l.stamps)
}
