package trello

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultRateLimit  = 100
	DefaultRateWindow = 10 * time.Second
)

// RateBudget is a sliding-window request budget: at most limit requests
// may start within any window. Wait blocks until a slot is free.
type RateBudget struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	stamps []time.Time

	now   func() time.Time
	sleep func(ctx context.Context, delay time.Duration) error
}

func NewRateBudget(limit int, window time.Duration) *RateBudget {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	return &RateBudget{
		limit:  limit,
		window: window,
		now:    time.Now,
		sleep:  sleepContext,
	}
}

func (b *RateBudget) Wait(ctx context.Context) error {
	if b == nil {
		return nil
	}
	for {
		b.mu.Lock()
		now := b.now()
		b.pruneLocked(now)
		if len(b.stamps) < b.limit {
			b.stamps = append(b.stamps, now)
			b.mu.Unlock()
			return nil
		}
		delay := b.stamps[0].Add(b.window).Sub(now)
		b.mu.Unlock()

		if err := b.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// InFlight returns how many requests currently count against the window.
func (b *RateBudget) InFlight() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(b.now())
	return len(b.stamps)
}

func (b *RateBudget) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.window)
	drop := 0
	for drop < len(b.stamps) && !b.stamps[drop].After(cutoff) {
		drop++
	}
	if drop > 0 {
		b.stamps = append(b.stamps[:0], b.stamps[drop:]...)
	}
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
