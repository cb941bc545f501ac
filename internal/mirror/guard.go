package mirror

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrLockTimeout = errors.New("lock timeout")

const DefaultLockTimeout = 5 * time.Second

// Guard serializes work per card id. A waiter blocks on the holder's
// release channel instead of polling.
type Guard struct {
	mu         sync.Mutex
	locks      map[string]chan struct{}
	processing map[string]struct{}
	timeout    time.Duration
}

func NewGuard(timeout time.Duration) *Guard {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &Guard{
		locks:      map[string]chan struct{}{},
		processing: map[string]struct{}{},
		timeout:    timeout,
	}
}

func (g *Guard) Acquire(ctx context.Context, cardID string) error {
	return g.AcquireWithTimeout(ctx, cardID, 0)
}

// SetTimeout changes the default wait for later acquisitions. Non-positive
// values restore DefaultLockTimeout.
func (g *Guard) SetTimeout(timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	g.mu.Lock()
	g.timeout = timeout
	g.mu.Unlock()
}

func (g *Guard) Timeout() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.timeout
}

func (g *Guard) AcquireWithTimeout(ctx context.Context, cardID string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = g.Timeout()
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		g.mu.Lock()
		held, locked := g.locks[cardID]
		if !locked {
			g.locks[cardID] = make(chan struct{})
			g.mu.Unlock()
			return nil
		}
		g.mu.Unlock()

		select {
		case <-held:
		case <-timer.C:
			return fmt.Errorf("%w: card %s not released within %s", ErrLockTimeout, cardID, timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Release frees the lock for cardID whether or not it is held.
func (g *Guard) Release(cardID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if held, ok := g.locks[cardID]; ok {
		close(held)
		delete(g.locks, cardID)
	}
}

// MarkProcessing flags cardID as in flight. It returns false when the card
// is already being processed; the caller should drop its work.
func (g *Guard) MarkProcessing(cardID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.processing[cardID]; busy {
		return false
	}
	g.processing[cardID] = struct{}{}
	return true
}

func (g *Guard) ClearProcessing(cardID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.processing, cardID)
}

func (g *Guard) IsProcessing(cardID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, busy := g.processing[cardID]
	return busy
}
