package mirror

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/agentworkforce/cardmirror/internal/trello"
)

var ErrRetriesExhausted = errors.New("retries exhausted")

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
	DefaultMaxJitter   = 500 * time.Millisecond
	MaxRetryAfter      = 30 * time.Second
)

// RetryExhaustedError is returned once every attempt was rate limited.
type RetryExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}

func (e *RetryExhaustedError) Is(target error) bool {
	return target == ErrRetriesExhausted
}

// RetryPolicy retries rate-limited remote calls with exponential backoff
// plus jitter, waiting longer when the server asks for it via Retry-After.
// Any other error is returned on the first attempt.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxJitter   time.Duration

	sleep  func(ctx context.Context, delay time.Duration) error
	jitter func(max time.Duration) time.Duration
}

func NewRetryPolicy(maxAttempts int, baseDelay time.Duration) *RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	return &RetryPolicy{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		MaxJitter:   DefaultMaxJitter,
	}
}

// Delay returns the backoff before retry number attempt (zero based).
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	delay := p.BaseDelay << attempt
	if p.MaxJitter > 0 {
		jitter := p.jitter
		if jitter == nil {
			jitter = randomJitter
		}
		delay += jitter(p.MaxJitter)
	}
	return delay
}

func (p *RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := WithRetry(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// WithRetry runs op under policy and returns its value.
func WithRetry[T any](ctx context.Context, policy *RetryPolicy, op func(ctx context.Context) (T, error)) (T, error) {
	if policy == nil {
		policy = NewRetryPolicy(0, 0)
	}
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	sleep := policy.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var zero T
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		value, err := op(ctx)
		if err == nil {
			return value, nil
		}
		if !trello.IsRateLimited(err) {
			return zero, err
		}
		lastErr = err
		if attempt == maxAttempts-1 {
			break
		}
		delay := policy.Delay(attempt)
		if hint := min(trello.RetryAfterHint(err), MaxRetryAfter); hint > delay {
			delay = hint
		}
		if waitErr := sleep(ctx, delay); waitErr != nil {
			return zero, waitErr
		}
	}
	return zero, &RetryExhaustedError{Attempts: maxAttempts, Err: lastErr}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max)))
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
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
