package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/corentel/difysync/internal/apperrors"
)

// RetryPolicy bounds the attempts made for one item step within one cycle.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// BaseDelay is the wait before the second attempt; it doubles per attempt.
	BaseDelay time.Duration
	// MaxDelay caps the backoff.
	MaxDelay time.Duration
}

// SleepFunc waits for d or until the context is done. Injected so retry and
// scheduling behavior is testable without real delays.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the real-time SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// backoff is the explicit bounded-attempt state machine behind Do: the
// attempt count and the next delay, with no dependence on real time.
type backoff struct {
	policy  RetryPolicy
	attempt int
	delay   time.Duration
}

func newBackoff(policy RetryPolicy) *backoff {
	return &backoff{policy: policy, delay: policy.BaseDelay}
}

// next consumes one attempt. It returns the delay to wait before the
// following attempt and false once the budget is exhausted.
func (b *backoff) next() (time.Duration, bool) {
	b.attempt++
	if b.attempt >= b.policy.MaxAttempts {
		return 0, false
	}

	delay := b.delay
	b.delay *= 2
	if b.policy.MaxDelay > 0 && b.delay > b.policy.MaxDelay {
		b.delay = b.policy.MaxDelay
	}
	if b.policy.MaxDelay > 0 && delay > b.policy.MaxDelay {
		delay = b.policy.MaxDelay
	}
	return delay, true
}

// Do runs fn under the policy. Transient errors are retried with exponential
// backoff; non-transient errors return immediately without consuming the
// remaining budget. Exhaustion wraps apperrors.ErrMaxAttemptsExceeded around
// the last error.
func (p RetryPolicy) Do(ctx context.Context, sleep SleepFunc, fn func() error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if sleep == nil {
		sleep = Sleep
	}

	state := newBackoff(p)
	for {
		err := fn()
		if err == nil {
			return nil
		}
		if !apperrors.IsTransient(err) {
			return err
		}

		delay, retryable := state.next()
		if !retryable {
			return fmt.Errorf("%w after %d attempts: %w", apperrors.ErrMaxAttemptsExceeded, p.MaxAttempts, err)
		}
		if sleepErr := sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
	}
}
