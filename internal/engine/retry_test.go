package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/corentel/difysync/internal/apperrors"
)

// recordedSleep captures requested delays instead of waiting.
func recordedSleep(delays *[]time.Duration) SleepFunc {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
}

func transientErr() error {
	return apperrors.NewHTTPError(503, "unavailable")
}

func TestRetryPolicy_SucceedsFirstTry(t *testing.T) {
	t.Parallel()

	var delays []time.Duration
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}

	calls := 0
	err := policy.Do(context.Background(), recordedSleep(&delays), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if len(delays) != 0 {
		t.Errorf("expected no sleeps, got %v", delays)
	}
}

func TestRetryPolicy_RetriesTransient(t *testing.T) {
	t.Parallel()

	var delays []time.Duration
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}

	calls := 0
	err := policy.Do(context.Background(), recordedSleep(&delays), func() error {
		calls++
		if calls < 3 {
			return transientErr()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("expected delays %v, got %v", want, delays)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay %d: expected %v, got %v", i, want[i], delays[i])
		}
	}
}

func TestRetryPolicy_Exhaustion(t *testing.T) {
	t.Parallel()

	var delays []time.Duration
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}

	calls := 0
	err := policy.Do(context.Background(), recordedSleep(&delays), func() error {
		calls++
		return transientErr()
	})
	if !errors.Is(err, apperrors.ErrMaxAttemptsExceeded) {
		t.Fatalf("expected ErrMaxAttemptsExceeded, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", calls)
	}

	// The last underlying error survives the wrapping
	var httpErr *apperrors.HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != 503 {
		t.Errorf("expected wrapped HTTP 503, got %v", err)
	}
}

func TestRetryPolicy_PermanentFailsImmediately(t *testing.T) {
	t.Parallel()

	var delays []time.Duration
	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second}

	calls := 0
	err := policy.Do(context.Background(), recordedSleep(&delays), func() error {
		calls++
		return apperrors.NewHTTPError(403, "forbidden")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, apperrors.ErrMaxAttemptsExceeded) {
		t.Error("permanent error must not be wrapped as exhaustion")
	}
	if calls != 1 {
		t.Errorf("expected 1 call for permanent error, got %d", calls)
	}
	if len(delays) != 0 {
		t.Errorf("expected no sleeps, got %v", delays)
	}
}

func TestRetryPolicy_BackoffCappedAtMax(t *testing.T) {
	t.Parallel()

	var delays []time.Duration
	policy := RetryPolicy{MaxAttempts: 6, BaseDelay: time.Second, MaxDelay: 4 * time.Second}

	_ = policy.Do(context.Background(), recordedSleep(&delays), func() error {
		return transientErr()
	})

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("expected delays %v, got %v", want, delays)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay %d: expected %v, got %v", i, want[i], delays[i])
		}
	}
}

func TestRetryPolicy_CancellationStopsRetries(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second}
	err := policy.Do(ctx, Sleep, func() error {
		calls++
		cancel()
		return transientErr()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call before cancellation, got %d", calls)
	}
}

func TestRetryPolicy_ZeroAttemptsNormalized(t *testing.T) {
	t.Parallel()

	calls := 0
	policy := RetryPolicy{}
	err := policy.Do(context.Background(), nil, func() error {
		calls++
		return transientErr()
	})
	if !errors.Is(err, apperrors.ErrMaxAttemptsExceeded) {
		t.Fatalf("expected ErrMaxAttemptsExceeded, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestSleep_ReturnsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
