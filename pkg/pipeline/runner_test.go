package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Minute}

	prev := time.Duration(0)
	for attempt := 0; attempt < 4; attempt++ {
		d := policy.Backoff(attempt)
		if d <= 0 {
			t.Fatalf("attempt %d: non-positive backoff %v", attempt, d)
		}
		// Jitter is ±25%, so the expected midpoint doubles each attempt.
		if d <= prev/2 {
			t.Errorf("attempt %d: backoff %v did not grow from %v", attempt, d, prev)
		}
		prev = d
	}

	// Way past the cap: must stay within cap + 25% jitter.
	d := policy.Backoff(30)
	if d > time.Minute+time.Minute/4 {
		t.Errorf("backoff %v exceeds cap with jitter", d)
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	calls := 0
	err := Retry(context.Background(), policy, func(ctx context.Context) error {
		calls++
		return NewPermanentError("scene withdrawn", nil)
	})
	if calls != 1 {
		t.Errorf("permanent error retried %d times", calls)
	}
	if !IsPermanent(err) {
		t.Errorf("expected permanent error, got %v", err)
	}
}

func TestRetryExhaustsTransient(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	calls := 0
	err := Retry(context.Background(), policy, func(ctx context.Context) error {
		calls++
		return NewTransientError("connection reset", nil)
	})
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
	if IsRetryable(err) {
		t.Error("exhausted error must not stay retryable")
	}
	var pe *Error
	if !errors.As(err, &pe) || pe.Code != CodeRetriesExhausted {
		t.Errorf("expected retries-exhausted code, got %v", err)
	}
}

func TestRetrySucceedsAfterTransient(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	calls := 0
	err := Retry(context.Background(), policy, func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return NewTransientError("rate limited", nil).WithCode(CodeRateLimited)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 attempts, got %d", calls)
	}
}

func TestRetryNotifiesBeforeEachRetry(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	var notified []int
	policy.OnRetry = func(attempt int) { notified = append(notified, attempt) }

	calls := 0
	err := Retry(context.Background(), policy, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return NewTransientError("connection reset", nil)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(notified) != 2 || notified[0] != 1 || notified[1] != 2 {
		t.Errorf("expected notifications for retries 1 and 2, got %v", notified)
	}
}

func TestFanOutBoundsConcurrency(t *testing.T) {
	const limit = 3
	items := make([]int, 20)

	var active, peak int64
	var mu sync.Mutex

	FanOut(context.Background(), limit, items, func(ctx context.Context, index, item int) (int, error) {
		cur := atomic.AddInt64(&active, 1)
		mu.Lock()
		if cur > peak {
			peak = cur
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt64(&active, -1)
		return index, nil
	})

	if peak > limit {
		t.Errorf("observed %d concurrent workers, limit %d", peak, limit)
	}
}

func TestFanOutIsolatesFailures(t *testing.T) {
	items := []string{"a", "b", "c", "d"}

	results := FanOut(context.Background(), 2, items, func(ctx context.Context, index int, item string) (string, error) {
		if item == "b" {
			return "", NewPermanentError("boom", nil)
		}
		return item + "!", nil
	})

	if len(results) != len(items) {
		t.Fatalf("expected %d results, got %d", len(items), len(results))
	}
	for i, r := range results {
		if r.Index != i {
			t.Errorf("result %d has index %d", i, r.Index)
		}
	}
	if results[1].Err == nil {
		t.Error("failing item reported no error")
	}
	for _, i := range []int{0, 2, 3} {
		if results[i].Err != nil {
			t.Errorf("item %d affected by sibling failure: %v", i, results[i].Err)
		}
		if results[i].Value != items[i]+"!" {
			t.Errorf("item %d value %q", i, results[i].Value)
		}
	}
}

func TestFanOutCancelledMarksRemaining(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	items := make([]int, 10)

	results := FanOut(ctx, 1, items, func(ctx context.Context, index, item int) (int, error) {
		if index == 0 {
			// Cancel while still holding the only worker slot so the
			// dispatcher observes the cancellation before item 1 starts.
			cancel()
			time.Sleep(20 * time.Millisecond)
		}
		return index, nil
	})

	errs := 0
	for _, r := range results {
		if r.Err != nil {
			errs++
			if !IsTransient(r.Err) {
				t.Errorf("cancellation error not transient: %v", r.Err)
			}
		}
	}
	if errs == 0 {
		t.Error("cancellation produced no marked results")
	}
	if got := len(results); got != len(items) {
		t.Errorf("result slots lost on cancel: %d of %d", got, len(items))
	}
}
