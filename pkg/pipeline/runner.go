package pipeline

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// RetryPolicy controls attempt counts and exponential backoff for transient
// failures.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the computed backoff.
	MaxDelay time.Duration

	// OnRetry, when set, is notified before each retry attempt. Used to
	// count retries without coupling this package to telemetry.
	OnRetry func(attempt int)
}

// DefaultRetryPolicy matches the pipeline-wide defaults: three attempts,
// five second base, one minute cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   5 * time.Second,
		MaxDelay:    time.Minute,
	}
}

// Backoff calculates the delay before retry number attempt (zero-based)
// using exponential growth with jitter.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = 5 * time.Second
	}

	// Exponential backoff: delay = base * 2^attempt
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt)))

	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = time.Minute
	}
	if delay > maxDelay {
		delay = maxDelay
	}

	// Add jitter (±25%)
	jitter := time.Duration(float64(delay) * 0.25)
	delay = delay - jitter/2 + time.Duration(rand.Int63n(int64(jitter)+1))

	return delay
}

// Retry runs fn up to policy.MaxAttempts times, backing off between attempts.
// Only transient errors are retried; validation, permanent, and contract
// errors return immediately. When attempts run out the last error is
// returned with the retries-exhausted code attached.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if policy.OnRetry != nil {
				policy.OnRetry(attempt)
			}
			select {
			case <-time.After(policy.Backoff(attempt - 1)):
			case <-ctx.Done():
				return NewTransientError("retry wait cancelled", ctx.Err()).WithCode(CodeTimeout)
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
	}

	pe := AsPipelineError(lastErr)
	// Exhausted retries promote a transient failure to a terminal one.
	return &Error{
		Class:     pe.Class,
		Stage:     pe.Stage,
		Code:      CodeRetriesExhausted,
		Message:   pe.Message,
		Feature:   pe.Feature,
		Retryable: false,
		Cause:     pe,
	}
}

// Result pairs a fan-out item with its outcome, preserving input order.
type Result[T any] struct {
	// Index is the item's position in the input slice.
	Index int

	// Value is the successful result, valid when Err is nil.
	Value T

	// Err is the classified failure for this item.
	Err error
}

// FanOut runs fn over items with at most concurrency in flight at once.
// Every item produces exactly one result slot: a failure in one item never
// suppresses or discards any other. Results are returned in input order.
func FanOut[In, Out any](ctx context.Context, concurrency int, items []In, fn func(ctx context.Context, index int, item In) (Out, error)) []Result[Out] {
	if concurrency < 1 {
		concurrency = 1
	}

	results := make([]Result[Out], len(items))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i, item := range items {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			// Mark the rest cancelled rather than dropping them.
			for j := i; j < len(items); j++ {
				results[j] = Result[Out]{
					Index: j,
					Err:   NewTransientError("cancelled before start", ctx.Err()).WithCode(CodeTimeout),
				}
			}
			wg.Wait()
			return results
		}

		wg.Add(1)
		go func(index int, item In) {
			defer wg.Done()
			defer func() { <-sem }()

			value, err := fn(ctx, index, item)
			results[index] = Result[Out]{Index: index, Value: value, Err: err}
		}(i, item)
	}

	wg.Wait()
	return results
}
