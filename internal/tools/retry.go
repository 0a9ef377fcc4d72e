package tools

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/girderhq/girder/pkg/schema"
)

// RetryPolicy controls transient-failure retries around tool invocations.
type RetryPolicy struct {
	MaxAttempts int           // total attempts including the first; <=1 disables retries
	Delay       time.Duration // base delay between attempts
	Backoff     string        // none, constant, linear, exponential
	MaxDelay    time.Duration // cap on computed delay; 0 = uncapped
}

// RetryingInvoker wraps an idempotent invoker with transient-failure retries.
// Non-idempotent tools must never be wrapped: a timeout after a successful
// remote write would duplicate the side effect.
type RetryingInvoker struct {
	inner  Invoker
	policy RetryPolicy
}

// WithRetry wraps an invoker. Returns an error if the invoker is not
// idempotent.
func WithRetry(inner Invoker, policy RetryPolicy) (*RetryingInvoker, error) {
	if inner == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invoker is nil")
	}
	if !inner.Idempotent() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"tool %q is not idempotent and cannot be retried", inner.Tool())
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &RetryingInvoker{inner: inner, policy: policy}, nil
}

func (r *RetryingInvoker) Tool() string        { return r.inner.Tool() }
func (r *RetryingInvoker) Functions() []string { return r.inner.Functions() }
func (r *RetryingInvoker) Idempotent() bool    { return true }

// Invoke runs the inner invoker, retrying transient failures up to the
// policy's attempt budget.
func (r *RetryingInvoker) Invoke(ctx context.Context, inv Invocation) (any, error) {
	var lastErr error
	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := waitForBackoff(ctx, computeBackoff(r.policy, attempt-1)); err != nil {
				return nil, err
			}
		}
		out, err := r.inner.Invoke(ctx, inv)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !IsRetryableError(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// IsRetryableError classifies whether an error should be retried.
// Retryable by default: network errors, timeouts, context.DeadlineExceeded.
// Non-retryable: context cancellation and fatal GirderError codes.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Deadline exceeded is retryable (per-call timeout, not engine shutdown).
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Cancellation means the execution is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var gerr *schema.GirderError
	if errors.As(err, &gerr) {
		if gerr.IsFatal() {
			return false
		}
		switch gerr.Code {
		case schema.ErrCodeValidation, schema.ErrCodeNotFound, schema.ErrCodeConflict,
			schema.ErrCodeInvalidOverride, schema.ErrCodeCancelled:
			return false
		}
	}

	// Network errors are retryable.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// String heuristics for common retryable patterns.
	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"internal server error",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Default: retryable (the attempt budget limits the damage).
	return true
}

// computeBackoff calculates the delay before the next retry attempt.
func computeBackoff(policy RetryPolicy, attempt int) time.Duration {
	if policy.Delay <= 0 {
		return 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case "exponential":
		multiplier := time.Duration(1)
		for i := 0; i < attempt; i++ {
			multiplier *= 2
		}
		delay = policy.Delay * multiplier
	case "linear":
		delay = policy.Delay * time.Duration(attempt+1)
	default: // "constant", "none", or empty
		delay = policy.Delay
	}

	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}

// waitForBackoff sleeps for the delay or returns early on cancellation.
func waitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
