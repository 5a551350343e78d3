package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/halcyard/runloom/pkg/schema"
)

// IsRetryableError classifies whether a step failure should be retried.
// Retryable: network errors, timeouts, context.DeadlineExceeded.
// Non-retryable: authoring errors, cancellation, typed RunloomErrors with
// non-retryable codes.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Deadline exceeded is retryable (step timeout, not run-level).
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Cancellation means the run is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	// RunloomError checks its own code.
	var rlErr *schema.RunloomError
	if errors.As(err, &rlErr) {
		return rlErr.IsRetryable()
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
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Default: retryable (the retry budget limits attempts either way).
	return true
}

// ComputeBackoff returns the exponential delay before retry attempt n
// (0-based), capped at max.
func ComputeBackoff(base time.Duration, attempt int, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}

// WaitForBackoff sleeps for the delay or returns early on cancellation.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
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
