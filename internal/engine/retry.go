package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/loomctl/loom/pkg/schema"
)

// IsRetryableError classifies whether a step failure is worth retrying.
// Deadline expiry (step timeout) and network errors are retryable; a
// cancelled context means the run is shutting down and is not. Typed
// errors answer for themselves via their code.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var lerr *schema.LoomError
	if errors.As(err, &lerr) {
		return lerr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"too many requests",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Unknown errors default to retryable; the policy caps attempts.
	return true
}

// ComputeBackoff calculates the delay before retry attempt n (0-based).
// Supports none, constant, linear, and exponential backoff with an
// optional max_delay cap.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay == "" {
		return 0
	}
	base, err := time.ParseDuration(policy.Delay)
	if err != nil {
		return 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case "exponential":
		delay = base
		for i := 0; i < attempt; i++ {
			delay *= 2
		}
	case "linear":
		delay = base * time.Duration(attempt+1)
	default: // constant, none, empty
		delay = base
	}

	if policy.MaxDelay != "" {
		if ceiling, err := time.ParseDuration(policy.MaxDelay); err == nil && delay > ceiling {
			delay = ceiling
		}
	}
	return delay
}

// WaitForBackoff sleeps for the given delay or returns early with the
// context's error if the run is cancelled during the wait.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
