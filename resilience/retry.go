package resilience

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/itsneelabh/agentloop/core"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool

	// ShouldRetry, when set, decides after each failure whether another
	// attempt is made and whether to sleep before it.
	ShouldRetry func(err error, attempt int) (retry bool, wait bool)
}

// DefaultRetryConfig provides sensible defaults
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// ToolRetryConfig builds a policy for tool invocations driven by Classify:
// a failure is retried only while ShouldContinueRetrying holds and its
// strategy does not require modified arguments. with_delay failures back
// off from initialDelay; immediate ones do not wait.
func ToolRetryConfig(toolID string, maxAttempts int, initialDelay time.Duration) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   maxAttempts,
		InitialDelay:  initialDelay,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		ShouldRetry: func(err error, attempt int) (bool, bool) {
			c := Classify(err.Error(), toolID)
			if c.RetryStrategy == RetryWithModification {
				return false, false
			}
			if !ShouldContinueRetrying(c, attempt, maxAttempts) {
				return false, false
			}
			return true, c.RetryStrategy == RetryWithDelay
		},
	}
}

// Retry executes fn until it succeeds, the attempt budget is spent, the
// policy declines, or ctx ends.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	maxAttempts := config.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	delay := config.InitialDelay

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		// Don't sleep after the last attempt
		if attempt == maxAttempts {
			break
		}

		wait := true
		if config.ShouldRetry != nil {
			var retry bool
			retry, wait = config.ShouldRetry(err, attempt)
			if !retry {
				return err
			}
		}

		if attempt > 1 {
			delay = time.Duration(float64(delay) * config.BackoffFactor)
			if config.MaxDelay > 0 && delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}
		sleep := delay
		if config.JitterEnabled {
			// thundering herd mitigation
			sleep += time.Duration(float64(delay) * 0.1 * math.Sin(float64(attempt)))
		}

		if !wait || sleep <= 0 {
			continue
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if maxAttempts == 1 {
		return lastErr
	}
	return fmt.Errorf("%w after %d attempts: %w", core.ErrMaxRetriesExceeded, maxAttempts, lastErr)
}
