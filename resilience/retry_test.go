package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/itsneelabh/agentloop/core"
)

func fastConfig(attempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   attempts,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

// TestRetryEventualSuccess tests success after multiple attempts
func TestRetryEventualSuccess(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastConfig(3), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("temporary error")
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected eventual success, got error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

// TestRetryMaxAttemptsExceeded tests failure after all retries exhausted
func TestRetryMaxAttemptsExceeded(t *testing.T) {
	attempts := 0
	testErr := errors.New("persistent error")

	err := Retry(context.Background(), fastConfig(3), func() error {
		attempts++
		return testErr
	})

	if !errors.Is(err, core.ErrMaxRetriesExceeded) {
		t.Errorf("Expected ErrMaxRetriesExceeded, got %v", err)
	}
	if !errors.Is(err, testErr) {
		t.Errorf("Expected last error to be wrapped, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
}

// TestRetrySingleAttempt returns the raw error without the retry wrapper
func TestRetrySingleAttempt(t *testing.T) {
	testErr := errors.New("boom")
	err := Retry(context.Background(), fastConfig(1), func() error { return testErr })
	if err != testErr {
		t.Errorf("Expected raw error, got %v", err)
	}

	attempts := 0
	_ = Retry(context.Background(), fastConfig(0), func() error {
		attempts++
		return testErr
	})
	if attempts != 1 {
		t.Errorf("Zero attempts should still run once, got %d", attempts)
	}
}

// TestRetryContextCancellation tests that retry respects context cancellation
func TestRetryContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	config := &RetryConfig{MaxAttempts: 5, InitialDelay: time.Second, BackoffFactor: 2}

	attempts := 0
	errCh := make(chan error, 1)
	go func() {
		errCh <- Retry(ctx, config, func() error {
			attempts++
			return errors.New("fail")
		})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Retry did not return after cancellation")
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt before cancellation, got %d", attempts)
	}
}

func TestToolRetryConfig(t *testing.T) {
	tests := []struct {
		name         string
		err          string
		wantAttempts int
	}{
		{"validation is not retried blindly", `"city" is required`, 1},
		{"authentication is surfaced", "401 unauthorized", 1},
		{"unknown is surfaced", "something odd happened", 1},
		{"rate limit is retried", "429 too many requests", 3},
		{"service unavailable is retried", "503 service unavailable", 3},
		{"timeout is retried", "request timed out", 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attempts := 0
			cfg := ToolRetryConfig("weather", 3, time.Millisecond)
			err := Retry(context.Background(), cfg, func() error {
				attempts++
				return errors.New(tt.err)
			})
			if err == nil {
				t.Fatal("expected an error")
			}
			if attempts != tt.wantAttempts {
				t.Errorf("attempts = %d, want %d", attempts, tt.wantAttempts)
			}
		})
	}
}

func TestToolRetryConfig_ImmediateDoesNotWait(t *testing.T) {
	cfg := ToolRetryConfig("search", 3, time.Hour)
	start := time.Now()
	_ = Retry(context.Background(), cfg, func() error { return errors.New("deadline exceeded") })
	if time.Since(start) > time.Second {
		t.Errorf("immediate strategy should not sleep, took %v", time.Since(start))
	}
}

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()
	if cfg.MaxAttempts != 3 || cfg.BackoffFactor != 2.0 || !cfg.JitterEnabled {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}
