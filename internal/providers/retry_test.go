package providers

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestRetryDoSucceedsAfterTransientFailure(t *testing.T) {
	attempts := 0
	got, err := RetryDo(context.Background(), fastRetry(), func() (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("connection reset")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" || attempts != 3 {
		t.Errorf("got %q after %d attempts", got, attempts)
	}
}

func TestRetryDoGivesUpAfterMaxAttempts(t *testing.T) {
	attempts := 0
	_, err := RetryDo(context.Background(), fastRetry(), func() (string, error) {
		attempts++
		return "", errors.New("still broken")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetryDoDoesNotRetryRateLimits(t *testing.T) {
	attempts := 0
	_, err := RetryDo(context.Background(), fastRetry(), func() (string, error) {
		attempts++
		return "", &RateLimitError{Provider: "p1", Message: "slow down"}
	})
	if !IsRateLimitError(err) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (rate limits fail over, not retry)", attempts)
	}
}

func TestRetryDoStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	_, err := RetryDo(ctx, fastRetry(), func() (string, error) {
		attempts++
		cancel()
		return "", errors.New("transient")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 after cancellation", attempts)
	}
}
