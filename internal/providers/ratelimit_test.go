package providers

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsRateLimitError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"typed rate limit error", &RateLimitError{Provider: "p1", Message: "slow down"}, true},
		{"status code marker", errors.New("request failed with status code: 429"), true},
		{"http marker", errors.New("upstream returned HTTP 429"), true},
		{"429 too many", errors.New("429 Too Many Requests"), true},
		{"vendor phrase rate limit", errors.New("rate limit exceeded, retry after 30 seconds"), true},
		{"vendor phrase underscored", errors.New("error code rate_limit_exceeded"), true},
		{"vendor phrase retry-after", errors.New("please honor Retry-After: 12"), true},
		{"bare 429 substring", errors.New("record id 42900 not found"), false},
		{"storage quota", errors.New("storage quota exceeded"), false},
		{"connection error", errors.New("connection refused"), false},
		{"wrapped typed error", fmt.Errorf("call failed: %w", &RateLimitError{Provider: "p1"}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRateLimitError(tt.err); got != tt.want {
				t.Errorf("IsRateLimitError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"typed with hint", &RateLimitError{RetryAfter: 30}, 30},
		{"typed without hint", &RateLimitError{}, 60},
		{"message hint", errors.New("rate limit exceeded, retry after 30"), 30},
		{"header style", errors.New("got Retry-After: 12"), 12},
		{"no hint", errors.New("rate limit exceeded"), 60},
		{"nil", nil, 60},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RetryAfterSeconds(tt.err, 60); got != tt.want {
				t.Errorf("RetryAfterSeconds = %d, want %d", got, tt.want)
			}
		})
	}
}
