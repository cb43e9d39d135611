package providers

import (
	"errors"
	"reflect"
	"regexp"
	"strconv"
	"strings"
)

// RateLimitError is an explicit rate-limit failure raised by provider clients
// when they observe an HTTP 429. RetryAfter is seconds (0 = unknown).
type RateLimitError struct {
	Provider   string
	Message    string
	RetryAfter int
}

func (e *RateLimitError) Error() string {
	return e.Provider + ": rate limited: " + e.Message
}

var (
	// Explicit status markers. A bare "429" substring is not enough:
	// "42900" in a SQL error is not a rate limit.
	statusMarkerRe = regexp.MustCompile(`(?i)\b(status[ _]?code[=: ]\s*429|http\s+429|429\s+too\s+many)\b`)

	// Vendor phrasings seen across OpenAI-compatible and Anthropic APIs.
	vendorPhrases = []string{
		"rate limit",
		"rate_limit",
		"too many requests",
		"retry after",
		"retry-after",
	}

	retryAfterRe = regexp.MustCompile(`(?i)retry[-_ ]after[:\s]+(\d+)`)
)

// IsRateLimitError reports whether err indicates provider rate limiting.
// Classification is deliberately conservative to avoid false positives:
// only a RateLimit-named error type, an explicit 429 status marker, or a
// known vendor phrase qualifies.
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return true
	}
	if t := reflect.TypeOf(err); t != nil {
		name := t.String()
		if strings.Contains(name, "RateLimit") {
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	if statusMarkerRe.MatchString(msg) {
		return true
	}
	for _, phrase := range vendorPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

// RetryAfterSeconds extracts the retry-after hint from a rate-limit error.
// Returns fallback when no hint is present.
func RetryAfterSeconds(err error, fallback int) int {
	if err == nil {
		return fallback
	}
	var rle *RateLimitError
	if errors.As(err, &rle) && rle.RetryAfter > 0 {
		return rle.RetryAfter
	}
	if m := retryAfterRe.FindStringSubmatch(err.Error()); len(m) == 2 {
		if n, perr := strconv.Atoi(m[1]); perr == nil && n > 0 {
			return n
		}
	}
	return fallback
}
