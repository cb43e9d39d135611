package providers

import (
	"fmt"
	"sync"
	"time"
)

const (
	quotaWindow          = 60 * time.Second
	headerCalibrationTTL = 60 * time.Second
	defaultExhaustSecs   = 60
)

type tokenSample struct {
	at     time.Time
	tokens int
}

// Quota tracks one provider's remaining capacity across three layers:
// configured rpm/tpm sliding windows, response-header calibration, and
// 429-derived exhaustion. A provider is available only when no layer blocks.
type Quota struct {
	mu sync.Mutex

	rpmLimit int // 0 = unlimited
	tpmLimit int // 0 = unlimited

	requests []time.Time   // sliding 60 s window of request instants
	tokens   []tokenSample // sliding 60 s window of token usage

	remainingRequests    int
	remainingTokens      int
	hasRemainingRequests bool
	hasRemainingTokens   bool
	calibratedAt         time.Time

	exhaustedUntil time.Time

	now func() time.Time // test hook
}

func NewQuota(rpmLimit, tpmLimit int) *Quota {
	return &Quota{
		rpmLimit: rpmLimit,
		tpmLimit: tpmLimit,
		now:      time.Now,
	}
}

// prune drops window entries older than 60 s. Callers hold q.mu.
func (q *Quota) prune(now time.Time) {
	cutoff := now.Add(-quotaWindow)
	for len(q.requests) > 0 && q.requests[0].Before(cutoff) {
		q.requests = q.requests[1:]
	}
	for len(q.tokens) > 0 && q.tokens[0].at.Before(cutoff) {
		q.tokens = q.tokens[1:]
	}
}

// RecordUsage records one request and its token cost against the window.
func (q *Quota) RecordUsage(tokens int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	q.prune(now)
	q.requests = append(q.requests, now)
	if tokens > 0 {
		q.tokens = append(q.tokens, tokenSample{at: now, tokens: tokens})
	}
}

// UpdateFromHeaders calibrates remaining capacity from response headers.
// A remaining value of zero blocks until the calibration expires.
func (q *Quota) UpdateFromHeaders(info *RateLimitInfo) {
	if info == nil || (!info.HasRequests && !info.HasTokens) {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if info.HasRequests {
		q.remainingRequests = info.RemainingRequests
		q.hasRemainingRequests = true
	}
	if info.HasTokens {
		q.remainingTokens = info.RemainingTokens
		q.hasRemainingTokens = true
	}
	q.calibratedAt = q.now()
}

// MarkExhausted blocks the provider for seconds (429 layer).
func (q *Quota) MarkExhausted(seconds int) {
	if seconds <= 0 {
		seconds = defaultExhaustSecs
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.exhaustedUntil = q.now().Add(time.Duration(seconds) * time.Second)
}

// Available reports whether any layer currently blocks this provider.
// The second return value names the blocking layer for skip logging.
func (q *Quota) Available() (bool, string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()

	if now.Before(q.exhaustedUntil) {
		return false, fmt.Sprintf("429 backoff until %s", q.exhaustedUntil.Format(time.RFC3339))
	}

	// Header calibration expires after 60 s of silence.
	if now.Sub(q.calibratedAt) <= headerCalibrationTTL {
		if q.hasRemainingRequests && q.remainingRequests == 0 {
			return false, "header remaining_requests=0"
		}
		if q.hasRemainingTokens && q.remainingTokens == 0 {
			return false, "header remaining_tokens=0"
		}
	}

	q.prune(now)
	if q.rpmLimit > 0 && len(q.requests) >= q.rpmLimit {
		return false, fmt.Sprintf("rpm window full (%d/%d)", len(q.requests), q.rpmLimit)
	}
	if q.tpmLimit > 0 {
		total := 0
		for _, s := range q.tokens {
			total += s.tokens
		}
		if total >= q.tpmLimit {
			return false, fmt.Sprintf("tpm window full (%d/%d)", total, q.tpmLimit)
		}
	}

	return true, ""
}

// IsAvailable is Available without the reason.
func (q *Quota) IsAvailable() bool {
	ok, _ := q.Available()
	return ok
}
