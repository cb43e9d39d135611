// Package ratelimit implements per-user and per-channel admission control for
// inbound messages using sliding 60-second windows.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

const window = 60 * time.Second

// Keep the key map from growing without bound under adversarial sender ids.
const maxTrackedKeys = 10000

// Limiter admits or rejects inbound messages. A zero limit disables the
// corresponding scope. Rejected requests are not recorded, so a user who is
// over the limit recovers as soon as their window drains.
type Limiter struct {
	mu         sync.Mutex
	userLimit  int
	chanLimit  int
	perUser    map[string][]time.Time
	perChannel map[string][]time.Time

	now func() time.Time
}

// New creates a limiter with per-user and per-channel requests-per-minute
// limits. Either may be 0 to disable that scope.
func New(userRPM, channelRPM int) *Limiter {
	return &Limiter{
		userLimit:  userRPM,
		chanLimit:  channelRPM,
		perUser:    make(map[string][]time.Time),
		perChannel: make(map[string][]time.Time),
		now:        time.Now,
	}
}

// Allow checks both scopes for an inbound message. When rejected it returns
// false and a human-readable reason naming the scope that tripped.
func (l *Limiter) Allow(senderID, channel string) (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-window)

	if l.userLimit > 0 && senderID != "" {
		times := pruneTimes(l.perUser[senderID], cutoff)
		l.perUser[senderID] = times
		if len(times) >= l.userLimit {
			return false, fmt.Sprintf("Rate limit exceeded for user '%s': %d rpm", senderID, l.userLimit)
		}
	}
	if l.chanLimit > 0 && channel != "" {
		times := pruneTimes(l.perChannel[channel], cutoff)
		l.perChannel[channel] = times
		if len(times) >= l.chanLimit {
			return false, fmt.Sprintf("Rate limit exceeded for channel '%s': %d rpm", channel, l.chanLimit)
		}
	}

	// Record only after both scopes pass.
	if l.userLimit > 0 && senderID != "" {
		l.perUser[senderID] = append(l.perUser[senderID], now)
	}
	if l.chanLimit > 0 && channel != "" {
		l.perChannel[channel] = append(l.perChannel[channel], now)
	}
	l.gcLocked(cutoff)
	return true, ""
}

// Reset clears all recorded state.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.perUser = make(map[string][]time.Time)
	l.perChannel = make(map[string][]time.Time)
}

// ResetKeys clears the windows for the given keys. An empty key leaves that
// scope untouched.
func (l *Limiter) ResetKeys(senderID, channel string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if senderID != "" {
		delete(l.perUser, senderID)
	}
	if channel != "" {
		delete(l.perChannel, channel)
	}
}

// gcLocked drops fully-drained keys once the maps get large.
func (l *Limiter) gcLocked(cutoff time.Time) {
	if len(l.perUser)+len(l.perChannel) < maxTrackedKeys {
		return
	}
	for k, times := range l.perUser {
		if len(pruneTimes(times, cutoff)) == 0 {
			delete(l.perUser, k)
		}
	}
	for k, times := range l.perChannel {
		if len(pruneTimes(times, cutoff)) == 0 {
			delete(l.perChannel, k)
		}
	}
}

func pruneTimes(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	return times[i:]
}
