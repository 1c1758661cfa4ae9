package ratelimiter

import (
	"sync"
	"time"
)

// Limiter throttles progress persistence. An update is allowed when the
// interval has elapsed since the last allowed one, or when the byte count has
// advanced by at least the configured step. It is safe for concurrent use.
type Limiter struct {
	mu          sync.Mutex
	interval    time.Duration
	byteStep    int64
	lastAllowed time.Time
	lastBytes   int64
}

// New creates a limiter allowing at most one update per interval.
func New(interval time.Duration) *Limiter {
	return &Limiter{
		interval: interval,
	}
}

// NewWithByteStep creates a limiter that also allows an update whenever the
// byte count moved by byteStep or more. A byteStep <= 0 disables that rule.
func NewWithByteStep(interval time.Duration, byteStep int64) *Limiter {
	return &Limiter{
		interval: interval,
		byteStep: byteStep,
	}
}

// Allow checks if a time-based update is allowed now.
// Returns true if allowed (and records it), or false with the remaining wait.
func (l *Limiter) Allow() (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	timeSinceLast := now.Sub(l.lastAllowed)

	if timeSinceLast >= l.interval {
		l.lastAllowed = now
		return true, 0
	}

	return false, l.interval - timeSinceLast
}

// AllowBytes checks if an update for the given cumulative byte count is allowed.
func (l *Limiter) AllowBytes(bytes int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastAllowed) >= l.interval ||
		(l.byteStep > 0 && bytes-l.lastBytes >= l.byteStep) {
		l.lastAllowed = now
		l.lastBytes = bytes
		return true
	}
	return false
}

// Mark records an update made outside the limiter, such as a forced persist.
func (l *Limiter) Mark(bytes int64) {
	l.mu.Lock()
	l.lastAllowed = time.Now()
	l.lastBytes = bytes
	l.mu.Unlock()
}
