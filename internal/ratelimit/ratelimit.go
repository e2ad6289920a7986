// ABOUTME: Per-caller failed-authentication rate limiting
// ABOUTME: Fixed-window counters with lazy cleanup, consumed by the auth resolver

package ratelimit

import (
	"sync"
	"time"
)

// Result reports whether a caller is currently blocked and, if so, for
// how long it should wait before retrying.
type Result struct {
	Blocked    bool
	RetryAfter time.Duration
}

// Limiter tracks failed authentication attempts per caller identity.
// The ingress layer calls Check before evaluating a credential and
// RecordFailure on every denied attempt.
type Limiter interface {
	Check(identity string) Result
	RecordFailure(identity string)
}

// windowEntry tracks failures for a single identity.
type windowEntry struct {
	failures int
	resetAt  time.Time
}

// WindowLimiter blocks an identity once it accumulates maxFailures
// failed attempts within a fixed window. Expired entries are cleaned
// lazily during Check and RecordFailure calls.
type WindowLimiter struct {
	mu          sync.Mutex
	entries     map[string]*windowEntry
	maxFailures int
	window      time.Duration
	lastCleanup time.Time

	// now is injectable for tests.
	now func() time.Time
}

// NewWindowLimiter creates a limiter blocking after maxFailures failed
// attempts within window.
func NewWindowLimiter(maxFailures int, window time.Duration) *WindowLimiter {
	return &WindowLimiter{
		entries:     make(map[string]*windowEntry),
		maxFailures: maxFailures,
		window:      window,
		now:         time.Now,
	}
}

// Check reports whether identity is currently blocked.
func (l *WindowLimiter) Check(identity string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.maybeCleanup(now)

	entry, ok := l.entries[identity]
	if !ok || now.After(entry.resetAt) {
		return Result{}
	}

	if entry.failures >= l.maxFailures {
		retryAfter := entry.resetAt.Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return Result{Blocked: true, RetryAfter: retryAfter}
	}
	return Result{}
}

// RecordFailure increments the failure counter for identity. The first
// failure in a window sets the window's reset time.
func (l *WindowLimiter) RecordFailure(identity string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	entry, ok := l.entries[identity]
	if !ok || now.After(entry.resetAt) {
		l.entries[identity] = &windowEntry{failures: 1, resetAt: now.Add(l.window)}
		return
	}
	entry.failures++
}

// maybeCleanup removes expired entries at most once per window.
// Caller must hold l.mu.
func (l *WindowLimiter) maybeCleanup(now time.Time) {
	if now.Sub(l.lastCleanup) < l.window {
		return
	}
	for k, e := range l.entries {
		if now.After(e.resetAt) {
			delete(l.entries, k)
		}
	}
	l.lastCleanup = now
}
