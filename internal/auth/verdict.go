// ABOUTME: Authorization verdicts produced by the resolver
// ABOUTME: Tagged allow/deny result carrying retry timing for rate-limited denials

package auth

import "time"

// DenyReason classifies a denial. Verdicts never carry secrets.
type DenyReason int

const (
	// DenyNone means the verdict is an authorization, not a denial.
	DenyNone DenyReason = iota
	// DenyUnauthorized is a generic denial with no further detail for the caller.
	DenyUnauthorized
	// DenyRateLimited is a denial because the caller exceeded the failed-attempt budget.
	DenyRateLimited
)

// Verdict is the outcome of resolving a single request. It is produced
// fresh per request and never persisted.
type Verdict struct {
	Authorized bool
	Reason     DenyReason
	// RetryAfter is set only for DenyRateLimited.
	RetryAfter time.Duration
}

// Allowed returns an authorization verdict.
func Allowed() Verdict {
	return Verdict{Authorized: true}
}

// Denied returns a generic unauthorized verdict.
func Denied() Verdict {
	return Verdict{Reason: DenyUnauthorized}
}

// DeniedRateLimited returns a rate-limited verdict with retry timing.
func DeniedRateLimited(retryAfter time.Duration) Verdict {
	return Verdict{Reason: DenyRateLimited, RetryAfter: retryAfter}
}
