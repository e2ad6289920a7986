// Package ratelimit counts failed authentication attempts per caller
// in a sliding window and blocks callers that exceed the threshold.
// Blocked callers are denied before their credential is evaluated, so
// a block cannot be probed or extended by further attempts.
package ratelimit
