// Package httperr owns the gateway's error response contract: one JSON
// envelope for all errors, and one shaping of denied auth verdicts
// (401 unauthorized, 429 with Retry-After rounded up to whole seconds).
package httperr
