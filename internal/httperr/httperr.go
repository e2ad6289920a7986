// ABOUTME: Uniform JSON error envelopes and auth verdict shaping
// ABOUTME: Single owner of the 401/429 response contract

package httperr

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/perch-gateway/internal/auth"
)

// envelope is the wire shape of all error responses.
type envelope struct {
	Error detail `json:"error"`
}

type detail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// WriteJSON serializes v with the proper content type.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Write emits the standard error envelope.
func Write(w http.ResponseWriter, status int, errType, message string) {
	WriteJSON(w, status, envelope{Error: detail{Message: message, Type: errType}})
}

// SetRetryAfter sets the Retry-After header, rounded up to whole
// seconds (minimum 1) so the client never retries early.
func SetRetryAfter(h http.Header, d time.Duration) {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	h.Set("Retry-After", strconv.Itoa(secs))
}

// WriteVerdict shapes a denied verdict into a response: 429 with
// Retry-After for rate-limited callers, 401 otherwise.
func WriteVerdict(w http.ResponseWriter, v auth.Verdict) {
	if v.Reason == auth.DenyRateLimited {
		SetRetryAfter(w.Header(), v.RetryAfter)
		Write(w, http.StatusTooManyRequests, "rate_limited", "too many failed authentication attempts")
		return
	}
	Write(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
}
