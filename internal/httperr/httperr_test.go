// ABOUTME: Tests for error envelopes and verdict shaping
// ABOUTME: Covers the 401/429 contract and Retry-After rounding

package httperr

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/2389/perch-gateway/internal/auth"
)

func TestWrite_Envelope(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, http.StatusBadGateway, "upstream_error", "upstream unavailable")

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":{"message":"upstream unavailable","type":"upstream_error"}}`, rec.Body.String())
}

func TestWriteVerdict_Unauthorized(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteVerdict(rec, auth.Denied())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":{"message":"unauthorized","type":"unauthorized"}}`, rec.Body.String())
}

func TestWriteVerdict_RateLimitedRoundsUp(t *testing.T) {
	tests := []struct {
		retryAfter time.Duration
		header     string
	}{
		{30 * time.Second, "30"},
		{1500 * time.Millisecond, "2"},
		{10 * time.Millisecond, "1"},
		{0, "1"},
	}

	for _, tt := range tests {
		rec := httptest.NewRecorder()
		WriteVerdict(rec, auth.DeniedRateLimited(tt.retryAfter))
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, tt.header, rec.Header().Get("Retry-After"), tt.retryAfter)
		assert.Contains(t, rec.Body.String(), `"type":"rate_limited"`)
	}
}
