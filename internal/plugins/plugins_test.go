// ABOUTME: Tests for the plugin route registry
// ABOUTME: Covers prefix matching, namespace ownership, and channel re-auth

package plugins

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/perch-gateway/internal/auth"
	"github.com/2389/perch-gateway/internal/config"
)

type fakeAuthorizer struct {
	verdict auth.Verdict
	calls   int
}

func (f *fakeAuthorizer) Authorize(*http.Request, *config.Config, string) auth.Verdict {
	f.calls++
	return f.verdict
}

func markerHandler(name string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Plugin", name)
		w.WriteHeader(http.StatusOK)
	})
}

func newTestRegistry(az *fakeAuthorizer) *Registry {
	cfg := &config.Config{Auth: config.AuthConfig{Mode: config.AuthModeToken, Token: "tok"}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRegistry(func() *config.Config { return cfg }, az, logger)
}

func TestRegistry_PrefixRouting(t *testing.T) {
	reg := newTestRegistry(&fakeAuthorizer{verdict: auth.Allowed()})
	reg.Register("/api/notes/", markerHandler("notes"))
	reg.Register("/api/notes/archive/", markerHandler("archive"))

	rec := httptest.NewRecorder()
	require.True(t, reg.TryHandle(rec, httptest.NewRequest(http.MethodGet, "/api/notes/list", nil)))
	assert.Equal(t, "notes", rec.Header().Get("X-Plugin"))

	// Longest prefix wins.
	rec = httptest.NewRecorder()
	require.True(t, reg.TryHandle(rec, httptest.NewRequest(http.MethodGet, "/api/notes/archive/1", nil)))
	assert.Equal(t, "archive", rec.Header().Get("X-Plugin"))
}

func TestRegistry_OwnsAPINamespace(t *testing.T) {
	reg := newTestRegistry(&fakeAuthorizer{verdict: auth.Allowed()})

	rec := httptest.NewRecorder()
	require.True(t, reg.TryHandle(rec, httptest.NewRequest(http.MethodGet, "/api/unknown", nil)))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Outside /api/ is not claimed.
	rec = httptest.NewRecorder()
	assert.False(t, reg.TryHandle(rec, httptest.NewRequest(http.MethodGet, "/other", nil)))
}

func TestRegistry_ChannelsReauth(t *testing.T) {
	az := &fakeAuthorizer{verdict: auth.Denied()}
	reg := newTestRegistry(az)
	reg.Register("/api/channels/", markerHandler("channels"))

	rec := httptest.NewRecorder()
	require.True(t, reg.TryHandle(rec, httptest.NewRequest(http.MethodGet, "/api/channels/general", nil)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 1, az.calls)
	assert.Empty(t, rec.Header().Get("X-Plugin"))

	// Authorized requests pass through to the plugin.
	az.verdict = auth.Allowed()
	rec = httptest.NewRecorder()
	require.True(t, reg.TryHandle(rec, httptest.NewRequest(http.MethodGet, "/api/channels/general", nil)))
	assert.Equal(t, "channels", rec.Header().Get("X-Plugin"))
}

func TestRegistry_ChannelsRateLimited(t *testing.T) {
	az := &fakeAuthorizer{verdict: auth.DeniedRateLimited(30 * time.Second)}
	reg := newTestRegistry(az)

	rec := httptest.NewRecorder()
	require.True(t, reg.TryHandle(rec, httptest.NewRequest(http.MethodGet, "/api/channels/general", nil)))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "rate_limited")
}

func TestRegistry_NonChannelRoutesSkipResolver(t *testing.T) {
	az := &fakeAuthorizer{verdict: auth.Denied()}
	reg := newTestRegistry(az)
	reg.Register("/api/notes/", markerHandler("notes"))

	rec := httptest.NewRecorder()
	require.True(t, reg.TryHandle(rec, httptest.NewRequest(http.MethodGet, "/api/notes/list", nil)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, az.calls)
}

func TestRegistry_RegisterValidation(t *testing.T) {
	reg := newTestRegistry(&fakeAuthorizer{})

	assert.Panics(t, func() { reg.Register("/outside/", markerHandler("x")) })
	assert.Panics(t, func() { reg.Register("/api/noslash", markerHandler("x")) })

	reg.Register("/api/x/", markerHandler("x"))
	assert.Panics(t, func() { reg.Register("/api/x/", markerHandler("x")) })
	assert.Equal(t, []string{"/api/x/"}, reg.Prefixes())
}
