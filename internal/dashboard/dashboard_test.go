// ABOUTME: Tests for the dashboard UI and status API
// ABOUTME: Covers login token exchange, JWT gating, and disabled state

package dashboard

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/perch-gateway/internal/auth"
	"github.com/2389/perch-gateway/internal/config"
	"github.com/2389/perch-gateway/internal/session"
)

type fakeCredAuthorizer struct {
	verdict  auth.Verdict
	lastCred string
	lastID   string
}

func (f *fakeCredAuthorizer) AuthorizeCredential(identity, credential string, _ *config.AuthConfig) auth.Verdict {
	f.lastID = identity
	f.lastCred = credential
	return f.verdict
}

type fakeSessions struct {
	infos []session.Info
}

func (f *fakeSessions) Infos() []session.Info { return f.infos }
func (f *fakeSessions) Count() int            { return len(f.infos) }

func testConfig(enabled bool) *config.Config {
	return &config.Config{
		Dashboard: config.DashboardConfig{
			Enabled:       enabled,
			SessionSecret: "dashboard-session-test-secret-32",
			SessionTTL:    time.Hour,
		},
	}
}

func newTestHandler(az *fakeCredAuthorizer, cfg *config.Config) *Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sessions := &fakeSessions{infos: []session.Info{{ID: "n1", Role: session.RoleNode}}}
	return NewHandler(func() *config.Config { return cfg }, az, sessions, "perch-gateway", logger)
}

func login(t *testing.T, h *Handler, credential string) *httptest.ResponseRecorder {
	t.Helper()
	body := `{"credential":"` + credential + `"}`
	req := httptest.NewRequest(http.MethodPost, "/dashboard/api/login", strings.NewReader(body))
	req.RemoteAddr = "203.0.113.9:4242"
	rec := httptest.NewRecorder()
	require.True(t, h.TryHandle(rec, req))
	return rec
}

func TestDashboard_LoginIssuesToken(t *testing.T) {
	az := &fakeCredAuthorizer{verdict: auth.Allowed()}
	h := newTestHandler(az, testConfig(true))

	rec := login(t, h, "gateway-secret")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "gateway-secret", az.lastCred)
	assert.Equal(t, "203.0.113.9", az.lastID)

	var resp loginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Token)
	assert.Equal(t, int64(3600), resp.ExpiresIn)
}

func TestDashboard_StatusRequiresToken(t *testing.T) {
	az := &fakeCredAuthorizer{verdict: auth.Allowed()}
	h := newTestHandler(az, testConfig(true))

	// No token.
	req := httptest.NewRequest(http.MethodGet, "/dashboard/api/status", nil)
	rec := httptest.NewRecorder()
	require.True(t, h.TryHandle(rec, req))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Garbage token.
	req = httptest.NewRequest(http.MethodGet, "/dashboard/api/status", nil)
	req.Header.Set("Authorization", "Bearer not.a.jwt")
	rec = httptest.NewRecorder()
	require.True(t, h.TryHandle(rec, req))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Token from login works.
	loginRec := login(t, h, "gateway-secret")
	var resp loginResponse
	require.NoError(t, json.Unmarshal(loginRec.Body.Bytes(), &resp))

	req = httptest.NewRequest(http.MethodGet, "/dashboard/api/status", nil)
	req.Header.Set("Authorization", "Bearer "+resp.Token)
	rec = httptest.NewRecorder()
	require.True(t, h.TryHandle(rec, req))
	require.Equal(t, http.StatusOK, rec.Code)

	var status statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "perch-gateway", status.Service)
	assert.Equal(t, 1, status.SessionCount)
	require.Len(t, status.Sessions, 1)
	assert.Equal(t, "n1", status.Sessions[0].ID)
}

func TestDashboard_LoginDenied(t *testing.T) {
	h := newTestHandler(&fakeCredAuthorizer{verdict: auth.Denied()}, testConfig(true))
	rec := login(t, h, "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDashboard_LoginRateLimited(t *testing.T) {
	az := &fakeCredAuthorizer{verdict: auth.DeniedRateLimited(30 * time.Second)}
	h := newTestHandler(az, testConfig(true))
	rec := login(t, h, "wrong")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "rate_limited")
}

func TestDashboard_ServesUI(t *testing.T) {
	h := newTestHandler(&fakeCredAuthorizer{}, testConfig(true))

	for _, p := range []string{"/dashboard", "/dashboard/", "/dashboard/index.html"} {
		rec := httptest.NewRecorder()
		require.True(t, h.TryHandle(rec, httptest.NewRequest(http.MethodGet, p, nil)), p)
		assert.Equal(t, http.StatusOK, rec.Code, p)
		assert.Contains(t, rec.Body.String(), "Perch Gateway", p)
	}
}

func TestDashboard_DisabledIsNotFound(t *testing.T) {
	h := newTestHandler(&fakeCredAuthorizer{}, testConfig(false))
	rec := httptest.NewRecorder()
	require.True(t, h.TryHandle(rec, httptest.NewRequest(http.MethodGet, "/dashboard", nil)))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDashboard_UnrelatedPathNotClaimed(t *testing.T) {
	h := newTestHandler(&fakeCredAuthorizer{}, testConfig(true))
	rec := httptest.NewRecorder()
	assert.False(t, h.TryHandle(rec, httptest.NewRequest(http.MethodGet, "/dash", nil)))
	assert.False(t, h.TryHandle(rec, httptest.NewRequest(http.MethodGet, "/dashboardx", nil)))
}
