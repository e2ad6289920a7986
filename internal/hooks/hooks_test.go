// ABOUTME: Tests for the hook relay endpoints
// ABOUTME: Covers token enforcement, unknown hooks, method gating, and fanout

package hooks

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/perch-gateway/internal/config"
	"github.com/2389/perch-gateway/internal/session"
)

type fakeBroadcaster struct {
	role     session.Role
	payloads []any
}

func (f *fakeBroadcaster) Broadcast(_ context.Context, role session.Role, payload any) int {
	f.role = role
	f.payloads = append(f.payloads, payload)
	return 2
}

func newTestHandler(bc *fakeBroadcaster) *Handler {
	cfg := &config.Config{
		Hooks: []config.HookConfig{
			{Name: "deploy", Token: "deploy-secret"},
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHandler(func() *config.Config { return cfg }, bc, logger)
}

func post(path, token, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestHooks_UnrelatedPathNotClaimed(t *testing.T) {
	h := newTestHandler(&fakeBroadcaster{})
	rec := httptest.NewRecorder()
	assert.False(t, h.TryHandle(rec, httptest.NewRequest(http.MethodPost, "/other", nil)))
}

func TestHooks_Relay(t *testing.T) {
	bc := &fakeBroadcaster{}
	h := newTestHandler(bc)
	rec := httptest.NewRecorder()

	claimed := h.TryHandle(rec, post("/hooks/deploy", "deploy-secret", `{"ref":"main"}`))
	require.True(t, claimed)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, session.RoleNode, bc.role)
	require.Len(t, bc.payloads, 1)

	ev, ok := bc.payloads[0].(Event)
	require.True(t, ok)
	assert.Equal(t, "hook", ev.Type)
	assert.Equal(t, "deploy", ev.Hook)
	assert.JSONEq(t, `{"ref":"main"}`, string(ev.Payload))
	assert.Contains(t, rec.Body.String(), `"delivered":2`)
}

func TestHooks_XHookTokenFallback(t *testing.T) {
	bc := &fakeBroadcaster{}
	h := newTestHandler(bc)
	rec := httptest.NewRecorder()

	req := httptest.NewRequest(http.MethodPost, "/hooks/deploy", strings.NewReader(`{}`))
	req.Header.Set("X-Hook-Token", "deploy-secret")
	require.True(t, h.TryHandle(rec, req))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestHooks_WrongToken(t *testing.T) {
	bc := &fakeBroadcaster{}
	h := newTestHandler(bc)
	rec := httptest.NewRecorder()

	require.True(t, h.TryHandle(rec, post("/hooks/deploy", "wrong", `{}`)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, bc.payloads)
}

func TestHooks_MissingToken(t *testing.T) {
	h := newTestHandler(&fakeBroadcaster{})
	rec := httptest.NewRecorder()

	require.True(t, h.TryHandle(rec, post("/hooks/deploy", "", `{}`)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHooks_UnknownHook(t *testing.T) {
	h := newTestHandler(&fakeBroadcaster{})
	rec := httptest.NewRecorder()

	require.True(t, h.TryHandle(rec, post("/hooks/nonexistent", "deploy-secret", `{}`)))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHooks_MethodNotAllowed(t *testing.T) {
	h := newTestHandler(&fakeBroadcaster{})
	rec := httptest.NewRecorder()

	req := httptest.NewRequest(http.MethodGet, "/hooks/deploy", nil)
	require.True(t, h.TryHandle(rec, req))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))
}

func TestHooks_InvalidJSONBody(t *testing.T) {
	h := newTestHandler(&fakeBroadcaster{})
	rec := httptest.NewRecorder()

	require.True(t, h.TryHandle(rec, post("/hooks/deploy", "deploy-secret", "not json")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHooks_NestedPathNotFound(t *testing.T) {
	h := newTestHandler(&fakeBroadcaster{})
	rec := httptest.NewRecorder()

	require.True(t, h.TryHandle(rec, post("/hooks/deploy/extra", "deploy-secret", `{}`)))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
