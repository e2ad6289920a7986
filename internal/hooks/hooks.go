// ABOUTME: Inbound hook endpoints that relay JSON payloads to node sessions
// ABOUTME: Each hook under /hooks/{name} carries its own token checked in constant time

package hooks

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/perch-gateway/internal/auth"
	"github.com/2389/perch-gateway/internal/config"
	"github.com/2389/perch-gateway/internal/session"
)

const (
	pathPrefix  = "/hooks/"
	maxBodySize = 1 << 20 // 1 MiB
)

// Broadcaster fans a payload out to connected sessions of one role.
// Implemented by session.Registry.
type Broadcaster interface {
	Broadcast(ctx context.Context, role session.Role, payload any) int
}

// Event is the message delivered to node sessions for each accepted hook.
type Event struct {
	Type    string          `json:"type"`
	Hook    string          `json:"hook"`
	Payload json.RawMessage `json:"payload"`
}

// Handler serves the /hooks/{name} endpoints. Hooks are configured, not
// registered at runtime; the set is read from the live config snapshot
// on every request.
type Handler struct {
	snapshot func() *config.Config
	sessions Broadcaster
	logger   *slog.Logger
}

func NewHandler(snapshot func() *config.Config, sessions Broadcaster, logger *slog.Logger) *Handler {
	return &Handler{
		snapshot: snapshot,
		sessions: sessions,
		logger:   logger.With("component", "hooks"),
	}
}

func (h *Handler) TryHandle(w http.ResponseWriter, r *http.Request) bool {
	if !strings.HasPrefix(r.URL.Path, pathPrefix) {
		return false
	}

	name := strings.TrimPrefix(r.URL.Path, pathPrefix)
	if name == "" || strings.Contains(name, "/") {
		http.NotFound(w, r)
		return true
	}

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return true
	}

	hook, ok := findHook(h.snapshot().Hooks, name)
	if !ok {
		http.NotFound(w, r)
		return true
	}

	if !auth.SecureEqual(bearerToken(r), hook.Token) {
		h.logger.Warn("hook token rejected", "hook", name, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return true
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return true
	}
	if len(body) == 0 || !json.Valid(body) {
		http.Error(w, "body must be JSON", http.StatusBadRequest)
		return true
	}

	delivered := h.sessions.Broadcast(r.Context(), session.RoleNode, Event{
		Type:    "hook",
		Hook:    name,
		Payload: body,
	})
	h.logger.Info("hook relayed", "hook", name, "delivered", delivered)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "delivered": delivered})
	return true
}

func findHook(hooks []config.HookConfig, name string) (config.HookConfig, bool) {
	for _, h := range hooks {
		if h.Name == name {
			return h, true
		}
	}
	return config.HookConfig{}, false
}

// bearerToken extracts the credential from the Authorization header,
// accepting X-Hook-Token as a fallback for webhook senders that cannot
// set Authorization.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.Header.Get("X-Hook-Token")
}
