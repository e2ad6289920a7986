// ABOUTME: Control dashboard serving an embedded UI and a small status API
// ABOUTME: Login exchanges the gateway credential for a short-lived JWT

package dashboard

import (
	"embed"
	"encoding/json"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/2389/perch-gateway/internal/auth"
	"github.com/2389/perch-gateway/internal/config"
	"github.com/2389/perch-gateway/internal/httperr"
	"github.com/2389/perch-gateway/internal/session"
)

//go:embed static
var staticFS embed.FS

const (
	uiPrefix   = "/dashboard"
	loginPath  = "/dashboard/api/login"
	statusPath = "/dashboard/api/status"
)

// CredentialAuthorizer validates the gateway credential at login.
// Implemented by auth.Resolver.
type CredentialAuthorizer interface {
	AuthorizeCredential(identity, credential string, cfg *config.AuthConfig) auth.Verdict
}

// SessionLister exposes the live session set for the status view.
type SessionLister interface {
	Infos() []session.Info
	Count() int
}

type loginRequest struct {
	Credential string `json:"credential"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}

type statusResponse struct {
	Service      string         `json:"service"`
	SessionCount int            `json:"session_count"`
	Sessions     []session.Info `json:"sessions"`
}

// Handler serves /dashboard. The UI itself is public; the API endpoints
// are protected by a short-lived JWT minted at login, so the long-lived
// gateway credential never sits in browser storage.
type Handler struct {
	snapshot func() *config.Config
	resolver CredentialAuthorizer
	sessions SessionLister
	service  string
	logger   *slog.Logger
	files    http.Handler

	// verifierMu guards the verifier cache; the verifier is rebuilt
	// only when a config reload changes the session secret.
	verifierMu sync.Mutex
	verifier   *auth.JWTVerifier
	secret     string
}

func NewHandler(snapshot func() *config.Config, resolver CredentialAuthorizer, sessions SessionLister, service string, logger *slog.Logger) *Handler {
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic("dashboard: embedded static tree missing: " + err.Error())
	}
	return &Handler{
		snapshot: snapshot,
		resolver: resolver,
		sessions: sessions,
		service:  service,
		logger:   logger.With("component", "dashboard"),
		files:    http.FileServer(http.FS(sub)),
	}
}

func (h *Handler) TryHandle(w http.ResponseWriter, r *http.Request) bool {
	if r.URL.Path != uiPrefix && !strings.HasPrefix(r.URL.Path, uiPrefix+"/") {
		return false
	}

	cfg := h.snapshot()
	if !cfg.Dashboard.Enabled {
		http.NotFound(w, r)
		return true
	}

	switch r.URL.Path {
	case loginPath:
		h.handleLogin(w, r, cfg)
	case statusPath:
		h.handleStatus(w, r, cfg)
	default:
		h.serveUI(w, r)
	}
	return true
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request, cfg *config.Config) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		httperr.Write(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		httperr.Write(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}

	verdict := h.resolver.AuthorizeCredential(loginIdentity(r), req.Credential, &cfg.Auth)
	if !verdict.Authorized {
		if verdict.Reason == auth.DenyRateLimited {
			httperr.SetRetryAfter(w.Header(), verdict.RetryAfter)
			httperr.Write(w, http.StatusTooManyRequests, "rate_limited", "too many failed login attempts")
			return
		}
		httperr.Write(w, http.StatusUnauthorized, "unauthorized", "invalid credential")
		return
	}

	verifier, err := h.currentVerifier(cfg)
	if err != nil {
		h.logger.Error("session verifier unavailable", "error", err)
		httperr.Write(w, http.StatusInternalServerError, "internal", "internal server error")
		return
	}

	ttl := cfg.Dashboard.SessionTTL
	token, err := verifier.Generate("dashboard", ttl)
	if err != nil {
		h.logger.Error("minting dashboard token", "error", err)
		httperr.Write(w, http.StatusInternalServerError, "internal", "internal server error")
		return
	}

	h.logger.Info("dashboard login", "remote", r.RemoteAddr)
	httperr.WriteJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresIn: int64(ttl.Seconds())})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request, cfg *config.Config) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		httperr.Write(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	verifier, err := h.currentVerifier(cfg)
	if err != nil {
		h.logger.Error("session verifier unavailable", "error", err)
		httperr.Write(w, http.StatusInternalServerError, "internal", "internal server error")
		return
	}

	tokenStr := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if tokenStr == "" {
		httperr.Write(w, http.StatusUnauthorized, "unauthorized", "missing session token")
		return
	}
	if _, err := verifier.Verify(tokenStr); err != nil {
		httperr.Write(w, http.StatusUnauthorized, "unauthorized", "invalid session token")
		return
	}

	httperr.WriteJSON(w, http.StatusOK, statusResponse{
		Service:      h.service,
		SessionCount: h.sessions.Count(),
		Sessions:     h.sessions.Infos(),
	})
}

func (h *Handler) serveUI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		httperr.Write(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	rel := strings.TrimPrefix(r.URL.Path, uiPrefix)
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		rel = "index.html"
	}

	w.Header().Set("Cache-Control", "no-cache")
	r2 := r.Clone(r.Context())
	r2.URL.Path = "/" + rel
	h.files.ServeHTTP(w, r2)
}

// currentVerifier returns a JWT verifier for the snapshot's session
// secret, rebuilding only when the secret changed.
func (h *Handler) currentVerifier(cfg *config.Config) (*auth.JWTVerifier, error) {
	h.verifierMu.Lock()
	defer h.verifierMu.Unlock()

	if h.verifier != nil && h.secret == cfg.Dashboard.SessionSecret {
		return h.verifier, nil
	}
	v, err := auth.NewJWTVerifier([]byte(cfg.Dashboard.SessionSecret))
	if err != nil {
		return nil, err
	}
	h.verifier = v
	h.secret = cfg.Dashboard.SessionSecret
	return v, nil
}

// loginIdentity keys rate-limit accounting for login attempts by host.
func loginIdentity(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

