// ABOUTME: Chat-platform webhook relays under /webhooks/{platform}
// ABOUTME: Verifies payload signatures and forwards events to node sessions

package chatrelay

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/perch-gateway/internal/config"
	"github.com/2389/perch-gateway/internal/dedupe"
	"github.com/2389/perch-gateway/internal/session"
)

const (
	pathPrefix  = "/webhooks/"
	maxBodySize = 1 << 20
)

// ErrBadSignature indicates the payload signature did not verify.
var ErrBadSignature = errors.New("signature verification failed")

// Verifier checks that a webhook payload was produced by the platform
// holding the shared secret. Platforms with richer schemes (timestamped
// signatures, rotating keys) plug in their own implementation.
type Verifier interface {
	Verify(header http.Header, body []byte) error
}

// HMACVerifier implements the common sha256=<hex> HMAC scheme carried
// in the X-Signature-256 header.
type HMACVerifier struct {
	secret []byte
}

func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret)}
}

func (v *HMACVerifier) Verify(header http.Header, body []byte) error {
	sig := header.Get("X-Signature-256")
	sig = strings.TrimPrefix(sig, "sha256=")
	if sig == "" {
		return ErrBadSignature
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return ErrBadSignature
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}

// Event is the frame relayed to node sessions for each verified webhook.
type Event struct {
	Type     string          `json:"type"`
	Platform string          `json:"platform"`
	Payload  json.RawMessage `json:"payload"`
}

// Broadcaster fans a payload out to connected sessions of one role.
type Broadcaster interface {
	Broadcast(ctx context.Context, role session.Role, payload any) int
}

// VerifierFactory builds a verifier for a platform's configured secret.
// The default factory returns HMACVerifier; tests substitute their own.
type VerifierFactory func(secret string) Verifier

// Handler serves the /webhooks/{platform} relay endpoints. The platform
// set comes from the live config snapshot. Redelivered events (platform
// retries after a slow 2xx) are suppressed by the dedupe cache.
type Handler struct {
	snapshot    func() *config.Config
	sessions    Broadcaster
	deliveries  *dedupe.Cache
	newVerifier VerifierFactory
	logger      *slog.Logger
}

func NewHandler(snapshot func() *config.Config, sessions Broadcaster, deliveries *dedupe.Cache, logger *slog.Logger) *Handler {
	return &Handler{
		snapshot:    snapshot,
		sessions:    sessions,
		deliveries:  deliveries,
		newVerifier: func(secret string) Verifier { return NewHMACVerifier(secret) },
		logger:      logger.With("component", "chat-relay"),
	}
}

func (h *Handler) TryHandle(w http.ResponseWriter, r *http.Request) bool {
	if !strings.HasPrefix(r.URL.Path, pathPrefix) {
		return false
	}

	platform := strings.TrimPrefix(r.URL.Path, pathPrefix)
	if platform == "" || strings.Contains(platform, "/") {
		http.NotFound(w, r)
		return true
	}

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return true
	}

	relay, ok := findRelay(h.snapshot().ChatRelays, platform)
	if !ok {
		http.NotFound(w, r)
		return true
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return true
	}

	// A relay without a secret accepts unsigned payloads; anything
	// else must verify.
	if relay.Secret != "" {
		if err := h.newVerifier(relay.Secret).Verify(r.Header, body); err != nil {
			h.logger.Warn("webhook signature rejected", "platform", platform, "remote", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return true
		}
	}

	if !json.Valid(body) {
		http.Error(w, "body must be JSON", http.StatusBadRequest)
		return true
	}

	key := dedupe.DeliveryKey(platform, r.Header.Get("X-Delivery-ID"), body)
	if h.deliveries != nil && h.deliveries.Seen(key) {
		h.logger.Debug("suppressing redelivered event", "platform", platform)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "duplicate": true})
		return true
	}

	delivered := h.sessions.Broadcast(r.Context(), session.RoleNode, Event{
		Type:     "chat_event",
		Platform: platform,
		Payload:  body,
	})
	h.logger.Info("chat event relayed", "platform", platform, "delivered", delivered)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "delivered": delivered})
	return true
}

func findRelay(relays []config.RelayConfig, platform string) (config.RelayConfig, bool) {
	for _, rl := range relays {
		if rl.Platform == platform {
			return rl, true
		}
	}
	return config.RelayConfig{}, false
}
