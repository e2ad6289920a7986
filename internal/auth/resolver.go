// ABOUTME: Multi-modal authorization resolver for HTTP requests and WS handshakes
// ABOUTME: Trusted-proxy bypass, bearer token/password equivalence, capability fallback

package auth

import (
	"log/slog"
	"net/http"
	"net/netip"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/2389/perch-gateway/internal/config"
	"github.com/2389/perch-gateway/internal/ratelimit"
)

// Tailscale assigns node addresses from the CGNAT range and its own ULA
// prefix. When tailscale.trusted is enabled, peers in these ranges are
// presumed authenticated by tailnet membership.
var (
	tailnet4 = netip.MustParsePrefix("100.64.0.0/10")
	tailnet6 = netip.MustParsePrefix("fd7a:115c:a1e0::/48")
)

// CapabilityChecker answers whether a presented capability token is
// currently held by an authenticated peer. Implemented by the session
// registry.
type CapabilityChecker interface {
	FindAuthorizedByCapability(token string) bool
}

// Resolver decides, per request, which trust model applies and whether
// the request is authorized. It holds no per-request state.
type Resolver struct {
	limiter      ratelimit.Limiter
	capabilities CapabilityChecker
	logger       *slog.Logger
}

// NewResolver creates a resolver. A nil limiter fails closed: credential
// checks deny rather than silently skipping brute-force protection.
func NewResolver(limiter ratelimit.Limiter, capabilities CapabilityChecker, logger *slog.Logger) *Resolver {
	return &Resolver{
		limiter:      limiter,
		capabilities: capabilities,
		logger:       logger,
	}
}

// Authorize resolves the trust model for a single request, in order:
//
//  1. Trusted origin (trusted proxy list, local-direct in trusted-proxy
//     mode, tailnet peers when tailscale.trusted) authorizes immediately
//     with no rate-limiter consultation.
//  2. A bearer credential is checked against the configured token and
//     password through the failure limiter. A blocked caller is denied
//     with retry timing regardless of credential correctness.
//  3. A capability token extracted from a canvas-scoped path authorizes
//     through the capability registry.
//
// Denials prefer the rate-limited reason over a bare unauthorized one.
// capToken must come from the scoping normalizer; malformed scoped paths
// are rejected before this resolver runs.
func (r *Resolver) Authorize(req *http.Request, cfg *config.Config, capToken string) Verdict {
	if cfg.Auth.Mode == config.AuthModeNone {
		return Allowed()
	}

	addr, haveAddr := remoteAddr(req)
	if haveAddr && originTrusted(addr, cfg) {
		return Allowed()
	}

	verdict := Denied()
	if cred := bearerCredential(req); cred != "" {
		verdict = r.AuthorizeCredential(callerIdentity(req, addr, haveAddr), cred, &cfg.Auth)
		if verdict.Authorized {
			return verdict
		}
	}

	if capToken != "" && r.capabilities != nil && r.capabilities.FindAuthorizedByCapability(capToken) {
		return Allowed()
	}

	return verdict
}

// AuthorizeCredential evaluates one caller-supplied credential against
// the configured token and password, consulting the failure limiter.
// Also used directly by the dashboard login flow.
func (r *Resolver) AuthorizeCredential(identity, credential string, cfg *config.AuthConfig) Verdict {
	if credential == "" {
		return Denied()
	}
	if r.limiter == nil {
		// Limiter unavailable is not an authorization bypass.
		r.logger.Error("rate limiter unavailable, denying credential check", "identity", identity)
		return Denied()
	}

	if res := r.limiter.Check(identity); res.Blocked {
		return DeniedRateLimited(res.RetryAfter)
	}

	if credentialMatches(cfg, credential) {
		return Allowed()
	}

	r.limiter.RecordFailure(identity)
	r.logger.Warn("credential rejected", "identity", identity)
	return Denied()
}

// credentialMatches accepts the configured token or password (a caller
// may satisfy either). A bcrypt password_hash takes precedence over the
// plaintext password field.
func credentialMatches(cfg *config.AuthConfig, credential string) bool {
	if SecureEqual(credential, cfg.Token) {
		return true
	}
	if cfg.PasswordHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(cfg.PasswordHash), []byte(credential)) == nil
	}
	return SecureEqual(credential, cfg.Password)
}

// originTrusted applies the trusted-proxy/local-direct rule set.
func originTrusted(addr netip.Addr, cfg *config.Config) bool {
	addr = addr.Unmap()

	if cfg.Auth.Mode == config.AuthModeTrustedProxy && addr.IsLoopback() {
		return true
	}
	for _, p := range cfg.Auth.TrustedPrefixes() {
		if p.Contains(addr) {
			return true
		}
	}
	if cfg.Tailscale.Enabled && cfg.Tailscale.Trusted {
		if tailnet4.Contains(addr) || tailnet6.Contains(addr) {
			return true
		}
	}
	return false
}

// bearerCredential extracts the bearer credential from the Authorization
// header, or "" if absent or not bearer-shaped.
func bearerCredential(req *http.Request) string {
	header := req.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimPrefix(header, prefix)
}

// remoteAddr parses the request's network origin.
func remoteAddr(req *http.Request) (netip.Addr, bool) {
	if ap, err := netip.ParseAddrPort(req.RemoteAddr); err == nil {
		return ap.Addr(), true
	}
	if addr, err := netip.ParseAddr(req.RemoteAddr); err == nil {
		return addr, true
	}
	return netip.Addr{}, false
}

// callerIdentity is the key used for rate-limit accounting.
func callerIdentity(req *http.Request, addr netip.Addr, haveAddr bool) string {
	if haveAddr {
		return addr.Unmap().String()
	}
	return req.RemoteAddr
}
