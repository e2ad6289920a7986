// Package auth provides the authorization resolver for perch-gateway.
//
// # Trust Models
//
// Every inbound request resolves to exactly one of several mutually
// exclusive trust models, tried in order:
//
//   - Trusted origin: the connection arrives from a configured trusted
//     proxy prefix, from loopback in trusted-proxy mode, or over the
//     tailnet when tailscale.trusted is enabled. Such requests are
//     presumed authenticated by an upstream layer and are authorized
//     without consulting the rate limiter.
//
//   - Bearer credential: the Authorization header carries a credential
//     compared in constant time against the configured token and
//     password (either satisfies). Failed attempts feed the per-caller
//     failure limiter; a blocked caller is denied with retry timing
//     regardless of credential correctness.
//
//   - Capability token: a token extracted from a canvas-scoped URL is
//     matched against the live session set, piggybacking on a peer that
//     already authenticated over WebSocket.
//
// # Verdicts
//
// Resolution produces a Verdict: authorized, or denied with a reason
// (unauthorized, or rate-limited with a retry-after duration). Verdicts
// never carry secrets and are never persisted.
//
// # Dashboard Tokens
//
// The control dashboard exchanges the gateway credential for a
// short-lived HS256 JWT (JWTVerifier), keeping the long-lived secret
// out of browser storage.
package auth
