// Package ingress is the gateway's inbound surface.
//
// Every request is classified exactly once: WebSocket upgrade requests
// go to the UpgradeGate and never touch the HTTP chain; everything else
// walks a fixed, ordered handler chain where the first handler to claim
// a request wins and unclaimed requests fall through to 404.
//
// The chain order is part of the routing contract:
//
//	health → hooks → tools → chat relays → plugins → completions →
//	canvas → dashboard → 404
//
// Security headers are applied before dispatch, and a panicking handler
// produces an opaque 500. Denials are shaped uniformly: 401 for
// unauthorized, 429 with Retry-After for rate-limited callers.
package ingress
