// Package session tracks live WebSocket peers and the capability tokens
// they hold.
//
// The Registry is shared between the WebSocket accept/disconnect path
// and the HTTP request path: a browser presenting a capability token in
// a scoped URL is authorized if, and only if, some currently connected
// node peer holds that token unexpired. Capability expiry is a sliding
// window (CapabilityTTL); every successful match extends it, and a
// disconnect revokes it immediately.
package session
