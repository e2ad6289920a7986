// Package completion reverse-proxies the OpenAI-style and
// Anthropic-style completion endpoints to configured upstreams. Each
// endpoint is independently feature-flagged, gated by the resolver,
// and strips the gateway credential before forwarding.
package completion
