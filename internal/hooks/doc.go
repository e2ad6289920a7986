// Package hooks serves inbound webhooks under /hooks/{name}, each
// guarded by its own configured token and relayed to node sessions.
package hooks
