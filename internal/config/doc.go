// Package config loads and validates perch-gateway configuration.
//
// Configuration is YAML with ${VAR} environment expansion. The Provider
// type wraps the parsed Config in an atomically swappable snapshot and can
// watch the file with fsnotify, so trust-model changes (auth mode, token,
// trusted proxy list) take effect without restarting the gateway. Callers
// must read Provider.Snapshot() once per request and never hold the result
// across requests.
package config
