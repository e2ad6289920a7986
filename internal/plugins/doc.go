// Package plugins owns the /api/ namespace: handlers register at path
// prefixes during startup and lookup picks the longest match. Plugins
// are self-authorizing, except channel routes which always re-run the
// gateway resolver before touching cross-client state.
package plugins
