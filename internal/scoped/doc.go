// Package scoped normalizes canvas-scoped URLs of the form
// /canvas/key/<token>[/rest], extracting the capability token and
// rewriting onto the canonical canvas path. A path that enters the
// scoped prefix without yielding a usable token is malformed and must
// be denied, never treated as unscoped.
package scoped
