// ABOUTME: Normalizer for canvas-scoped URLs carrying embedded capability tokens
// ABOUTME: Extracts the token and canonical path, or flags the input malformed

package scoped

import (
	"context"
	"net/url"
	"strings"
)

// Prefix is the path prefix that marks a canvas-scoped URL. The full
// convention is /canvas/key/<token>[/rest...], where <token> is a
// percent-encoded capability token.
const Prefix = "/canvas/key/"

// canvasRoot is the canonical path scoped URLs rewrite onto.
const canvasRoot = "/canvas"

// Result is the outcome of normalizing a raw request path.
// Exactly one of two states holds: either Malformed is true, or the
// Rewritten path (with Token extracted when the input was scoped) is
// valid for routing. A malformed path must be denied at every call
// site, never treated as unscoped.
type Result struct {
	Rewritten string
	Token     string
	Malformed bool
}

// Normalize inspects path for the canvas scoping convention.
//
// Unscoped paths pass through unchanged. A scoped path has its token
// extracted and percent-decoded and is rewritten onto the canonical
// canvas path. Anything that enters the scoped prefix but fails to
// yield a usable token is flagged malformed.
func Normalize(path string) Result {
	trimmed := strings.TrimSuffix(path, "/")
	if trimmed == strings.TrimSuffix(Prefix, "/") {
		// "/canvas/key" with no token: scoped-looking but broken.
		return Result{Malformed: true}
	}
	if !strings.HasPrefix(path, Prefix) {
		return Result{Rewritten: path}
	}

	rest := path[len(Prefix):]
	rawToken := rest
	remainder := ""
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rawToken = rest[:i]
		remainder = rest[i:]
	}
	if rawToken == "" {
		return Result{Malformed: true}
	}

	token, err := url.PathUnescape(rawToken)
	if err != nil || token == "" {
		return Result{Malformed: true}
	}

	return Result{Rewritten: canvasRoot + remainder, Token: token}
}

type tokenKey struct{}

// WithToken stores an extracted capability token on the context so the
// canvas gate can retrieve it after the path has been rewritten.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

// TokenFromContext returns the capability token extracted during
// normalization, or "" when the request was not scoped.
func TokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey{}).(string)
	return token
}
