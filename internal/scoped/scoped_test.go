// ABOUTME: Tests for canvas-scoped URL normalization
// ABOUTME: Covers passthrough, token extraction, and malformed fail-closed cases

package scoped

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		path string
		want Result
	}{
		{
			name: "unscoped path passes through",
			path: "/healthz",
			want: Result{Rewritten: "/healthz"},
		},
		{
			name: "plain canvas path passes through",
			path: "/canvas/app.js",
			want: Result{Rewritten: "/canvas/app.js"},
		},
		{
			name: "scoped root",
			path: "/canvas/key/tok123",
			want: Result{Rewritten: "/canvas", Token: "tok123"},
		},
		{
			name: "scoped with remainder",
			path: "/canvas/key/tok123/assets/app.js",
			want: Result{Rewritten: "/canvas/assets/app.js", Token: "tok123"},
		},
		{
			name: "percent-encoded token",
			path: "/canvas/key/a%2Bb%3Dc/ws",
			want: Result{Rewritten: "/canvas/ws", Token: "a+b=c"},
		},
		{
			name: "prefix with no token",
			path: "/canvas/key",
			want: Result{Malformed: true},
		},
		{
			name: "prefix with trailing slash only",
			path: "/canvas/key/",
			want: Result{Malformed: true},
		},
		{
			name: "empty token segment",
			path: "/canvas/key//assets",
			want: Result{Malformed: true},
		},
		{
			name: "broken percent encoding",
			path: "/canvas/key/%zz/ws",
			want: Result{Malformed: true},
		},
		{
			name: "truncated percent encoding",
			path: "/canvas/key/%2/x",
			want: Result{Malformed: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.path)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalize_MalformedNeverCarriesToken(t *testing.T) {
	got := Normalize("/canvas/key/%zz")
	assert.True(t, got.Malformed)
	assert.Empty(t, got.Token)
	assert.Empty(t, got.Rewritten)
}

func TestTokenContext(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, TokenFromContext(ctx))

	ctx = WithToken(ctx, "tok")
	assert.Equal(t, "tok", TokenFromContext(ctx))
}
