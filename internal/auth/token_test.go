// ABOUTME: Tests for dashboard JWT generation and verification
// ABOUTME: Covers round trips, expiry, tampering, and secret length enforcement

package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var tokenTestSecret = []byte("dashboard-session-test-secret-32")

func TestJWTVerifier_RoundTrip(t *testing.T) {
	v, err := NewJWTVerifier(tokenTestSecret)
	require.NoError(t, err)

	token, err := v.Generate("dashboard", time.Hour)
	require.NoError(t, err)

	subject, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "dashboard", subject)
}

func TestJWTVerifier_Expired(t *testing.T) {
	v, err := NewJWTVerifier(tokenTestSecret)
	require.NoError(t, err)

	token, err := v.Generate("dashboard", -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestJWTVerifier_WrongSecret(t *testing.T) {
	v1, err := NewJWTVerifier(tokenTestSecret)
	require.NoError(t, err)
	v2, err := NewJWTVerifier([]byte("a-completely-different-secret-32"))
	require.NoError(t, err)

	token, err := v1.Generate("dashboard", time.Hour)
	require.NoError(t, err)

	_, err = v2.Verify(token)
	assert.True(t, errors.Is(err, ErrInvalidToken))
}

func TestJWTVerifier_Garbage(t *testing.T) {
	v, err := NewJWTVerifier(tokenTestSecret)
	require.NoError(t, err)

	_, err = v.Verify("not.a.jwt")
	assert.Error(t, err)
}

func TestNewJWTVerifier_ShortSecret(t *testing.T) {
	_, err := NewJWTVerifier([]byte("short"))
	assert.ErrorIs(t, err, ErrSecretTooShort)
}
