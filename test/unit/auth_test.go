package unit

import (
	"errors"
	"testing"
	"time"

	"github.com/Tyrowin/gochat/internal/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "unit-test-secret"

// TestJWTVerifierValidToken verifies that a freshly minted token resolves
// to the identity embedded in its claims.
func TestJWTVerifierValidToken(t *testing.T) {
	verifier := server.NewJWTVerifier(testSecret)
	identity := server.Identity{UserID: "user-123", Username: "alice"}

	token, err := server.MintToken(testSecret, identity, time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	verified, err := verifier.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, identity, verified)
}

// TestJWTVerifierClassification verifies that every refusal is classified
// into one of the defined admission failure reasons.
func TestJWTVerifierClassification(t *testing.T) {
	verifier := server.NewJWTVerifier(testSecret)
	identity := server.Identity{UserID: "user-123", Username: "alice"}

	expired, err := server.MintToken(testSecret, identity, -time.Minute)
	require.NoError(t, err)

	wrongKey, err := server.MintToken("some-other-secret", identity, time.Hour)
	require.NoError(t, err)

	anonymous, err := server.MintToken(testSecret, server.Identity{UserID: "user-456"}, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name     string
		token    string
		expected error
	}{
		{name: "missing token", token: "", expected: server.ErrNoToken},
		{name: "expired token", token: expired, expected: server.ErrTokenExpired},
		{name: "wrong signing key", token: wrongKey, expected: server.ErrTokenInvalid},
		{name: "garbage token", token: "not-a-jwt", expected: server.ErrTokenInvalid},
		{name: "missing username claim", token: anonymous, expected: server.ErrTokenInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(tt.token)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.expected), "expected %v, got %v", tt.expected, err)
		})
	}
}
