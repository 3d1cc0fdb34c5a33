// Package server gates connection admission: every WebSocket upgrade must
// present a bearer token that the configured verifier can resolve to an
// identity before any session state is created.
package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Admission failure reasons. The verifier classifies every refusal into
// one of these; anything it cannot classify is treated as ErrAuthFailed.
var (
	ErrNoToken      = errors.New("no token provided")
	ErrTokenExpired = errors.New("token has expired")
	ErrTokenInvalid = errors.New("invalid token")
	ErrAuthFailed   = errors.New("authentication failed")
)

// Identity is the verified user attached to a connection at admission
// time. It is immutable for the lifetime of the connection.
type Identity struct {
	UserID   string
	Username string
}

// TokenVerifier resolves an opaque bearer token to an Identity. The hub
// treats credential issuance as an external concern and only ever consumes
// this interface.
type TokenVerifier interface {
	Verify(token string) (Identity, error)
}

// ChatClaims is the JWT claim set expected by the built-in verifier.
type ChatClaims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HMAC-signed bearer tokens carrying chat claims.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier that accepts HS256 tokens signed with
// the given secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// Verify parses and validates the token, returning the embedded identity.
// Failures are classified into ErrNoToken, ErrTokenExpired, or
// ErrTokenInvalid.
func (v *JWTVerifier) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrNoToken
	}

	parsed, err := jwt.ParseWithClaims(token, &ChatClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrTokenInvalid
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrTokenExpired
		}
		return Identity{}, ErrTokenInvalid
	}

	claims, ok := parsed.Claims.(*ChatClaims)
	if !ok || !parsed.Valid || claims.Username == "" {
		return Identity{}, ErrTokenInvalid
	}

	return Identity{UserID: claims.UserID, Username: claims.Username}, nil
}

// MintToken issues a signed token for the given identity, valid for the
// given duration. It exists for the test page and test suites; production
// credential issuance lives outside this server.
func MintToken(secret string, identity Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := ChatClaims{
		UserID:   identity.UserID,
		Username: identity.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// bearerToken extracts the admission token from an upgrade request. The
// token may arrive as a "token" query parameter or an Authorization
// bearer header; an empty result means no token was supplied.
func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

// authFailureCode maps a verifier failure to its wire error code.
func authFailureCode(err error) string {
	switch {
	case errors.Is(err, ErrNoToken):
		return CodeNoToken
	case errors.Is(err, ErrTokenExpired):
		return CodeTokenExpired
	case errors.Is(err, ErrTokenInvalid):
		return CodeTokenInvalid
	default:
		return CodeAuthFailed
	}
}
