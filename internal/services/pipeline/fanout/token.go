package fanout

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrTokenMissing indicates a subscribe request without credentials.
	ErrTokenMissing = errors.New("subscriber token is required")
	// ErrTokenInvalid indicates a token that failed verification.
	ErrTokenInvalid = errors.New("subscriber token is invalid")
)

// TokenVerifier checks HS256 subscriber tokens. The subject claim is the
// user id.
type TokenVerifier struct {
	secret []byte
	now    func() time.Time
}

// NewTokenVerifier builds a verifier for secret.
func NewTokenVerifier(secret []byte) (*TokenVerifier, error) {
	if len(secret) == 0 {
		return nil, errors.New("subscriber token secret is required")
	}
	return &TokenVerifier{secret: append([]byte(nil), secret...), now: time.Now}, nil
}

// Verify returns the user id carried by raw.
func (v *TokenVerifier) Verify(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrTokenMissing
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	userID := strings.TrimSpace(claims.Subject)
	if userID == "" {
		return "", fmt.Errorf("%w: subject is required", ErrTokenInvalid)
	}
	return userID, nil
}

// Sign issues a token for userID valid for ttl. A zero ttl issues a token
// without expiry.
func (v *TokenVerifier) Sign(userID string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := jwt.RegisteredClaims{
		Subject:  userID,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// bearerToken extracts the token from the Authorization header, falling back
// to the token query parameter browsers must use for websockets.
func bearerToken(header, query string) string {
	if scheme, value, ok := strings.Cut(strings.TrimSpace(header), " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(value)
	}
	return strings.TrimSpace(query)
}
