// ABOUTME: Signed session token issuance and verification for bridge clients
// ABOUTME: Uses HS256 signing with a configurable secret and 24h default expiry

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// Claims are the verified contents of a session token.
type Claims struct {
	SessionID   string
	ClientClass string
}

// TokenIssuer signs and verifies session tokens binding a session id to a
// client class. Verification distinguishes expired from invalid so callers
// can ask a client to re-authenticate rather than rejecting outright.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenIssuer creates a token issuer. An empty secret is a startup-time
// misconfiguration and is rejected here rather than surfaced per-request.
func NewTokenIssuer(secret []byte, ttl time.Duration) (*TokenIssuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("token signing secret is empty")
	}
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &TokenIssuer{secret: secret, ttl: ttl}, nil
}

// Issue creates a signed, time-boxed token binding sessionID and clientClass.
func (t *TokenIssuer) Issue(sessionID, clientClass string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sid": sessionID,
		"cls": clientClass,
		"iat": now.Unix(),
		"exp": now.Add(t.ttl).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Verify validates the token and extracts its claims.
// Returns ErrExpiredToken for expired-but-otherwise-valid tokens and
// ErrInvalidToken (possibly wrapped) for everything else.
func (t *TokenIssuer) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method is HS256
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sid, ok := claims["sid"].(string)
	if !ok || sid == "" {
		return nil, fmt.Errorf("%w: sid", ErrMissingClaim)
	}
	cls, ok := claims["cls"].(string)
	if !ok || cls == "" {
		return nil, fmt.Errorf("%w: cls", ErrMissingClaim)
	}

	return &Claims{SessionID: sid, ClientClass: cls}, nil
}
