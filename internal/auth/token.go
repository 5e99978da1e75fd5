package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenTypeOwner marks session tokens minted for an account.
const TokenTypeOwner = "owner"

// Claims are the JWT claims of an owner bearer token. Subject carries the
// account id every domain operation is scoped to.
type Claims struct {
	jwt.RegisteredClaims
	Type string `json:"typ"`
}

// OwnerID returns the account id carried by the token.
func (c *Claims) OwnerID() string { return c.Subject }

// TokenIssuer issues and verifies HS256 owner tokens.
type TokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewTokenIssuer creates a TokenIssuer. A zero ttl defaults to 24h.
func NewTokenIssuer(secret []byte, issuer string, ttl time.Duration) (*TokenIssuer, error) {
	if len(secret) < 16 {
		return nil, errors.New("jwt secret must be at least 16 bytes")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenIssuer{secret: secret, issuer: issuer, ttl: ttl}, nil
}

// Issue mints a token for ownerID using the issuer's default lifetime.
func (t *TokenIssuer) Issue(ownerID string) (string, error) {
	return t.IssueWithTTL(ownerID, t.ttl)
}

// IssueWithTTL mints a token for ownerID valid for ttl.
func (t *TokenIssuer) IssueWithTTL(ownerID string, ttl time.Duration) (string, error) {
	if ownerID == "" {
		return "", errors.New("owner id is required")
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   ownerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.New().String(),
		},
		Type: TokenTypeOwner,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign owner token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates tokenStr.
func (t *TokenIssuer) Verify(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return t.secret, nil
		},
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("parse owner token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid owner token")
	}
	if claims.Type != TokenTypeOwner {
		return nil, fmt.Errorf("unexpected token type %q", claims.Type)
	}
	if claims.Subject == "" {
		return nil, errors.New("owner token has no subject")
	}
	return claims, nil
}
