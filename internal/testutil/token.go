package testutil

import (
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// TokenClaims describe an HS256 token to mint.
type TokenClaims struct {
	Subject  string
	Audience string
	Issuer   string
	TTL      time.Duration
}

// Token signs an HS256 token with secret.
func Token(secret []byte, c TokenClaims) (string, error) {
	now := time.Now()
	ttl := c.TTL
	if ttl == 0 {
		ttl = time.Hour
	}
	claims := jwt.MapClaims{
		"sub": c.Subject,
		"exp": now.Add(ttl).Unix(),
		"nbf": now.Add(-time.Minute).Unix(),
		"iat": now.Add(-time.Minute).Unix(),
	}
	if c.Audience != "" {
		claims["aud"] = c.Audience
	}
	if c.Issuer != "" {
		claims["iss"] = c.Issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
