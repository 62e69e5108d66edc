package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenClaims is the decoded slice of the bearer token the client cares
// about. Signature verification is the backend's job; the client only
// reads timing claims to schedule refreshes.
type tokenClaims struct {
	IssuedAt  time.Time
	ExpiresAt time.Time
}

func decodeClaims(tok string) (tokenClaims, error) {
	var claims jwt.RegisteredClaims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tok, &claims); err != nil {
		return tokenClaims{}, fmt.Errorf("decode token claims: %w", err)
	}
	if claims.ExpiresAt == nil {
		return tokenClaims{}, fmt.Errorf("token has no exp claim")
	}

	decoded := tokenClaims{ExpiresAt: claims.ExpiresAt.Time}
	if claims.IssuedAt != nil {
		decoded.IssuedAt = claims.IssuedAt.Time
	}
	return decoded, nil
}

// needsRefreshAt reports whether a token with the given claims should be
// refreshed as of now: either fewer than window seconds remain, or the
// token is inside the final fraction of its total lifetime.
func needsRefreshAt(claims tokenClaims, now time.Time, window time.Duration, fraction float64) bool {
	remaining := claims.ExpiresAt.Sub(now)
	if remaining < window {
		return true
	}
	if !claims.IssuedAt.IsZero() {
		total := claims.ExpiresAt.Sub(claims.IssuedAt)
		if total > 0 && remaining < time.Duration(float64(total)*fraction) {
			return true
		}
	}
	return false
}
