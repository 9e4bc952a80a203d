package portal

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token is the result of authenticating against a portal.
type Token struct {
	Value string

	// Extra holds secondary values some portals hand out at login and require
	// on later calls, such as the management portal's "yandex" token.
	Extra map[string]string

	// ExpiresAt is zero when the portal doesn't say when the token expires.
	ExpiresAt time.Time
}

func newToken(value string) Token {
	return Token{
		Value:     value,
		ExpiresAt: jwtExpiry(value),
	}
}

// jwtExpiry returns the "exp" claim when the bearer is a JWT. The signature
// isn't checked since only the portal holds the key; a token we can't parse
// simply has no known expiry.
func jwtExpiry(raw string) time.Time {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
