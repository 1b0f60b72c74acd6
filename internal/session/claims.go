package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"alumni-sync/pkg/alumni"
)

// credentialExpiry reads the exp claim of a JWT credential without verifying it;
// the client never holds the signing key. Opaque tokens have no client-side expiry.
func credentialExpiry(credential alumni.Credential) time.Time {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(credential.String(), &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}

	return claims.ExpiresAt.Time
}
