package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// AccessTokenSubject is the fixed sub claim of access tokens
	AccessTokenSubject = "AccessToken"
	// RefreshTokenSubject is the fixed sub claim of refresh tokens
	RefreshTokenSubject = "RefreshToken"
)

// TokenClaims is the payload of both token kinds. Name is only set on
// access tokens; refresh tokens carry no identity.
type TokenClaims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
}

// Username returns the name claim
func (c *TokenClaims) Username() string {
	return c.Name
}

// IsAccessToken reports whether the subject marks an access token
func (c *TokenClaims) IsAccessToken() bool {
	return c.RegisteredClaims.Subject == AccessTokenSubject
}

// IsRefreshToken reports whether the subject marks a refresh token
func (c *TokenClaims) IsRefreshToken() bool {
	return c.RegisteredClaims.Subject == RefreshTokenSubject
}

// Expires returns the expiration time
func (c *TokenClaims) Expires() time.Time {
	if c.RegisteredClaims.ExpiresAt != nil {
		return c.RegisteredClaims.ExpiresAt.Time
	}
	return time.Time{}
}

// TokenPair is what both login bridges and the refresh path hand back
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}
