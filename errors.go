package auth

import (
	"errors"
	"strings"
)

// ErrIdentityNotFound is the error we return for non found identities
var ErrIdentityNotFound = errors.New("identity not found")

// ErrRefreshTokenNotFound no identity currently holds the refresh token
var ErrRefreshTokenNotFound = errors.New("refresh token not found")

// ErrTokenExpired the token exp claim is in the past
var ErrTokenExpired = errors.New("token is expired")

// ErrTokenMalformed the token could not be parsed or its signature is invalid
var ErrTokenMalformed = errors.New("token is malformed")

// ErrMismatchedHashAndPassword bad credentials
var ErrMismatchedHashAndPassword = errors.New("username or password mismatch")

// ErrNoEmptyString we refuse to hash empty passwords
var ErrNoEmptyString = errors.New("empty string is not allowed")

// ErrInvalidSigningKey the shared secret is not usable for HS512
var ErrInvalidSigningKey = errors.New("invalid signing key")

// ErrUsernameTaken a different identity already owns the username
var ErrUsernameTaken = errors.New("username already taken")

// IsTokenExpiredError will check for expired tokens
func IsTokenExpiredError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTokenExpired) {
		return true
	}
	return strings.Contains(err.Error(), "token is expired")
}

// IsMalformedError will check for error message
func IsMalformedError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTokenMalformed) {
		return true
	}
	return strings.Contains(err.Error(), "token is malformed") ||
		strings.Contains(err.Error(), "missing or malformed JWT")
}

// IsNotFound reports identity lookups that found nothing
func IsNotFound(err error) bool {
	return errors.Is(err, ErrIdentityNotFound) || errors.Is(err, ErrRefreshTokenNotFound)
}
