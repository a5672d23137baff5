package auth_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	auth "github.com/goliatone/go-tokenauth"
)

func TestIsTokenExpiredError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "Sentinel",
			err:      auth.ErrTokenExpired,
			expected: true,
		},
		{
			name:     "Wrapped sentinel",
			err:      fmt.Errorf("refresh: %w", auth.ErrTokenExpired),
			expected: true,
		},
		{
			name:     "Legacy token expired error (string match)",
			err:      errors.New("some wrapper: token is expired"),
			expected: true,
		},
		{
			name:     "Different error",
			err:      auth.ErrIdentityNotFound,
			expected: false,
		},
		{
			name:     "Nil error",
			err:      nil,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, auth.IsTokenExpiredError(tt.err))
		})
	}
}

func TestIsMalformedError(t *testing.T) {
	assert.True(t, auth.IsMalformedError(fmt.Errorf("%w: bad segment", auth.ErrTokenMalformed)))
	assert.True(t, auth.IsMalformedError(errors.New("missing or malformed JWT")))
	assert.False(t, auth.IsMalformedError(auth.ErrTokenExpired))
	assert.False(t, auth.IsMalformedError(nil))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, auth.IsNotFound(auth.ErrIdentityNotFound))
	assert.True(t, auth.IsNotFound(fmt.Errorf("lookup: %w", auth.ErrRefreshTokenNotFound)))
	assert.False(t, auth.IsNotFound(auth.ErrUsernameTaken))
}
