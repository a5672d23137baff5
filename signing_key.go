package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

// MinSigningKeyBytes is the smallest key accepted for HS512
const MinSigningKeyBytes = 64

// SigningKey is the process wide HMAC key. Build it once at startup with
// NewSigningKey and hand it to NewTokenService; it is never mutated.
type SigningKey struct {
	b []byte
}

// NewSigningKey decodes a base64 encoded shared secret.
func NewSigningKey(secret string) (SigningKey, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return SigningKey{}, fmt.Errorf("%w: empty secret", ErrInvalidSigningKey)
	}

	raw, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		// accept unpadded and url safe variants too
		raw, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(secret, "="))
		if err != nil {
			return SigningKey{}, fmt.Errorf("%w: secret is not base64: %v", ErrInvalidSigningKey, err)
		}
	}

	if len(raw) < MinSigningKeyBytes {
		return SigningKey{}, fmt.Errorf("%w: need at least %d bytes, got %d", ErrInvalidSigningKey, MinSigningKeyBytes, len(raw))
	}

	return SigningKey{b: raw}, nil
}

// MustSigningKey panics if the secret cannot be decoded
func MustSigningKey(secret string) SigningKey {
	k, err := NewSigningKey(secret)
	if err != nil {
		panic(err)
	}
	return k
}

// Bytes returns a copy of the key material
func (k SigningKey) Bytes() []byte {
	out := make([]byte, len(k.b))
	copy(out, k.b)
	return out
}

// IsZero is true for keys that were not built with NewSigningKey
func (k SigningKey) IsZero() bool {
	return len(k.b) == 0
}

// GenerateSecret returns a random base64 secret of n bytes, at least
// MinSigningKeyBytes
func GenerateSecret(n int) (string, error) {
	if n < MinSigningKeyBytes {
		n = MinSigningKeyBytes
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
