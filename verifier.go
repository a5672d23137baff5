package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// PasswordVerifier checks credentials against bcrypt hashes kept in a
// UserStore.
type PasswordVerifier struct {
	store   UserStore
	logger  Logger
	compare func(password, hash string) error

	dummyOnce sync.Once
	dummyHash string
}

var _ CredentialVerifier = (*PasswordVerifier)(nil)

// PasswordVerifierOption configures a PasswordVerifier
type PasswordVerifierOption func(*PasswordVerifier)

// WithPasswordCompare replaces ComparePasswordAndHash
func WithPasswordCompare(fn func(password, hash string) error) PasswordVerifierOption {
	return func(v *PasswordVerifier) {
		if fn != nil {
			v.compare = fn
		}
	}
}

// NewPasswordVerifier returns a CredentialVerifier backed by store
func NewPasswordVerifier(store UserStore, logger Logger, opts ...PasswordVerifierOption) *PasswordVerifier {
	v := &PasswordVerifier{
		store:   store,
		logger:  normalizeLogger(logger),
		compare: ComparePasswordAndHash,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}

	return v
}

// Verify returns the stored identity when password matches. Accounts
// without a password hash, such as federated ones, never verify.
// Unknown users and accounts without a password still cost one hash
// comparison against a placeholder hash.
func (v *PasswordVerifier) Verify(ctx context.Context, username, password string) (*User, error) {
	if username == "" || password == "" {
		return nil, ErrNoEmptyString
	}

	user, err := v.store.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrIdentityNotFound) {
			v.logger.Debug("verify: unknown user", "username", username)
			v.burnComparison(password)
			return nil, ErrIdentityNotFound
		}
		return nil, fmt.Errorf("verify %s: %w", username, err)
	}

	if user.PasswordHash == "" {
		v.logger.Debug("verify: account has no password", "username", username)
		v.burnComparison(password)
		return nil, ErrMismatchedHashAndPassword
	}

	if err := v.compare(password, user.PasswordHash); err != nil {
		return nil, err
	}

	return user, nil
}

func (v *PasswordVerifier) burnComparison(password string) {
	v.dummyOnce.Do(func() {
		hash, err := HashPassword("not-a-real-password")
		if err != nil {
			v.logger.Error("verify: failed to build placeholder hash", "error", err)
			return
		}
		v.dummyHash = hash
	})

	if v.dummyHash == "" {
		return
	}
	_ = v.compare(password, v.dummyHash)
}
