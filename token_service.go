package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// BearerPrefix is the transport prefix of both token headers
const BearerPrefix = "Bearer "

const (
	DefaultAccessTTL  = time.Hour
	DefaultRefreshTTL = 14 * 24 * time.Hour
)

// TokenService creates, signs and validates access and refresh tokens
type TokenService struct {
	key        []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
	logger     Logger
}

// TokenServiceOption configures a TokenService
type TokenServiceOption func(*TokenService)

// WithAccessTTL overrides the access token lifetime
func WithAccessTTL(ttl time.Duration) TokenServiceOption {
	return func(ts *TokenService) {
		if ttl > 0 {
			ts.accessTTL = ttl
		}
	}
}

// WithRefreshTTL overrides the refresh token lifetime
func WithRefreshTTL(ttl time.Duration) TokenServiceOption {
	return func(ts *TokenService) {
		if ttl > 0 {
			ts.refreshTTL = ttl
		}
	}
}

// WithClock replaces time.Now for issuing and validating tokens
func WithClock(now func() time.Time) TokenServiceOption {
	return func(ts *TokenService) {
		if now != nil {
			ts.now = now
		}
	}
}

// WithTokenLogger sets the logger
func WithTokenLogger(logger Logger) TokenServiceOption {
	return func(ts *TokenService) {
		ts.logger = normalizeLogger(logger)
	}
}

// NewTokenService creates a new TokenService instance
func NewTokenService(key SigningKey, opts ...TokenServiceOption) (*TokenService, error) {
	if key.IsZero() {
		return nil, fmt.Errorf("%w: signing key not initialized", ErrInvalidSigningKey)
	}

	ts := &TokenService{
		key:        key.Bytes(),
		accessTTL:  DefaultAccessTTL,
		refreshTTL: DefaultRefreshTTL,
		now:        time.Now,
		logger:     defLogger{},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(ts)
		}
	}

	return ts, nil
}

// NewTokenServiceFromConfig builds the signing key and service from cfg
func NewTokenServiceFromConfig(cfg Config, logger Logger) (*TokenService, error) {
	key, err := NewSigningKey(cfg.Secret)
	if err != nil {
		return nil, err
	}
	return NewTokenService(key,
		WithAccessTTL(cfg.AccessTTL),
		WithRefreshTTL(cfg.RefreshTTL),
		WithTokenLogger(logger),
	)
}

// AccessTTL returns the configured access token lifetime
func (ts *TokenService) AccessTTL() time.Duration {
	return ts.accessTTL
}

// RefreshTTL returns the configured refresh token lifetime
func (ts *TokenService) RefreshTTL() time.Duration {
	return ts.refreshTTL
}

// IssueAccessToken signs a short lived token carrying username in the name claim
func (ts *TokenService) IssueAccessToken(username string) (string, error) {
	token, _, err := ts.issue(AccessTokenSubject, username, ts.accessTTL)
	return token, err
}

// IssueRefreshToken signs a long lived token with no identity claim
func (ts *TokenService) IssueRefreshToken() (string, error) {
	token, _, err := ts.issue(RefreshTokenSubject, "", ts.refreshTTL)
	return token, err
}

// IssuePair mints a fresh access and refresh token for username
func (ts *TokenService) IssuePair(username string) (TokenPair, error) {
	access, accessExp, err := ts.issue(AccessTokenSubject, username, ts.accessTTL)
	if err != nil {
		return TokenPair{}, err
	}

	refresh, refreshExp, err := ts.issue(RefreshTokenSubject, "", ts.refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}

	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func (ts *TokenService) issue(subject, name string, ttl time.Duration) (string, time.Time, error) {
	// NumericDate has second precision, the returned expiry must match exp
	now := ts.now().Truncate(time.Second)
	expiresAt := now.Add(ttl)

	claims := &TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Name: name,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS512, claims)

	signed, err := token.SignedString(ts.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign JWT: %w", err)
	}

	return signed, expiresAt, nil
}

// Parse verifies signature, algorithm and expiration and returns the claims
func (ts *TokenService) Parse(tokenString string) (*TokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS512 {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return ts.key, nil
	},
		jwt.WithTimeFunc(ts.now),
		jwt.WithExpirationRequired(),
	)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}

	claims, ok := token.Claims.(*TokenClaims)
	if !ok || !token.Valid {
		return nil, ErrTokenMalformed
	}

	return claims, nil
}

// Validate reports whether the token parses, is signed with our key and
// has not expired. Failures are logged and reported as false.
func (ts *TokenService) Validate(tokenString string) bool {
	if _, err := ts.Parse(tokenString); err != nil {
		ts.logger.Debug("token rejected", "error", err)
		return false
	}
	return true
}

// ExtractUsername returns the name claim of a valid access token
func (ts *TokenService) ExtractUsername(accessToken string) (string, bool) {
	claims, err := ts.Parse(accessToken)
	if err != nil {
		ts.logger.Debug("access token rejected", "error", err)
		return "", false
	}

	if !claims.IsAccessToken() || claims.Name == "" {
		return "", false
	}

	return claims.Name, true
}

// ExtractFromHeader strips the Bearer prefix from a header value
func (ts *TokenService) ExtractFromHeader(value string) (string, bool) {
	return ExtractBearer(value)
}

// FormatHeader prefixes token for transport
func (ts *TokenService) FormatHeader(token string) string {
	return BearerPrefix + token
}

// ExtractBearer returns the token carried by a "Bearer <token>" value
func ExtractBearer(value string) (string, bool) {
	if !strings.HasPrefix(value, BearerPrefix) {
		return "", false
	}

	token := strings.TrimSpace(value[len(BearerPrefix):])
	if token == "" {
		return "", false
	}

	return token, true
}
