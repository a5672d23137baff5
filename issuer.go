package auth

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2"
)

// TokenIssuer mints token pairs for an identity, persists the refresh
// token and writes both tokens to a response. The login bridges and the
// refresh step share it.
type TokenIssuer struct {
	tokens        *TokenService
	store         UserStore
	accessHeader  string
	refreshHeader string
	logger        Logger
}

// NewTokenIssuer builds an issuer writing to the headers named in cfg
func NewTokenIssuer(tokens *TokenService, store UserStore, cfg Config, logger Logger) *TokenIssuer {
	accessHeader := cfg.AccessHeader
	if accessHeader == "" {
		accessHeader = DefaultAccessHeader
	}
	refreshHeader := cfg.RefreshHeader
	if refreshHeader == "" {
		refreshHeader = DefaultRefreshHeader
	}

	return &TokenIssuer{
		tokens:        tokens,
		store:         store,
		accessHeader:  accessHeader,
		refreshHeader: refreshHeader,
		logger:        normalizeLogger(logger),
	}
}

// Tokens returns the underlying TokenService
func (i *TokenIssuer) Tokens() *TokenService {
	return i.tokens
}

// Issue mints a pair for user and stores the refresh token against it,
// replacing any previous one.
func (i *TokenIssuer) Issue(ctx context.Context, user *User) (TokenPair, error) {
	if user == nil || user.Username == "" {
		return TokenPair{}, ErrIdentityNotFound
	}

	pair, err := i.tokens.IssuePair(user.Username)
	if err != nil {
		return TokenPair{}, err
	}

	if err := i.store.SetRefreshToken(ctx, user.Username, pair.RefreshToken); err != nil {
		return TokenPair{}, fmt.Errorf("persist refresh token for %s: %w", user.Username, err)
	}

	i.logger.Debug("issued token pair", "username", user.Username)
	return pair, nil
}

// Headers returns both token headers keyed by header name
func (i *TokenIssuer) Headers(pair TokenPair) map[string]string {
	return map[string]string{
		i.accessHeader:  i.tokens.FormatHeader(pair.AccessToken),
		i.refreshHeader: i.tokens.FormatHeader(pair.RefreshToken),
	}
}

// WriteTokens sets both token headers on the response
func (i *TokenIssuer) WriteTokens(c *fiber.Ctx, pair TokenPair) {
	for name, value := range i.Headers(pair) {
		c.Set(name, value)
	}
}
