package social

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	auth "github.com/goliatone/go-tokenauth"
)

// FederatedAuthenticator runs the authorization code flow and maps the
// provider identity onto a local user holding a fresh token pair.
type FederatedAuthenticator struct {
	providers    map[string]Provider
	stateManager StateManager
	store        auth.UserStore
	issuer       *auth.TokenIssuer
	activitySink auth.ActivitySink
	logger       auth.Logger
	config       Config
	now          func() time.Time
}

// Config configures the federated authenticator.
type Config struct {
	// DefaultRedirectURL is stored in the state when BeginAuth gets none
	DefaultRedirectURL string
	StateSecret        string
	StateTTL           time.Duration
	// DefaultRole is granted to identities created on first login
	DefaultRole string
}

// Option configures the federated authenticator.
type Option func(*FederatedAuthenticator)

// NewFederatedAuthenticator creates a new authenticator. A state manager
// is derived from Config.StateSecret unless WithStateManager is given.
func NewFederatedAuthenticator(
	store auth.UserStore,
	issuer *auth.TokenIssuer,
	config Config,
	opts ...Option,
) (*FederatedAuthenticator, error) {
	cfg := config
	if cfg.StateTTL == 0 {
		cfg.StateTTL = DefaultStateTTL
	}
	if cfg.DefaultRedirectURL == "" {
		cfg.DefaultRedirectURL = "/"
	}
	if cfg.DefaultRole == "" {
		cfg.DefaultRole = auth.RoleUser
	}

	fa := &FederatedAuthenticator{
		providers:    make(map[string]Provider),
		store:        store,
		issuer:       issuer,
		activitySink: auth.NormalizeActivitySink(nil),
		logger:       auth.DefaultLogger(),
		config:       cfg,
		now:          time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(fa)
		}
	}

	if fa.stateManager == nil {
		sm, err := NewStateManagerFromSecret(cfg.StateSecret, cfg.StateTTL)
		if err != nil {
			return nil, err
		}
		fa.stateManager = sm
	}

	return fa, nil
}

// WithProvider registers a provider.
func WithProvider(provider Provider) Option {
	return func(fa *FederatedAuthenticator) {
		if provider == nil {
			return
		}
		fa.providers[provider.Name()] = provider
	}
}

// WithStateManager sets a custom state manager.
func WithStateManager(sm StateManager) Option {
	return func(fa *FederatedAuthenticator) {
		fa.stateManager = sm
	}
}

// WithActivitySink sets the activity sink for audit logging.
func WithActivitySink(sink auth.ActivitySink) Option {
	return func(fa *FederatedAuthenticator) {
		fa.activitySink = auth.NormalizeActivitySink(sink)
	}
}

// WithLogger sets the logger.
func WithLogger(logger auth.Logger) Option {
	return func(fa *FederatedAuthenticator) {
		if logger != nil {
			fa.logger = logger
		}
	}
}

// Issuer returns the token issuer used on success
func (fa *FederatedAuthenticator) Issuer() *auth.TokenIssuer {
	return fa.issuer
}

// Providers returns the registered provider names, sorted.
func (fa *FederatedAuthenticator) Providers() []string {
	names := make([]string, 0, len(fa.providers))
	for name := range fa.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AuthRedirect contains the authorization URL for redirecting users.
type AuthRedirect struct {
	URL      string
	State    string
	Provider string
}

// AuthResult is the outcome of CompleteAuth. On failure only Err and
// Provider are set.
type AuthResult struct {
	User        *auth.User
	Principal   *auth.Principal
	Tokens      auth.TokenPair
	IsNewUser   bool
	Provider    string
	Profile     *Profile
	RedirectURL string
	Err         error
}

// OK reports a successful federated login
func (r AuthResult) OK() bool {
	return r.Err == nil && r.User != nil
}

// BeginAuth starts the OAuth flow for a provider. redirectURL is where the
// client lands after a successful callback; only local paths are kept.
func (fa *FederatedAuthenticator) BeginAuth(ctx context.Context, providerName string, redirectURL ...string) (*AuthRedirect, error) {
	provider, ok := fa.providers[providerName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, providerName)
	}

	target := fa.config.DefaultRedirectURL
	if len(redirectURL) > 0 && isLocalPath(redirectURL[0]) {
		target = redirectURL[0]
	}

	codeVerifier, err := generateCodeVerifier()
	if err != nil {
		return nil, fmt.Errorf("failed to generate code verifier: %w", err)
	}

	now := fa.now()
	state := &OAuthState{
		Nonce:        generateNonce(),
		Provider:     providerName,
		CodeVerifier: codeVerifier,
		RedirectURL:  target,
		IssuedAt:     now.Unix(),
		ExpiresAt:    now.Add(fa.config.StateTTL).Unix(),
	}

	stateToken, err := fa.stateManager.Encode(state)
	if err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}

	authURL := provider.AuthCodeURL(stateToken, WithPKCE(computeCodeChallenge(codeVerifier), "S256"))

	return &AuthRedirect{
		URL:      authURL,
		State:    stateToken,
		Provider: providerName,
	}, nil
}

// CompleteAuth finishes the flow after the provider callback. Every
// failure is returned in AuthResult.Err, none is swallowed.
func (fa *FederatedAuthenticator) CompleteAuth(ctx context.Context, providerName, code, stateToken string) AuthResult {
	result := fa.completeAuth(ctx, providerName, code, stateToken)

	if result.Err != nil {
		fa.logger.Warn("federated login failed", "provider", providerName, "error", result.Err)
		auth.RecordActivity(ctx, fa.activitySink, fa.logger, auth.ActivityEvent{
			EventType: auth.ActivityEventFederatedError,
			Provider:  providerName,
			Metadata:  failureMetadata(result.Err),
		})
		return result
	}

	auth.RecordActivity(ctx, fa.activitySink, fa.logger, auth.ActivityEvent{
		EventType: auth.ActivityEventFederatedLogin,
		Username:  result.User.Username,
		Provider:  providerName,
		Metadata: map[string]any{
			"provider_user_id": result.Profile.Subject,
			"is_new_user":      result.IsNewUser,
		},
	})

	return result
}

func (fa *FederatedAuthenticator) completeAuth(ctx context.Context, providerName, code, stateToken string) AuthResult {
	fail := func(err error) AuthResult {
		return AuthResult{Provider: providerName, Err: err}
	}

	if code == "" || stateToken == "" {
		return fail(ErrMissingParams)
	}

	state, err := fa.stateManager.Decode(stateToken)
	if err != nil {
		if errors.Is(err, ErrStateExpired) {
			return fail(ErrStateExpired)
		}
		if errors.Is(err, ErrInvalidState) {
			return fail(err)
		}
		return fail(fmt.Errorf("%w: %v", ErrInvalidState, err))
	}

	if state.Provider != providerName {
		return fail(fmt.Errorf("%w: provider mismatch", ErrInvalidState))
	}

	provider, ok := fa.providers[providerName]
	if !ok {
		return fail(fmt.Errorf("%w: %s", ErrProviderNotFound, providerName))
	}

	token, err := provider.Exchange(ctx, code, WithCodeVerifier(state.CodeVerifier))
	if err != nil {
		return fail(wrapProviderError(ErrTokenExchangeFailed, providerName, "exchange", err))
	}

	profile, err := provider.UserInfo(ctx, token)
	if err != nil {
		return fail(wrapProviderError(ErrUserInfoFailed, providerName, "user_info", err))
	}
	if profile == nil || profile.Subject == "" {
		return fail(wrapProviderError(ErrUserInfoFailed, providerName, "user_info", errors.New("missing subject")))
	}

	user, pair, isNew, err := fa.resolveUser(ctx, providerName, profile)
	if err != nil {
		return fail(err)
	}

	return AuthResult{
		User:        user,
		Principal:   auth.NewPrincipal(user).WithAttributes(profile.Raw),
		Tokens:      pair,
		IsNewUser:   isNew,
		Provider:    providerName,
		Profile:     profile,
		RedirectURL: state.RedirectURL,
	}
}

// resolveUser finds the local identity for the provider subject and
// issues it a token pair. A first login saves the new identity together
// with its refresh token, so a failed write leaves nothing behind.
func (fa *FederatedAuthenticator) resolveUser(ctx context.Context, providerName string, profile *Profile) (*auth.User, auth.TokenPair, bool, error) {
	username := auth.FederatedUsername(providerName, profile.Subject)

	user, err := fa.store.FindByUsername(ctx, username)
	if err == nil {
		pair, err := fa.issueExisting(ctx, user)
		return user, pair, false, err
	}
	if !errors.Is(err, auth.ErrIdentityNotFound) {
		return nil, auth.TokenPair{}, false, fmt.Errorf("%w: %w", ErrProvisioningFailed, err)
	}

	pair, err := fa.issuer.Tokens().IssuePair(username)
	if err != nil {
		return nil, auth.TokenPair{}, false, fmt.Errorf("%w: %w", ErrTokenIssueFailed, err)
	}

	user, err = fa.store.Save(ctx, &auth.User{
		Username:     username,
		Email:        profile.Email,
		Role:         fa.config.DefaultRole,
		Provider:     providerName,
		ProviderID:   profile.Subject,
		RefreshToken: pair.RefreshToken,
	})
	if err != nil {
		// a concurrent first login created the same identity
		if errors.Is(err, auth.ErrUsernameTaken) {
			user, err = fa.store.FindByUsername(ctx, username)
			if err != nil {
				return nil, auth.TokenPair{}, false, fmt.Errorf("%w: %w", ErrProvisioningFailed, err)
			}
			pair, err := fa.issueExisting(ctx, user)
			return user, pair, false, err
		}
		return nil, auth.TokenPair{}, false, fmt.Errorf("%w: %w", ErrProvisioningFailed, err)
	}

	fa.logger.Info("provisioned federated identity", "username", username, "provider", providerName)
	return user, pair, true, nil
}

func (fa *FederatedAuthenticator) issueExisting(ctx context.Context, user *auth.User) (auth.TokenPair, error) {
	pair, err := fa.issuer.Issue(ctx, user)
	if err != nil {
		return auth.TokenPair{}, fmt.Errorf("%w: %w", ErrTokenIssueFailed, err)
	}
	return pair, nil
}

func failureMetadata(err error) map[string]any {
	meta := map[string]any{
		"error": err.Error(),
		"code":  TextCode(err),
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		for k, v := range perr.Metadata() {
			meta[k] = v
		}
	}
	return meta
}

func isLocalPath(p string) bool {
	return strings.HasPrefix(p, "/") && !strings.HasPrefix(p, "//") && !strings.Contains(p, "\\")
}
