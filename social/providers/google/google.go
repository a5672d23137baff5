package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	auth "github.com/goliatone/go-tokenauth"
	"github.com/goliatone/go-tokenauth/social"
)

const (
	// ProviderName is the registration id, and the prefix of local usernames
	ProviderName = "google"

	defaultAuthURL     = "https://accounts.google.com/o/oauth2/v2/auth"
	defaultTokenURL    = "https://oauth2.googleapis.com/token"
	defaultUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"
	defaultJWKSURL     = "https://www.googleapis.com/oauth2/v3/certs"
	defaultIssuer      = "https://accounts.google.com"
)

// Config holds Google OAuth configuration.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	AuthURL     string
	TokenURL    string
	UserInfoURL string

	// VerifyIDToken checks the id_token signature against the JWKS and
	// cross-checks its subject with the user-info response
	VerifyIDToken bool
	JWKSURL       string
	Issuer        string
	// IDTokenKeyfunc replaces the JWKS lookup
	IDTokenKeyfunc jwt.Keyfunc

	HTTPClient *http.Client

	// Logger receives background JWKS refresh failures
	Logger auth.Logger
}

// DefaultScopes returns the default Google scopes.
func DefaultScopes() []string {
	return []string{"openid", "email", "profile"}
}

// Provider implements social.Provider for Google.
type Provider struct {
	config     Config
	oauth      *oauth2.Config
	httpClient *http.Client
	keyfunc    jwt.Keyfunc
	jwks       *keyfunc.JWKS
}

var _ social.Provider = (*Provider)(nil)

// New creates a new Google provider. With VerifyIDToken and no
// IDTokenKeyfunc the JWKS is fetched once here and refreshed in the
// background until Close.
func New(cfg Config) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("google: client id is required")
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultScopes()
	}
	if cfg.AuthURL == "" {
		cfg.AuthURL = defaultAuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = defaultTokenURL
	}
	if cfg.UserInfoURL == "" {
		cfg.UserInfoURL = defaultUserInfoURL
	}
	if cfg.JWKSURL == "" {
		cfg.JWKSURL = defaultJWKSURL
	}
	if cfg.Issuer == "" {
		cfg.Issuer = defaultIssuer
	}

	if cfg.Logger == nil {
		cfg.Logger = auth.DefaultLogger()
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	p := &Provider{
		config:     cfg,
		httpClient: client,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		keyfunc: cfg.IDTokenKeyfunc,
	}

	if cfg.VerifyIDToken && p.keyfunc == nil {
		jwks, err := keyfunc.Get(cfg.JWKSURL, keyfuncOptions(client, cfg.Logger))
		if err != nil {
			return nil, fmt.Errorf("google: failed to load JWKS: %w", err)
		}
		p.jwks = jwks
		p.keyfunc = jwks.Keyfunc
	}

	return p, nil
}

func keyfuncOptions(client *http.Client, logger auth.Logger) keyfunc.Options {
	if logger == nil {
		logger = auth.DefaultLogger()
	}
	return keyfunc.Options{
		Client: client,
		RefreshErrorHandler: func(err error) {
			logger.Warn("google: JWKS background refresh failed", "error", err)
		},
		RefreshInterval:   time.Hour,
		RefreshRateLimit:  time.Minute * 5,
		RefreshTimeout:    time.Second * 10,
		RefreshUnknownKID: true,
	}
}

// Close stops the background JWKS refresh
func (p *Provider) Close() {
	if p.jwks != nil {
		p.jwks.EndBackground()
	}
}

// Name implements social.Provider.
func (p *Provider) Name() string {
	return ProviderName
}

// AuthCodeURL implements social.Provider.
func (p *Provider) AuthCodeURL(state string, opts ...social.AuthCodeOption) string {
	cfg := social.ApplyAuthCodeOptions(p.config.Scopes, opts...)

	oc := *p.oauth
	oc.Scopes = cfg.Scopes

	params := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}

	if cfg.CodeChallenge != "" {
		method := cfg.CodeChallengeMethod
		if method == "" {
			method = "S256"
		}
		params = append(params,
			oauth2.SetAuthURLParam("code_challenge", cfg.CodeChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", method),
		)
	}

	if cfg.Prompt != "" {
		params = append(params, oauth2.SetAuthURLParam("prompt", cfg.Prompt))
	}

	return oc.AuthCodeURL(state, params...)
}

// Exchange implements social.Provider.
func (p *Provider) Exchange(ctx context.Context, code string, opts ...social.ExchangeOption) (*social.Token, error) {
	cfg := social.ApplyExchangeOptions(opts...)

	var params []oauth2.AuthCodeOption
	if cfg.CodeVerifier != "" {
		params = append(params, oauth2.VerifierOption(cfg.CodeVerifier))
	}

	tok, err := p.oauth.Exchange(p.clientContext(ctx), code, params...)
	if err != nil {
		return nil, exchangeError(err)
	}

	idToken, _ := tok.Extra("id_token").(string)

	return &social.Token{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
		IDToken:      idToken,
		ExpiresAt:    tok.Expiry,
	}, nil
}

// UserInfo implements social.Provider.
func (p *Provider) UserInfo(ctx context.Context, token *social.Token) (*social.Profile, error) {
	if token == nil || token.AccessToken == "" {
		return nil, providerError("user_info", 0, "missing_access_token", "missing access token", nil, nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.UserInfoURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, providerError("user_info", 0, "request_failed", "", err, nil)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		code, description, raw := parseGoogleError(body)
		return nil, providerError("user_info", resp.StatusCode, code, description, nil, raw)
	}

	var info googleUserInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, providerError("user_info", resp.StatusCode, "invalid_response", "failed to decode userinfo response", err, nil)
	}

	if info.Sub == "" {
		return nil, providerError("user_info", resp.StatusCode, "missing_subject", "userinfo response has no sub", nil, nil)
	}

	if p.config.VerifyIDToken {
		if err := p.verifyIDToken(token.IDToken, info.Sub); err != nil {
			return nil, err
		}
	}

	return mapProfile(&info), nil
}

type idTokenClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}

func (p *Provider) verifyIDToken(raw, subject string) error {
	if raw == "" {
		return providerError("id_token", 0, "missing_id_token", "token response has no id_token", nil, nil)
	}
	if p.keyfunc == nil {
		return providerError("id_token", 0, "no_keyfunc", "id_token verification is not configured", nil, nil)
	}

	claims := &idTokenClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, p.keyfunc,
		jwt.WithAudience(p.config.ClientID),
		jwt.WithIssuer(p.config.Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return providerError("id_token", 0, "invalid_id_token", "", err, nil)
	}

	if claims.Subject != subject {
		return providerError("id_token", 0, "subject_mismatch", "id_token subject does not match userinfo", nil, nil)
	}

	return nil
}

func (p *Provider) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
}

func exchangeError(err error) error {
	var rerr *oauth2.RetrieveError
	if !errors.As(err, &rerr) {
		return providerError("exchange", 0, "request_failed", "", err, nil)
	}

	status := 0
	if rerr.Response != nil {
		status = rerr.Response.StatusCode
	}

	code, desc := rerr.ErrorCode, rerr.ErrorDescription
	var raw map[string]any
	if code == "" && desc == "" {
		code, desc, raw = parseGoogleError(rerr.Body)
	} else {
		raw = map[string]any{
			"error":             code,
			"error_description": desc,
		}
	}

	return providerError("exchange", status, code, desc, nil, raw)
}

type googleErrorResponse struct {
	Error string `json:"error"`
	Desc  string `json:"error_description"`
}

type googleAPIError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func parseGoogleError(body []byte) (string, string, map[string]any) {
	var plain googleErrorResponse
	if err := json.Unmarshal(body, &plain); err == nil && (plain.Error != "" || plain.Desc != "") {
		return plain.Error, plain.Desc, map[string]any{
			"error":             plain.Error,
			"error_description": plain.Desc,
		}
	}

	var api googleAPIError
	if err := json.Unmarshal(body, &api); err == nil && (api.Error.Message != "" || api.Error.Status != "") {
		code := api.Error.Status
		if code == "" && api.Error.Code != 0 {
			code = fmt.Sprintf("%d", api.Error.Code)
		}
		return code, api.Error.Message, map[string]any{
			"status":  api.Error.Status,
			"message": api.Error.Message,
			"code":    api.Error.Code,
		}
	}

	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = "google request failed"
	}

	return "", msg, nil
}

func providerError(operation string, status int, code, description string, err error, raw map[string]any) *social.ProviderError {
	return &social.ProviderError{
		Provider:    ProviderName,
		Operation:   operation,
		Status:      status,
		Code:        code,
		Description: description,
		Err:         err,
		Raw:         raw,
	}
}
