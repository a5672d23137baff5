package social

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/goliatone/go-router"
)

const (
	DefaultAuthorizationPath = "/oauth2/authorization"
	DefaultCallbackPath      = "/login/oauth2/code"
	DefaultErrorRedirect     = "/loginForm"
)

// RouteRegistrar captures the router methods used by the controller.
type RouteRegistrar interface {
	Get(path string, handler router.HandlerFunc, mw ...router.MiddlewareFunc) router.RouteInfo
}

// FailureHandler writes the response for a failed federated login
type FailureHandler func(ctx router.Context, err error) error

// HTTPController exposes the authorization and callback endpoints.
type HTTPController struct {
	authenticator *FederatedAuthenticator
	config        HTTPConfig
}

// HTTPConfig configures the HTTP controller.
type HTTPConfig struct {
	// AuthorizationPath prefixes GET <path>/:provider (default: "/oauth2/authorization")
	AuthorizationPath string

	// CallbackPath prefixes GET <path>/:provider (default: "/login/oauth2/code")
	CallbackPath string

	// SuccessRedirect is used when the state carries no redirect (default: "/")
	SuccessRedirect string

	// ErrorRedirect receives ?error=<code> on failure (default: "/loginForm")
	ErrorRedirect string

	// FailureHandler replaces the error redirect
	FailureHandler FailureHandler
}

// NewHTTPController creates a new federated login HTTP controller.
func NewHTTPController(fa *FederatedAuthenticator, cfg HTTPConfig) *HTTPController {
	if cfg.AuthorizationPath == "" {
		cfg.AuthorizationPath = DefaultAuthorizationPath
	}
	if cfg.CallbackPath == "" {
		cfg.CallbackPath = DefaultCallbackPath
	}
	if cfg.SuccessRedirect == "" {
		cfg.SuccessRedirect = "/"
	}
	if cfg.ErrorRedirect == "" {
		cfg.ErrorRedirect = DefaultErrorRedirect
	}

	c := &HTTPController{
		authenticator: fa,
		config:        cfg,
	}
	if c.config.FailureHandler == nil {
		c.config.FailureHandler = c.redirectWithError
	}

	return c
}

// RegisterRoutes registers the authorization and callback routes.
func (h *HTTPController) RegisterRoutes(r RouteRegistrar) {
	r.Get(h.AuthorizationRoute(), h.BeginAuth)
	r.Get(h.CallbackRoute(), h.Callback)
}

// AuthorizationRoute is the route pattern served by BeginAuth
func (h *HTTPController) AuthorizationRoute() string {
	return strings.TrimRight(h.config.AuthorizationPath, "/") + "/:provider"
}

// CallbackRoute is the route pattern served by Callback
func (h *HTTPController) CallbackRoute() string {
	return strings.TrimRight(h.config.CallbackPath, "/") + "/:provider"
}

// BeginAuth redirects the client to the provider consent page.
func (h *HTTPController) BeginAuth(ctx router.Context) error {
	redirect, err := h.authenticator.BeginAuth(ctx.Context(), ctx.Param("provider"), ctx.Query("redirect_url"))
	if err != nil {
		return h.config.FailureHandler(ctx, err)
	}

	return ctx.Redirect(redirect.URL, http.StatusFound)
}

// Callback handles the provider redirect. On success both token headers
// are set and the client is redirected to the application root.
func (h *HTTPController) Callback(ctx router.Context) error {
	providerName := ctx.Param("provider")

	if errCode := ctx.Query("error"); errCode != "" {
		return h.config.FailureHandler(ctx, &ProviderError{
			Provider:    providerName,
			Operation:   "authorize",
			Code:        errCode,
			Description: ctx.Query("error_description"),
			Err:         ErrProviderDenied,
		})
	}

	result := h.authenticator.CompleteAuth(ctx.Context(), providerName, ctx.Query("code"), ctx.Query("state"))
	if result.Err != nil {
		return h.config.FailureHandler(ctx, result.Err)
	}

	for name, value := range h.authenticator.Issuer().Headers(result.Tokens) {
		ctx.SetHeader(name, value)
	}

	target := result.RedirectURL
	if target == "" {
		target = h.config.SuccessRedirect
	}

	return ctx.Redirect(target, http.StatusFound)
}

func (h *HTTPController) redirectWithError(ctx router.Context, err error) error {
	return ctx.Redirect(appendQueryParam(h.config.ErrorRedirect, "error", TextCode(err)), http.StatusFound)
}

func appendQueryParam(rawURL, key, value string) string {
	if rawURL == "" {
		return ""
	}

	parsed, err := url.Parse(rawURL)
	if err == nil {
		query := parsed.Query()
		query.Set(key, value)
		parsed.RawQuery = query.Encode()
		return parsed.String()
	}

	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return rawURL + sep + url.QueryEscape(key) + "=" + url.QueryEscape(value)
}
