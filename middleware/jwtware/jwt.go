package jwtware

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	auth "github.com/goliatone/go-tokenauth"
)

var ErrJWTMissingOrMalformed = errors.New("missing or malformed JWT")

// Decision tells the filter what to do after a step ran
type Decision int

const (
	// Continue runs the next step
	Continue Decision = iota
	// Skip hands the request to the next handler without running the
	// remaining steps
	Skip
	// Stop ends the request, the step has written the response
	Stop
)

func (d Decision) String() string {
	switch d {
	case Continue:
		return "continue"
	case Skip:
		return "skip"
	case Stop:
		return "stop"
	default:
		return "unknown"
	}
}

// Step is one stage of the authentication filter
type Step func(c *fiber.Ctx) (Decision, error)

type Config struct {
	// Filter skips the middleware entirely when it returns true
	Filter func(*fiber.Ctx) bool
	// SuccessHandler runs after the steps unless one of them stopped the
	// request. Defaults to c.Next()
	SuccessHandler fiber.Handler

	Tokens *auth.TokenService
	Store  auth.UserStore

	AccessHeader  string
	RefreshHeader string
	LoginPath     string
	ContextKey    string

	Logger   auth.Logger
	Activity auth.ActivitySink

	// Steps replaces the default bypass, rotate, authenticate sequence
	Steps []Step
}

// New returns the authentication filter. It never rejects a request:
// callers without valid credentials reach the next handler with no
// principal attached.
func New(config ...Config) fiber.Handler {
	cfg := GetDefaultConfig(config...)

	steps := cfg.Steps
	if len(steps) == 0 {
		steps = DefaultSteps(cfg)
	}

	return func(c *fiber.Ctx) error {
		if cfg.Filter != nil && cfg.Filter(c) {
			return c.Next()
		}

		for _, step := range steps {
			decision, err := step(c)
			if err != nil {
				return err
			}

			switch decision {
			case Stop:
				return nil
			case Skip:
				return c.Next()
			}
		}

		return cfg.SuccessHandler(c)
	}
}

// DefaultSteps returns the login path bypass, refresh token rotation and
// access token authentication steps, in that order.
func DefaultSteps(cfg Config) []Step {
	return []Step{
		BypassLoginPath(cfg),
		RotateRefreshToken(cfg),
		AuthenticateAccessToken(cfg),
	}
}

func GetDefaultConfig(config ...Config) (cfg Config) {
	if len(config) > 0 {
		cfg = config[0]
	}

	if cfg.SuccessHandler == nil {
		cfg.SuccessHandler = func(c *fiber.Ctx) error {
			return c.Next()
		}
	}

	if cfg.Tokens == nil {
		panic("AUTH: JWT middleware configuration: Tokens is required.")
	}

	if cfg.Store == nil {
		panic("AUTH: JWT middleware configuration: Store is required.")
	}

	if cfg.AccessHeader == "" {
		cfg.AccessHeader = auth.DefaultAccessHeader
	}

	if cfg.RefreshHeader == "" {
		cfg.RefreshHeader = auth.DefaultRefreshHeader
	}

	if cfg.LoginPath == "" {
		cfg.LoginPath = auth.DefaultLoginPath
	}

	if cfg.ContextKey == "" {
		cfg.ContextKey = auth.DefaultContextKey
	}

	if cfg.Logger == nil {
		cfg.Logger = auth.DefaultLogger()
	}

	cfg.Activity = auth.NormalizeActivitySink(cfg.Activity)

	return cfg
}

// FromAuthConfig copies header names, login path and context key from an
// auth.Config
func FromAuthConfig(ac auth.Config, tokens *auth.TokenService, store auth.UserStore) Config {
	return Config{
		Tokens:        tokens,
		Store:         store,
		AccessHeader:  ac.GetAccessHeader(),
		RefreshHeader: ac.GetRefreshHeader(),
		LoginPath:     ac.GetLoginPath(),
		ContextKey:    ac.GetContextKey(),
	}
}

// BypassLoginPath skips the filter for the login submission path
func BypassLoginPath(cfg Config) Step {
	return func(c *fiber.Ctx) (Decision, error) {
		if c.Path() == cfg.LoginPath {
			return Skip, nil
		}
		return Continue, nil
	}
}

// RotateRefreshToken exchanges a valid, currently stored refresh token for
// a new pair and answers 200 with an empty body. Tokens that are missing,
// invalid or already rotated leave the request untouched.
func RotateRefreshToken(cfg Config) Step {
	issuer := auth.NewTokenIssuer(cfg.Tokens, cfg.Store, auth.Config{
		AccessHeader:  cfg.AccessHeader,
		RefreshHeader: cfg.RefreshHeader,
	}, cfg.Logger)

	return func(c *fiber.Ctx) (Decision, error) {
		current, err := jwtFromHeader(c, cfg.RefreshHeader)
		if err != nil {
			return Continue, nil
		}

		claims, err := cfg.Tokens.Parse(current)
		if err != nil {
			cfg.Logger.Debug("refresh token rejected", "error", err)
			return Continue, nil
		}

		if !claims.IsRefreshToken() {
			cfg.Logger.Debug("refresh header carries a non refresh token", "subject", claims.Subject)
			return Continue, nil
		}

		ctx := c.UserContext()

		owner, err := cfg.Store.FindByRefreshToken(ctx, current)
		if err != nil {
			logRotationMiss(cfg.Logger, err)
			return Continue, nil
		}

		// sign both tokens before the swap, a signing failure must leave
		// the stored token in place
		pair, err := cfg.Tokens.IssuePair(owner.Username)
		if err != nil {
			cfg.Logger.Error("failed to sign rotated tokens", "username", owner.Username, "error", err)
			return Continue, nil
		}

		user, err := cfg.Store.RotateRefreshToken(ctx, current, pair.RefreshToken)
		if err != nil {
			logRotationMiss(cfg.Logger, err)
			return Continue, nil
		}

		issuer.WriteTokens(c, pair)

		auth.RecordActivity(ctx, cfg.Activity, cfg.Logger, auth.ActivityEvent{
			EventType: auth.ActivityEventTokenRefreshed,
			Username:  user.Username,
			Provider:  user.Provider,
		})

		c.Status(fiber.StatusOK)
		return Stop, nil
	}
}

func logRotationMiss(logger auth.Logger, err error) {
	if errors.Is(err, auth.ErrRefreshTokenNotFound) {
		logger.Debug("refresh token not stored or already rotated")
		return
	}
	logger.Warn("refresh token rotation failed", "error", err)
}

// AuthenticateAccessToken attaches the principal for a valid access token
// whose user still exists. It always continues.
func AuthenticateAccessToken(cfg Config) Step {
	return func(c *fiber.Ctx) (Decision, error) {
		token, err := jwtFromHeader(c, cfg.AccessHeader)
		if err != nil {
			return Continue, nil
		}

		username, ok := cfg.Tokens.ExtractUsername(token)
		if !ok {
			return Continue, nil
		}

		user, err := cfg.Store.FindByUsername(c.UserContext(), username)
		if err != nil {
			if !errors.Is(err, auth.ErrIdentityNotFound) {
				cfg.Logger.Warn("access token user lookup failed", "username", username, "error", err)
			}
			return Continue, nil
		}

		principal := auth.NewPrincipal(user)
		c.Locals(cfg.ContextKey, principal)
		c.SetUserContext(auth.WithPrincipal(c.UserContext(), principal))

		return Continue, nil
	}
}

// jwtFromHeader extracts a token carried as "Bearer <token>"
func jwtFromHeader(c *fiber.Ctx, header string) (string, error) {
	raw := c.Get(header)
	if raw == "" {
		return "", ErrJWTMissingOrMalformed
	}
	token, ok := auth.ExtractBearer(raw)
	if !ok || strings.Count(token, ".") != 2 {
		return "", ErrJWTMissingOrMalformed
	}
	return token, nil
}
