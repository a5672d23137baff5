package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/gofiber/fiber/v2"
	"github.com/goliatone/go-print"
)

// LoginRequest payload
type LoginRequest struct {
	Username string `form:"username" json:"username"`
	Password string `form:"password" json:"password"`
}

var _ LoginPayload = LoginRequest{}

// GetUsername returns the username
func (r LoginRequest) GetUsername() string {
	return r.Username
}

// GetPassword will return the password
func (r LoginRequest) GetPassword() string {
	return r.Password
}

// Validate will run validation rules
func (r LoginRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(
			&r.Username,
			validation.Required,
		),
		validation.Field(
			&r.Password,
			validation.Required,
		),
	)
}

// LoginResult is the outcome of a credential login. Exactly one of Err or
// Tokens is meaningful.
type LoginResult struct {
	Principal *Principal `json:"principal,omitempty"`
	Tokens    TokenPair  `json:"-"`
	Err       error      `json:"-"`
}

// OK reports a successful login
func (r LoginResult) OK() bool {
	return r.Err == nil && r.Tokens.AccessToken != ""
}

// LoginFailureHandler writes the response for a rejected login
type LoginFailureHandler func(c *fiber.Ctx, err error) error

// LoginHandler is the credential login bridge. It verifies a
// username/password submission and answers with a fresh token pair.
type LoginHandler struct {
	Debug          bool
	Logger         Logger
	Verifier       CredentialVerifier
	Issuer         *TokenIssuer
	FailureHandler LoginFailureHandler
	Activity       ActivitySink
}

// LoginHandlerOption configures a LoginHandler
type LoginHandlerOption func(*LoginHandler)

// WithLoginFailureHandler replaces the default 401 JSON response
func WithLoginFailureHandler(handler LoginFailureHandler) LoginHandlerOption {
	return func(h *LoginHandler) {
		if handler != nil {
			h.FailureHandler = handler
		}
	}
}

// WithLoginLogger sets the logger
func WithLoginLogger(logger Logger) LoginHandlerOption {
	return func(h *LoginHandler) {
		h.Logger = normalizeLogger(logger)
	}
}

// WithLoginActivitySink records login outcomes
func WithLoginActivitySink(sink ActivitySink) LoginHandlerOption {
	return func(h *LoginHandler) {
		h.Activity = sink
	}
}

// WithLoginDebug dumps successful login results to stdout
func WithLoginDebug(debug bool) LoginHandlerOption {
	return func(h *LoginHandler) {
		h.Debug = debug
	}
}

// NewLoginHandler creates the credential login bridge
func NewLoginHandler(verifier CredentialVerifier, issuer *TokenIssuer, opts ...LoginHandlerOption) *LoginHandler {
	h := &LoginHandler{
		Logger:         defLogger{},
		Verifier:       verifier,
		Issuer:         issuer,
		FailureHandler: defaultLoginFailureHandler,
		Activity:       noopActivitySink{},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}

	return h
}

// Register mounts the handler on POST path
func (h *LoginHandler) Register(app fiber.Router, path string) {
	if path == "" {
		path = DefaultLoginPath
	}
	app.Post(path, h.Handle)
}

// Authenticate verifies the credentials and issues a token pair. The
// refresh token is persisted before the result is returned. Failed
// verification never touches the store.
func (h *LoginHandler) Authenticate(ctx context.Context, username, password string) LoginResult {
	user, err := h.Verifier.Verify(ctx, username, password)
	if err != nil {
		return LoginResult{Err: err}
	}

	pair, err := h.Issuer.Issue(ctx, user)
	if err != nil {
		return LoginResult{Err: err}
	}

	return LoginResult{
		Principal: NewPrincipal(user),
		Tokens:    pair,
	}
}

// Handle is the fiber handler for login submissions
func (h *LoginHandler) Handle(c *fiber.Ctx) error {
	payload := new(LoginRequest)

	if err := c.BodyParser(payload); err != nil {
		h.Logger.Debug("login: unable to parse body", "error", err)
		return h.fail(c, payload, fmt.Errorf("invalid login payload: %w", err))
	}

	if err := payload.Validate(); err != nil {
		return h.fail(c, payload, err)
	}

	result := h.Authenticate(c.UserContext(), payload.GetUsername(), payload.GetPassword())
	if result.Err != nil {
		return h.fail(c, payload, result.Err)
	}

	if h.Debug {
		fmt.Println("======= AUTH LOGIN ======")
		fmt.Println(print.MaybePrettyJSON(result))
		fmt.Println("=========================")
	}

	RecordActivity(c.UserContext(), h.Activity, h.Logger, ActivityEvent{
		EventType: ActivityEventLoginSuccess,
		Username:  result.Principal.Username,
	})

	h.Issuer.WriteTokens(c, result.Tokens)
	return c.SendStatus(fiber.StatusOK)
}

func (h *LoginHandler) fail(c *fiber.Ctx, payload *LoginRequest, err error) error {
	h.Logger.Info("login rejected", "username", payload.GetUsername(), "error", err)

	RecordActivity(c.UserContext(), h.Activity, h.Logger, ActivityEvent{
		EventType: ActivityEventLoginFailure,
		Username:  payload.GetUsername(),
		Metadata:  map[string]any{"error": err.Error()},
	})

	return h.FailureHandler(c, err)
}

func defaultLoginFailureHandler(c *fiber.Ctx, err error) error {
	body := fiber.Map{"error": "Authentication Error"}

	var verrs validation.Errors
	if errors.As(err, &verrs) {
		fields := make(map[string]string, len(verrs))
		for k, v := range verrs {
			fields[k] = strings.TrimSpace(v.Error())
		}
		body["validation"] = fields
	}

	return c.Status(fiber.StatusUnauthorized).JSON(body)
}
