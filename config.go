package auth

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/joho/godotenv"
)

const (
	DefaultAccessHeader  = "Authorization"
	DefaultRefreshHeader = "Authorization-refresh"
	DefaultLoginPath     = "/login"
	DefaultContextKey    = "principal"
)

// Environment variable names read by LoadConfig
const (
	EnvSecret            = "JWT_SECRET"
	EnvAccessHeader      = "JWT_ACCESS_HEADER"
	EnvRefreshHeader     = "JWT_REFRESH_HEADER"
	EnvAccessExpiration  = "JWT_ACCESS_EXPIRATION"
	EnvRefreshExpiration = "JWT_REFRESH_EXPIRATION"
	EnvLoginPath         = "AUTH_LOGIN_PATH"
)

// Config holds auth options
type Config struct {
	// Secret is the base64 encoded HMAC secret
	Secret        string        `json:"-"`
	AccessHeader  string        `json:"access_header"`
	RefreshHeader string        `json:"refresh_header"`
	AccessTTL     time.Duration `json:"access_ttl"`
	RefreshTTL    time.Duration `json:"refresh_ttl"`
	// LoginPath is exempt from the authentication filter
	LoginPath string `json:"login_path"`
	// ContextKey is the fiber locals key holding the Principal
	ContextKey string `json:"context_key"`
}

// DefaultConfig returns a config with every field but Secret populated
func DefaultConfig() Config {
	return Config{
		AccessHeader:  DefaultAccessHeader,
		RefreshHeader: DefaultRefreshHeader,
		AccessTTL:     DefaultAccessTTL,
		RefreshTTL:    DefaultRefreshTTL,
		LoginPath:     DefaultLoginPath,
		ContextKey:    DefaultContextKey,
	}
}

func (c Config) GetAccessHeader() string  { return c.AccessHeader }
func (c Config) GetRefreshHeader() string { return c.RefreshHeader }
func (c Config) GetLoginPath() string     { return c.LoginPath }
func (c Config) GetContextKey() string    { return c.ContextKey }

// Validate will run validation rules
func (c Config) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.Secret, validation.Required),
		validation.Field(&c.AccessHeader, validation.Required),
		validation.Field(&c.RefreshHeader, validation.Required),
		validation.Field(&c.AccessTTL, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.RefreshTTL, validation.Required, validation.Min(time.Second)),
		validation.Field(&c.LoginPath, validation.Required, validation.By(startsWithSlash)),
		validation.Field(&c.ContextKey, validation.Required),
	)
	if err != nil {
		return err
	}

	if strings.EqualFold(c.AccessHeader, c.RefreshHeader) {
		return errors.New("access and refresh headers must differ")
	}

	if c.RefreshTTL < c.AccessTTL {
		return errors.New("refresh_ttl must not be shorter than access_ttl")
	}

	if _, err := NewSigningKey(c.Secret); err != nil {
		return err
	}

	return nil
}

func startsWithSlash(value any) error {
	s, _ := value.(string)
	if !strings.HasPrefix(s, "/") {
		return errors.New("must start with /")
	}
	return nil
}

// LoadConfig loads the given .env files, when present, and overlays
// environment variables on top of DefaultConfig. Expirations are given in
// seconds.
func LoadConfig(envFiles ...string) (Config, error) {
	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return Config{}, fmt.Errorf("load env file %s: %w", f, err)
		}
	}

	cfg := DefaultConfig()
	cfg.Secret = os.Getenv(EnvSecret)

	if v := os.Getenv(EnvAccessHeader); v != "" {
		cfg.AccessHeader = v
	}
	if v := os.Getenv(EnvRefreshHeader); v != "" {
		cfg.RefreshHeader = v
	}
	if v := os.Getenv(EnvLoginPath); v != "" {
		cfg.LoginPath = v
	}

	var err error
	if cfg.AccessTTL, err = secondsFromEnv(EnvAccessExpiration, cfg.AccessTTL); err != nil {
		return Config{}, err
	}
	if cfg.RefreshTTL, err = secondsFromEnv(EnvRefreshExpiration, cfg.RefreshTTL); err != nil {
		return Config{}, err
	}

	return cfg, cfg.Validate()
}

func secondsFromEnv(name string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive number of seconds, got %q", name, v)
	}
	return time.Duration(n) * time.Second, nil
}
