package auth

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/goliatone/go-router"
)

var principalCtxKey = &contextKey{"principal"}

type contextKey struct {
	name string
}

// Principal is the per request authenticated context. Federated logins
// carry the provider name and the raw provider attributes.
type Principal struct {
	Username    string
	Authorities []string
	Provider    string
	Attributes  map[string]any
}

// NewPrincipal builds the principal for a stored identity
func NewPrincipal(user *User) *Principal {
	if user == nil {
		return nil
	}
	p := &Principal{
		Username: user.Username,
		Provider: user.Provider,
	}
	if a := user.Authority(); a != "" {
		p.Authorities = []string{a}
	}
	return p
}

// WithAttributes returns a copy of p carrying provider attributes
func (p *Principal) WithAttributes(attrs map[string]any) *Principal {
	if p == nil {
		return nil
	}
	c := *p
	c.Attributes = attrs
	return &c
}

// IsFederated is true when the principal came from an external provider
func (p *Principal) IsFederated() bool {
	return p != nil && p.Provider != ""
}

// HasAuthority checks for an authority, with or without the ROLE_ prefix
func (p *Principal) HasAuthority(authority string) bool {
	if p == nil {
		return false
	}
	want := strings.TrimPrefix(authority, RolePrefix)
	for _, a := range p.Authorities {
		if a == want {
			return true
		}
	}
	return false
}

// WithPrincipal sets the Principal in the given context
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalCtxKey, p)
}

// PrincipalFromContext finds the principal in the context.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	if ctx == nil {
		return nil, false
	}
	raw, ok := ctx.Value(principalCtxKey).(*Principal)
	return raw, ok && raw != nil
}

// GetPrincipal extracts the Principal from fiber locals
func GetPrincipal(c *fiber.Ctx, key string) (*Principal, bool) {
	if key == "" {
		key = DefaultContextKey
	}
	raw, ok := c.Locals(key).(*Principal)
	return raw, ok && raw != nil
}

// GetRouterPrincipal extracts the Principal from the router context
func GetRouterPrincipal(ctx router.Context, key string) (*Principal, bool) {
	if key == "" {
		key = DefaultContextKey
	}
	raw := ctx.Locals(key)
	if raw == nil {
		return nil, false
	}
	p, ok := raw.(*Principal)
	return p, ok && p != nil
}
