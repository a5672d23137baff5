package auth_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/goliatone/go-router"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	auth "github.com/goliatone/go-tokenauth"
)

func TestNewPrincipal(t *testing.T) {
	tests := []struct {
		name            string
		user            *auth.User
		wantAuthorities []string
		wantFederated   bool
	}{
		{
			name:            "local user",
			user:            &auth.User{Username: "alice", Role: auth.RoleUser},
			wantAuthorities: []string{"USER"},
		},
		{
			name:            "admin",
			user:            &auth.User{Username: "root", Role: auth.RoleAdmin},
			wantAuthorities: []string{"ADMIN"},
		},
		{
			name:            "federated",
			user:            &auth.User{Username: "google_123", Role: auth.RoleUser, Provider: "google"},
			wantAuthorities: []string{"USER"},
			wantFederated:   true,
		},
		{
			name: "no role",
			user: &auth.User{Username: "ghost"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := auth.NewPrincipal(tt.user)
			require.NotNil(t, p)
			assert.Equal(t, tt.user.Username, p.Username)
			assert.Equal(t, tt.wantAuthorities, p.Authorities)
			assert.Equal(t, tt.wantFederated, p.IsFederated())
		})
	}

	assert.Nil(t, auth.NewPrincipal(nil))
}

func TestPrincipal_HasAuthority(t *testing.T) {
	p := auth.NewPrincipal(&auth.User{Username: "alice", Role: auth.RoleManager})

	assert.True(t, p.HasAuthority("MANAGER"))
	assert.True(t, p.HasAuthority(auth.RoleManager))
	assert.False(t, p.HasAuthority("ADMIN"))

	var nilPrincipal *auth.Principal
	assert.False(t, nilPrincipal.HasAuthority("USER"))
}

func TestPrincipal_WithAttributes(t *testing.T) {
	p := auth.NewPrincipal(&auth.User{Username: "google_123", Provider: "google"})
	withAttrs := p.WithAttributes(map[string]any{"sub": "123"})

	assert.Nil(t, p.Attributes)
	assert.Equal(t, "123", withAttrs.Attributes["sub"])
}

func TestPrincipalContext(t *testing.T) {
	_, ok := auth.PrincipalFromContext(context.Background())
	assert.False(t, ok)

	p := &auth.Principal{Username: "alice"}
	got, ok := auth.PrincipalFromContext(auth.WithPrincipal(context.Background(), p))
	assert.True(t, ok)
	assert.Same(t, p, got)

	_, ok = auth.PrincipalFromContext(auth.WithPrincipal(context.Background(), nil))
	assert.False(t, ok)
}

func TestGetPrincipal(t *testing.T) {
	app := fiber.New()
	app.Get("/with", func(c *fiber.Ctx) error {
		c.Locals(auth.DefaultContextKey, &auth.Principal{Username: "alice"})
		p, ok := auth.GetPrincipal(c, "")
		if !ok {
			return c.SendStatus(fiber.StatusUnauthorized)
		}
		return c.SendString(p.Username)
	})
	app.Get("/without", func(c *fiber.Ctx) error {
		if _, ok := auth.GetPrincipal(c, auth.DefaultContextKey); ok {
			return c.SendStatus(fiber.StatusOK)
		}
		return c.SendStatus(fiber.StatusUnauthorized)
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/with", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/without", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGetRouterPrincipal(t *testing.T) {
	tests := []struct {
		name   string
		locals map[string]any
		key    string
		wantOK bool
	}{
		{
			name:   "default key",
			locals: map[string]any{auth.DefaultContextKey: &auth.Principal{Username: "alice"}},
			wantOK: true,
		},
		{
			name:   "custom key",
			locals: map[string]any{"me": &auth.Principal{Username: "alice"}},
			key:    "me",
			wantOK: true,
		},
		{
			name:   "missing",
			locals: map[string]any{},
		},
		{
			name:   "wrong type",
			locals: map[string]any{auth.DefaultContextKey: "alice"},
		},
		{
			name:   "nil principal",
			locals: map[string]any{auth.DefaultContextKey: (*auth.Principal)(nil)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := router.NewMockContext()
			for k, v := range tt.locals {
				ctx.LocalsMock[k] = v
			}

			p, ok := auth.GetRouterPrincipal(ctx, tt.key)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, "alice", p.Username)
			}
		})
	}
}

func TestFederatedUsername(t *testing.T) {
	assert.Equal(t, "google_123", auth.FederatedUsername("google", "123"))
}
