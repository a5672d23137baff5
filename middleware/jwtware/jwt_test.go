package jwtware_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	auth "github.com/goliatone/go-tokenauth"
	"github.com/goliatone/go-tokenauth/middleware/jwtware"
)

var testSecret = base64.StdEncoding.EncodeToString(bytes.Repeat([]byte("s"), auth.MinSigningKeyBytes))

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

type settableClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *settableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *settableClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type filterFixture struct {
	app     *fiber.App
	tokens  *auth.TokenService
	store   *auth.MemoryUsers
	reached atomic.Int32
	events  []auth.ActivityEventType
	mu      sync.Mutex
}

func newFilterFixture(t *testing.T, opts ...auth.TokenServiceOption) *filterFixture {
	t.Helper()

	tokens, err := auth.NewTokenService(auth.MustSigningKey(testSecret), append([]auth.TokenServiceOption{
		auth.WithTokenLogger(nopLogger{}),
	}, opts...)...)
	require.NoError(t, err)

	store := auth.NewMemoryUsers()
	_, err = store.Save(context.Background(), &auth.User{Username: "alice"})
	require.NoError(t, err)

	f := &filterFixture{tokens: tokens, store: store}

	app := fiber.New()
	app.Use(jwtware.New(jwtware.Config{
		Tokens: tokens,
		Store:  store,
		Logger: nopLogger{},
		Activity: auth.ActivitySinkFunc(func(_ context.Context, e auth.ActivityEvent) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.events = append(f.events, e.EventType)
			return nil
		}),
	}))

	app.Post(auth.DefaultLoginPath, func(c *fiber.Ctx) error {
		f.reached.Add(1)
		return c.SendString("login")
	})

	app.Get("/user/me", func(c *fiber.Ctx) error {
		f.reached.Add(1)
		p, ok := auth.GetPrincipal(c, "")
		if !ok {
			return c.Status(fiber.StatusUnauthorized).SendString("anonymous")
		}
		fromCtx, ok := auth.PrincipalFromContext(c.UserContext())
		if !ok || fromCtx.Username != p.Username {
			return c.Status(fiber.StatusInternalServerError).SendString("context mismatch")
		}
		return c.SendString(p.Username)
	})

	f.app = app
	return f
}

// login stores a fresh pair for alice the way a credential login would
func (f *filterFixture) login(t *testing.T) auth.TokenPair {
	t.Helper()
	pair, err := f.tokens.IssuePair("alice")
	require.NoError(t, err)
	require.NoError(t, f.store.SetRefreshToken(context.Background(), "alice", pair.RefreshToken))
	return pair
}

func (f *filterFixture) do(t *testing.T, method, path string, headers map[string]string) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func bearer(token string) string {
	return "Bearer " + token
}

func TestFilter_RotatesRefreshToken(t *testing.T) {
	f := newFilterFixture(t)
	pair := f.login(t)

	resp, body := f.do(t, http.MethodGet, "/user/me", map[string]string{
		auth.DefaultRefreshHeader: bearer(pair.RefreshToken),
	})

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body)
	assert.Zero(t, f.reached.Load(), "rotation answers without reaching the handler")

	access, ok := auth.ExtractBearer(resp.Header.Get(auth.DefaultAccessHeader))
	require.True(t, ok)
	refresh, ok := auth.ExtractBearer(resp.Header.Get(auth.DefaultRefreshHeader))
	require.True(t, ok)

	assert.NotEqual(t, pair.RefreshToken, refresh)
	username, ok := f.tokens.ExtractUsername(access)
	require.True(t, ok)
	assert.Equal(t, "alice", username)

	owner, err := f.store.FindByRefreshToken(context.Background(), refresh)
	require.NoError(t, err)
	assert.Equal(t, "alice", owner.Username)

	_, err = f.store.FindByRefreshToken(context.Background(), pair.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrRefreshTokenNotFound)

	assert.Equal(t, []auth.ActivityEventType{auth.ActivityEventTokenRefreshed}, f.events)
}

func TestFilter_RotatedTokenCannotBeReused(t *testing.T) {
	f := newFilterFixture(t)
	pair := f.login(t)

	first, _ := f.do(t, http.MethodGet, "/user/me", map[string]string{
		auth.DefaultRefreshHeader: bearer(pair.RefreshToken),
	})
	require.Equal(t, http.StatusOK, first.StatusCode)
	rotated, _ := auth.ExtractBearer(first.Header.Get(auth.DefaultRefreshHeader))

	resp, body := f.do(t, http.MethodGet, "/user/me", map[string]string{
		auth.DefaultRefreshHeader: bearer(pair.RefreshToken),
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "anonymous", body)
	assert.Empty(t, resp.Header.Get(auth.DefaultAccessHeader))

	owner, err := f.store.FindByRefreshToken(context.Background(), rotated)
	require.NoError(t, err, "a replay does not disturb the current token")
	assert.Equal(t, "alice", owner.Username)

	// the rotated token still rotates once
	again, body := f.do(t, http.MethodGet, "/user/me", map[string]string{
		auth.DefaultRefreshHeader: bearer(rotated),
	})
	assert.Equal(t, http.StatusOK, again.StatusCode)
	assert.Empty(t, body)
}

func TestFilter_ConcurrentRefreshHasOneWinner(t *testing.T) {
	f := newFilterFixture(t)
	pair := f.login(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = f.app.Listener(ln) }()
	t.Cleanup(func() { _ = f.app.Shutdown() })

	type outcome struct {
		status  int
		body    string
		access  string
		refresh string
	}

	const clients = 12

	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		results = make([]outcome, clients)
		client  = &http.Client{Timeout: 5 * time.Second}
		target  = "http://" + ln.Addr().String() + "/user/me"
	)

	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start

			req, err := http.NewRequest(http.MethodGet, target, nil)
			if !assert.NoError(t, err) {
				return
			}
			req.Header.Set(auth.DefaultRefreshHeader, bearer(pair.RefreshToken))

			resp, err := client.Do(req)
			if !assert.NoError(t, err) {
				return
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			assert.NoError(t, err)

			results[i] = outcome{
				status:  resp.StatusCode,
				body:    string(body),
				access:  resp.Header.Get(auth.DefaultAccessHeader),
				refresh: resp.Header.Get(auth.DefaultRefreshHeader),
			}
		}(i)
	}

	close(start)
	wg.Wait()

	var winners []outcome
	for _, r := range results {
		if r.status == http.StatusOK {
			winners = append(winners, r)
			continue
		}
		assert.Equal(t, http.StatusUnauthorized, r.status)
		assert.Equal(t, "anonymous", r.body)
		assert.Empty(t, r.access)
		assert.Empty(t, r.refresh)
	}

	require.Len(t, winners, 1, "exactly one request may rotate the token")
	assert.Empty(t, winners[0].body)

	access, ok := auth.ExtractBearer(winners[0].access)
	require.True(t, ok)
	username, ok := f.tokens.ExtractUsername(access)
	require.True(t, ok)
	assert.Equal(t, "alice", username)

	rotated, ok := auth.ExtractBearer(winners[0].refresh)
	require.True(t, ok)
	owner, err := f.store.FindByRefreshToken(context.Background(), rotated)
	require.NoError(t, err)
	assert.Equal(t, "alice", owner.Username)

	_, err = f.store.FindByRefreshToken(context.Background(), pair.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrRefreshTokenNotFound)

	assert.Equal(t, int32(clients-1), f.reached.Load())
}

// flakyStore fails refresh token lookups or swaps on demand
type flakyStore struct {
	*auth.MemoryUsers
	findErr   error
	rotateErr error
	rotations atomic.Int32
}

func (s *flakyStore) FindByRefreshToken(ctx context.Context, token string) (*auth.User, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.MemoryUsers.FindByRefreshToken(ctx, token)
}

func (s *flakyStore) RotateRefreshToken(ctx context.Context, current, next string) (*auth.User, error) {
	s.rotations.Add(1)
	if s.rotateErr != nil {
		return nil, s.rotateErr
	}
	return s.MemoryUsers.RotateRefreshToken(ctx, current, next)
}

func TestFilter_RotationStoreFailureFallsThrough(t *testing.T) {
	tests := []struct {
		name          string
		findErr       error
		rotateErr     error
		wantRotations int32
	}{
		{"lookup fails", errors.New("connection reset"), nil, 0},
		{"swap fails", nil, errors.New("connection reset"), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			tokens, err := auth.NewTokenService(auth.MustSigningKey(testSecret), auth.WithTokenLogger(nopLogger{}))
			require.NoError(t, err)

			store := &flakyStore{MemoryUsers: auth.NewMemoryUsers()}
			_, err = store.MemoryUsers.Save(ctx, &auth.User{Username: "alice"})
			require.NoError(t, err)
			pair, err := tokens.IssuePair("alice")
			require.NoError(t, err)
			require.NoError(t, store.SetRefreshToken(ctx, "alice", pair.RefreshToken))

			store.findErr = tt.findErr
			store.rotateErr = tt.rotateErr

			app := fiber.New()
			app.Use(jwtware.New(jwtware.Config{Tokens: tokens, Store: store, Logger: nopLogger{}}))
			app.Get("/user/me", func(c *fiber.Ctx) error {
				if _, ok := auth.GetPrincipal(c, ""); !ok {
					return c.Status(fiber.StatusUnauthorized).SendString("anonymous")
				}
				return c.SendString("authenticated")
			})

			req := httptest.NewRequest(http.MethodGet, "/user/me", nil)
			req.Header.Set(auth.DefaultRefreshHeader, bearer(pair.RefreshToken))
			resp, err := app.Test(req, -1)
			require.NoError(t, err)
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)

			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			assert.Equal(t, "anonymous", string(body))
			assert.Empty(t, resp.Header.Get(auth.DefaultAccessHeader))
			assert.Empty(t, resp.Header.Get(auth.DefaultRefreshHeader))
			assert.Equal(t, tt.wantRotations, store.rotations.Load())

			owner, err := store.MemoryUsers.FindByRefreshToken(ctx, pair.RefreshToken)
			require.NoError(t, err, "a failed rotation keeps the stored token")
			assert.Equal(t, "alice", owner.Username)
		})
	}
}

func TestFilter_ReplayWithValidAccessTokenAuthenticates(t *testing.T) {
	f := newFilterFixture(t)
	pair := f.login(t)

	first, _ := f.do(t, http.MethodGet, "/user/me", map[string]string{
		auth.DefaultRefreshHeader: bearer(pair.RefreshToken),
	})
	require.Equal(t, http.StatusOK, first.StatusCode)

	resp, body := f.do(t, http.MethodGet, "/user/me", map[string]string{
		auth.DefaultRefreshHeader: bearer(pair.RefreshToken),
		auth.DefaultAccessHeader:  bearer(pair.AccessToken),
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alice", body)
}

func TestFilter_AccessToken(t *testing.T) {
	f := newFilterFixture(t)
	pair := f.login(t)

	other, err := f.tokens.IssueAccessToken("mallory")
	require.NoError(t, err)

	tests := []struct {
		name       string
		headers    map[string]string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "valid access token",
			headers:    map[string]string{auth.DefaultAccessHeader: bearer(pair.AccessToken)},
			wantStatus: http.StatusOK,
			wantBody:   "alice",
		},
		{
			name:       "no headers",
			headers:    map[string]string{},
			wantStatus: http.StatusUnauthorized,
			wantBody:   "anonymous",
		},
		{
			name:       "missing bearer prefix",
			headers:    map[string]string{auth.DefaultAccessHeader: pair.AccessToken},
			wantStatus: http.StatusUnauthorized,
			wantBody:   "anonymous",
		},
		{
			name:       "refresh token as access token",
			headers:    map[string]string{auth.DefaultAccessHeader: bearer(pair.RefreshToken)},
			wantStatus: http.StatusUnauthorized,
			wantBody:   "anonymous",
		},
		{
			name:       "unknown user",
			headers:    map[string]string{auth.DefaultAccessHeader: bearer(other)},
			wantStatus: http.StatusUnauthorized,
			wantBody:   "anonymous",
		},
		{
			name:       "garbage",
			headers:    map[string]string{auth.DefaultAccessHeader: "Bearer not.a.jwt"},
			wantStatus: http.StatusUnauthorized,
			wantBody:   "anonymous",
		},
		{
			name: "access token in refresh header falls through",
			headers: map[string]string{
				auth.DefaultRefreshHeader: bearer(pair.AccessToken),
				auth.DefaultAccessHeader:  bearer(pair.AccessToken),
			},
			wantStatus: http.StatusOK,
			wantBody:   "alice",
		},
		{
			name: "unknown refresh token falls through",
			headers: map[string]string{
				auth.DefaultRefreshHeader: bearer(mustRefresh(t, f.tokens)),
				auth.DefaultAccessHeader:  bearer(pair.AccessToken),
			},
			wantStatus: http.StatusOK,
			wantBody:   "alice",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodGet, "/user/me", tt.headers)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, tt.wantBody, body)
		})
	}

	stored, err := f.store.FindByUsername(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, pair.RefreshToken, stored.RefreshToken)
}

func mustRefresh(t *testing.T, tokens *auth.TokenService) string {
	t.Helper()
	token, err := tokens.IssueRefreshToken()
	require.NoError(t, err)
	return token
}

func TestFilter_ExpiredRefreshTokenFallsThrough(t *testing.T) {
	clock := &settableClock{now: time.Unix(1_700_000_000, 0)}
	f := newFilterFixture(t,
		auth.WithClock(clock.Now),
		auth.WithAccessTTL(10*time.Second),
		auth.WithRefreshTTL(20*time.Second),
	)
	pair := f.login(t)

	clock.Advance(20 * time.Second)

	resp, body := f.do(t, http.MethodGet, "/user/me", map[string]string{
		auth.DefaultRefreshHeader: bearer(pair.RefreshToken),
		auth.DefaultAccessHeader:  bearer(pair.AccessToken),
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "anonymous", body)

	stored, err := f.store.FindByUsername(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, pair.RefreshToken, stored.RefreshToken)
}

func TestFilter_LoginPathBypass(t *testing.T) {
	f := newFilterFixture(t)
	pair := f.login(t)

	resp, body := f.do(t, http.MethodPost, auth.DefaultLoginPath, map[string]string{
		auth.DefaultRefreshHeader: bearer(pair.RefreshToken),
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "login", body)
	assert.Empty(t, resp.Header.Get(auth.DefaultAccessHeader))
	assert.EqualValues(t, 1, f.reached.Load())

	stored, err := f.store.FindByUsername(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, pair.RefreshToken, stored.RefreshToken)
}

func TestFilter_CustomHeadersAndFilter(t *testing.T) {
	tokens, err := auth.NewTokenService(auth.MustSigningKey(testSecret), auth.WithTokenLogger(nopLogger{}))
	require.NoError(t, err)
	store := auth.NewMemoryUsers()
	_, err = store.Save(context.Background(), &auth.User{Username: "alice"})
	require.NoError(t, err)

	pair, err := tokens.IssuePair("alice")
	require.NoError(t, err)
	require.NoError(t, store.SetRefreshToken(context.Background(), "alice", pair.RefreshToken))

	app := fiber.New()
	app.Use(jwtware.New(jwtware.Config{
		Tokens:        tokens,
		Store:         store,
		AccessHeader:  "X-Access",
		RefreshHeader: "X-Refresh",
		ContextKey:    "user",
		Logger:        nopLogger{},
		Filter: func(c *fiber.Ctx) bool {
			return c.Path() == "/public"
		},
	}))
	app.Get("/public", func(c *fiber.Ctx) error {
		return c.SendString("public")
	})
	app.Get("/me", func(c *fiber.Ctx) error {
		p, ok := auth.GetPrincipal(c, "user")
		if !ok {
			return c.SendStatus(fiber.StatusUnauthorized)
		}
		return c.SendString(p.Username)
	})

	req := httptest.NewRequest(http.MethodGet, "/public", nil)
	req.Header.Set("X-Refresh", bearer(pair.RefreshToken))
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("X-Access"))

	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("X-Access", bearer(pair.AccessToken))
	resp, err = app.Test(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "alice", string(body))

	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("X-Refresh", bearer(pair.RefreshToken))
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Access"))
	assert.NotEmpty(t, resp.Header.Get("X-Refresh"))
}

func TestFilter_CustomSteps(t *testing.T) {
	tokens, err := auth.NewTokenService(auth.MustSigningKey(testSecret))
	require.NoError(t, err)

	var order []string
	step := func(name string, d jwtware.Decision) jwtware.Step {
		return func(c *fiber.Ctx) (jwtware.Decision, error) {
			order = append(order, name)
			if d == jwtware.Stop {
				return d, c.Status(fiber.StatusTeapot).SendString(name)
			}
			return d, nil
		}
	}

	app := fiber.New()
	app.Use(jwtware.New(jwtware.Config{
		Tokens: tokens,
		Store:  auth.NewMemoryUsers(),
		Steps:  []jwtware.Step{step("a", jwtware.Continue), step("b", jwtware.Stop), step("c", jwtware.Continue)},
	}))
	app.Get("/", func(c *fiber.Ctx) error {
		order = append(order, "handler")
		return nil
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestGetDefaultConfig(t *testing.T) {
	assert.Panics(t, func() { jwtware.GetDefaultConfig() })

	tokens, err := auth.NewTokenService(auth.MustSigningKey(testSecret))
	require.NoError(t, err)
	assert.Panics(t, func() { jwtware.GetDefaultConfig(jwtware.Config{Tokens: tokens}) })

	cfg := jwtware.GetDefaultConfig(jwtware.Config{Tokens: tokens, Store: auth.NewMemoryUsers()})
	assert.Equal(t, auth.DefaultAccessHeader, cfg.AccessHeader)
	assert.Equal(t, auth.DefaultRefreshHeader, cfg.RefreshHeader)
	assert.Equal(t, auth.DefaultLoginPath, cfg.LoginPath)
	assert.Equal(t, auth.DefaultContextKey, cfg.ContextKey)
	assert.NotNil(t, cfg.Logger)
	assert.NotNil(t, cfg.Activity)
	assert.NotNil(t, cfg.SuccessHandler)
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "continue", jwtware.Continue.String())
	assert.Equal(t, "skip", jwtware.Skip.String())
	assert.Equal(t, "stop", jwtware.Stop.String())
	assert.Equal(t, "unknown", jwtware.Decision(42).String())
}
