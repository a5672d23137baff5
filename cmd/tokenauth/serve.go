package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/goliatone/go-router"
	"github.com/spf13/cobra"

	auth "github.com/goliatone/go-tokenauth"
	"github.com/goliatone/go-tokenauth/activitymap"
	"github.com/goliatone/go-tokenauth/middleware/jwtware"
	"github.com/goliatone/go-tokenauth/repository"
	"github.com/goliatone/go-tokenauth/social"
	"github.com/goliatone/go-tokenauth/social/providers/google"
)

const (
	envDatabaseDSN        = "DATABASE_DSN"
	envServerAddr         = "SERVER_ADDR"
	envGoogleClientID     = "OAUTH2_GOOGLE_CLIENT_ID"
	envGoogleClientSecret = "OAUTH2_GOOGLE_CLIENT_SECRET"
	envGoogleRedirectURL  = "OAUTH2_GOOGLE_REDIRECT_URL"
	envStateKey           = "OAUTH2_STATE_KEY"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the authentication server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := auth.LoadConfig(envFile)
		if err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		log := auth.NewSlogLogger(logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		db, err := repository.NewDB(ctx, envOr(envDatabaseDSN, "file:tokenauth.db?cache=shared"))
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()

		users := auth.NewUsersRepository(db)
		if err := users.CreateSchema(ctx); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}

		tokens, err := auth.NewTokenServiceFromConfig(cfg, log)
		if err != nil {
			return err
		}

		sink := activitymap.Sink(func(record activitymap.Normalized) error {
			logger.Info("activity",
				"actor_id", record.ActorID,
				"verb", record.Verb,
				"object_type", record.ObjectType,
				"object_id", record.ObjectID,
				"channel", record.Channel,
				"metadata", record.Metadata,
				"occurred_at", record.OccurredAt,
			)
			return nil
		})

		issuer := auth.NewTokenIssuer(tokens, users, cfg, log)

		filter := jwtware.FromAuthConfig(cfg, tokens, users)
		filter.Logger = log
		filter.Activity = sink

		login := auth.NewLoginHandler(
			auth.NewPasswordVerifier(users, log),
			issuer,
			auth.WithLoginLogger(log),
			auth.WithLoginActivitySink(sink),
		)

		var app *fiber.App
		srv := router.NewFiberAdapter(func(_ *fiber.App) *fiber.App {
			app = fiber.New(fiber.Config{
				AppName:               "tokenauth",
				DisableStartupMessage: true,
			})
			app.Use(jwtware.New(filter))
			login.Register(app, cfg.GetLoginPath())
			return app
		})

		if clientID := os.Getenv(envGoogleClientID); clientID != "" {
			provider, err := google.New(google.Config{
				ClientID:      clientID,
				ClientSecret:  os.Getenv(envGoogleClientSecret),
				RedirectURL:   os.Getenv(envGoogleRedirectURL),
				VerifyIDToken: true,
				Logger:        log,
			})
			if err != nil {
				return err
			}
			defer provider.Close()

			federated, err := social.NewFederatedAuthenticator(users, issuer, social.Config{
				StateSecret: envOr(envStateKey, cfg.Secret),
			},
				social.WithProvider(provider),
				social.WithActivitySink(sink),
				social.WithLogger(log),
			)
			if err != nil {
				return err
			}
			social.NewHTTPController(federated, social.HTTPConfig{}).RegisterRoutes(srv.Router())
		}

		srv.Router().Get("/user/me", func(ctx router.Context) error {
			principal, ok := auth.GetRouterPrincipal(ctx, cfg.GetContextKey())
			if !ok {
				return ctx.JSON(router.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			}
			return ctx.JSON(router.StatusOK, map[string]any{
				"username":    principal.Username,
				"authorities": principal.Authorities,
				"provider":    principal.Provider,
			})
		})

		addr := envOr(envServerAddr, ":8080")
		errCh := make(chan error, 1)
		go func() {
			logger.Info("listening", "addr", addr)
			errCh <- srv.Serve(addr)
		}()

		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		case <-ctx.Done():
		}

		if app == nil {
			return nil
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return app.ShutdownWithContext(shutdownCtx)
	},
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}
