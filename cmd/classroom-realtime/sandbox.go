package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/classroom/realtime/internal/auth"
	"github.com/MarcoPoloResearchLab/classroom/realtime/internal/config"
	"github.com/MarcoPoloResearchLab/classroom/realtime/internal/database"
	"github.com/MarcoPoloResearchLab/classroom/realtime/internal/logging"
	"github.com/MarcoPoloResearchLab/classroom/realtime/internal/sandbox"
	"github.com/MarcoPoloResearchLab/classroom/realtime/internal/users"
)

func newSandboxCommand(defaults *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Run the reference realtime server for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSandbox(cmd.Context())
		},
	}
	cmd.Flags().String("http-address", defaults.GetString("sandbox.http_address"), "HTTP listen address")
	cmd.Flags().String("database-path", defaults.GetString("sandbox.database_path"), "SQLite database path")
	cmd.Flags().String("signing-secret", "", "Token signing secret (overrides env)")
	cmd.Flags().Duration("token-ttl", defaults.GetDuration("sandbox.token_ttl"), "Lifetime of issued tokens")
	cmd.Flags().StringSlice("allowed-origin", defaults.GetStringSlice("sandbox.allowed_origins"), "CORS allowed origin (repeatable)")

	bindLocalFlag(cmd, "sandbox.http_address", "http-address")
	bindLocalFlag(cmd, "sandbox.database_path", "database-path")
	bindLocalFlag(cmd, "sandbox.signing_secret", "signing-secret")
	bindLocalFlag(cmd, "sandbox.token_ttl", "token-ttl")
	bindLocalFlag(cmd, "sandbox.allowed_origins", "allowed-origin")
	return cmd
}

func runSandbox(ctx context.Context) error {
	appConfig, err := config.LoadSandbox(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.Logging.Level, appConfig.Logging.Encoding)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(database.Options{
		Path:   appConfig.DatabasePath,
		Logger: logger,
		Models: append(sandbox.Models(), &users.Profile{}),
	})
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	store, err := sandbox.NewStore(sandbox.StoreConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: sandbox.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	directory, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return err
	}

	handler, err := sandbox.NewHTTPHandler(sandbox.Dependencies{
		Tokens:         tokens,
		Store:          store,
		Users:          directory,
		Hub:            sandbox.NewHub(),
		Logger:         logger,
		AllowedOrigins: appConfig.AllowedOrigins,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("sandbox starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
