package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"blog-auth/internal/app"
	"blog-auth/internal/auth"
	"blog-auth/internal/config"
	"blog-auth/internal/db"
	"blog-auth/internal/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	serve := newServeCommand()
	cmd := &cobra.Command{
		Use:           "blog-auth",
		Short:         "Authentication API for the blog",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}

	cmd.AddCommand(serve)
	cmd.AddCommand(newMigrateCommand())
	return cmd
}

func newServeCommand() *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.NewLogger()

			cfg, err := config.Load(ctx)
			if err != nil {
				return err
			}

			rt, err := app.Build(ctx, cfg, app.Options{RunMigrations: migrate, Logger: logger})
			if err != nil {
				return err
			}
			defer func() {
				if err := rt.Close(); err != nil {
					logger.Error("shutdown_failed", map[string]any{"error": err.Error()})
				}
			}()

			srv := &http.Server{
				Addr:              cfg.Addr(),
				Handler:           rt.Handler,
				ReadHeaderTimeout: 10 * time.Second,
			}

			serveErr := make(chan error, 1)
			go func() {
				logger.Info("server_start", map[string]any{"addr": srv.Addr})
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
				close(serveErr)
			}()

			select {
			case err := <-serveErr:
				if err != nil {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			logger.Info("server_stop", nil)
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().BoolVar(&migrate, "migrate", false, "Apply database migrations before serving")
	return cmd
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations, seed the admin account and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.NewLogger()

			cfg, err := config.Load(ctx)
			if err != nil {
				return err
			}

			database, err := db.Open(ctx, cfg.DatabaseURL, db.PoolOptions{MaxOpenConns: 1, MaxIdleConns: 1})
			if err != nil {
				return err
			}
			defer database.Close()

			if err := db.RunMigrations(ctx, database); err != nil {
				return err
			}
			logger.Info("migrations_applied", nil)

			if cfg.AdminEmail == "" {
				return nil
			}
			service := auth.NewService(auth.NewRepository(database), nil, nil, logger)
			service.WithSecurityConfig(auth.SecurityConfig{BcryptCost: cfg.BcryptCost})
			if err := service.BootstrapAdmin(ctx, cfg.AdminEmail, cfg.AdminPassword); err != nil {
				return fmt.Errorf("bootstrap admin: %w", err)
			}
			return nil
		},
	}
}
