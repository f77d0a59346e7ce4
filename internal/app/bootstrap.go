package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"

	"blog-auth/internal/auth"
	"blog-auth/internal/bus"
	"blog-auth/internal/config"
	"blog-auth/internal/db"
	"blog-auth/internal/mail"
	"blog-auth/internal/maintenance"
	"blog-auth/internal/observability"
)

const (
	serviceName = "blog-auth"
	mailTimeout = 10 * time.Second
)

type Options struct {
	// RunMigrations forces goose migrations regardless of RUN_MIGRATIONS_ON_STARTUP.
	RunMigrations bool
	Logger        *observability.Logger
}

type Runtime struct {
	Handler http.Handler
	Close   func() error
}

func Build(ctx context.Context, cfg config.Config, options Options) (*Runtime, error) {
	logger := options.Logger
	if logger == nil {
		logger = observability.NewLogger()
	}

	trustedProxies, err := observability.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}

	if err := observability.InitSentry(cfg.SentryDSN, cfg.AppEnv); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	shutdownTracing, err := observability.InitTracing(ctx, serviceName, cfg.OTLPEndpoint)
	if err != nil {
		logger.Error("init_tracing_failed", map[string]any{"error": err.Error()})
		shutdownTracing = func(context.Context) error { return nil }
	}

	database, err := db.Open(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
	})
	if err != nil {
		_ = shutdownTracing(context.Background())
		return nil, err
	}

	closers := []func() error{
		database.Close,
		func() error { return shutdownTracing(context.Background()) },
	}
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		observability.FlushSentry()
		return errors.Join(errs...)
	}

	if options.RunMigrations || cfg.RunMigrations {
		if err := db.RunMigrations(ctx, database); err != nil {
			_ = closeAll()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	transport, closeTransport, err := newMailTransport(cfg, logger)
	if err != nil {
		_ = closeAll()
		return nil, err
	}
	closers = append(closers, closeTransport)

	sender, err := mail.NewSender(transport, cfg.FrontendResetURL)
	if err != nil {
		_ = closeAll()
		return nil, fmt.Errorf("init mail sender: %w", err)
	}

	issuer, err := auth.NewIssuer(auth.IssuerConfig{
		AccessSecret:    cfg.JWTAccessSecret,
		RefreshSecret:   cfg.JWTRefreshSecret,
		Issuer:          cfg.JWTIssuer,
		Audience:        cfg.JWTAudience,
		AccessTTL:       cfg.AccessTokenTTL,
		RefreshTTLShort: cfg.RefreshTokenTTLShort,
		RefreshTTLLong:  cfg.RefreshTokenTTLLong,
	})
	if err != nil {
		_ = closeAll()
		return nil, fmt.Errorf("init token issuer: %w", err)
	}

	metrics := observability.NewMetrics()
	repo := auth.NewRepository(database)

	service := auth.NewService(repo, issuer, sender, logger)
	service.WithSecurityConfig(auth.SecurityConfig{
		BcryptCost:   cfg.BcryptCost,
		MaxAttempts:  cfg.LoginMaxAttempts,
		LockDuration: cfg.LoginLockDuration,
		ResetTTL:     cfg.PasswordResetTTL,
		MailTimeout:  mailTimeout,
	})
	service.WithMetrics(metrics)

	if err := service.BootstrapAdmin(ctx, cfg.AdminEmail, cfg.AdminPassword); err != nil {
		_ = closeAll()
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}

	cookies := auth.NewCookieTransport(cfg.CookieDomain, cfg.IsProduction(), cfg.AccessTokenTTL)

	handler := NewRouter(RouterConfig{
		Logger:         logger,
		Metrics:        metrics,
		Database:       database,
		AuthHandler:    auth.NewHandler(service, cookies, logger, !cfg.IsProduction()),
		Verifier:       auth.NewVerifier(issuer, cookies),
		LoginLimit:     auth.NewIPRateLimiter(repo, auth.LoginBucket, cfg.LoginRateLimitMax, cfg.LoginRateLimitWindow, logger).Middleware,
		ForgotLimit:    auth.NewIPRateLimiter(repo, auth.ForgotPasswordBucket, cfg.LoginRateLimitMax, cfg.LoginRateLimitWindow, logger).Middleware,
		Cleanup:        maintenance.NewCleanupHandler(repo, logger, cfg.CronSecret, maintenance.Retention{ResetTokens: cfg.ResetTokenRetention, LoginAttempts: cfg.LoginAttemptRetention, BatchSize: cfg.CleanupBatchSize}),
		CORSOrigins:    cfg.CORSOrigins,
		TrustedProxies: trustedProxies,
		GlobalRateMax:  cfg.GlobalRateLimitMax,
		TracingEnabled: cfg.OTLPEndpoint != "",
	})

	logger.Info("app_ready", map[string]any{
		"env":            cfg.AppEnv,
		"mail_transport": cfg.MailTransport,
	})

	return &Runtime{Handler: handler, Close: closeAll}, nil
}

// newMailTransport returns the configured transport and a closer for any
// connection it holds.
func newMailTransport(cfg config.Config, logger *observability.Logger) (mail.Transport, func() error, error) {
	noop := func() error { return nil }

	switch cfg.MailTransport {
	case "smtp":
		transport, err := mail.NewSMTPTransport(mail.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			From:     cfg.MailFrom,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("init smtp transport: %w", err)
		}
		return transport, noop, nil
	case "nats":
		b, err := bus.New(cfg.NATSURL, nats.Name(serviceName), nats.MaxReconnects(-1))
		if err != nil {
			return nil, nil, fmt.Errorf("connect nats: %w", err)
		}
		return mail.NewNATSTransport(b, cfg.NATSSubject), func() error { b.Close(); return nil }, nil
	default:
		return mail.NewLogTransport(logger), noop, nil
	}
}
