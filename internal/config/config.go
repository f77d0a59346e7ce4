package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

const minSecretLength = 32

// Config holds runtime configuration for the auth API.
type Config struct {
	AppEnv string `env:"APP_ENV, default=development"`
	Port   string `env:"PORT, default=8080"`

	DatabaseURL       string        `env:"DATABASE_URL, required"`
	DBMaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS, default=10"`
	DBMaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS, default=5"`
	DBConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME, default=30m"`
	DBConnMaxIdleTime time.Duration `env:"DB_CONN_MAX_IDLE_TIME, default=10m"`
	RunMigrations     bool          `env:"RUN_MIGRATIONS_ON_STARTUP, default=false"`

	JWTAccessSecret      string        `env:"JWT_ACCESS_SECRET, required"`
	JWTRefreshSecret     string        `env:"JWT_REFRESH_SECRET, required"`
	JWTIssuer            string        `env:"JWT_ISSUER, default=my-app"`
	JWTAudience          string        `env:"JWT_AUDIENCE, default=my-app-users"`
	AccessTokenTTL       time.Duration `env:"ACCESS_TOKEN_TTL, default=15m"`
	RefreshTokenTTLShort time.Duration `env:"REFRESH_TOKEN_TTL_SHORT, default=168h"`
	RefreshTokenTTLLong  time.Duration `env:"REFRESH_TOKEN_TTL_LONG, default=720h"`
	PasswordResetTTL     time.Duration `env:"PASSWORD_RESET_TTL, default=15m"`
	BcryptCost           int           `env:"BCRYPT_COST, default=12"`

	AdminEmail    string `env:"ADMIN_EMAIL"`
	AdminPassword string `env:"ADMIN_PASSWORD"`

	LoginMaxAttempts     int           `env:"LOGIN_MAX_ATTEMPTS, default=5"`
	LoginLockDuration    time.Duration `env:"LOGIN_LOCK_DURATION, default=15m"`
	LoginRateLimitMax    int           `env:"LOGIN_RATE_LIMIT_MAX, default=10"`
	LoginRateLimitWindow time.Duration `env:"LOGIN_RATE_LIMIT_WINDOW, default=60s"`
	GlobalRateLimitMax   int           `env:"GLOBAL_RATE_LIMIT_MAX, default=300"`

	// TrustedProxies lists the CIDRs whose X-Forwarded-For is believed.
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	CORSOrigins  []string `env:"CORS_ORIGINS, default=http://localhost:5173"`
	CookieDomain string   `env:"COOKIE_DOMAIN"`

	FrontendResetURL string `env:"FRONTEND_RESET_URL, default=http://localhost:5173/auth/reset-password"`
	MailTransport    string `env:"MAIL_TRANSPORT, default=log"`
	MailFrom         string `env:"MAIL_FROM, default=Support <support@example.com>"`
	SMTPHost         string `env:"SMTP_HOST, default=localhost"`
	SMTPPort         int    `env:"SMTP_PORT, default=25"`
	SMTPUser         string `env:"SMTP_USER"`
	SMTPPassword     string `env:"SMTP_PASS"`
	NATSURL          string `env:"NATS_URL, default=nats://127.0.0.1:4222"`
	NATSSubject      string `env:"NATS_MAIL_SUBJECT, default=blog.mail.password_reset"`

	SentryDSN    string `env:"SENTRY_DSN"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	CronSecret            string        `env:"CRON_SECRET"`
	ResetTokenRetention   time.Duration `env:"AUTH_RESET_TOKEN_RETENTION, default=168h"`
	LoginAttemptRetention time.Duration `env:"AUTH_LOGIN_ATTEMPT_RETENTION, default=720h"`
	CleanupBatchSize      int           `env:"AUTH_CLEANUP_BATCH_SIZE, default=500"`
}

// Load reads an optional .env file and then the process environment.
func Load(ctx context.Context) (Config, error) {
	_ = godotenv.Load()
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith resolves the configuration through the given lookuper.
func LoadWith(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return Config{}, fmt.Errorf("process env: %w", err)
	}

	cfg.AppEnv = strings.ToLower(strings.TrimSpace(cfg.AppEnv))
	cfg.MailTransport = strings.ToLower(strings.TrimSpace(cfg.MailTransport))
	cfg.AdminEmail = strings.TrimSpace(cfg.AdminEmail)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if len(c.JWTAccessSecret) < minSecretLength {
		errs = append(errs, fmt.Errorf("JWT_ACCESS_SECRET must be at least %d bytes", minSecretLength))
	}
	if len(c.JWTRefreshSecret) < minSecretLength {
		errs = append(errs, fmt.Errorf("JWT_REFRESH_SECRET must be at least %d bytes", minSecretLength))
	}
	if c.JWTAccessSecret != "" && c.JWTAccessSecret == c.JWTRefreshSecret {
		errs = append(errs, errors.New("JWT_ACCESS_SECRET and JWT_REFRESH_SECRET must differ"))
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTLShort <= 0 || c.RefreshTokenTTLLong <= 0 || c.PasswordResetTTL <= 0 {
		errs = append(errs, errors.New("token TTLs must be positive"))
	}
	if c.RefreshTokenTTLLong < c.RefreshTokenTTLShort {
		errs = append(errs, errors.New("REFRESH_TOKEN_TTL_LONG must not be shorter than REFRESH_TOKEN_TTL_SHORT"))
	}
	if (c.AdminEmail == "") != (c.AdminPassword == "") {
		errs = append(errs, errors.New("ADMIN_EMAIL and ADMIN_PASSWORD are required together"))
	}
	switch c.MailTransport {
	case "log", "smtp", "nats":
	default:
		errs = append(errs, fmt.Errorf("unsupported MAIL_TRANSPORT %q", c.MailTransport))
	}
	return errors.Join(errs...)
}

func (c Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func (c Config) Addr() string {
	return ":" + strings.TrimPrefix(c.Port, ":")
}
