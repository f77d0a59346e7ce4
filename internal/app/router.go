package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"blog-auth/internal/auth"
	"blog-auth/internal/maintenance"
	"blog-auth/internal/observability"
)

type pinger interface {
	PingContext(ctx context.Context) error
}

type RouterConfig struct {
	Logger      *observability.Logger
	Metrics     *observability.Metrics
	Database    pinger
	AuthHandler *auth.Handler
	Verifier    *auth.Verifier
	LoginLimit  func(http.Handler) http.Handler
	ForgotLimit func(http.Handler) http.Handler
	Cleanup     *maintenance.CleanupHandler

	CORSOrigins    []string
	TrustedProxies []netip.Prefix
	GlobalRateMax  int
	TracingEnabled bool
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", observability.RequestIDHeader},
		ExposedHeaders:   []string{observability.RequestIDHeader, "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if cfg.GlobalRateMax > 0 {
		r.Use(httprate.Limit(cfg.GlobalRateMax, time.Minute,
			httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
				return observability.ClientIP(r), nil
			}),
		))
	}

	r.Get("/health", healthHandler(cfg.Database))
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}
	if cfg.Cleanup != nil {
		r.Get("/internal/maintenance/cleanup", cfg.Cleanup.Handle)
		r.Post("/internal/maintenance/cleanup", cfg.Cleanup.Handle)
	}

	cfg.AuthHandler.Mount(r, cfg.Verifier, auth.RouteLimits{
		Login:          cfg.LoginLimit,
		ForgotPassword: cfg.ForgotLimit,
		ResetPassword:  cfg.ForgotLimit,
	})

	var handler http.Handler = r
	handler = observability.RequestLoggingMiddleware(cfg.Logger, cfg.Metrics, handler)
	handler = observability.RecoverMiddleware(cfg.Logger, handler)
	handler = observability.ClientIPMiddleware(cfg.TrustedProxies)(handler)
	handler = observability.RequestIDMiddleware(handler)
	if cfg.TracingEnabled {
		handler = otelhttp.NewHandler(handler, serviceName)
	}
	return handler
}

func healthHandler(database pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if database == nil || database.PingContext(ctx) != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
