package auth

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"blog-auth/internal/observability"
)

const (
	LoginBucket          = "login"
	ForgotPasswordBucket = "forgot_password"
)

type IPLimitStore interface {
	AllowIP(ctx context.Context, bucket, ip string, maxHits int, window time.Duration, now time.Time) (bool, time.Duration, error)
}

// IPRateLimiter keeps its counters in the database so every instance behind
// the load balancer shares one window per (bucket, ip). When the store is
// unavailable the request is let through.
type IPRateLimiter struct {
	store   IPLimitStore
	bucket  string
	maxHits int
	window  time.Duration
	logger  *observability.Logger
	now     func() time.Time
}

func NewIPRateLimiter(store IPLimitStore, bucket string, maxHits int, window time.Duration, logger *observability.Logger) *IPRateLimiter {
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}

	return &IPRateLimiter{
		store:   store,
		bucket:  bucket,
		maxHits: maxHits,
		window:  window,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

func (l *IPRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := observability.ClientIP(r)

		allowed, retryAfter, err := l.store.AllowIP(r.Context(), l.bucket, ip, l.maxHits, l.window, l.now())
		if err != nil {
			l.logger.Error("ip_rate_limit_unavailable", map[string]any{
				"bucket":     l.bucket,
				"request_id": observability.RequestIDFrom(r.Context()),
				"error":      err.Error(),
			})
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			writeError(w, r, http.StatusTooManyRequests, "too many requests")
			return
		}

		next.ServeHTTP(w, r)
	})
}
