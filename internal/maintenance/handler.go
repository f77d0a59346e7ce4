package maintenance

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"blog-auth/internal/auth"
	"blog-auth/internal/observability"
)

type Cleaner interface {
	CleanupStaleAuthData(ctx context.Context, resetRetention, loginAttemptRetention time.Duration, batchSize int, now time.Time) (auth.CleanupResult, error)
}

type Retention struct {
	ResetTokens   time.Duration
	LoginAttempts time.Duration
	BatchSize     int
}

// CleanupHandler is triggered by an external scheduler. Without a configured
// cron secret the route does not exist.
type CleanupHandler struct {
	cleaner    Cleaner
	logger     *observability.Logger
	cronSecret string
	retention  Retention
	now        func() time.Time
}

func NewCleanupHandler(cleaner Cleaner, logger *observability.Logger, cronSecret string, retention Retention) *CleanupHandler {
	return &CleanupHandler{
		cleaner:    cleaner,
		logger:     logger,
		cronSecret: strings.TrimSpace(cronSecret),
		retention:  retention,
		now:        func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") ||
		subtle.ConstantTimeCompare([]byte(strings.TrimSpace(parts[1])), []byte(h.cronSecret)) != 1 {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	result, err := h.cleaner.CleanupStaleAuthData(r.Context(), h.retention.ResetTokens, h.retention.LoginAttempts, h.retention.BatchSize, h.now())
	if err != nil {
		h.logger.Error("auth_cleanup_failed", map[string]any{
			"request_id": observability.RequestIDFrom(r.Context()),
			"error":      err.Error(),
		})
		observability.CaptureError(r.Context(), err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	h.logger.Info("auth_cleanup_completed", map[string]any{
		"deleted_reset_tokens":   result.DeletedResetTokens,
		"deleted_login_attempts": result.DeletedLoginAttempts,
		"deleted_ip_limits":      result.DeletedIPLimits,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": result,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
