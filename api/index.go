package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/sethvargo/go-envconfig"

	"blog-auth/internal/app"
	"blog-auth/internal/config"
	"blog-auth/internal/observability"
)

var (
	initOnce   sync.Once
	apiRuntime *app.Runtime
	initErr    error
)

// Handler is the serverless entrypoint. The runtime is built once per
// instance and reused across invocations.
func Handler(w http.ResponseWriter, r *http.Request) {
	initOnce.Do(func() {
		ctx := context.Background()
		logger := observability.NewLogger()

		cfg, err := config.LoadWith(ctx, envconfig.OsLookuper())
		if err != nil {
			initErr = err
		} else {
			apiRuntime, initErr = app.Build(ctx, cfg, app.Options{Logger: logger})
		}
		if initErr != nil {
			logger.Error("bootstrap_failed", map[string]any{"error": initErr.Error()})
		}
	})

	if initErr != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "application bootstrap failed"})
		return
	}

	apiRuntime.Handler.ServeHTTP(w, r)
}
