package auth

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RouteLimits are the per-route throttles. A nil entry leaves the route
// unthrottled.
type RouteLimits struct {
	Login          func(http.Handler) http.Handler
	ForgotPassword func(http.Handler) http.Handler
	ResetPassword  func(http.Handler) http.Handler
}

func (h *Handler) Mount(r chi.Router, verifier *Verifier, limits RouteLimits) {
	r.Group(func(r chi.Router) {
		r.Use(verifier.Authenticate)

		r.Get("/auth/status", h.Status)
		r.Post("/auth/register", h.Register)
		r.With(orPassthrough(limits.Login)).Post("/auth/login", h.Login)
		r.Post("/auth/logout", h.Logout)
		r.Post("/auth/refresh", h.Refresh)
		r.With(orPassthrough(limits.ForgotPassword)).Post("/auth/forgot-password", h.ForgotPassword)
		r.With(orPassthrough(limits.ResetPassword)).Post("/auth/reset-password", h.ResetPassword)

		r.With(RequireAuth).Get("/auth/me", h.Me)
		r.With(RequireAuth).Patch("/users/me/password", h.ChangePassword)
		r.With(RequireRole(RoleAdmin)).Patch("/users/{id}/role", h.UpdateRole)
	})
}

func orPassthrough(mw func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	if mw == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return mw
}
