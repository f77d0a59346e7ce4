package auth

import (
	"net/http"
	"strings"
)

// Verifier turns the access credential of a request into an Identity on its
// context. It never rejects; RequireAuth and RequireRole do.
type Verifier struct {
	issuer  *Issuer
	cookies CookieTransport
}

func NewVerifier(issuer *Issuer, cookies CookieTransport) *Verifier {
	return &Verifier{issuer: issuer, cookies: cookies}
}

func (v *Verifier) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := v.cookies.Read(r)
		if token == "" {
			token = bearerToken(r)
		}
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}

		identity, err := v.issuer.VerifyAccess(token)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := IdentityFrom(r.Context()); !ok {
			writeError(w, r, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := IdentityFrom(r.Context())
			if !ok {
				writeError(w, r, http.StatusUnauthorized, "authentication required")
				return
			}
			if identity.Role != role {
				writeError(w, r, http.StatusForbidden, ErrInsufficientRole.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
