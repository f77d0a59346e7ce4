package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blog-auth/internal/observability"
)

type handlerFixture struct {
	serviceFixture
	router  http.Handler
	cookies CookieTransport
}

func newHandlerFixture(t *testing.T, exposeErrors bool) handlerFixture {
	t.Helper()

	f := newServiceFixture(t)
	cookies := NewCookieTransport("", false, 15*time.Minute)
	handler := NewHandler(f.svc, cookies, observability.Nop(), exposeErrors)
	verifier := NewVerifier(f.svc.issuer, cookies)

	router := chi.NewRouter()
	router.Use(observability.RequestIDMiddleware)
	handler.Mount(router, verifier, RouteLimits{
		Login: NewIPRateLimiter(f.store, LoginBucket, 3, time.Minute, observability.Nop()).Middleware,
	})

	return handlerFixture{serviceFixture: f, router: router, cookies: cookies}
}

func (f handlerFixture) do(t *testing.T, method, path, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "203.0.113.7:5555"
	for _, cookie := range cookies {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func accessCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, cookie := range rec.Result().Cookies() {
		if cookie.Name == AccessCookieName {
			return cookie
		}
	}
	t.Fatalf("no %s cookie in response", AccessCookieName)
	return nil
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

const registerBody = `{"email":"ada@example.com","password":"Sup3rSecret","confirmPassword":"Sup3rSecret"}`
const loginBody = `{"email":"ada@example.com","password":"Sup3rSecret"}`

func TestHandler_RegisterThenLogin(t *testing.T) {
	f := newHandlerFixture(t, false)

	rec := f.do(t, http.MethodPost, "/auth/register", registerBody)
	require.Equal(t, http.StatusCreated, rec.Code)
	user := decodeBody(t, rec)["user"].(map[string]any)
	assert.Equal(t, "ada@example.com", user["email"])
	assert.NotEmpty(t, user["createdAt"])

	rec = f.do(t, http.MethodPost, "/auth/login", loginBody)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.NotEmpty(t, body["refreshToken"])
	assert.NotEmpty(t, body["refreshId"])
	assert.NotEmpty(t, body["refreshExpiresAt"])
	assert.NotContains(t, body, "accessToken")
	assert.Equal(t, RoleUser, body["user"].(map[string]any)["role"])

	cookie := accessCookie(t, rec)
	assert.True(t, cookie.HttpOnly)
	assert.False(t, cookie.Secure)
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)
	assert.Equal(t, "/", cookie.Path)
	assert.Equal(t, 900, cookie.MaxAge)
}

func TestHandler_RegisterValidation(t *testing.T) {
	f := newHandlerFixture(t, false)

	rec := f.do(t, http.MethodPost, "/auth/register", `{"email":"nope","password":"short","confirmPassword":"other"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "validation failed", body["error"])
	assert.Len(t, body["details"], 3)

	rec = f.do(t, http.MethodPost, "/auth/register", `{"email":"ada@example.com","password":"Sup3rSecret","confirmPassword":"Sup3rSecret","role":"ROLE_ADMIN"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown fields such as role are refused")

	rec = f.do(t, http.MethodPost, "/auth/register", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_RegisterConflict(t *testing.T) {
	f := newHandlerFixture(t, false)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/auth/register", registerBody).Code)

	rec := f.do(t, http.MethodPost, "/auth/register", registerBody)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandler_LoginInvalidCredentials(t *testing.T) {
	f := newHandlerFixture(t, false)

	rec := f.do(t, http.MethodPost, "/auth/login", loginBody)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "invalid credentials", body["error"])
	assert.NotEmpty(t, body["requestId"])
}

func TestHandler_LoginLockedAnswers429(t *testing.T) {
	f := newHandlerFixture(t, false)
	f.register(t, "ada@example.com")

	bad := `{"email":"ada@example.com","password":"Wr0ngPassword"}`
	f.do(t, http.MethodPost, "/auth/login", bad)
	f.do(t, http.MethodPost, "/auth/login", bad)
	rec := f.do(t, http.MethodPost, "/auth/login", bad)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestHandler_LoginIPRateLimit(t *testing.T) {
	f := newHandlerFixture(t, false)

	for _, email := range []string{"a", "b", "c"} {
		body := `{"email":"` + email + `@example.com","password":"Sup3rSecret"}`
		assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodPost, "/auth/login", body).Code)
	}

	rec := f.do(t, http.MethodPost, "/auth/login", `{"email":"d@example.com","password":"Sup3rSecret"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestHandler_LoginIPRateLimitIgnoresSpoofedForwardedFor(t *testing.T) {
	f := newHandlerFixture(t, false)

	var codes []int
	for i := range 5 {
		req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"email":"user`+strconv.Itoa(i)+`@example.com","password":"Sup3rSecret"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Forwarded-For", "198.51.100."+strconv.Itoa(i+1))
		req.RemoteAddr = "203.0.113.7:5555"
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	assert.Equal(t, []int{401, 401, 401, 429, 429}, codes)
}

func TestHandler_IPRateLimitFailsOpen(t *testing.T) {
	f := newHandlerFixture(t, false)
	f.store.failNext = errors.New("db down")

	rec := f.do(t, http.MethodPost, "/auth/login", loginBody)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandler_RefreshRotatesAndSetsCookie(t *testing.T) {
	f := newHandlerFixture(t, false)
	f.register(t, "ada@example.com")
	session := f.login(t, "ada@example.com", false)

	rec := f.do(t, http.MethodPost, "/auth/refresh", `{"refreshToken":"`+session.RefreshToken+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEqual(t, session.RefreshToken, decodeBody(t, rec)["refreshToken"])
	accessCookie(t, rec)

	rec = f.do(t, http.MethodPost, "/auth/refresh", `{"refreshToken":"`+session.RefreshToken+`"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid refresh token", decodeBody(t, rec)["error"])

	rec = f.do(t, http.MethodPost, "/auth/refresh", `{"refreshToken":"short"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHandler_LogoutAlwaysSucceeds(t *testing.T) {
	f := newHandlerFixture(t, false)
	f.register(t, "ada@example.com")
	session := f.login(t, "ada@example.com", false)

	for _, body := range []string{`{"refreshToken":"` + session.RefreshToken + `"}`, `not json`, ``, `{"refreshToken":"unknown"}`} {
		rec := f.do(t, http.MethodPost, "/auth/logout", body)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "logged out", decodeBody(t, rec)["message"])
		cookie := accessCookie(t, rec)
		assert.Empty(t, cookie.Value)
		assert.Less(t, cookie.MaxAge, 0)
	}

	rec := f.do(t, http.MethodPost, "/auth/refresh", `{"refreshToken":"`+session.RefreshToken+`"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandler_LogoutStoreFailureStillSucceeds(t *testing.T) {
	f := newHandlerFixture(t, false)
	f.store.failNext = errors.New("db down")

	rec := f.do(t, http.MethodPost, "/auth/logout", `{"refreshToken":"some-refresh-token-value"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_MeUsesAccessCookie(t *testing.T) {
	f := newHandlerFixture(t, false)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/auth/register", registerBody).Code)
	login := f.do(t, http.MethodPost, "/auth/login", loginBody)
	cookie := accessCookie(t, login)

	rec := f.do(t, http.MethodGet, "/auth/me", "", cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	user := decodeBody(t, rec)["user"].(map[string]any)
	assert.Equal(t, "ada@example.com", user["email"])
	assert.NotEmpty(t, user["updatedAt"])

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/auth/me", "").Code)

	tampered := &http.Cookie{Name: AccessCookieName, Value: cookie.Value + "x"}
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/auth/me", "", tampered).Code)
}

func TestHandler_ForgotPasswordBodiesAreIdentical(t *testing.T) {
	f := newHandlerFixture(t, false)
	f.register(t, "ada@example.com")

	known := f.do(t, http.MethodPost, "/auth/forgot-password", `{"email":"ada@example.com"}`)
	ghost := f.do(t, http.MethodPost, "/auth/forgot-password", `{"email":"ghost@example.com"}`)

	assert.Equal(t, http.StatusOK, known.Code)
	assert.Equal(t, http.StatusOK, ghost.Code)
	assert.Equal(t, known.Body.String(), ghost.Body.String())
	assert.Equal(t, forgotPasswordMessage, decodeBody(t, known)["message"])

	f.store.failNext = errors.New("db down")
	broken := f.do(t, http.MethodPost, "/auth/forgot-password", `{"email":"ada@example.com"}`)
	assert.Equal(t, http.StatusOK, broken.Code)
	assert.Equal(t, known.Body.String(), broken.Body.String())
}

func TestHandler_ResetPassword(t *testing.T) {
	f := newHandlerFixture(t, false)
	f.register(t, "ada@example.com")
	f.do(t, http.MethodPost, "/auth/forgot-password", `{"email":"ada@example.com"}`)
	mail := f.mailer.last(t)

	body := `{"token":"` + mail.token + `","password":"N3wPassword","confirmPassword":"N3wPassword"}`
	rec := f.do(t, http.MethodPost, "/auth/reset-password", body)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody(t, rec)
	assert.Equal(t, "password has been reset", resp["message"])
	assert.NotEmpty(t, resp["refreshToken"])
	accessCookie(t, rec)

	rec = f.do(t, http.MethodPost, "/auth/reset-password", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandler_ChangePassword(t *testing.T) {
	f := newHandlerFixture(t, false)
	f.do(t, http.MethodPost, "/auth/register", registerBody)
	cookie := accessCookie(t, f.do(t, http.MethodPost, "/auth/login", loginBody))

	rec := f.do(t, http.MethodPatch, "/users/me/password", `{"currentPassword":"Wr0ngPassword","newPassword":"N3wPassword"}`, cookie)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPatch, "/users/me/password", `{"currentPassword":"Sup3rSecret","newPassword":"N3wPassword"}`, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "password updated", decodeBody(t, rec)["message"])

	rec = f.do(t, http.MethodPatch, "/users/me/password", `{"currentPassword":"Sup3rSecret","newPassword":"N3wPassword"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandler_UpdateRoleRequiresAdmin(t *testing.T) {
	f := newHandlerFixture(t, false)
	target := f.register(t, "grace@example.com")
	admin := f.register(t, "ada@example.com")
	_, err := f.svc.UpdateRole(t.Context(), admin.ID, RoleAdmin)
	require.NoError(t, err)

	userCookie := accessCookie(t, f.do(t, http.MethodPost, "/auth/login", `{"email":"grace@example.com","password":"Sup3rSecret"}`))
	adminCookie := accessCookie(t, f.do(t, http.MethodPost, "/auth/login", loginBody))
	path := "/users/" + target.ID + "/role"

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodPatch, path, `{"role":"ROLE_ADMIN"}`).Code)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodPatch, path, `{"role":"ROLE_ADMIN"}`, userCookie).Code)
	assert.Equal(t, http.StatusUnprocessableEntity, f.do(t, http.MethodPatch, path, `{"role":"ROLE_ROOT"}`, adminCookie).Code)

	rec := f.do(t, http.MethodPatch, path, `{"role":"ROLE_ADMIN"}`, adminCookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, RoleAdmin, decodeBody(t, rec)["user"].(map[string]any)["role"])

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPatch, "/users/not-a-uuid/role", `{"role":"ROLE_ADMIN"}`, adminCookie).Code)
}

func TestHandler_InternalErrorHidesDetailOutsideDevelopment(t *testing.T) {
	for _, expose := range []bool{false, true} {
		f := newHandlerFixture(t, expose)
		f.store.failNext = errors.New("db exploded")

		rec := f.do(t, http.MethodPost, "/auth/register", registerBody)
		require.Equal(t, http.StatusInternalServerError, rec.Code)
		body := decodeBody(t, rec)
		assert.Equal(t, "internal server error", body["error"])
		assert.NotEmpty(t, body["requestId"])
		if expose {
			assert.Contains(t, body["detail"], "db exploded")
		} else {
			assert.NotContains(t, body, "detail")
		}
	}
}

func TestHandler_Status(t *testing.T) {
	f := newHandlerFixture(t, false)

	rec := f.do(t, http.MethodGet, "/auth/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}

func TestHandler_BootstrappedAdminCanPromoteUsers(t *testing.T) {
	f := newHandlerFixture(t, false)
	require.NoError(t, f.svc.BootstrapAdmin(t.Context(), "root@example.com", "R00tPassword"))
	target := f.register(t, "grace@example.com")

	rec := f.do(t, http.MethodPost, "/auth/login", `{"email":"root@example.com","password":"R00tPassword"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, RoleAdmin, decodeBody(t, rec)["user"].(map[string]any)["role"])

	rec = f.do(t, http.MethodPatch, "/users/"+target.ID+"/role", `{"role":"ROLE_ADMIN"}`, accessCookie(t, rec))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, RoleAdmin, decodeBody(t, rec)["user"].(map[string]any)["role"])
}

func TestHandler_ResetPasswordIsRateLimited(t *testing.T) {
	f := newServiceFixture(t)
	cookies := NewCookieTransport("", false, 15*time.Minute)
	handler := NewHandler(f.svc, cookies, observability.Nop(), false)
	limiter := NewIPRateLimiter(f.store, ForgotPasswordBucket, 2, time.Minute, observability.Nop()).Middleware

	router := chi.NewRouter()
	handler.Mount(router, NewVerifier(f.svc.issuer, cookies), RouteLimits{ForgotPassword: limiter, ResetPassword: limiter})
	hf := handlerFixture{serviceFixture: f, router: router, cookies: cookies}

	body := `{"token":"` + strings.Repeat("x", 64) + `","password":"N3wPassword","confirmPassword":"N3wPassword"}`
	assert.Equal(t, http.StatusUnauthorized, hf.do(t, http.MethodPost, "/auth/reset-password", body).Code)
	assert.Equal(t, http.StatusOK, hf.do(t, http.MethodPost, "/auth/forgot-password", `{"email":"nobody@example.com"}`).Code)

	rec := hf.do(t, http.MethodPost, "/auth/reset-password", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}
