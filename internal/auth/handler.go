package auth

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"blog-auth/internal/observability"
)

const (
	maxJSONBodyBytes   = 1 << 20
	maxUserAgentLength = 512

	forgotPasswordMessage = "If an account exists for this email, a reset link has been sent."
)

type Handler struct {
	service      *Service
	cookies      CookieTransport
	logger       *observability.Logger
	exposeErrors bool
}

// NewHandler builds the HTTP surface. exposeErrors adds internal error
// details to 500 responses and must stay off in production.
func NewHandler(service *Service, cookies CookieTransport, logger *observability.Logger, exposeErrors bool) *Handler {
	return &Handler{
		service:      service,
		cookies:      cookies,
		logger:       logger,
		exposeErrors: exposeErrors,
	}
}

type errorResponse struct {
	Error     string       `json:"error"`
	Details   []FieldError `json:"details,omitempty"`
	Detail    string       `json:"detail,omitempty"`
	RequestID string       `json:"requestId,omitempty"`
}

type sessionResponse struct {
	Message          string      `json:"message,omitempty"`
	User             UserSummary `json:"user"`
	RefreshToken     string      `json:"refreshToken"`
	RefreshID        string      `json:"refreshId"`
	RefreshExpiresAt time.Time   `json:"refreshExpiresAt"`
}

type messageResponse struct {
	Message string `json:"message"`
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if !h.decode(w, r, &body) {
		return
	}

	cmd, err := parseRegister(body)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	user, err := h.service.Register(r.Context(), cmd)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{"user": user})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !h.decode(w, r, &body) {
		return
	}

	cmd, err := parseLogin(body, deviceFrom(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	session, err := h.service.Login(r.Context(), cmd)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.writeSession(w, http.StatusOK, "", session)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if !h.decode(w, r, &body) {
		return
	}

	cmd, err := parseRefresh(body, deviceFrom(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	session, err := h.service.Refresh(r.Context(), cmd)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.writeSession(w, http.StatusOK, "", session)
}

// Logout answers 200 and clears the cookie whatever the body holds.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var body logoutRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
		if err := h.service.Logout(r.Context(), body.RefreshToken); err != nil {
			h.logger.Error("logout_revoke_failed", map[string]any{
				"request_id": observability.RequestIDFrom(r.Context()),
				"error":      err.Error(),
			})
			observability.CaptureError(r.Context(), err)
		}
	}

	h.cookies.Clear(w)
	writeJSON(w, http.StatusOK, messageResponse{Message: "logged out"})
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFrom(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	profile, err := h.service.Me(r.Context(), identity)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"user": profile})
}

// ForgotPassword answers with the same body for every well-formed request.
func (h *Handler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var body forgotPasswordRequest
	if !h.decode(w, r, &body) {
		return
	}

	cmd, err := parseForgotPassword(body)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	if err := h.service.ForgotPassword(r.Context(), cmd); err != nil {
		h.logger.Error("password_reset_request_failed", map[string]any{
			"request_id": observability.RequestIDFrom(r.Context()),
			"error":      err.Error(),
		})
		observability.CaptureError(r.Context(), err)
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: forgotPasswordMessage})
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var body resetPasswordRequest
	if !h.decode(w, r, &body) {
		return
	}

	cmd, err := parseResetPassword(body, deviceFrom(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	session, err := h.service.ResetPassword(r.Context(), cmd)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.writeSession(w, http.StatusOK, "password has been reset", session)
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFrom(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var body changePasswordRequest
	if !h.decode(w, r, &body) {
		return
	}

	cmd, err := parseChangePassword(body, deviceFrom(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}

	session, err := h.service.ChangePassword(r.Context(), identity, cmd)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.writeSession(w, http.StatusOK, "password updated", session)
}

func (h *Handler) UpdateRole(w http.ResponseWriter, r *http.Request) {
	var body updateRoleRequest
	if !h.decode(w, r, &body) {
		return
	}

	role, err := parseRole(body)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	user, err := h.service.UpdateRole(r.Context(), chi.URLParam(r, "id"), role)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (h *Handler) writeSession(w http.ResponseWriter, status int, message string, session Session) {
	h.cookies.Set(w, session.AccessToken)
	writeJSON(w, status, sessionResponse{
		Message:          message,
		User:             session.User,
		RefreshToken:     session.RefreshToken,
		RefreshID:        session.RefreshID,
		RefreshExpiresAt: session.RefreshExpiresAt,
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid json body")
		return false
	}
	if _, err := decoder.Token(); !errors.Is(err, io.EOF) {
		writeError(w, r, http.StatusBadRequest, "invalid json body")
		return false
	}

	return true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error:     "validation failed",
			Details:   validationErr.Fields,
			RequestID: observability.RequestIDFrom(r.Context()),
		})
		return
	}

	var lockedErr ErrLoginLocked
	if errors.As(err, &lockedErr) {
		retryAfter := int(time.Until(lockedErr.Until).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, r, http.StatusTooManyRequests, lockedErr.Error())
		return
	}

	if status, ok := statusFor(err); ok {
		writeError(w, r, status, err.Error())
		return
	}

	requestID := observability.RequestIDFrom(r.Context())
	h.logger.Error("request_failed", map[string]any{
		"request_id": requestID,
		"method":     r.Method,
		"path":       r.URL.Path,
		"error":      err.Error(),
	})
	observability.CaptureError(r.Context(), err)

	resp := errorResponse{Error: "internal server error", RequestID: requestID}
	if h.exposeErrors {
		resp.Detail = err.Error()
	}
	writeJSON(w, http.StatusInternalServerError, resp)
}

func statusFor(err error) (int, bool) {
	var authErr *Error
	if !errors.As(err, &authErr) {
		return 0, false
	}

	switch {
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized, true
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, true
	case errors.Is(err, ErrConflict):
		return http.StatusConflict, true
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, true
	default:
		return 0, false
	}
}

func deviceFrom(r *http.Request) DeviceInfo {
	userAgent := r.UserAgent()
	if len(userAgent) > maxUserAgentLength {
		userAgent = userAgent[:maxUserAgentLength]
	}
	return DeviceInfo{UserAgent: userAgent, IP: observability.ClientIP(r)}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, status, errorResponse{
		Error:     message,
		RequestID: observability.RequestIDFrom(r.Context()),
	})
}
