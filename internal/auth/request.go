package auth

import (
	"net/mail"
	"strings"
	"unicode"
)

const (
	minPasswordLength     = 8
	maxPasswordLength     = 128
	minRefreshTokenLength = 20
	maxEmailLength        = 254
	maxTokenLength        = 4096
)

// Commands are only built through the parse functions below, so a service
// method never sees unvalidated input.

type RegisterCommand struct {
	Email    string
	Password string
}

type LoginCommand struct {
	Email      string
	Password   string
	RememberMe bool
	Device     DeviceInfo
}

type RefreshCommand struct {
	RefreshToken string
	Device       DeviceInfo
}

type ForgotPasswordCommand struct {
	Email string
}

type ResetPasswordCommand struct {
	Token    string
	Password string
	Device   DeviceInfo
}

type ChangePasswordCommand struct {
	CurrentPassword string
	NewPassword     string
	Device          DeviceInfo
}

type registerRequest struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
}

type loginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	RememberMe *bool  `json:"rememberMe"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type logoutRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

type resetPasswordRequest struct {
	Token           string `json:"token"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type updateRoleRequest struct {
	Role string `json:"role"`
}

func parseRegister(req registerRequest) (RegisterCommand, error) {
	verr := &ValidationError{}
	email := normalizeEmail(req.Email, "email", verr)
	checkNewPassword(req.Password, "password", verr)
	if req.Password != req.ConfirmPassword {
		verr.add("confirmPassword", "passwords do not match")
	}
	if err := verr.orNil(); err != nil {
		return RegisterCommand{}, err
	}
	return RegisterCommand{Email: email, Password: req.Password}, nil
}

func parseLogin(req loginRequest, device DeviceInfo) (LoginCommand, error) {
	verr := &ValidationError{}
	email := normalizeEmail(req.Email, "email", verr)
	if req.Password == "" {
		verr.add("password", "password is required")
	} else if len(req.Password) > maxPasswordLength {
		verr.add("password", "password is too long")
	}
	if err := verr.orNil(); err != nil {
		return LoginCommand{}, err
	}
	return LoginCommand{
		Email:      email,
		Password:   req.Password,
		RememberMe: req.RememberMe != nil && *req.RememberMe,
		Device:     device,
	}, nil
}

func parseRefresh(req refreshRequest, device DeviceInfo) (RefreshCommand, error) {
	verr := &ValidationError{}
	token := strings.TrimSpace(req.RefreshToken)
	if len(token) < minRefreshTokenLength || len(token) > maxTokenLength {
		verr.add("refreshToken", "invalid refresh token")
	}
	if err := verr.orNil(); err != nil {
		return RefreshCommand{}, err
	}
	return RefreshCommand{RefreshToken: token, Device: device}, nil
}

func parseForgotPassword(req forgotPasswordRequest) (ForgotPasswordCommand, error) {
	verr := &ValidationError{}
	email := normalizeEmail(req.Email, "email", verr)
	if err := verr.orNil(); err != nil {
		return ForgotPasswordCommand{}, err
	}
	return ForgotPasswordCommand{Email: email}, nil
}

func parseResetPassword(req resetPasswordRequest, device DeviceInfo) (ResetPasswordCommand, error) {
	verr := &ValidationError{}
	token := strings.TrimSpace(req.Token)
	if token == "" {
		verr.add("token", "token is required")
	} else if len(token) > maxTokenLength {
		verr.add("token", "token is too long")
	}
	checkNewPassword(req.Password, "password", verr)
	if req.Password != req.ConfirmPassword {
		verr.add("confirmPassword", "passwords do not match")
	}
	if err := verr.orNil(); err != nil {
		return ResetPasswordCommand{}, err
	}
	return ResetPasswordCommand{Token: token, Password: req.Password, Device: device}, nil
}

func parseChangePassword(req changePasswordRequest, device DeviceInfo) (ChangePasswordCommand, error) {
	verr := &ValidationError{}
	if req.CurrentPassword == "" {
		verr.add("currentPassword", "current password is required")
	}
	checkNewPassword(req.NewPassword, "newPassword", verr)
	if err := verr.orNil(); err != nil {
		return ChangePasswordCommand{}, err
	}
	return ChangePasswordCommand{
		CurrentPassword: req.CurrentPassword,
		NewPassword:     req.NewPassword,
		Device:          device,
	}, nil
}

func parseRole(req updateRoleRequest) (string, error) {
	switch req.Role {
	case RoleUser, RoleAdmin:
		return req.Role, nil
	default:
		return "", &ValidationError{Fields: []FieldError{{Field: "role", Message: "role must be ROLE_USER or ROLE_ADMIN"}}}
	}
}

func normalizeEmail(raw, field string, verr *ValidationError) string {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		verr.add(field, "email is required")
		return ""
	}
	if len(email) > maxEmailLength {
		verr.add(field, "email is too long")
		return ""
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || !strings.Contains(email[strings.LastIndex(email, "@")+1:], ".") {
		verr.add(field, "invalid email")
		return ""
	}
	return email
}

func checkNewPassword(password, field string, verr *ValidationError) {
	if len(password) < minPasswordLength {
		verr.add(field, "password must be at least 8 characters")
		return
	}
	if len(password) > maxPasswordLength {
		verr.add(field, "password must be at most 128 characters")
		return
	}

	var lower, upper, digit bool
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if !lower || !upper || !digit {
		verr.add(field, "password must contain a lowercase letter, an uppercase letter and a digit")
	}
}
