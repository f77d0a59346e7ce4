package auth

import (
	"errors"
	"time"
)

// Error classes. Every error returned by this package that is meant for the
// caller unwraps to exactly one of them.
var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrConflict        = errors.New("conflict")
	ErrNotFound        = errors.New("not found")
)

var (
	ErrInvalidCredentials  = newError(ErrUnauthenticated, "invalid credentials")
	ErrInvalidToken        = newError(ErrUnauthenticated, "invalid or expired token")
	ErrInvalidRefreshToken = newError(ErrUnauthenticated, "invalid refresh token")
	ErrInvalidResetToken   = newError(ErrUnauthenticated, "invalid or expired reset token")
	ErrAccountNotFound     = newError(ErrUnauthenticated, "account not found")
	ErrWrongPassword       = newError(ErrForbidden, "current password is incorrect")
	ErrInsufficientRole    = newError(ErrForbidden, "insufficient role")
	ErrEmailTaken          = newError(ErrConflict, "a user with this email already exists")
	ErrUserNotFound        = newError(ErrNotFound, "user not found")
)

// Error carries a caller-safe message on top of its class.
type Error struct {
	class   error
	message string
}

func newError(class error, message string) *Error {
	return &Error{class: class, message: message}
}

func (e *Error) Error() string {
	return e.message
}

func (e *Error) Unwrap() error {
	return e.class
}

type ErrLoginLocked struct {
	Until time.Time
}

func (e ErrLoginLocked) Error() string {
	return "login temporarily locked"
}

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned before any state is touched.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	return "validation failed: " + e.Fields[0].Field + ": " + e.Fields[0].Message
}

func (e *ValidationError) add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}
