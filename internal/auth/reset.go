package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"blog-auth/internal/observability"
)

// ForgotPassword issues a reset token when the account exists and mails it in
// the background. The caller cannot tell from the outcome whether the account
// exists: unknown emails return nil.
func (s *Service) ForgotPassword(ctx context.Context, cmd ForgotPasswordCommand) error {
	user, err := s.store.GetUserByEmail(ctx, cmd.Email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			s.metrics.PasswordReset("request", "unknown_email")
			return nil
		}
		s.metrics.PasswordReset("request", "error")
		return err
	}

	raw, err := randomToken(resetTokenBytes)
	if err != nil {
		return fmt.Errorf("generate reset token: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate reset token id: %w", err)
	}

	now := s.now()
	token := PasswordResetToken{
		ID:        id.String(),
		UserID:    user.ID,
		TokenHash: hashToken(raw),
		ExpiresAt: now.Add(s.resetTTL),
		CreatedAt: now,
	}
	if err := s.store.CreatePasswordReset(ctx, token); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			s.metrics.PasswordReset("request", "unknown_email")
			return nil
		}
		s.metrics.PasswordReset("request", "error")
		return err
	}

	s.metrics.PasswordReset("request", "issued")
	s.deliverReset(ctx, user.ID, user.Email, raw, token.ExpiresAt)
	return nil
}

func (s *Service) deliverReset(ctx context.Context, userID, email, raw string, expiresAt time.Time) {
	if s.mailer == nil {
		return
	}

	detached := context.WithoutCancel(ctx)
	s.dispatch(func() {
		sendCtx, cancel := context.WithTimeout(detached, s.mailTimeout)
		defer cancel()

		if err := s.mailer.SendPasswordReset(sendCtx, email, raw, expiresAt); err != nil {
			s.metrics.PasswordReset("delivery", "failed")
			s.logger.Error("password_reset_delivery_failed", map[string]any{
				"user_id":    userID,
				"request_id": observability.RequestIDFrom(detached),
				"error":      err.Error(),
			})
			observability.CaptureError(detached, err)
			return
		}
		s.metrics.PasswordReset("delivery", "sent")
	})
}

// ResetPassword spends a reset token, replaces the password, revokes every
// refresh record of the owner and signs the owner in with a short session.
func (s *Service) ResetPassword(ctx context.Context, cmd ResetPasswordCommand) (Session, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(cmd.Password), s.bcryptCost)
	if err != nil {
		return Session{}, fmt.Errorf("hash password: %w", err)
	}

	userID, revoked, err := s.store.ConsumePasswordReset(ctx, hashToken(cmd.Token), string(hash), s.now())
	if err != nil {
		if errors.Is(err, ErrInvalidResetToken) {
			s.metrics.PasswordReset("complete", "invalid_token")
		}
		return Session{}, err
	}

	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}

	s.metrics.PasswordReset("complete", "success")
	s.logger.Info("password_reset_completed", map[string]any{"user_id": user.ID, "revoked_sessions": revoked})
	return s.issueSession(ctx, user, false, cmd.Device)
}
