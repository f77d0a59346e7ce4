package auth

import (
	"context"
	"errors"

	"blog-auth/internal/observability"
)

// Refresh exchanges an Active refresh token for a new pair and retires the
// presented one. Every rejection surfaces as ErrInvalidRefreshToken; records
// that fail verification are revoked on the way out.
func (s *Service) Refresh(ctx context.Context, cmd RefreshCommand) (Session, error) {
	now := s.now()

	record, err := s.store.GetRefreshTokenByHash(ctx, hashToken(cmd.RefreshToken))
	if err != nil {
		if errors.Is(err, ErrInvalidRefreshToken) {
			s.metrics.Refresh("unknown")
		}
		return Session{}, err
	}

	if record.Rotated() {
		s.metrics.Refresh("reuse_detected")
		s.logger.Warn("refresh_token_reuse_detected", map[string]any{
			"user_id":    record.UserID,
			"refresh_id": record.ID,
			"ip":         cmd.Device.IP,
		})
		return Session{}, s.reject(ctx, record, "reuse")
	}
	if record.Revoked {
		s.metrics.Refresh("revoked")
		return Session{}, ErrInvalidRefreshToken
	}
	if !now.Before(record.ExpiresAt) {
		s.metrics.Refresh("expired")
		return Session{}, ErrInvalidRefreshToken
	}

	identity, err := s.issuer.VerifyRefresh(cmd.RefreshToken)
	if err != nil {
		s.metrics.Refresh("invalid_signature")
		return Session{}, s.reject(ctx, record, "verification_failed")
	}
	if identity.UserID != record.UserID {
		s.metrics.Refresh("subject_mismatch")
		return Session{}, s.reject(ctx, record, "subject_mismatch")
	}

	user, err := s.store.GetUserByID(ctx, record.UserID)
	if err != nil {
		if !errors.Is(err, ErrUserNotFound) {
			return Session{}, err
		}
		s.metrics.Refresh("user_missing")
		return Session{}, s.reject(ctx, record, "user_missing")
	}
	if user.PasswordChangedAt != nil && user.PasswordChangedAt.After(record.IssuedAt) {
		s.metrics.Refresh("password_changed")
		return Session{}, s.reject(ctx, record, "password_changed")
	}

	session, next, err := s.mint(user, record.RememberMe, DeviceInfo{UserAgent: record.UserAgent, IP: record.IP}, now)
	if err != nil {
		return Session{}, err
	}

	if err := s.store.RotateRefreshToken(ctx, record.ID, next, now); err != nil {
		if errors.Is(err, errRefreshNotActive) {
			s.metrics.Refresh("race_lost")
			return Session{}, ErrInvalidRefreshToken
		}
		return Session{}, err
	}

	s.metrics.Refresh("success")
	return session, nil
}

// reject revokes record and returns the error the caller sees. A failing
// revoke is reported but does not change the answer.
func (s *Service) reject(ctx context.Context, record RefreshTokenRecord, reason string) error {
	if err := s.store.RevokeRefreshToken(ctx, record.ID); err != nil {
		s.logger.Error("refresh_token_revoke_failed", map[string]any{
			"refresh_id": record.ID,
			"reason":     reason,
			"error":      err.Error(),
		})
		observability.CaptureError(ctx, err)
	}

	return ErrInvalidRefreshToken
}
