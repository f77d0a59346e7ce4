package mail

import (
	"context"

	"blog-auth/internal/observability"
)

// LogTransport writes the reset link to the log instead of sending it. Only
// meant for local development.
type LogTransport struct {
	logger *observability.Logger
}

func NewLogTransport(logger *observability.Logger) *LogTransport {
	return &LogTransport{logger: logger}
}

func (t *LogTransport) Deliver(_ context.Context, msg PasswordReset) error {
	t.logger.Info("password_reset_mail", map[string]any{
		"to":         msg.To,
		"link":       msg.Link,
		"expires_at": msg.ExpiresAt,
	})
	return nil
}
