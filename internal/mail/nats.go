package mail

import (
	"context"
	"fmt"
)

type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// ResetRequested is the event an external mailer consumes.
type ResetRequested struct {
	Type string `json:"type"`
	PasswordReset
}

// NATSTransport hands the reset link to a mailer service over JetStream.
type NATSTransport struct {
	publisher Publisher
	subject   string
}

func NewNATSTransport(publisher Publisher, subject string) *NATSTransport {
	return &NATSTransport{publisher: publisher, subject: subject}
}

func (t *NATSTransport) Deliver(ctx context.Context, msg PasswordReset) error {
	event := ResetRequested{Type: "password_reset_requested", PasswordReset: msg}
	if err := t.publisher.Publish(ctx, t.subject, event); err != nil {
		return fmt.Errorf("publish %s: %w", t.subject, err)
	}
	return nil
}
