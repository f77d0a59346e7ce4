// Package mail delivers password reset links through a pluggable transport.
package mail

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// PasswordReset is everything a transport needs to tell a user how to reset
// their password.
type PasswordReset struct {
	To        string    `json:"to"`
	Link      string    `json:"link"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type Transport interface {
	Deliver(ctx context.Context, msg PasswordReset) error
}

// Sender turns a raw reset token into a front end link and hands it to the
// transport.
type Sender struct {
	transport Transport
	resetURL  *url.URL
}

func NewSender(transport Transport, frontendResetURL string) (*Sender, error) {
	if transport == nil {
		return nil, errors.New("mail transport is required")
	}

	parsed, err := url.Parse(frontendResetURL)
	if err != nil {
		return nil, fmt.Errorf("parse reset url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("reset url must be http or https, got %q", frontendResetURL)
	}

	return &Sender{transport: transport, resetURL: parsed}, nil
}

func (s *Sender) SendPasswordReset(ctx context.Context, to, token string, expiresAt time.Time) error {
	if err := s.transport.Deliver(ctx, PasswordReset{
		To:        to,
		Link:      s.link(token),
		ExpiresAt: expiresAt,
	}); err != nil {
		return fmt.Errorf("deliver password reset: %w", err)
	}

	return nil
}

func (s *Sender) link(token string) string {
	link := *s.resetURL
	query := link.Query()
	query.Set("token", token)
	link.RawQuery = query.Encode()
	return link.String()
}
