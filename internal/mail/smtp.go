package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"html/template"
	"mime/multipart"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const resetSubject = "Reset your password"

var resetHTML = template.Must(template.New("reset").Parse(`<p>You asked to reset your password.</p>
<p><a href="{{.Link}}">Choose a new password</a> (valid until {{.Expires}}).</p>
<p>If you did not ask for this, you can ignore this email.</p>
`))

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPTransport talks to a relay directly. STARTTLS is used whenever the
// relay offers it; credentials are only sent when configured.
type SMTPTransport struct {
	cfg    SMTPConfig
	from   *mail.Address
	dialer net.Dialer
	now    func() time.Time
}

func NewSMTPTransport(cfg SMTPConfig) (*SMTPTransport, error) {
	from, err := mail.ParseAddress(cfg.From)
	if err != nil {
		return nil, fmt.Errorf("parse MAIL_FROM: %w", err)
	}
	if cfg.Host == "" || cfg.Port <= 0 {
		return nil, fmt.Errorf("smtp host and port are required")
	}

	return &SMTPTransport{
		cfg:    cfg,
		from:   from,
		dialer: net.Dialer{Timeout: 10 * time.Second},
		now:    time.Now,
	}, nil
}

func (t *SMTPTransport) Deliver(ctx context.Context, msg PasswordReset) error {
	body, err := t.compose(msg)
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
	conn, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, t.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: t.cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
			return fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if t.cfg.Username != "" {
		if err := client.Auth(smtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(t.from.Address); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := client.Rcpt(msg.To); err != nil {
		return fmt.Errorf("smtp rcpt to: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return fmt.Errorf("smtp write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp end data: %w", err)
	}

	return client.Quit()
}

func (t *SMTPTransport) compose(msg PasswordReset) ([]byte, error) {
	to, err := mail.ParseAddress(msg.To)
	if err != nil {
		return nil, fmt.Errorf("parse recipient: %w", err)
	}

	var parts bytes.Buffer
	writer := multipart.NewWriter(&parts)
	expires := msg.ExpiresAt.UTC().Format("15:04 MST")

	text, err := writer.CreatePart(textproto.MIMEHeader{"Content-Type": {"text/plain; charset=UTF-8"}})
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(text, "You asked to reset your password.\r\nOpen the link below (valid until %s):\r\n%s\r\n\r\nIf you did not ask for this, you can ignore this email.\r\n", expires, msg.Link)

	html, err := writer.CreatePart(textproto.MIMEHeader{"Content-Type": {"text/html; charset=UTF-8"}})
	if err != nil {
		return nil, err
	}
	if err := resetHTML.Execute(html, map[string]string{"Link": msg.Link, "Expires": expires}); err != nil {
		return nil, fmt.Errorf("render reset mail: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	fmt.Fprintf(&out, "From: %s\r\n", t.from.String())
	fmt.Fprintf(&out, "To: %s\r\n", to.String())
	fmt.Fprintf(&out, "Subject: %s\r\n", resetSubject)
	fmt.Fprintf(&out, "Date: %s\r\n", t.now().Format(time.RFC1123Z))
	fmt.Fprintf(&out, "Message-ID: <%s@%s>\r\n", uuid.NewString(), t.cfg.Host)
	out.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&out, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", writer.Boundary())
	out.Write(parts.Bytes())

	return out.Bytes(), nil
}
