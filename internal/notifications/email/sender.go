// Package email provides email notification sending via SMTP.
package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/bissquit/tenant-notify/internal/domain"
	"github.com/bissquit/tenant-notify/internal/notifications"
	"github.com/google/uuid"
)

// ErrDisabled is returned by Send when the sender is switched off.
var ErrDisabled = errors.New("email sender is disabled")

// Config holds email sender configuration.
type Config struct {
	Enabled      bool
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	FromAddress  string
	// RequireTLS fails the send when the server does not offer STARTTLS.
	RequireTLS  bool
	DialTimeout time.Duration
}

// Sender implements email notification sender via SMTP.
type Sender struct {
	config Config
	auth   smtp.Auth
	from   *mail.Address
	now    func() time.Time
}

// NewSender creates a new email sender.
// Returns error if enabled but required config is missing.
func NewSender(config Config) (*Sender, error) {
	if config.Enabled {
		if config.SMTPHost == "" {
			return nil, errors.New("email sender: SMTP host is required when enabled")
		}
		if config.FromAddress == "" {
			return nil, errors.New("email sender: from address is required when enabled")
		}
	}

	if config.SMTPPort == 0 {
		config.SMTPPort = 587
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = 10 * time.Second
	}

	var from *mail.Address
	if config.FromAddress != "" {
		addr, err := mail.ParseAddress(config.FromAddress)
		if err != nil {
			return nil, fmt.Errorf("email sender: invalid from address: %w", err)
		}
		from = addr
	}

	var auth smtp.Auth
	if config.SMTPUser != "" && config.SMTPPassword != "" {
		auth = smtp.PlainAuth("", config.SMTPUser, config.SMTPPassword, config.SMTPHost)
	}

	slog.Info("email sender configured",
		"enabled", config.Enabled,
		"smtp_host", config.SMTPHost,
		"smtp_port", config.SMTPPort,
		"from_address", config.FromAddress,
		"require_tls", config.RequireTLS,
	)

	return &Sender{
		config: config,
		auth:   auth,
		from:   from,
		now:    time.Now,
	}, nil
}

// Channel returns the delivery channel.
func (s *Sender) Channel() domain.Channel {
	return domain.ChannelEmail
}

// Send delivers one message and returns its Message-ID.
func (s *Sender) Send(ctx context.Context, msg notifications.Message) (string, error) {
	if !s.config.Enabled {
		return "", notifications.NewNonRetryableError(ErrDisabled)
	}

	to, err := mail.ParseAddress(msg.To)
	if err != nil {
		return "", notifications.NewNonRetryableError(fmt.Errorf("invalid recipient: %w", err))
	}

	messageID := s.newMessageID()
	body, err := s.buildMessage(messageID, to, msg)
	if err != nil {
		return "", notifications.NewNonRetryableError(fmt.Errorf("build message: %w", err))
	}

	if err := s.deliver(ctx, to.Address, body); err != nil {
		return "", classify(err)
	}

	slog.Debug("email sent", "message_id", messageID)
	return messageID, nil
}

func (s *Sender) newMessageID() string {
	domainPart := "localhost"
	if s.from != nil {
		if at := strings.LastIndex(s.from.Address, "@"); at != -1 {
			domainPart = s.from.Address[at+1:]
		}
	}
	return uuid.NewString() + "@" + domainPart
}

// buildMessage renders a multipart/alternative message with a text part and,
// when present, an HTML part.
func (s *Sender) buildMessage(messageID string, to *mail.Address, msg notifications.Message) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	headers := []struct{ key, value string }{
		{"From", s.from.String()},
		{"To", to.String()},
		{"Subject", mime.QEncoding.Encode("utf-8", msg.Subject)},
		{"Date", s.now().Format(time.RFC1123Z)},
		{"Message-ID", "<" + messageID + ">"},
		{"MIME-Version", "1.0"},
		{"Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", mw.Boundary())},
	}

	var out bytes.Buffer
	for _, h := range headers {
		fmt.Fprintf(&out, "%s: %s\r\n", h.key, h.value)
	}
	out.WriteString("\r\n")

	if err := writePart(mw, "text/plain; charset=utf-8", msg.Text); err != nil {
		return nil, err
	}
	if msg.HTML != "" {
		if err := writePart(mw, "text/html; charset=utf-8", msg.HTML); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	out.Write(buf.Bytes())
	return out.Bytes(), nil
}

func writePart(mw *multipart.Writer, contentType, content string) error {
	header := textproto.MIMEHeader{}
	header.Set("Content-Type", contentType)
	header.Set("Content-Transfer-Encoding", "quoted-printable")

	pw, err := mw.CreatePart(header)
	if err != nil {
		return fmt.Errorf("create part: %w", err)
	}

	qp := quotedprintable.NewWriter(pw)
	if _, err := qp.Write([]byte(content)); err != nil {
		return fmt.Errorf("write part: %w", err)
	}
	return qp.Close()
}

// deliver sends the message over SMTP, upgrading with STARTTLS when offered.
func (s *Sender) deliver(ctx context.Context, rcpt string, msg []byte) error {
	addr := net.JoinHostPort(s.config.SMTPHost, fmt.Sprint(s.config.SMTPPort))

	dialer := &net.Dialer{Timeout: s.config.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, s.config.SMTPHost)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if ok, _ := client.Extension("STARTTLS"); ok {
		tlsConfig := &tls.Config{
			ServerName: s.config.SMTPHost,
			MinVersion: tls.VersionTLS12,
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	} else if s.config.RequireTLS {
		return notifications.NewNonRetryableError(errors.New("smtp server does not support STARTTLS"))
	}

	if s.auth != nil {
		if err := client.Auth(s.auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := client.Mail(s.from.Address); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := client.Rcpt(rcpt); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close data: %w", err)
	}

	return client.Quit()
}

// classify marks SMTP failures as retryable or permanent.
// 4xx replies and network errors are transient; 5xx replies are permanent
// except 552 (mailbox full).
func classify(err error) error {
	var classified *notifications.RetryableError
	if errors.As(err, &classified) {
		return err
	}

	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		switch {
		case tpErr.Code >= 400 && tpErr.Code < 500, tpErr.Code == 552:
			return notifications.NewRetryableError(err)
		default:
			return notifications.NewNonRetryableError(err)
		}
	}

	return notifications.NewRetryableError(err)
}
