// Package notify delivers password reset links.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"net/url"
	"strings"
	"time"

	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/config"
	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/models"
)

// Notifier delivers a raw reset token to the account owner.
type Notifier interface {
	SendPasswordReset(ctx context.Context, user *models.User, token string, expiresAt time.Time) error
}

// ResetLink appends the token to base as a path segment.
func ResetLink(base, token string) string {
	return strings.TrimRight(base, "/") + "/" + url.PathEscape(token)
}

// LogNotifier writes reset links to the application log. Used when no SMTP
// server is configured.
type LogNotifier struct {
	baseURL string
}

func NewLogNotifier(baseURL string) *LogNotifier {
	return &LogNotifier{baseURL: baseURL}
}

func (n *LogNotifier) SendPasswordReset(_ context.Context, user *models.User, token string, expiresAt time.Time) error {
	slog.Info("password reset link issued",
		"user_id", user.ID,
		"link", ResetLink(n.baseURL, token),
		"expires_at", expiresAt.Format(time.RFC3339),
	)
	return nil
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPNotifier mails the reset link to the account email.
type SMTPNotifier struct {
	addr     string
	from     string
	auth     smtp.Auth
	baseURL  string
	sendMail sendMailFunc
}

func NewSMTPNotifier(cfg *config.Config) *SMTPNotifier {
	var auth smtp.Auth
	if cfg.SMTPUser != "" {
		auth = smtp.PlainAuth("", cfg.SMTPUser, cfg.SMTPPassword, cfg.SMTPHost)
	}
	return &SMTPNotifier{
		addr:     net.JoinHostPort(cfg.SMTPHost, cfg.SMTPPort),
		from:     cfg.SMTPFrom,
		auth:     auth,
		baseURL:  cfg.ResetURLBase,
		sendMail: smtp.SendMail,
	}
}

func (n *SMTPNotifier) SendPasswordReset(_ context.Context, user *models.User, token string, expiresAt time.Time) error {
	msg := buildResetMessage(n.from, user.Email, ResetLink(n.baseURL, token), expiresAt)
	if err := n.sendMail(n.addr, n.auth, n.from, []string{user.Email}, msg); err != nil {
		return fmt.Errorf("failed to send reset email: %w", err)
	}
	return nil
}

func buildResetMessage(from, to, link string, expiresAt time.Time) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: Reset your password\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString("A password reset was requested for your account.\r\n\r\n")
	b.WriteString("Open this link to choose a new password:\r\n")
	b.WriteString(link + "\r\n\r\n")
	b.WriteString("The link expires at " + expiresAt.UTC().Format(time.RFC1123) + ".\r\n")
	b.WriteString("If you did not request this, you can ignore this email.\r\n")
	return []byte(b.String())
}

// FromConfig picks SMTP delivery when SMTP_HOST is set, otherwise logging.
func FromConfig(cfg *config.Config) Notifier {
	if cfg.SMTPHost != "" {
		return NewSMTPNotifier(cfg)
	}
	return NewLogNotifier(cfg.ResetURLBase)
}
