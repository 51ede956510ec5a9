// Package observability wires Sentry error tracking and security alerts.
package observability

import (
	"context"
	"strconv"
	"time"

	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/config"
	"github.com/ahmetcoskunkizilkaya/bms-backend/internal/services"
	"github.com/getsentry/sentry-go"
)

// InitSentry configures the global Sentry client. It reports false when no
// DSN is configured.
func InitSentry(cfg *config.Config) (bool, error) {
	if cfg.SentryDSN == "" {
		return false, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		EnableTracing:    true,
		TracesSampleRate: 0.2,
		Environment:      cfg.Env,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func Flush() {
	sentry.Flush(2 * time.Second)
}

// SentryReporter raises refresh token reuse as a Sentry warning event.
type SentryReporter struct {
	hub *sentry.Hub
}

// NewSentryReporter reports through hub, or the global hub when nil.
func NewSentryReporter(hub *sentry.Hub) *SentryReporter {
	return &SentryReporter{hub: hub}
}

func (r *SentryReporter) TokenReuseDetected(ctx context.Context, event services.ReuseEvent) {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = r.hub
	}
	if hub == nil {
		hub = sentry.CurrentHub()
	}

	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelWarning)
		scope.SetTag("security_event", "refresh_token_reuse")
		scope.SetUser(sentry.User{
			ID:        strconv.FormatUint(uint64(event.UserID), 10),
			IPAddress: event.IP,
		})
		scope.SetContext("token_reuse", sentry.Context{
			"token_family":   event.TokenFamily,
			"revoked_tokens": event.Revoked,
		})
		hub.CaptureMessage("refresh token reuse detected")
	})
}
