// Package audit records security-relevant events: grants issued, tokens
// revoked, replay detections. Events are best-effort; a failure to record
// never fails the request that produced it.
package audit

import (
	"context"
	"log/slog"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
)

// Logger is the interface for recording security events.
type Logger interface {
	Log(ctx context.Context, action string, params Params)
}

// Params encapsulates optional fields for an audit event.
type Params struct {
	ActorID  uuid.UUID
	ClientID string
	Metadata map[string]any
}

// SlogLogger implements Logger on the structured log stream. Alert-grade
// events (action prefix "security.") are additionally captured in Sentry.
type SlogLogger struct {
	logger *slog.Logger
}

func NewSlogLogger(logger *slog.Logger) *SlogLogger {
	return &SlogLogger{logger: logger}
}

func (l *SlogLogger) Log(ctx context.Context, action string, params Params) {
	attrs := []any{"action", action}
	if params.ActorID != uuid.Nil {
		attrs = append(attrs, "actor_id", params.ActorID)
	}
	if params.ClientID != "" {
		attrs = append(attrs, "client_id", params.ClientID)
	}
	for k, v := range params.Metadata {
		attrs = append(attrs, k, v)
	}
	l.logger.InfoContext(ctx, "audit_event", attrs...)

	if len(action) > 9 && action[:9] == "security." {
		if hub := sentry.GetHubFromContext(ctx); hub != nil {
			hub.CaptureMessage(action)
		} else {
			sentry.CaptureMessage(action)
		}
	}
}

// Nop discards all events. Used by tests that do not assert on auditing.
type Nop struct{}

func (Nop) Log(context.Context, string, Params) {}
