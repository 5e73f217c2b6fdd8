package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type originKey struct{}
type recipientKey struct{}

// Origins name the front-end a mutation came through. They end up in audit
// records and log lines.
const (
	OriginTelegram = "telegram"
	OriginWeb      = "web"
	OriginTUI      = "tui"
	OriginCron     = "cron"
	OriginCLI      = "cli"
)

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithOrigin attaches the calling front-end to the context.
func WithOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, originKey{}, origin)
}

// Origin extracts the calling front-end. Returns "" if absent.
func Origin(ctx context.Context) string {
	if v, ok := ctx.Value(originKey{}).(string); ok {
		return v
	}
	return ""
}

// WithRecipientID attaches the chat the request belongs to.
func WithRecipientID(ctx context.Context, recipientID int64) context.Context {
	return context.WithValue(ctx, recipientKey{}, recipientID)
}

// RecipientID extracts the chat id (0 if absent).
func RecipientID(ctx context.Context) int64 {
	if v, ok := ctx.Value(recipientKey{}).(int64); ok {
		return v
	}
	return 0
}

// NewRequestContext returns ctx tagged with origin and a fresh trace id.
func NewRequestContext(ctx context.Context, origin string) context.Context {
	return WithTraceID(WithOrigin(ctx, origin), NewTraceID())
}
