// Package telemetry builds the daemon's structured logger.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/tasktracker/internal/shared"
)

const redacted = "[REDACTED]"

// NewLogger opens <homeDir>/logs/system.jsonl and returns a JSON logger that
// writes to it, and to stdout unless quiet. The config watcher adjusts the
// returned LevelVar at runtime.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, *slog.LevelVar, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, nil, err
	}
	file, err := os.OpenFile(filepath.Join(logDir, "system.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, nil, err
	}

	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stdout, file)
	}
	lvl := new(slog.LevelVar)
	lvl.Set(ParseLevel(level))
	return newLogger(w, lvl), lvl, file, nil
}

func newLogger(w io.Writer, lvl slog.Leveler) *slog.Logger {
	json := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       lvl,
		ReplaceAttr: scrub,
	})
	return slog.New(contextHandler{json}).With("component", "runtime")
}

// contextHandler stamps every record with the request identity carried in
// ctx: trace_id always ("-" outside a request), origin and recipient_id
// when set. Use the *Context logging methods to get them.
type contextHandler struct {
	slog.Handler
}

func (h contextHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(slog.String("trace_id", shared.TraceID(ctx)))
	if origin := shared.Origin(ctx); origin != "" {
		r.AddAttrs(slog.String("origin", origin))
	}
	if rid := shared.RecipientID(ctx); rid != 0 {
		r.AddAttrs(slog.Int64("recipient_id", rid))
	}
	return h.Handler.Handle(ctx, r)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextHandler{h.Handler.WithAttrs(attrs)}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{h.Handler.WithGroup(name)}
}

// scrub renames the time key and blanks anything that looks like a
// credential, by key name or by value.
func scrub(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
		return a
	}
	if sensitiveKey(a.Key) {
		return slog.String(a.Key, redacted)
	}
	if a.Value.Kind() != slog.KindString {
		return a
	}
	v := a.Value.String()
	if strings.Contains(strings.ToLower(v), "authorization:") {
		return slog.String(a.Key, redacted)
	}
	if clean := shared.Redact(v); clean != v {
		return slog.String(a.Key, clean)
	}
	return a
}

func sensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	for _, token := range []string{"token", "secret", "password", "authorization", "cookie", "session"} {
		if lower != "" && strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

// ParseLevel maps a config level name to a slog level; unknown names are info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
