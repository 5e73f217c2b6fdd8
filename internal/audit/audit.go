// Package audit keeps an append-only JSONL trail of task mutations and
// dashboard logins under <home>/logs/audit.jsonl.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/tasktracker/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
	Outcome   string `json:"outcome"`
	TaskID    int64  `json:"task_id,omitempty"`
	Recipient int64  `json:"recipient_id,omitempty"`
	Origin    string `json:"origin,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// Log is safe for concurrent use. A nil *Log discards records.
type Log struct {
	mu  sync.Mutex
	w   io.Writer
	c   io.Closer
	now func() time.Time
}

// Open creates (or appends to) <homeDir>/logs/audit.jsonl.
func Open(homeDir string) (*Log, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{w: f, c: f, now: time.Now}, nil
}

// New wraps an arbitrary writer, mostly for tests.
func New(w io.Writer) *Log {
	return &Log{w: w, now: time.Now}
}

func (l *Log) Close() error {
	if l == nil || l.c == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.c.Close()
	l.c = nil
	l.w = nil
	return err
}

// Record appends one entry. Origin, recipient and trace id come from ctx; detail is
// redacted before it is written.
func (l *Log) Record(ctx context.Context, action, outcome string, taskID int64, detail string) {
	if l == nil {
		return
	}
	ev := entry{
		Action:    action,
		Outcome:   outcome,
		TaskID:    taskID,
		Recipient: shared.RecipientID(ctx),
		Origin:    shared.Origin(ctx),
		Detail:    shared.Redact(detail),
	}
	if tid := shared.TraceID(ctx); tid != "-" {
		ev.TraceID = tid
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.w == nil {
		return
	}
	ev.Timestamp = l.now().UTC().Format(time.RFC3339Nano)
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = l.w.Write(append(b, '\n'))
}
