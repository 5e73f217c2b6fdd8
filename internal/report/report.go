// Package report renders the daily digest of open tasks.
package report

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/basket/tasktracker/internal/persistence"
)

const (
	// EmptyMessage is sent when there are no open tasks.
	EmptyMessage = "📭 Нет открытых задач."
	header       = "📅 ЕЖЕДНЕВНЫЙ ОТЧЁТ — ОТКРЫТЫЕ ЗАДАЧИ:"
)

// Lister is satisfied by *persistence.Store and *lifecycle.Service.
type Lister interface {
	ListTasks(ctx context.Context, filter persistence.Filter) ([]persistence.Task, error)
}

// ListerFunc adapts a function to Lister.
type ListerFunc func(ctx context.Context, filter persistence.Filter) ([]persistence.Task, error)

func (f ListerFunc) ListTasks(ctx context.Context, filter persistence.Filter) ([]persistence.Task, error) {
	return f(ctx, filter)
}

type Generator struct {
	Tasks Lister
	// Now defaults to time.Now.
	Now func() time.Time
}

func NewGenerator(tasks Lister) *Generator {
	return &Generator{Tasks: tasks, Now: time.Now}
}

// Generate builds the report text. The digest is the same for every
// recipient; recipientID is accepted so per-chat content can be added
// without changing the scheduler contract.
func (g *Generator) Generate(ctx context.Context, recipientID int64) (string, error) {
	tasks, err := g.Tasks.ListTasks(ctx, persistence.FilterOpen)
	if err != nil {
		return "", fmt.Errorf("list open tasks for %d: %w", recipientID, err)
	}
	return Render(tasks, g.now()), nil
}

func (g *Generator) now() time.Time {
	if g.Now == nil {
		return time.Now()
	}
	return g.Now()
}

// Render formats tasks as of now. Tasks are rendered in the order given.
func Render(tasks []persistence.Task, now time.Time) string {
	if len(tasks) == 0 {
		return EmptyMessage
	}
	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\n\n")
	for _, t := range tasks {
		fmt.Fprintf(&b, "ID: %d | %s\nВисит: %s\n\n", t.ID, t.Description, FormatAge(now.Sub(t.CreatedAt)))
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatAge renders how long a task has been open: whole days once it is
// at least 24h old, whole hours before that. Negative ages clamp to 0.
func FormatAge(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d >= 24*time.Hour {
		return fmt.Sprintf("%d дн.", int64(d/(24*time.Hour)))
	}
	return fmt.Sprintf("%d ч.", int64(d/time.Hour))
}
