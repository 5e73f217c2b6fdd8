// Package lifecycle is the single entry point for task mutations. Every
// front-end (Telegram, dashboard, TUI) goes through Service so that the
// bus, audit log and metrics see the same stream of changes.
package lifecycle

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/tasktracker/internal/audit"
	"github.com/basket/tasktracker/internal/bus"
	otelx "github.com/basket/tasktracker/internal/otel"
	"github.com/basket/tasktracker/internal/persistence"
	"github.com/basket/tasktracker/internal/shared"
)

// TaskStore is the subset of *persistence.Store the service needs.
type TaskStore interface {
	CreateTask(ctx context.Context, description string) (*persistence.Task, error)
	GetTask(ctx context.Context, id int64) (*persistence.Task, error)
	ListTasks(ctx context.Context, filter persistence.Filter) ([]persistence.Task, error)
	UpdateDescription(ctx context.Context, id int64, description string) (*persistence.Task, error)
	CloseTask(ctx context.Context, id int64, hours float64) (*persistence.Task, error)
	DeleteTask(ctx context.Context, id int64) error
	Stats(ctx context.Context) (persistence.Stats, error)
}

// Result is a successful mutation plus the confirmation shown to the user.
type Result struct {
	Task    *persistence.Task `json:"task"`
	Message string            `json:"message"`
}

type Service struct {
	store   TaskStore
	bus     *bus.Bus
	audit   *audit.Log
	tracer  trace.Tracer
	metrics *otelx.Metrics
	logger  *slog.Logger
}

type Option func(*Service)

func WithBus(b *bus.Bus) Option { return func(s *Service) { s.bus = b } }

func WithAudit(l *audit.Log) Option { return func(s *Service) { s.audit = l } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithTelemetry sets the tracer and metric instruments. Either may be nil.
func WithTelemetry(tracer trace.Tracer, m *otelx.Metrics) Option {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
		s.metrics = m
	}
}

func New(store TaskStore, opts ...Option) *Service {
	s := &Service{
		store:  store,
		tracer: nooptrace.NewTracerProvider().Tracer(otelx.TracerName),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add creates an open task.
func (s *Service) Add(ctx context.Context, description string) (Result, error) {
	ctx, span := otelx.StartSpan(ctx, s.tracer, "lifecycle.add", otelx.AttrOrigin.String(shared.Origin(ctx)))
	task, err := s.store.CreateTask(ctx, description)
	otelx.EndSpan(span, err)
	if err != nil {
		s.fail(ctx, "create", 0, err)
		return Result{}, err
	}
	s.succeed(ctx, "create", bus.TopicTaskCreated, task, task.Description)
	return Result{Task: task, Message: addedMessage(task)}, nil
}

func (s *Service) List(ctx context.Context, filter persistence.Filter) ([]persistence.Task, error) {
	return s.store.ListTasks(ctx, filter)
}

func (s *Service) Get(ctx context.Context, id int64) (*persistence.Task, error) {
	return s.store.GetTask(ctx, id)
}

// Close parses timeSpent as hours and closes the task. Parse failures are
// reported before the store is touched.
func (s *Service) Close(ctx context.Context, id int64, timeSpent string) (Result, error) {
	hours, err := ParseHours(timeSpent)
	if err != nil {
		s.fail(ctx, "close", id, err)
		return Result{}, err
	}
	return s.CloseHours(ctx, id, hours)
}

// CloseHours closes the task with an already-parsed hour count. Of several
// concurrent closes of one task exactly one succeeds; the rest get
// persistence.ErrAlreadyClosed.
func (s *Service) CloseHours(ctx context.Context, id int64, hours float64) (Result, error) {
	ctx, span := otelx.StartSpan(ctx, s.tracer, "lifecycle.close",
		otelx.AttrTaskID.Int64(id), otelx.AttrOrigin.String(shared.Origin(ctx)))
	task, err := s.store.CloseTask(ctx, id, hours)
	otelx.EndSpan(span, err)
	if err != nil {
		s.fail(ctx, "close", id, err)
		return Result{}, err
	}
	s.metrics.TaskClosed(ctx, hours)
	s.succeed(ctx, "close", bus.TopicTaskClosed, task, FormatHours(hours)+"h")
	return Result{Task: task, Message: closedMessage(task)}, nil
}

// Edit replaces the description of an open or closed task.
func (s *Service) Edit(ctx context.Context, id int64, description string) (Result, error) {
	ctx, span := otelx.StartSpan(ctx, s.tracer, "lifecycle.edit",
		otelx.AttrTaskID.Int64(id), otelx.AttrOrigin.String(shared.Origin(ctx)))
	task, err := s.store.UpdateDescription(ctx, id, description)
	otelx.EndSpan(span, err)
	if err != nil {
		s.fail(ctx, "edit", id, err)
		return Result{}, err
	}
	s.succeed(ctx, "edit", bus.TopicTaskUpdated, task, task.Description)
	return Result{Task: task, Message: editedMessage(task)}, nil
}

// Delete removes the task and echoes the removed description.
func (s *Service) Delete(ctx context.Context, id int64) (Result, error) {
	ctx, span := otelx.StartSpan(ctx, s.tracer, "lifecycle.delete",
		otelx.AttrTaskID.Int64(id), otelx.AttrOrigin.String(shared.Origin(ctx)))
	task, err := s.store.GetTask(ctx, id)
	if err == nil {
		err = s.store.DeleteTask(ctx, id)
	}
	otelx.EndSpan(span, err)
	if err != nil {
		s.fail(ctx, "delete", id, err)
		return Result{}, err
	}
	s.succeed(ctx, "delete", bus.TopicTaskDeleted, task, task.Description)
	return Result{Task: task, Message: deletedMessage(task.Description)}, nil
}

func (s *Service) Stats(ctx context.Context) (persistence.Stats, error) {
	return s.store.Stats(ctx)
}

func (s *Service) succeed(ctx context.Context, op, topic string, task *persistence.Task, detail string) {
	origin := shared.Origin(ctx)
	s.metrics.TaskMutation(ctx, op, origin)
	s.audit.Record(ctx, op, "ok", task.ID, detail)
	s.bus.Publish(topic, bus.TaskEvent{
		TaskID:      task.ID,
		Description: task.Description,
		TimeSpent:   task.TimeSpent,
		Origin:      origin,
		TraceID:     shared.TraceID(ctx),
	})
	s.logger.InfoContext(ctx, "task "+op, "task_id", task.ID)
}

func (s *Service) fail(ctx context.Context, op string, id int64, err error) {
	outcome := Outcome(err)
	s.metrics.TaskError(ctx, op, outcome)
	s.audit.Record(ctx, op, outcome, id, err.Error())
	if outcome == "storage" {
		s.logger.ErrorContext(ctx, "task "+op+" failed", "task_id", id, "error", err)
		return
	}
	s.logger.DebugContext(ctx, "task "+op+" rejected", "task_id", id, "outcome", outcome)
}
