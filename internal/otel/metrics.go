package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the tasktracker instruments. A nil *Metrics records nothing.
type Metrics struct {
	TaskMutations   metric.Int64Counter
	TaskErrors      metric.Int64Counter
	TimeSpentHours  metric.Float64Histogram
	ReportsSent     metric.Int64Counter
	ReportFailures  metric.Int64Counter
	ReportDuration  metric.Float64Histogram
	ScheduledJobs   metric.Int64UpDownCounter
	RequestDuration metric.Float64Histogram
	LoginRejects    metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.TaskMutations, err = meter.Int64Counter("tasktracker.task.mutations",
		metric.WithDescription("Successful task mutations by operation and origin"),
	); err != nil {
		return nil, err
	}
	if m.TaskErrors, err = meter.Int64Counter("tasktracker.task.errors",
		metric.WithDescription("Rejected task operations by operation and outcome"),
	); err != nil {
		return nil, err
	}
	if m.TimeSpentHours, err = meter.Float64Histogram("tasktracker.task.time_spent",
		metric.WithDescription("Hours recorded when closing a task"),
		metric.WithUnit("h"),
	); err != nil {
		return nil, err
	}
	if m.ReportsSent, err = meter.Int64Counter("tasktracker.report.sent",
		metric.WithDescription("Daily reports delivered"),
	); err != nil {
		return nil, err
	}
	if m.ReportFailures, err = meter.Int64Counter("tasktracker.report.failures",
		metric.WithDescription("Daily reports that failed to generate or deliver"),
	); err != nil {
		return nil, err
	}
	if m.ReportDuration, err = meter.Float64Histogram("tasktracker.report.duration",
		metric.WithDescription("Report generation plus delivery time in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.ScheduledJobs, err = meter.Int64UpDownCounter("tasktracker.report.jobs",
		metric.WithDescription("Recipients with an active daily report"),
	); err != nil {
		return nil, err
	}
	if m.RequestDuration, err = meter.Float64Histogram("tasktracker.request.duration",
		metric.WithDescription("Dashboard request duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.LoginRejects, err = meter.Int64Counter("tasktracker.login.rejects",
		metric.WithDescription("Dashboard logins rejected (bad credentials or rate limited)"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// TaskMutation counts a successful task mutation.
func (m *Metrics) TaskMutation(ctx context.Context, op, origin string) {
	if m == nil {
		return
	}
	m.TaskMutations.Add(ctx, 1, metric.WithAttributes(AttrOperation.String(op), AttrOrigin.String(origin)))
}

// TaskError counts a rejected task operation; outcome is e.g. "not_found".
func (m *Metrics) TaskError(ctx context.Context, op, outcome string) {
	if m == nil {
		return
	}
	m.TaskErrors.Add(ctx, 1, metric.WithAttributes(AttrOperation.String(op), AttrOutcome.String(outcome)))
}

// TaskClosed records the hours booked on a closed task.
func (m *Metrics) TaskClosed(ctx context.Context, hours float64) {
	if m == nil {
		return
	}
	m.TimeSpentHours.Record(ctx, hours)
}

// Report records one report firing.
func (m *Metrics) Report(ctx context.Context, seconds float64, err error) {
	if m == nil {
		return
	}
	m.ReportDuration.Record(ctx, seconds)
	if err != nil {
		m.ReportFailures.Add(ctx, 1)
		return
	}
	m.ReportsSent.Add(ctx, 1)
}

// JobsDelta adjusts the active report job gauge.
func (m *Metrics) JobsDelta(ctx context.Context, delta int64) {
	if m == nil || delta == 0 {
		return
	}
	m.ScheduledJobs.Add(ctx, delta)
}

// Request records a dashboard request.
func (m *Metrics) Request(ctx context.Context, route string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.RequestDuration.Record(ctx, seconds, metric.WithAttributes(
		AttrRoute.String(route),
		attribute.Int("http.status_code", status),
	))
}

// LoginRejected counts a refused dashboard login.
func (m *Metrics) LoginRejected(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.LoginRejects.Add(ctx, 1, metric.WithAttributes(AttrOutcome.String(reason)))
}
