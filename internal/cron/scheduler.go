// Package cron sends each subscribed recipient a daily report at a fixed
// wall-clock time. Every recipient is its own robfig/cron entry, so a slow
// or failing delivery never delays another recipient's report.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/tasktracker/internal/bus"
	otelx "github.com/basket/tasktracker/internal/otel"
	"github.com/basket/tasktracker/internal/shared"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// ReportFunc produces the report text for one recipient.
type ReportFunc func(ctx context.Context, recipientID int64) (string, error)

// Sender delivers report text to a recipient (the Telegram channel).
type Sender interface {
	Send(ctx context.Context, recipientID int64, text string) error
}

// ErrNoSender is returned by RunNow before a sender has been attached.
var ErrNoSender = errors.New("report sender not configured")

// Config holds the dependencies for the scheduler.
type Config struct {
	Report   ReportFunc
	Sender   Sender
	Location *time.Location // defaults to time.Local
	Hour     int            // default report time
	Minute   int
	Timeout  time.Duration // per delivery; defaults to 30s
	Logger   *slog.Logger
	Bus      *bus.Bus
	Metrics  *otelx.Metrics
}

// Job is a snapshot of one recipient's schedule. Next is zero until the
// scheduler has been started.
type Job struct {
	RecipientID int64     `json:"recipient_id"`
	Hour        int       `json:"hour"`
	Minute      int       `json:"minute"`
	Default     bool      `json:"follows_default"`
	Next        time.Time `json:"next_run_at"`
}

type entry struct {
	id          cronlib.EntryID
	hour        int
	minute      int
	followsDflt bool
}

type Scheduler struct {
	cron    *cronlib.Cron
	report  ReportFunc
	loc     *time.Location
	timeout time.Duration
	logger  *slog.Logger
	bus     *bus.Bus
	metrics *otelx.Metrics

	mu            sync.Mutex
	sender        Sender
	jobs          map[int64]entry
	defaultHour   int
	defaultMinute int
}

// NewScheduler creates a stopped Scheduler. Invalid default times fall back
// to 09:00.
func NewScheduler(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	hour, minute := cfg.Hour, cfg.Minute
	if validateTime(hour, minute) != nil {
		hour, minute = 9, 0
	}
	return &Scheduler{
		cron: cronlib.New(
			cronlib.WithLocation(loc),
			cronlib.WithParser(cronParser),
			cronlib.WithChain(cronlib.Recover(slogAdapter{logger})),
		),
		report:        cfg.Report,
		sender:        cfg.Sender,
		loc:           loc,
		timeout:       timeout,
		logger:        logger,
		bus:           cfg.Bus,
		metrics:       cfg.Metrics,
		jobs:          make(map[int64]entry),
		defaultHour:   hour,
		defaultMinute: minute,
	}
}

// SetSender attaches the delivery channel. The Telegram channel needs the
// scheduler to exist first, so it is wired after construction.
func (s *Scheduler) SetSender(sender Sender) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sender = sender
}

// Start begins firing jobs in a background goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("report scheduler started", "location", s.loc.String(), "jobs", len(s.Jobs()))
}

// Stop halts the scheduler. The returned context is done once reports that
// were already running have finished.
func (s *Scheduler) Stop() context.Context {
	ctx := s.cron.Stop()
	s.logger.Info("report scheduler stopped")
	return ctx
}

// Schedule arms a daily report for recipientID at hour:minute, replacing any
// existing job for that recipient.
func (s *Scheduler) Schedule(recipientID int64, hour, minute int) error {
	return s.schedule(recipientID, hour, minute, false)
}

// ScheduleDefault arms a report at the default time. The job moves when
// Reschedule changes the default.
func (s *Scheduler) ScheduleDefault(recipientID int64) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.scheduleLocked(recipientID, s.defaultHour, s.defaultMinute, true); err != nil {
		return Job{}, err
	}
	return s.snapshot(recipientID, s.jobs[recipientID]), nil
}

func (s *Scheduler) schedule(recipientID int64, hour, minute int, followsDefault bool) error {
	if err := validateTime(hour, minute); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduleLocked(recipientID, hour, minute, followsDefault)
}

// scheduleLocked replaces the recipient's entry. s.mu must be held.
func (s *Scheduler) scheduleLocked(recipientID int64, hour, minute int, followsDefault bool) error {
	old, replaced := s.jobs[recipientID]
	if replaced {
		s.cron.Remove(old.id)
	}
	id, err := s.cron.AddFunc(fmt.Sprintf("%d %d * * *", minute, hour), func() {
		s.fire(recipientID)
	})
	if err != nil {
		delete(s.jobs, recipientID)
		if replaced {
			s.metrics.JobsDelta(context.Background(), -1)
		}
		return fmt.Errorf("schedule report for %d: %w", recipientID, err)
	}
	s.jobs[recipientID] = entry{id: id, hour: hour, minute: minute, followsDflt: followsDefault}
	if !replaced {
		s.metrics.JobsDelta(context.Background(), 1)
	}
	s.bus.Publish(bus.TopicReportScheduled, bus.ReportEvent{RecipientID: recipientID, Hour: hour, Minute: minute})
	s.logger.Info("daily report scheduled",
		"recipient_id", recipientID,
		"time", fmt.Sprintf("%02d:%02d", hour, minute),
		"replaced", replaced,
	)
	return nil
}

// Cancel removes the recipient's job. It is a no-op when none exists; a
// report that is already being delivered is not interrupted.
func (s *Scheduler) Cancel(recipientID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[recipientID]
	if !ok {
		return false
	}
	s.cron.Remove(e.id)
	delete(s.jobs, recipientID)
	s.metrics.JobsDelta(context.Background(), -1)
	s.bus.Publish(bus.TopicReportCancelled, bus.ReportEvent{RecipientID: recipientID})
	s.logger.Info("daily report cancelled", "recipient_id", recipientID)
	return true
}

// Job returns the recipient's schedule, if any.
func (s *Scheduler) Job(recipientID int64) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[recipientID]
	if !ok {
		return Job{}, false
	}
	return s.snapshot(recipientID, e), true
}

// Jobs lists all schedules ordered by recipient id.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for rid, e := range s.jobs {
		out = append(out, s.snapshot(rid, e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecipientID < out[j].RecipientID })
	return out
}

func (s *Scheduler) snapshot(recipientID int64, e entry) Job {
	return Job{
		RecipientID: recipientID,
		Hour:        e.hour,
		Minute:      e.minute,
		Default:     e.followsDflt,
		Next:        s.cron.Entry(e.id).Next,
	}
}

// DefaultTime returns the time used by ScheduleDefault.
func (s *Scheduler) DefaultTime() (hour, minute int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.defaultHour, s.defaultMinute
}

// Reschedule changes the default time and moves every job that follows it.
// Jobs armed with an explicit time keep their time.
func (s *Scheduler) Reschedule(hour, minute int) error {
	if err := validateTime(hour, minute); err != nil {
		return err
	}
	// The whole move is one critical section: a Cancel or explicit Schedule
	// either lands before it (and is respected) or after it.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.defaultHour == hour && s.defaultMinute == minute {
		return nil
	}
	s.defaultHour, s.defaultMinute = hour, minute
	var move []int64
	for rid, e := range s.jobs {
		if e.followsDflt {
			move = append(move, rid)
		}
	}

	var errs []error
	for _, rid := range move {
		if err := s.scheduleLocked(rid, hour, minute, true); err != nil {
			errs = append(errs, err)
		}
	}
	s.logger.Info("default report time changed", "time", fmt.Sprintf("%02d:%02d", hour, minute), "moved", len(move))
	return errors.Join(errs...)
}

// RunNow generates and delivers the recipient's report immediately,
// whether or not the recipient has a schedule.
func (s *Scheduler) RunNow(ctx context.Context, recipientID int64) error {
	return s.deliver(ctx, recipientID)
}

func (s *Scheduler) fire(recipientID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	_ = s.deliver(ctx, recipientID)
}

func (s *Scheduler) deliver(ctx context.Context, recipientID int64) (err error) {
	ctx = shared.WithRecipientID(shared.NewRequestContext(ctx, shared.OriginCron), recipientID)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("report for %d panicked: %v", recipientID, r)
		}
		s.metrics.Report(ctx, time.Since(start).Seconds(), err)
		if err != nil {
			s.bus.Publish(bus.TopicReportFailed, bus.ReportEvent{RecipientID: recipientID, Error: err.Error()})
			s.logger.ErrorContext(ctx, "daily report failed", "error", err)
			return
		}
		s.bus.Publish(bus.TopicReportSent, bus.ReportEvent{RecipientID: recipientID})
		s.logger.InfoContext(ctx, "daily report sent")
	}()

	s.mu.Lock()
	sender := s.sender
	s.mu.Unlock()
	if sender == nil {
		return ErrNoSender
	}
	if s.report == nil {
		return errors.New("report generator not configured")
	}
	text, err := s.report(ctx, recipientID)
	if err != nil {
		return fmt.Errorf("generate report: %w", err)
	}
	if err := sender.Send(ctx, recipientID, text); err != nil {
		return fmt.Errorf("send report: %w", err)
	}
	return nil
}

func validateTime(hour, minute int) error {
	if hour < 0 || hour > 23 {
		return fmt.Errorf("hour must be 0..23, got %d", hour)
	}
	if minute < 0 || minute > 59 {
		return fmt.Errorf("minute must be 0..59, got %d", minute)
	}
	return nil
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// slogAdapter lets robfig/cron log panics and entry events through slog.
type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Debug("cron: "+msg, keysAndValues...)
}

func (a slogAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	a.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
