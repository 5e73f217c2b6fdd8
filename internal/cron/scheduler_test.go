package cron

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/tasktracker/internal/bus"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  map[int64][]string
	fail  map[int64]error
	block chan struct{}
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: map[int64][]string{}, fail: map[int64]error{}}
}

func (f *fakeSender) Send(_ context.Context, recipientID int64, text string) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[recipientID]; err != nil {
		return err
	}
	f.sent[recipientID] = append(f.sent[recipientID], text)
	return nil
}

func (f *fakeSender) messages(recipientID int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent[recipientID]...)
}

func staticReport(text string) ReportFunc {
	return func(context.Context, int64) (string, error) { return text, nil }
}

func newTestScheduler(t *testing.T, sender Sender, report ReportFunc) *Scheduler {
	t.Helper()
	s := NewScheduler(Config{
		Report:   report,
		Sender:   sender,
		Location: time.UTC,
		Hour:     9,
	})
	t.Cleanup(func() { <-s.Stop().Done() })
	return s
}

func TestSchedule_ReplacesExistingJob(t *testing.T) {
	s := newTestScheduler(t, newFakeSender(), staticReport("r"))

	if err := s.Schedule(100, 9, 0); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := s.Schedule(100, 18, 30); err != nil {
		t.Fatalf("reschedule: %v", err)
	}

	jobs := s.Jobs()
	if len(jobs) != 1 {
		t.Fatalf("expected exactly one job for the recipient, got %d", len(jobs))
	}
	if jobs[0].Hour != 18 || jobs[0].Minute != 30 {
		t.Fatalf("expected 18:30, got %02d:%02d", jobs[0].Hour, jobs[0].Minute)
	}
	if n := len(s.cron.Entries()); n != 1 {
		t.Fatalf("expected one cron entry, got %d", n)
	}
}

func TestSchedule_RejectsInvalidTime(t *testing.T) {
	s := newTestScheduler(t, newFakeSender(), staticReport("r"))
	tests := []struct{ hour, minute int }{{24, 0}, {-1, 0}, {9, 60}, {9, -5}}
	for _, tt := range tests {
		if err := s.Schedule(1, tt.hour, tt.minute); err == nil {
			t.Errorf("Schedule(%d, %d): expected error", tt.hour, tt.minute)
		}
	}
	if len(s.Jobs()) != 0 {
		t.Fatal("invalid schedules must not create jobs")
	}
}

func TestCancel_NoopWhenAbsent(t *testing.T) {
	s := newTestScheduler(t, newFakeSender(), staticReport("r"))
	if s.Cancel(5) {
		t.Fatal("cancel of unknown recipient should report false")
	}
	if err := s.Schedule(5, 9, 0); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if !s.Cancel(5) {
		t.Fatal("cancel should report true for an existing job")
	}
	if _, ok := s.Job(5); ok {
		t.Fatal("job should be gone after cancel")
	}
	if len(s.cron.Entries()) != 0 {
		t.Fatal("cron entry should be removed")
	}
}

func TestJobs_SortedWithNextRunAfterStart(t *testing.T) {
	s := newTestScheduler(t, newFakeSender(), staticReport("r"))
	for _, rid := range []int64{30, 10, 20} {
		if err := s.Schedule(rid, 9, 0); err != nil {
			t.Fatalf("schedule: %v", err)
		}
	}
	s.Start()

	jobs := s.Jobs()
	if len(jobs) != 3 || jobs[0].RecipientID != 10 || jobs[2].RecipientID != 30 {
		t.Fatalf("unexpected order: %+v", jobs)
	}
	for _, j := range jobs {
		if j.Next.IsZero() {
			t.Fatalf("expected next run time once started, got zero for %d", j.RecipientID)
		}
		if n := j.Next.In(time.UTC); n.Hour() != 9 || n.Minute() != 0 {
			t.Fatalf("expected next run at 09:00 UTC, got %v", n)
		}
	}
}

func TestReschedule_MovesDefaultJobsOnly(t *testing.T) {
	s := newTestScheduler(t, newFakeSender(), staticReport("r"))
	if _, err := s.ScheduleDefault(1); err != nil {
		t.Fatalf("schedule default: %v", err)
	}
	if err := s.Schedule(2, 20, 15); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := s.Reschedule(7, 45); err != nil {
		t.Fatalf("reschedule: %v", err)
	}

	j1, _ := s.Job(1)
	j2, _ := s.Job(2)
	if j1.Hour != 7 || j1.Minute != 45 || !j1.Default {
		t.Fatalf("default job should move to 07:45, got %+v", j1)
	}
	if j2.Hour != 20 || j2.Minute != 15 {
		t.Fatalf("explicit job should keep 20:15, got %+v", j2)
	}
	if h, m := s.DefaultTime(); h != 7 || m != 45 {
		t.Fatalf("default time = %02d:%02d", h, m)
	}
	if err := s.Reschedule(25, 0); err == nil {
		t.Fatal("expected error for invalid default time")
	}
}

// slowMoveHandler stalls every "daily report scheduled" record once armed and
// runs onFirst the first time, so other goroutines get a window mid-move.
type slowMoveHandler struct {
	slog.Handler
	armed   *bool
	once    *sync.Once
	onFirst func()
}

func (h slowMoveHandler) Handle(ctx context.Context, r slog.Record) error {
	if *h.armed && r.Message == "daily report scheduled" {
		h.once.Do(h.onFirst)
		time.Sleep(2 * time.Millisecond)
	}
	return nil
}

func TestReschedule_DoesNotRearmCancelledJobs(t *testing.T) {
	const n = 20
	armed := false
	var (
		once      sync.Once
		wg        sync.WaitGroup
		cancelled sync.Map
		s         *Scheduler
	)
	handler := slowMoveHandler{
		Handler: slog.NewTextHandler(nopWriter{}, nil),
		armed:   &armed,
		once:    &once,
		onFirst: func() {
			for rid := int64(2); rid <= n; rid++ {
				wg.Add(1)
				go func(rid int64) {
					defer wg.Done()
					cancelled.Store(rid, s.Cancel(rid))
				}(rid)
			}
		},
	}
	s = NewScheduler(Config{
		Report:   staticReport("r"),
		Location: time.UTC,
		Hour:     9,
		Logger:   slog.New(handler),
	})
	t.Cleanup(func() { <-s.Stop().Done() })

	for rid := int64(1); rid <= n; rid++ {
		if _, err := s.ScheduleDefault(rid); err != nil {
			t.Fatalf("schedule default %d: %v", rid, err)
		}
	}
	armed = true
	if err := s.Reschedule(10, 0); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	wg.Wait()

	for rid := int64(2); rid <= n; rid++ {
		ok, _ := cancelled.Load(rid)
		if ok != true {
			t.Fatalf("cancel %d returned %v", rid, ok)
		}
		if j, still := s.Job(rid); still {
			t.Fatalf("recipient %d re-armed after cancel: %+v", rid, j)
		}
	}
	if jobs := s.Jobs(); len(jobs) != 1 || jobs[0].RecipientID != 1 || jobs[0].Hour != 10 {
		t.Fatalf("unexpected jobs: %+v", jobs)
	}
	if got := len(s.cron.Entries()); got != 1 {
		t.Fatalf("cron entries = %d, want 1", got)
	}
}

func TestReschedule_KeepsConcurrentExplicitTime(t *testing.T) {
	s := newTestScheduler(t, newFakeSender(), staticReport("r"))
	if _, err := s.ScheduleDefault(1); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- s.Reschedule(11, 0) }()
	if err := s.Schedule(1, 15, 0); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	// Whichever call ran first, an explicit time set after it is not a
	// default job; one set before it is never moved.
	j, ok := s.Job(1)
	if !ok || j.Default || j.Hour != 15 {
		t.Fatalf("explicit schedule lost: %+v", j)
	}
}

func TestRunNow_Delivers(t *testing.T) {
	sender := newFakeSender()
	s := newTestScheduler(t, sender, staticReport("📭 Нет открытых задач."))
	if err := s.RunNow(context.Background(), 42); err != nil {
		t.Fatalf("run now: %v", err)
	}
	if got := sender.messages(42); len(got) != 1 || got[0] != "📭 Нет открытых задач." {
		t.Fatalf("unexpected deliveries: %#v", got)
	}
}

func TestRunNow_NoSender(t *testing.T) {
	s := newTestScheduler(t, nil, staticReport("r"))
	if err := s.RunNow(context.Background(), 1); !errors.Is(err, ErrNoSender) {
		t.Fatalf("expected ErrNoSender, got %v", err)
	}
	sender := newFakeSender()
	s.SetSender(sender)
	if err := s.RunNow(context.Background(), 1); err != nil {
		t.Fatalf("run now after SetSender: %v", err)
	}
}

func TestFire_FailureIsolatedPerRecipient(t *testing.T) {
	sender := newFakeSender()
	sender.fail[1] = errors.New("Forbidden: bot was blocked by the user")
	b := bus.New()
	sub := b.Subscribe("report.")
	defer b.Unsubscribe(sub)

	s := NewScheduler(Config{Report: staticReport("digest"), Sender: sender, Bus: b})
	s.fire(1)
	s.fire(2)

	if got := sender.messages(2); len(got) != 1 {
		t.Fatalf("recipient 2 should still receive its report, got %#v", got)
	}
	topics := []string{(<-sub.Ch()).Topic, (<-sub.Ch()).Topic}
	if topics[0] != bus.TopicReportFailed || topics[1] != bus.TopicReportSent {
		t.Fatalf("unexpected event topics %v", topics)
	}
}

func TestFire_ReportPanicRecovered(t *testing.T) {
	sender := newFakeSender()
	s := newTestScheduler(t, sender, func(context.Context, int64) (string, error) {
		panic("nil map")
	})
	err := s.RunNow(context.Background(), 9)
	if err == nil || !strings.Contains(err.Error(), "panicked") {
		t.Fatalf("expected recovered panic error, got %v", err)
	}
}

func TestCancel_DoesNotInterruptRunningReport(t *testing.T) {
	sender := newFakeSender()
	sender.block = make(chan struct{})
	s := newTestScheduler(t, sender, staticReport("digest"))
	if err := s.Schedule(3, 9, 0); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	done := make(chan struct{})
	go func() {
		s.fire(3)
		close(done)
	}()
	s.Cancel(3)
	close(sender.block)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight report did not finish")
	}
	if got := sender.messages(3); len(got) != 1 {
		t.Fatalf("in-flight report should be delivered, got %#v", got)
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2025, 8, 10, 9, 30, 0, 0, time.UTC)
	next, err := NextRunTime("0 9 * * *", after)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	want := time.Date(2025, 8, 11, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
	if _, err := NextRunTime("not a cron", after); err == nil {
		t.Fatal("expected parse error")
	}
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
