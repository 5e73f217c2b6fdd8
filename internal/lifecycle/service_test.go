package lifecycle_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/tasktracker/internal/audit"
	"github.com/basket/tasktracker/internal/bus"
	"github.com/basket/tasktracker/internal/lifecycle"
	"github.com/basket/tasktracker/internal/persistence"
	"github.com/basket/tasktracker/internal/shared"
)

type harness struct {
	svc   *lifecycle.Service
	store *persistence.Store
	bus   *bus.Bus
	audit *bytes.Buffer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	b := bus.New()
	var buf bytes.Buffer
	svc := lifecycle.New(store,
		lifecycle.WithBus(b),
		lifecycle.WithAudit(audit.New(&buf)),
	)
	return &harness{svc: svc, store: store, bus: b, audit: &buf}
}

func recv(t *testing.T, sub *bus.Subscription) bus.Event {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for bus event")
		return bus.Event{}
	}
}

func TestAdd_PublishesAndConfirms(t *testing.T) {
	h := newHarness(t)
	sub := h.bus.Subscribe("task.")
	defer h.bus.Unsubscribe(sub)

	ctx := shared.NewRequestContext(context.Background(), shared.OriginTelegram)
	res, err := h.svc.Add(ctx, "  Buy milk ")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if res.Task.ID != 1 || res.Task.Description != "Buy milk" {
		t.Fatalf("unexpected task %+v", res.Task)
	}
	if res.Message != "✅ Задача добавлена!\nID: 1\nОписание: Buy milk" {
		t.Fatalf("unexpected message %q", res.Message)
	}

	ev := recv(t, sub)
	if ev.Topic != bus.TopicTaskCreated {
		t.Fatalf("expected %s, got %s", bus.TopicTaskCreated, ev.Topic)
	}
	payload, ok := ev.Payload.(bus.TaskEvent)
	if !ok || payload.TaskID != 1 || payload.Origin != shared.OriginTelegram {
		t.Fatalf("unexpected payload %#v", ev.Payload)
	}
	if payload.TraceID == "" || payload.TraceID == "-" {
		t.Fatalf("expected trace id on event, got %q", payload.TraceID)
	}
}

func TestAdd_EmptyRejectedWithoutSideEffects(t *testing.T) {
	h := newHarness(t)
	sub := h.bus.Subscribe("")
	defer h.bus.Unsubscribe(sub)

	_, err := h.svc.Add(context.Background(), "   ")
	if !persistence.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if got := lifecycle.Describe(err); got != "Описание задачи не может быть пустым." {
		t.Fatalf("unexpected description %q", got)
	}
	select {
	case ev := <-sub.Ch():
		t.Fatalf("no event expected, got %s", ev.Topic)
	default:
	}
	tasks, _ := h.svc.List(context.Background(), persistence.FilterAll)
	if len(tasks) != 0 {
		t.Fatalf("expected no rows, got %d", len(tasks))
	}
}

func TestClose_Scenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.svc.Add(ctx, "Write report"); err != nil {
		t.Fatalf("add: %v", err)
	}

	res, err := h.svc.Close(ctx, 1, "3,5")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !res.Task.IsClosed || res.Task.TimeSpent == nil || *res.Task.TimeSpent != 3.5 {
		t.Fatalf("unexpected closed task %+v", res.Task)
	}
	if res.Message != "✅ Задача \"Write report\" закрыта.\nПотрачено времени: 3.5 ч." {
		t.Fatalf("unexpected message %q", res.Message)
	}

	_, err = h.svc.Close(ctx, 1, "1")
	if !errors.Is(err, persistence.ErrAlreadyClosed) {
		t.Fatalf("expected ErrAlreadyClosed, got %v", err)
	}
	if lifecycle.Describe(err) != "Задача уже закрыта!" {
		t.Fatalf("unexpected describe %q", lifecycle.Describe(err))
	}
	got, _ := h.svc.Get(ctx, 1)
	if *got.TimeSpent != 3.5 {
		t.Fatalf("second close must not change time_spent, got %v", *got.TimeSpent)
	}
}

func TestClose_BadHoursLeavesTaskOpen(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.svc.Add(ctx, "Task"); err != nil {
		t.Fatalf("add: %v", err)
	}
	for _, in := range []string{"", "abc", "-1", "NaN", "Inf"} {
		_, err := h.svc.Close(ctx, 1, in)
		if !persistence.IsValidation(err) {
			t.Fatalf("Close(%q): expected validation error, got %v", in, err)
		}
	}
	got, _ := h.svc.Get(ctx, 1)
	if got.IsClosed {
		t.Fatal("task must stay open after rejected closes")
	}
}

func TestClose_MissingTask(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Close(context.Background(), 42, "1")
	if !persistence.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if got := lifecycle.Describe(err); got != "Задача с ID 42 не найдена." {
		t.Fatalf("unexpected describe %q", got)
	}
}

func TestCloseHours_ConcurrentExactlyOneWins(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.svc.Add(ctx, "Race"); err != nil {
		t.Fatalf("add: %v", err)
	}

	const n = 6
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, already := 0, 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(h2 float64) {
			defer wg.Done()
			_, err := h.svc.CloseHours(ctx, 1, h2)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, persistence.ErrAlreadyClosed):
				already++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(float64(i + 1))
	}
	wg.Wait()
	if wins != 1 || already != n-1 {
		t.Fatalf("expected 1 win and %d already-closed, got %d/%d", n-1, wins, already)
	}
}

func TestEdit_And_Delete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.svc.Add(ctx, "Old"); err != nil {
		t.Fatalf("add: %v", err)
	}
	res, err := h.svc.Edit(ctx, 1, "New")
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if res.Message != "✏️ Задача обновлена: \"New\"" {
		t.Fatalf("unexpected message %q", res.Message)
	}
	if _, err := h.svc.Edit(ctx, 1, " "); !persistence.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}

	res, err = h.svc.Delete(ctx, 1)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if res.Message != "🗑️ Задача \"New\" удалена." {
		t.Fatalf("unexpected message %q", res.Message)
	}
	if _, err := h.svc.Delete(ctx, 1); !persistence.IsNotFound(err) {
		t.Fatalf("second delete: expected not found, got %v", err)
	}
}

func TestAudit_RecordsOutcomes(t *testing.T) {
	h := newHarness(t)
	ctx := shared.NewRequestContext(context.Background(), shared.OriginWeb)
	if _, err := h.svc.Add(ctx, "Audit me"); err != nil {
		t.Fatalf("add: %v", err)
	}
	_, _ = h.svc.Delete(ctx, 99)

	lines := strings.Split(strings.TrimSpace(h.audit.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 audit lines, got %d: %q", len(lines), h.audit.String())
	}
	var first, second map[string]any
	_ = json.Unmarshal([]byte(lines[0]), &first)
	_ = json.Unmarshal([]byte(lines[1]), &second)
	if first["action"] != "create" || first["outcome"] != "ok" || first["origin"] != "web" {
		t.Fatalf("unexpected first audit entry %#v", first)
	}
	if second["action"] != "delete" || second["outcome"] != "not_found" {
		t.Fatalf("unexpected second audit entry %#v", second)
	}
}

func TestStats_ThroughService(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, d := range []string{"a", "b", "c"} {
		if _, err := h.svc.Add(ctx, d); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if _, err := h.svc.CloseHours(ctx, 1, 2); err != nil {
		t.Fatalf("close: %v", err)
	}
	st, err := h.svc.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Total != 3 || st.Open != 2 || st.Closed != 1 || st.AvgTimeSpent != 2 {
		t.Fatalf("unexpected stats %+v", st)
	}
}
