package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("task.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicTaskCreated, TaskEvent{TaskID: 1, Description: "Write report"})

	select {
	case event := <-sub.Ch():
		if event.Topic != TopicTaskCreated {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicTaskCreated)
		}
		te, ok := event.Payload.(TaskEvent)
		if !ok || te.TaskID != 1 {
			t.Fatalf("unexpected payload %#v", event.Payload)
		}
		if event.At.IsZero() {
			t.Fatal("expected event timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()
	taskSub := b.Subscribe("task.")
	defer b.Unsubscribe(taskSub)
	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicTaskClosed, TaskEvent{TaskID: 2})
	b.Publish(TopicReportSent, ReportEvent{RecipientID: 99})

	if ev := <-taskSub.Ch(); ev.Topic != TopicTaskClosed {
		t.Fatalf("topic = %q, want %q", ev.Topic, TopicTaskClosed)
	}
	select {
	case ev := <-taskSub.Ch():
		t.Fatalf("unexpected event on task subscription: %v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	got := []string{(<-allSub.Ch()).Topic, (<-allSub.Ch()).Topic}
	if got[0] != TopicTaskClosed || got[1] != TopicReportSent {
		t.Fatalf("unexpected topics on catch-all subscription: %v", got)
	}
}

func TestBus_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBufferSize*3; i++ {
			b.Publish(TopicTaskUpdated, TaskEvent{TaskID: int64(i)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if n := len(sub.Ch()); n != defaultBufferSize {
		t.Fatalf("expected buffer to hold %d events, got %d", defaultBufferSize, n)
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	if b.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", b.SubscriberCount())
	}
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.SubscriberCount())
	}
}

func TestBus_NilIsNoop(t *testing.T) {
	var b *Bus
	b.Publish(TopicTaskCreated, nil)
	b.Unsubscribe(nil)
	if b.SubscriberCount() != 0 {
		t.Fatal("nil bus must report zero subscribers")
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 4; j++ {
				b.Publish(TopicTaskCreated, TaskEvent{})
			}
		}()
	}
	wg.Wait()
	if n := len(sub.Ch()); n != 32 {
		t.Fatalf("expected 32 buffered events, got %d", n)
	}
}
