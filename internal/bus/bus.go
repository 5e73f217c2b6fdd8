// Package bus fans task and report events out to in-process listeners
// (the dashboard websocket, the Telegram channel, the TUI).
package bus

import (
	"strings"
	"sync"
	"time"
)

const defaultBufferSize = 64

// Topics. Subscribers match on prefix, so "task." receives every task event.
const (
	TopicTaskCreated = "task.created"
	TopicTaskUpdated = "task.updated"
	TopicTaskClosed  = "task.closed"
	TopicTaskDeleted = "task.deleted"

	TopicReportScheduled = "report.scheduled"
	TopicReportCancelled = "report.cancelled"
	TopicReportSent      = "report.sent"
	TopicReportFailed    = "report.failed"
)

// Event is a message published on the bus.
type Event struct {
	Topic   string    `json:"topic"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// TaskEvent describes a task mutation. Description is the value after the
// mutation (or the removed value for deletes).
type TaskEvent struct {
	TaskID      int64    `json:"task_id"`
	Description string   `json:"description"`
	TimeSpent   *float64 `json:"time_spent,omitempty"`
	Origin      string   `json:"origin,omitempty"`
	TraceID     string   `json:"trace_id,omitempty"`
}

// ReportEvent describes a scheduler action for one recipient.
type ReportEvent struct {
	RecipientID int64  `json:"recipient_id"`
	Hour        int    `json:"hour,omitempty"`
	Minute      int    `json:"minute,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is an in-process pub/sub bus with topic prefix matching. A nil *Bus
// is valid and drops everything, so components can be built without one.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
	now    func() time.Time
}

func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
		now:  time.Now,
	}
}

// Subscribe registers interest in topics starting with topicPrefix ("" = all).
// Sends are non-blocking: a subscriber that falls more than the buffer
// behind misses events.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if b == nil || sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

func (b *Bus) Publish(topic string, payload any) {
	if b == nil {
		return
	}
	event := Event{Topic: topic, At: b.now().UTC(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.prefix != "" && !strings.HasPrefix(topic, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
