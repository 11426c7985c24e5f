// Package events is the progress event stream: a fan-out bus feeding
// in-process subscribers plus a durable JSONL journal.
package events

import (
	"sync"
	"time"

	"conductor/pkg/logx"
)

// Type enumerates the progress events a run emits.
type Type string

// Progress event types.
const (
	RunStarted     Type = "started"
	IssueStarted   Type = "issue_started"
	IssueCompleted Type = "issue_completed"
	IssueFailed    Type = "issue_failed"
	IssueSkipped   Type = "issue_skipped"
	RunPaused      Type = "paused"
	RunCompleted   Type = "completed"
	RunError       Type = "error"
	ConflictFound  Type = "conflict"
)

// Counts is the aggregate run snapshot carried on every event.
type Counts struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
	Total      int `json:"total"`
}

// Event is one progress notification.
//
//nolint:govet // Logical grouping preferred over memory optimization
type Event struct {
	Type      Type      `json:"type"`
	RunID     string    `json:"run_id,omitempty"`
	IssueURL  string    `json:"issue_url,omitempty"`
	Index     int       `json:"index,omitempty"`
	Total     int       `json:"total,omitempty"`
	CostUSD   float64   `json:"cost_usd,omitempty"`
	PRURL     string    `json:"pr_url,omitempty"`
	Error     string    `json:"error,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Counts    *Counts   `json:"counts,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Subscriber receives events synchronously. A subscriber that panics is
// logged and skipped; it never breaks delivery to others or fails the
// emitting operation.
type Subscriber func(Event)

// Bus fans events out to subscribers in registration order.
type Bus struct {
	logger *logx.Logger

	mu     sync.RWMutex
	nextID int
	subs   []subscription
}

type subscription struct {
	id int
	fn Subscriber
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{logger: logx.NewLogger("events")}
}

// Subscribe registers a subscriber for all future events and returns a
// handle that removes it again. Long-lived processes must unsubscribe
// run-scoped subscribers or they keep receiving later runs' events.
func (b *Bus) Subscribe(sub Subscriber) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, fn: sub})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers the event to every subscriber. Delivery is synchronous
// and best-effort: panics are contained per subscriber.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s.fn)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		b.deliver(sub, event)
	}
}

func (b *Bus) deliver(sub Subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked on %s: %v", event.Type, r)
		}
	}()
	sub(event)
}
