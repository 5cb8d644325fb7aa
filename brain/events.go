package brain

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ByteMirror/squadron/concurrency"

	"github.com/google/uuid"
)

// ErrSubscriptionClosed is returned when polling an unknown, pruned or
// removed subscription.
var ErrSubscriptionClosed = errors.New("subscription closed")

// EventType identifies the kind of event.
type EventType string

const (
	EventAgentStatus      EventType = "agent_status"
	EventHealthUpdate     EventType = "health_monitoring_update"
	EventSystemMetrics    EventType = "system_metrics_stream"
	EventMessageSent      EventType = "message_sent"
	EventAgentLifecycle   EventType = "agent_lifecycle"
	EventAlertRaised      EventType = "alert_raised"
	EventRecoveryExecuted EventType = "recovery_executed"
	EventPoolTask         EventType = "pool_task_completed"
)

var knownEventTypes = []EventType{
	EventAgentStatus, EventHealthUpdate, EventSystemMetrics, EventMessageSent,
	EventAgentLifecycle, EventAlertRaised, EventRecoveryExecuted, EventPoolTask,
}

// ParseEventTypes validates subscription type names. Empty input means all types.
func ParseEventTypes(names []string) ([]EventType, error) {
	var out []EventType
	for _, name := range names {
		t := EventType(strings.ToLower(strings.TrimSpace(name)))
		if t == "" {
			continue
		}
		if !sliceContains(knownEventTypes, t) {
			return nil, concurrency.ConfigurationError("subscribe", "unknown event type %q", name)
		}
		out = append(out, t)
	}
	return out, nil
}

// Event is a single occurrence pushed to subscribers.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Sequence  uint64         `json:"sequence"`
}

// EventFilter controls which events a subscriber receives. Empty fields match
// everything.
type EventFilter struct {
	Types   []EventType `json:"types,omitempty"`
	Sources []string    `json:"sources,omitempty"`
}

func (f EventFilter) match(ev Event) bool {
	if len(f.Types) > 0 && !sliceContains(f.Types, ev.Type) {
		return false
	}
	if len(f.Sources) > 0 && !sliceContains(f.Sources, ev.Source) {
		return false
	}
	return true
}

// Batch is what one Poll hands back. Dropped counts events discarded since
// the previous poll because the subscriber's buffer overflowed.
type Batch struct {
	Events  []Event `json:"events"`
	Dropped int     `json:"dropped,omitempty"`
}

// EventBusStats summarises event traffic.
type EventBusStats struct {
	Subscribers int    `json:"subscribers"`
	Emitted     uint64 `json:"emitted"`
	Delivered   uint64 `json:"delivered"`
	Dropped     uint64 `json:"dropped"`
	Buffered    int    `json:"buffered"`
}

type subscription struct {
	filter EventFilter

	mu       sync.Mutex
	pending  []Event
	dropped  int
	lastPoll time.Time
	// wake has room for one signal; closed is closed on removal so a
	// blocked Poll returns at once.
	wake   chan struct{}
	closed chan struct{}
}

func (s *subscription) take() Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := Batch{Events: s.pending, Dropped: s.dropped}
	s.pending = nil
	s.dropped = 0
	return b
}

// EventBus fans events out to matching subscribers. Each subscriber has a
// bounded queue; when it is full the oldest events are discarded and
// reported on the next Poll.
type EventBus struct {
	mu   sync.RWMutex
	subs map[string]*subscription

	sequence  atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	capacity  int
	now       func() time.Time
}

// NewEventBus creates an EventBus. capacity bounds each subscriber's queue.
func NewEventBus(capacity int) *EventBus {
	if capacity <= 0 {
		capacity = 1000
	}
	return &EventBus{
		subs:     make(map[string]*subscription),
		capacity: capacity,
		now:      time.Now,
	}
}

// Subscribe registers a subscriber and returns its id.
func (eb *EventBus) Subscribe(filter EventFilter) string {
	id := "sub_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	eb.mu.Lock()
	eb.subs[id] = &subscription{
		filter:   filter,
		lastPoll: eb.now(),
		wake:     make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
	eb.mu.Unlock()
	return id
}

// Emit stamps ev with a sequence number and queues it for every matching
// subscriber. It returns how many subscribers received it.
func (eb *EventBus) Emit(ev Event) int {
	ev.Sequence = eb.sequence.Add(1)
	if ev.Timestamp.IsZero() {
		ev.Timestamp = eb.now()
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()

	reached := 0
	for _, sub := range eb.subs {
		if !sub.filter.match(ev) {
			continue
		}
		sub.mu.Lock()
		sub.pending = append(sub.pending, ev)
		if over := len(sub.pending) - eb.capacity; over > 0 {
			sub.pending = append([]Event(nil), sub.pending[over:]...)
			sub.dropped += over
			eb.dropped.Add(uint64(over))
		}
		sub.mu.Unlock()

		select {
		case sub.wake <- struct{}{}:
		default:
		}
		reached++
	}
	eb.delivered.Add(uint64(reached))
	return reached
}

// Poll returns everything queued for subscriberID. When nothing is queued
// it waits up to timeout for the next matching event.
func (eb *EventBus) Poll(subscriberID string, timeout time.Duration) (Batch, error) {
	eb.mu.RLock()
	sub, ok := eb.subs[subscriberID]
	eb.mu.RUnlock()
	if !ok {
		return Batch{}, ErrSubscriptionClosed
	}

	sub.mu.Lock()
	sub.lastPoll = eb.now()
	ready := len(sub.pending) > 0 || sub.dropped > 0
	sub.mu.Unlock()

	if !ready && timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-sub.wake:
		case <-timer.C:
		case <-sub.closed:
			return Batch{}, ErrSubscriptionClosed
		}
	}
	return sub.take(), nil
}

// Unsubscribe removes a subscriber and releases any Poll waiting on it.
func (eb *EventBus) Unsubscribe(subscriberID string) bool {
	eb.mu.Lock()
	sub, ok := eb.subs[subscriberID]
	delete(eb.subs, subscriberID)
	eb.mu.Unlock()
	if ok {
		close(sub.closed)
	}
	return ok
}

// SubscriberCount returns the number of live subscriptions.
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subs)
}

// PruneStale removes subscribers that have not polled within maxAge and
// returns how many were removed.
func (eb *EventBus) PruneStale(maxAge time.Duration) int {
	cutoff := eb.now().Add(-maxAge)

	eb.mu.Lock()
	var stale []*subscription
	for id, sub := range eb.subs {
		sub.mu.Lock()
		idle := sub.lastPoll.Before(cutoff)
		sub.mu.Unlock()
		if idle {
			stale = append(stale, sub)
			delete(eb.subs, id)
		}
	}
	eb.mu.Unlock()

	for _, sub := range stale {
		close(sub.closed)
	}
	return len(stale)
}

// Stats returns event counters and the number of queued events.
func (eb *EventBus) Stats() EventBusStats {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	st := EventBusStats{
		Subscribers: len(eb.subs),
		Emitted:     eb.sequence.Load(),
		Delivered:   eb.delivered.Load(),
		Dropped:     eb.dropped.Load(),
	}
	for _, sub := range eb.subs {
		sub.mu.Lock()
		st.Buffered += len(sub.pending)
		sub.mu.Unlock()
	}
	return st
}

func sliceContains[T comparable](haystack []T, needle T) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}
