package session

import (
	"context"
	"sync"
)

// EventStream is the consumer side of one task. Events arrive on Events()
// until the task settles; the channel is then closed and Err reports the
// outcome. A stream cannot be restarted.
type EventStream struct {
	events chan Event
	done   chan struct{}
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

func newEventStream(cancel context.CancelFunc, buffer int) *EventStream {
	return &EventStream{
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}
}

// Events returns the event channel. It is closed after cleanup has finished.
func (s *EventStream) Events() <-chan Event {
	return s.events
}

// Close abandons the task. The child process is terminated and released
// before the event channel closes. Close is safe to call more than once.
func (s *EventStream) Close() {
	s.cancel()
}

// Done is closed once the task has settled.
func (s *EventStream) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the task settles and returns its error.
func (s *EventStream) Wait() error {
	<-s.done
	return s.Err()
}

// Err returns the task error once settled, or nil while running.
func (s *EventStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Collect drains every event and returns them with the task error.
func (s *EventStream) Collect() ([]Event, error) {
	var out []Event
	for ev := range s.events {
		out = append(out, ev)
	}
	return out, s.Wait()
}

func (s *EventStream) send(ctx context.Context, ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *EventStream) finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.events)
	close(s.done)
	s.cancel()
}
