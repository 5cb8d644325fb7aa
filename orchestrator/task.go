package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/ByteMirror/squadron/session"
)

// AgentEventType names an orchestrator lifecycle event.
type AgentEventType string

const (
	EventAgentCreated  AgentEventType = "agent_created"
	EventAgentStarted  AgentEventType = "agent_started"
	EventAgentStopped  AgentEventType = "agent_stopped"
	EventAgentRemoved  AgentEventType = "agent_removed"
	EventTaskStarted   AgentEventType = "task_started"
	EventTaskCompleted AgentEventType = "task_completed"
	EventTaskFailed    AgentEventType = "task_failed"
	EventTaskCancelled AgentEventType = "task_cancelled"
)

// AgentEvent is delivered to observers registered with Observe.
type AgentEvent struct {
	Type      AgentEventType       `json:"type"`
	AgentID   string               `json:"agent_id"`
	TaskID    string               `json:"task_id,omitempty"`
	Status    session.ProcessState `json:"status"`
	Error     string               `json:"error,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

// TaskStream is one task's event stream with every event stamped with the
// agent, task and role that produced it.
type TaskStream struct {
	AgentID string
	TaskID  string
	Role    AgentRole

	inner  *session.EventStream
	ctx    context.Context
	events chan session.Event
	done   chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

func newTaskStream(ctx context.Context, agentID, taskID string, role AgentRole, inner *session.EventStream) *TaskStream {
	return &TaskStream{
		AgentID: agentID,
		TaskID:  taskID,
		Role:    role,
		inner:   inner,
		ctx:     ctx,
		events:  make(chan session.Event, 64),
		done:    make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

// Events returns the stamped events. The channel closes after the agent has
// released the task's process.
func (t *TaskStream) Events() <-chan session.Event {
	return t.events
}

// Close abandons the task. Safe to call more than once.
func (t *TaskStream) Close() {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.inner.Close()
	})
}

// Done is closed once the task has settled and counters are updated.
func (t *TaskStream) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task settles and returns its error.
func (t *TaskStream) Wait() error {
	<-t.done
	return t.inner.Err()
}

// Err returns the task error once settled.
func (t *TaskStream) Err() error {
	select {
	case <-t.done:
		return t.inner.Err()
	default:
		return nil
	}
}

// Collect drains every event and returns them with the task error.
func (t *TaskStream) Collect() ([]session.Event, error) {
	var out []session.Event
	for ev := range t.events {
		out = append(out, ev)
	}
	return out, t.Wait()
}

// forward copies events from the runtime stream until it closes. Once the
// caller closes the stream or cancels the task's context, remaining events
// are dropped so the task still settles without a reader.
func (t *TaskStream) forward(seen func(*session.Event), finish func(error)) {
	defer close(t.done)
	dropping := false
	for ev := range t.inner.Events() {
		ev.Metadata.AgentID = t.AgentID
		ev.Metadata.TaskID = t.TaskID
		ev.Metadata.Role = string(t.Role)
		seen(&ev)
		if dropping {
			continue
		}
		select {
		case t.events <- ev:
		case <-t.closed:
			dropping = true
		case <-t.ctx.Done():
			dropping = true
		}
	}
	err := t.inner.Wait()
	finish(err)
	close(t.events)
}
