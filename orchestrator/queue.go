package orchestrator

import (
	"container/heap"
	"fmt"
	"time"
)

// TaskPriority orders pool tasks; higher runs first.
type TaskPriority int

const (
	PriorityLow    TaskPriority = 1
	PriorityNormal TaskPriority = 2
	PriorityHigh   TaskPriority = 3
	PriorityUrgent TaskPriority = 4
)

func (p TaskPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority accepts a priority name; unknown names are normal.
func ParsePriority(s string) TaskPriority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "urgent":
		return PriorityUrgent
	default:
		return PriorityNormal
	}
}

// PoolTask is a queued unit of work.
type PoolTask struct {
	ID          string       `json:"id"`
	Prompt      string       `json:"prompt"`
	Priority    TaskPriority `json:"priority"`
	SubmittedAt time.Time    `json:"submitted_at"`

	seq   uint64
	index int
}

// taskQueue is a container/heap ordered by priority, then submission order.
type taskQueue []*PoolTask

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	task, ok := x.(*PoolTask)
	if !ok {
		panic(fmt.Sprintf("taskQueue.Push: unexpected type %T, want *PoolTask", x))
	}
	task.index = len(*q)
	*q = append(*q, task)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	task.index = -1
	*q = old[:n-1]
	return task
}

func (q *taskQueue) push(t *PoolTask) { heap.Push(q, t) }

func (q *taskQueue) pop() *PoolTask {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*PoolTask)
}
