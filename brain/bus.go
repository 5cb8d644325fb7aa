package brain

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ByteMirror/squadron/concurrency"
	"github.com/ByteMirror/squadron/log"

	"github.com/google/uuid"
)

var (
	ErrUnknownAgent      = errors.New("agent is not registered on the bus")
	ErrNoRecipients      = errors.New("no registered agents to route the message to")
	ErrResponseTimeout   = errors.New("timed out waiting for response")
	ErrNoPendingResponse = errors.New("no pending response for message")
)

// BusConfig sizes the communication bus.
type BusConfig struct {
	HistorySize     int
	ResponseTimeout time.Duration
}

// BusStats summarises bus traffic.
type BusStats struct {
	Agents           int            `json:"agents"`
	Sent             int            `json:"sent"`
	Delivered        int            `json:"delivered"`
	Received         int            `json:"received"`
	Responses        int            `json:"responses"`
	TimedOut         int            `json:"timed_out"`
	PendingResponses int            `json:"pending_responses"`
	QueueLengths     map[string]int `json:"queue_lengths"`
	HistorySize      int            `json:"history_size"`
}

type queuedMessage struct {
	msg   AgentMessage
	seq   uint64
	index int
}

// messageQueue is a container/heap ordered by priority, then arrival.
type messageQueue []*queuedMessage

func (q messageQueue) Len() int { return len(q) }

func (q messageQueue) Less(i, j int) bool {
	if q[i].msg.Priority != q[j].msg.Priority {
		return q[i].msg.Priority > q[j].msg.Priority
	}
	return q[i].seq < q[j].seq
}

func (q messageQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *messageQueue) Push(x any) {
	item, ok := x.(*queuedMessage)
	if !ok {
		panic(fmt.Sprintf("messageQueue.Push: unexpected type %T, want *queuedMessage", x))
	}
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *messageQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}

type mailbox struct {
	queue  messageQueue
	notify chan struct{}
}

type pendingResponse struct {
	ch      chan AgentMessage
	expires time.Time
}

// Bus routes messages between registered agents. Each agent has its own
// priority queue; delivery within a queue is priority then FIFO.
type Bus struct {
	cfg    BusConfig
	events *EventBus

	mu        sync.Mutex
	mailboxes map[string]*mailbox
	order     []string
	rr        uint64
	seq       uint64
	pending   map[string]*pendingResponse
	stats     BusStats

	history *concurrency.Ring[HistoryEntry]
	now     func() time.Time
}

// NewBus creates a bus. events may be nil; when set every sent message is
// also emitted as a message_sent event.
func NewBus(cfg BusConfig, events *EventBus) *Bus {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 1000
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = 30 * time.Second
	}
	return &Bus{
		cfg:       cfg,
		events:    events,
		mailboxes: make(map[string]*mailbox),
		pending:   make(map[string]*pendingResponse),
		history:   concurrency.NewRing[HistoryEntry](cfg.HistorySize),
		now:       time.Now,
	}
}

// RegisterAgent gives agentID a queue. Registering twice is a no-op.
func (b *Bus) RegisterAgent(agentID string) error {
	if agentID == "" {
		return concurrency.ConfigurationError("register_agent", "agent id is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.mailboxes[agentID]; ok {
		return nil
	}
	b.mailboxes[agentID] = &mailbox{notify: make(chan struct{}, 1)}
	b.order = append(b.order, agentID)
	return nil
}

// UnregisterAgent drops agentID and its queue. It returns how many queued
// messages were discarded.
func (b *Bus) UnregisterAgent(agentID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	mb, ok := b.mailboxes[agentID]
	if !ok {
		return 0
	}
	delete(b.mailboxes, agentID)
	for i, id := range b.order {
		if id == agentID {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	dropped := mb.queue.Len()
	if dropped > 0 {
		log.WarningLog.Printf("bus: unregistered %s with %d undelivered messages", agentID, dropped)
	}
	return dropped
}

// Agents returns registered agents in registration order.
func (b *Bus) Agents() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.order...)
}

// Send routes msg and returns the agents it was queued for. Missing ids,
// timestamps and priorities are filled in. A message whose ParentMessageID
// names a pending request also completes that request's waiter.
func (b *Bus) Send(msg AgentMessage) (AgentMessage, []string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	if msg.Priority == 0 {
		msg.Priority = PriorityNormal
	}
	if msg.Type == "" {
		msg.Type = MessageCoordination
	}
	if msg.Routing == "" {
		if msg.ToAgent != "" {
			msg.Routing = RouteDirect
		} else {
			msg.Routing = RouteBroadcast
		}
	}
	b.pruneExpired(now)

	fulfilled := b.fulfill(msg)

	recipients, err := b.route(msg)
	if err != nil {
		if !(fulfilled && errors.Is(err, ErrUnknownAgent)) {
			return msg, nil, err
		}
		recipients = nil
	}

	for _, id := range recipients {
		mb := b.mailboxes[id]
		b.seq++
		heap.Push(&mb.queue, &queuedMessage{msg: msg, seq: b.seq})
		select {
		case mb.notify <- struct{}{}:
		default:
		}
	}

	if msg.RequiresResponse {
		timeout := msg.ResponseTimeout
		if timeout <= 0 {
			timeout = b.cfg.ResponseTimeout
		}
		b.pending[msg.MessageID] = &pendingResponse{
			ch:      make(chan AgentMessage, 1),
			expires: now.Add(2 * timeout),
		}
	}

	b.stats.Sent++
	b.stats.Delivered += len(recipients)
	b.history.Add(HistoryEntry{Message: msg, Recipients: recipients})

	if b.events != nil {
		b.events.Emit(Event{
			Type:   EventMessageSent,
			Source: msg.FromAgent,
			Data: map[string]any{
				"message_id": msg.MessageID,
				"type":       string(msg.Type),
				"priority":   msg.Priority.String(),
				"recipients": recipients,
			},
		})
	}
	return msg, recipients, nil
}

// route picks recipients. Callers hold b.mu.
func (b *Bus) route(msg AgentMessage) ([]string, error) {
	switch msg.Routing {
	case RouteDirect:
		if msg.ToAgent == "" {
			return nil, concurrency.ConfigurationError("send", "direct message needs a recipient")
		}
		if _, ok := b.mailboxes[msg.ToAgent]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, msg.ToAgent)
		}
		return []string{msg.ToAgent}, nil
	case RouteBroadcast:
		if len(b.order) == 0 {
			return nil, ErrNoRecipients
		}
		return append([]string(nil), b.order...), nil
	case RouteRoundRobin:
		if len(b.order) == 0 {
			return nil, ErrNoRecipients
		}
		id := b.order[b.rr%uint64(len(b.order))]
		b.rr++
		return []string{id}, nil
	case RouteLoadBalanced:
		if len(b.order) == 0 {
			return nil, ErrNoRecipients
		}
		best := b.order[0]
		for _, id := range b.order[1:] {
			if b.mailboxes[id].queue.Len() < b.mailboxes[best].queue.Len() {
				best = id
			}
		}
		return []string{best}, nil
	default:
		return nil, concurrency.ConfigurationError("send", "unknown routing strategy %q", msg.Routing)
	}
}

// fulfill hands msg to a waiter on its parent. Callers hold b.mu.
func (b *Bus) fulfill(msg AgentMessage) bool {
	if msg.ParentMessageID == "" {
		return false
	}
	p, ok := b.pending[msg.ParentMessageID]
	if !ok {
		return false
	}
	select {
	case p.ch <- msg:
		b.stats.Responses++
		return true
	default:
		// Already answered.
		return false
	}
}

func (b *Bus) pruneExpired(now time.Time) {
	for id, p := range b.pending {
		if now.After(p.expires) {
			delete(b.pending, id)
		}
	}
}

// Receive pops the highest-priority message for agentID, waiting up to
// timeout for one to arrive. It returns nil without error on timeout.
func (b *Bus) Receive(ctx context.Context, agentID string, timeout time.Duration) (*AgentMessage, error) {
	var timer *time.Timer
	for {
		b.mu.Lock()
		mb, ok := b.mailboxes[agentID]
		if !ok {
			b.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
		}
		if mb.queue.Len() > 0 {
			item := heap.Pop(&mb.queue).(*queuedMessage)
			b.stats.Received++
			b.mu.Unlock()
			return &item.msg, nil
		}
		notify := mb.notify
		b.mu.Unlock()

		if timeout <= 0 {
			return nil, nil
		}
		if timer == nil {
			timer = time.NewTimer(timeout)
			defer timer.Stop()
		}
		select {
		case <-notify:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// QueueLength returns the number of messages waiting for agentID.
func (b *Bus) QueueLength(agentID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if mb, ok := b.mailboxes[agentID]; ok {
		return mb.queue.Len()
	}
	return 0
}

// SendResponse answers original on behalf of from. The reply is queued for
// the original sender when it is registered and always completes a pending
// WaitForResponse.
func (b *Bus) SendResponse(original AgentMessage, from string, content MessageContent) (AgentMessage, error) {
	reply := AgentMessage{
		FromAgent:       from,
		ToAgent:         original.FromAgent,
		Type:            MessageTaskResponse,
		Content:         content,
		Priority:        original.Priority,
		Routing:         RouteDirect,
		ParentMessageID: original.MessageID,
	}
	sent, _, err := b.Send(reply)
	return sent, err
}

// WaitForResponse blocks until a reply to messageID arrives or timeout
// passes. Timeouts are reported as ErrResponseTimeout with the timeout kind.
func (b *Bus) WaitForResponse(ctx context.Context, messageID string, timeout time.Duration) (AgentMessage, error) {
	b.mu.Lock()
	p, ok := b.pending[messageID]
	b.mu.Unlock()
	if !ok {
		return AgentMessage{}, fmt.Errorf("%w: %s", ErrNoPendingResponse, messageID)
	}
	if timeout <= 0 {
		timeout = b.cfg.ResponseTimeout
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-p.ch:
		b.mu.Lock()
		delete(b.pending, messageID)
		b.mu.Unlock()
		return reply, nil
	case <-timer.C:
		b.mu.Lock()
		delete(b.pending, messageID)
		b.stats.TimedOut++
		b.mu.Unlock()
		return AgentMessage{}, concurrency.NewError(concurrency.KindTimeout, "wait_for_response", messageID, ErrResponseTimeout)
	case <-ctx.Done():
		return AgentMessage{}, ctx.Err()
	}
}

// History returns sent messages matching filter, oldest first.
func (b *Bus) History(filter HistoryFilter) []HistoryEntry {
	return b.history.Filter(filter.match, filter.Limit)
}

// Stats returns traffic counters and current queue lengths.
func (b *Bus) Stats() BusStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Agents = len(b.mailboxes)
	s.PendingResponses = len(b.pending)
	s.QueueLengths = make(map[string]int, len(b.mailboxes))
	for id, mb := range b.mailboxes {
		s.QueueLengths[id] = mb.queue.Len()
	}
	s.HistorySize = b.history.Len()
	return s
}
