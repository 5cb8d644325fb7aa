package brain

import (
	"context"
	"testing"
	"time"

	"github.com/ByteMirror/squadron/concurrency"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T, agents ...string) *Bus {
	t.Helper()
	b := NewBus(BusConfig{HistorySize: 50, ResponseTimeout: time.Second}, nil)
	for _, id := range agents {
		require.NoError(t, b.RegisterAgent(id))
	}
	return b
}

func drain(t *testing.T, b *Bus, agentID string) []AgentMessage {
	t.Helper()
	var out []AgentMessage
	for {
		msg, err := b.Receive(context.Background(), agentID, 0)
		require.NoError(t, err)
		if msg == nil {
			return out
		}
		out = append(out, *msg)
	}
}

func TestBusPriorityThenFIFO(t *testing.T) {
	b := newTestBus(t, "lead", "worker")

	for _, m := range []struct {
		text     string
		priority Priority
	}{
		{"low-1", PriorityLow},
		{"normal-1", PriorityNormal},
		{"urgent-1", PriorityUrgent},
		{"normal-2", PriorityNormal},
		{"urgent-2", PriorityUrgent},
		{"high-1", PriorityHigh},
	} {
		_, _, err := b.Send(AgentMessage{
			FromAgent: "lead",
			ToAgent:   "worker",
			Content:   MessageContent{Text: m.text},
			Priority:  m.priority,
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 6, b.QueueLength("worker"))

	var got []string
	for _, msg := range drain(t, b, "worker") {
		got = append(got, msg.Content.Text)
	}
	assert.Equal(t, []string{"urgent-1", "urgent-2", "high-1", "normal-1", "normal-2", "low-1"}, got)
}

func TestBusSendFillsDefaults(t *testing.T) {
	b := newTestBus(t, "a", "b")
	msg, recipients, err := b.Send(AgentMessage{FromAgent: "a", ToAgent: "b"})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.MessageID)
	assert.False(t, msg.Timestamp.IsZero())
	assert.Equal(t, PriorityNormal, msg.Priority)
	assert.Equal(t, MessageCoordination, msg.Type)
	assert.Equal(t, RouteDirect, msg.Routing)
	assert.Equal(t, []string{"b"}, recipients)
}

func TestBusBroadcast(t *testing.T) {
	b := newTestBus(t, "a", "b", "c")
	msg, recipients, err := b.Send(AgentMessage{FromAgent: "a", Content: MessageContent{Text: "all hands"}})
	require.NoError(t, err)
	assert.Equal(t, RouteBroadcast, msg.Routing)
	assert.Equal(t, []string{"a", "b", "c"}, recipients)
	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, 1, b.QueueLength(id), id)
	}
}

func TestBusRoundRobin(t *testing.T) {
	b := newTestBus(t, "a", "b", "c")
	var got []string
	for i := 0; i < 7; i++ {
		_, recipients, err := b.Send(AgentMessage{FromAgent: "lead", Routing: RouteRoundRobin})
		require.NoError(t, err)
		require.Len(t, recipients, 1)
		got = append(got, recipients[0])
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c", "a"}, got)
}

func TestBusLoadBalanced(t *testing.T) {
	b := newTestBus(t, "a", "b", "c")

	// Ties go to the earliest registered agent.
	_, recipients, err := b.Send(AgentMessage{FromAgent: "lead", Routing: RouteLoadBalanced})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, recipients)

	_, _, err = b.Send(AgentMessage{FromAgent: "lead", ToAgent: "b"})
	require.NoError(t, err)

	// a and b each hold one message, c holds none.
	_, recipients, err = b.Send(AgentMessage{FromAgent: "lead", Routing: RouteLoadBalanced})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, recipients)

	drain(t, b, "a")
	_, recipients, err = b.Send(AgentMessage{FromAgent: "lead", Routing: RouteLoadBalanced})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, recipients)
}

func TestBusRoutingErrors(t *testing.T) {
	b := newTestBus(t)
	_, _, err := b.Send(AgentMessage{FromAgent: "x", Routing: RouteBroadcast})
	assert.ErrorIs(t, err, ErrNoRecipients)
	_, _, err = b.Send(AgentMessage{FromAgent: "x", Routing: RouteRoundRobin})
	assert.ErrorIs(t, err, ErrNoRecipients)

	require.NoError(t, b.RegisterAgent("a"))
	_, _, err = b.Send(AgentMessage{FromAgent: "a", ToAgent: "ghost"})
	assert.ErrorIs(t, err, ErrUnknownAgent)

	_, _, err = b.Send(AgentMessage{FromAgent: "a", Routing: RouteDirect})
	assert.Equal(t, concurrency.KindConfiguration, concurrency.KindOf(err))

	_, _, err = b.Send(AgentMessage{FromAgent: "a", Routing: "carrier_pigeon"})
	assert.Error(t, err)

	_, err = b.Receive(context.Background(), "ghost", 0)
	assert.ErrorIs(t, err, ErrUnknownAgent)

	assert.Error(t, b.RegisterAgent(""))
	assert.Equal(t, 0, b.Stats().Sent)
}

func TestBusReceiveTimeout(t *testing.T) {
	b := newTestBus(t, "a")
	start := time.Now()
	msg, err := b.Receive(context.Background(), "a", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, msg)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestBusReceiveWakesOnSend(t *testing.T) {
	b := newTestBus(t, "a")
	got := make(chan *AgentMessage, 1)
	go func() {
		msg, _ := b.Receive(context.Background(), "a", 5*time.Second)
		got <- msg
	}()

	time.Sleep(20 * time.Millisecond)
	_, _, err := b.Send(AgentMessage{FromAgent: "lead", ToAgent: "a", Content: MessageContent{Text: "wake"}})
	require.NoError(t, err)

	select {
	case msg := <-got:
		require.NotNil(t, msg)
		assert.Equal(t, "wake", msg.Content.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("receiver was not woken")
	}
}

func TestBusReceiveContextCancel(t *testing.T) {
	b := newTestBus(t, "a")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := b.Receive(ctx, "a", time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBusRequestResponse(t *testing.T) {
	b := newTestBus(t, "lead", "worker")

	req, _, err := b.Send(AgentMessage{
		FromAgent:        "lead",
		ToAgent:          "worker",
		Type:             MessageTaskRequest,
		Content:          MessageContent{Task: "summarise the diff"},
		RequiresResponse: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, b.Stats().PendingResponses)

	go func() {
		msg, err := b.Receive(context.Background(), "worker", time.Second)
		if err != nil || msg == nil {
			return
		}
		_, _ = b.SendResponse(*msg, "worker", MessageContent{Text: "summary"})
	}()

	reply, err := b.WaitForResponse(context.Background(), req.MessageID, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, MessageTaskResponse, reply.Type)
	assert.Equal(t, req.MessageID, reply.ParentMessageID)
	assert.Equal(t, "summary", reply.Content.Text)

	// The reply is also queued for the requester.
	queued := drain(t, b, "lead")
	require.Len(t, queued, 1)
	assert.Equal(t, reply.MessageID, queued[0].MessageID)

	stats := b.Stats()
	assert.Equal(t, 1, stats.Responses)
	assert.Equal(t, 0, stats.PendingResponses)
}

func TestBusResponseToUnregisteredSender(t *testing.T) {
	b := newTestBus(t, "worker")
	req, _, err := b.Send(AgentMessage{FromAgent: "cli", ToAgent: "worker", RequiresResponse: true})
	require.NoError(t, err)

	_, err = b.SendResponse(req, "worker", MessageContent{Text: "ok"})
	require.NoError(t, err)

	reply, err := b.WaitForResponse(context.Background(), req.MessageID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok", reply.Content.Text)
}

func TestBusWaitForResponseTimeout(t *testing.T) {
	b := newTestBus(t, "worker")
	req, _, err := b.Send(AgentMessage{FromAgent: "lead", ToAgent: "worker", RequiresResponse: true})
	require.NoError(t, err)

	_, err = b.WaitForResponse(context.Background(), req.MessageID, 30*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrResponseTimeout)
	assert.Equal(t, concurrency.KindTimeout, concurrency.KindOf(err))

	stats := b.Stats()
	assert.Equal(t, 1, stats.TimedOut)
	assert.Equal(t, 0, stats.PendingResponses)

	_, err = b.WaitForResponse(context.Background(), req.MessageID, time.Millisecond)
	assert.ErrorIs(t, err, ErrNoPendingResponse)
}

func TestBusPendingResponsesExpire(t *testing.T) {
	b := newTestBus(t, "worker")
	now := time.Now()
	b.now = func() time.Time { return now }

	_, _, err := b.Send(AgentMessage{FromAgent: "lead", ToAgent: "worker", RequiresResponse: true, ResponseTimeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, 1, b.Stats().PendingResponses)

	now = now.Add(3 * time.Second)
	_, _, err = b.Send(AgentMessage{FromAgent: "lead", ToAgent: "worker"})
	require.NoError(t, err)
	assert.Equal(t, 0, b.Stats().PendingResponses)
}

func TestBusHistory(t *testing.T) {
	b := NewBus(BusConfig{HistorySize: 3}, nil)
	for _, id := range []string{"a", "b"} {
		require.NoError(t, b.RegisterAgent(id))
	}

	send := func(from, to string, typ MessageType, text string) {
		_, _, err := b.Send(AgentMessage{FromAgent: from, ToAgent: to, Type: typ, Content: MessageContent{Text: text}})
		require.NoError(t, err)
	}
	send("a", "b", MessageTaskRequest, "1")
	send("b", "a", MessageStatusUpdate, "2")
	send("a", "b", MessageTaskRequest, "3")
	send("a", "b", MessageHeartbeat, "4")

	all := b.History(HistoryFilter{})
	require.Len(t, all, 3, "oldest entry evicted")
	assert.Equal(t, "2", all[0].Message.Content.Text)

	requests := b.History(HistoryFilter{Type: MessageTaskRequest})
	require.Len(t, requests, 1)
	assert.Equal(t, "3", requests[0].Message.Content.Text)

	limited := b.History(HistoryFilter{Limit: 1})
	require.Len(t, limited, 1)
	assert.Equal(t, "4", limited[0].Message.Content.Text)

	fromB := b.History(HistoryFilter{Agent: "b"})
	assert.Len(t, fromB, 3)

	future := b.History(HistoryFilter{Since: time.Now().Add(time.Hour)})
	assert.Empty(t, future)
}

func TestBusUnregisterDropsQueue(t *testing.T) {
	b := newTestBus(t, "a", "b")
	for i := 0; i < 3; i++ {
		_, _, err := b.Send(AgentMessage{FromAgent: "a", ToAgent: "b"})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, b.UnregisterAgent("b"))
	assert.Equal(t, 0, b.UnregisterAgent("b"))
	assert.Equal(t, []string{"a"}, b.Agents())

	require.NoError(t, b.RegisterAgent("a"))
	assert.Equal(t, []string{"a"}, b.Agents(), "re-registering is a no-op")
}

func TestBusStats(t *testing.T) {
	b := newTestBus(t, "a", "b", "c")
	_, _, err := b.Send(AgentMessage{FromAgent: "a"})
	require.NoError(t, err)
	_, _, err = b.Send(AgentMessage{FromAgent: "a", ToAgent: "b"})
	require.NoError(t, err)
	drain(t, b, "b")

	s := b.Stats()
	assert.Equal(t, 3, s.Agents)
	assert.Equal(t, 2, s.Sent)
	assert.Equal(t, 4, s.Delivered)
	assert.Equal(t, 2, s.Received)
	assert.Equal(t, map[string]int{"a": 1, "b": 0, "c": 1}, s.QueueLengths)
	assert.Equal(t, 2, s.HistorySize)
}

func TestBusEmitsMessageSent(t *testing.T) {
	events := NewEventBus(10)
	sub := events.Subscribe(EventFilter{Types: []EventType{EventMessageSent}})
	b := NewBus(BusConfig{}, events)
	require.NoError(t, b.RegisterAgent("worker"))

	msg, _, err := b.Send(AgentMessage{FromAgent: "lead", ToAgent: "worker", Priority: PriorityUrgent})
	require.NoError(t, err)

	batch, err := events.Poll(sub, time.Second)
	require.NoError(t, err)
	got := batch.Events
	require.Len(t, got, 1)
	assert.Equal(t, "lead", got[0].Source)
	assert.Equal(t, msg.MessageID, got[0].Data["message_id"])
	assert.Equal(t, "urgent", got[0].Data["priority"])
	assert.Equal(t, []string{"worker"}, got[0].Data["recipients"])
}

func TestParseMessageType(t *testing.T) {
	assert.Equal(t, MessageTaskRequest, ParseMessageType("TASK_REQUEST"))
	assert.Equal(t, MessageCoordination, ParseMessageType(""))
	assert.Equal(t, MessageUnknown, ParseMessageType("gossip"))

	var mt MessageType
	require.NoError(t, mt.UnmarshalText([]byte("heartbeat")))
	assert.Equal(t, MessageHeartbeat, mt)

	assert.Equal(t, PriorityUrgent, ParsePriority("Urgent"))
	assert.Equal(t, PriorityNormal, ParsePriority("whatever"))
}
