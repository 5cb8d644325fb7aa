package brain

import (
	"sync"
	"testing"
	"time"

	"github.com/ByteMirror/squadron/concurrency"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBusStampsAndDelivers(t *testing.T) {
	eb := NewEventBus(100)
	sub := eb.Subscribe(EventFilter{})

	assert.Equal(t, 1, eb.Emit(Event{Type: EventAgentStatus, Source: "w1"}))

	batch, err := eb.Poll(sub, time.Second)
	require.NoError(t, err)
	require.Len(t, batch.Events, 1)
	ev := batch.Events[0]
	assert.Equal(t, EventAgentStatus, ev.Type)
	assert.Equal(t, "w1", ev.Source)
	assert.Equal(t, uint64(1), ev.Sequence)
	assert.False(t, ev.Timestamp.IsZero())
	assert.Zero(t, batch.Dropped)
}

func TestEventBusFilters(t *testing.T) {
	tests := []struct {
		name   string
		filter EventFilter
		want   []string
	}{
		{"everything", EventFilter{}, []string{"a/agent_status", "b/alert_raised", "lead/message_sent"}},
		{"by type", EventFilter{Types: []EventType{EventAlertRaised}}, []string{"b/alert_raised"}},
		{"by source", EventFilter{Sources: []string{"lead"}}, []string{"lead/message_sent"}},
		{
			"type and source",
			EventFilter{Types: []EventType{EventAgentStatus, EventMessageSent}, Sources: []string{"a", "b"}},
			[]string{"a/agent_status"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eb := NewEventBus(100)
			sub := eb.Subscribe(tt.filter)
			eb.Emit(Event{Type: EventAgentStatus, Source: "a"})
			eb.Emit(Event{Type: EventAlertRaised, Source: "b"})
			eb.Emit(Event{Type: EventMessageSent, Source: "lead"})

			batch, err := eb.Poll(sub, 0)
			require.NoError(t, err)
			var got []string
			for _, ev := range batch.Events {
				got = append(got, ev.Source+"/"+string(ev.Type))
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEventBusPollWaitsForNextEvent(t *testing.T) {
	eb := NewEventBus(100)
	sub := eb.Subscribe(EventFilter{})

	go func() {
		time.Sleep(30 * time.Millisecond)
		eb.Emit(Event{Type: EventHealthUpdate})
	}()

	start := time.Now()
	batch, err := eb.Poll(sub, 2*time.Second)
	require.NoError(t, err)
	assert.Len(t, batch.Events, 1)
	assert.Less(t, time.Since(start), time.Second)
}

func TestEventBusPollTimesOutEmpty(t *testing.T) {
	eb := NewEventBus(100)
	sub := eb.Subscribe(EventFilter{})

	start := time.Now()
	batch, err := eb.Poll(sub, 80*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, batch.Events)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestEventBusOverflowReportsDrops(t *testing.T) {
	eb := NewEventBus(5)
	sub := eb.Subscribe(EventFilter{})
	for i := 0; i < 12; i++ {
		eb.Emit(Event{Type: EventAgentStatus})
	}

	batch, err := eb.Poll(sub, 0)
	require.NoError(t, err)
	require.Len(t, batch.Events, 5)
	assert.Equal(t, 7, batch.Dropped)
	assert.Equal(t, uint64(8), batch.Events[0].Sequence)

	// Drops are reported once.
	batch, err = eb.Poll(sub, 0)
	require.NoError(t, err)
	assert.Zero(t, batch.Dropped)

	st := eb.Stats()
	assert.Equal(t, uint64(12), st.Emitted)
	assert.Equal(t, uint64(7), st.Dropped)
	assert.Zero(t, st.Buffered)
}

func TestEventBusUnsubscribeReleasesPoller(t *testing.T) {
	eb := NewEventBus(100)
	sub := eb.Subscribe(EventFilter{})

	done := make(chan error, 1)
	go func() {
		_, err := eb.Poll(sub, 5*time.Second)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	assert.True(t, eb.Unsubscribe(sub))
	assert.False(t, eb.Unsubscribe(sub))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSubscriptionClosed)
	case <-time.After(time.Second):
		t.Fatal("poll did not return after unsubscribe")
	}
	assert.Zero(t, eb.Emit(Event{Type: EventAgentStatus}))
}

func TestEventBusPruneStale(t *testing.T) {
	eb := NewEventBus(100)
	clock := time.Now()
	eb.now = func() time.Time { return clock }

	stale := eb.Subscribe(EventFilter{})
	clock = clock.Add(10 * time.Minute)
	fresh := eb.Subscribe(EventFilter{})

	assert.Equal(t, 1, eb.PruneStale(5*time.Minute))
	assert.Equal(t, 1, eb.SubscriberCount())

	_, err := eb.Poll(stale, 0)
	assert.ErrorIs(t, err, ErrSubscriptionClosed)
	_, err = eb.Poll(fresh, 0)
	assert.NoError(t, err)
}

func TestParseEventTypes(t *testing.T) {
	types, err := ParseEventTypes([]string{" Agent_Status", "", "pool_task_completed"})
	require.NoError(t, err)
	assert.Equal(t, []EventType{EventAgentStatus, EventPoolTask}, types)

	types, err = ParseEventTypes(nil)
	require.NoError(t, err)
	assert.Nil(t, types)

	_, err = ParseEventTypes([]string{"agent_gossip"})
	assert.Equal(t, concurrency.KindConfiguration, concurrency.KindOf(err))
}

func TestEventBusConcurrentEmitters(t *testing.T) {
	const (
		subscribers = 4
		emitters    = 4
		perEmitter  = 100
		total       = emitters * perEmitter
	)
	eb := NewEventBus(total)

	subs := make([]string, subscribers)
	for i := range subs {
		subs[i] = eb.Subscribe(EventFilter{})
	}

	var wg sync.WaitGroup
	for i := 0; i < emitters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perEmitter; j++ {
				eb.Emit(Event{Type: EventSystemMetrics})
			}
		}()
	}

	counts := make([]int, subscribers)
	for i := range subs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for counts[i] < total {
				batch, err := eb.Poll(subs[i], 200*time.Millisecond)
				if err != nil {
					return
				}
				counts[i] += len(batch.Events)
			}
		}(i)
	}
	wg.Wait()

	for i, n := range counts {
		assert.Equal(t, total, n, "subscriber %d", i)
	}
	assert.Equal(t, uint64(total*subscribers), eb.Stats().Delivered)
}
