package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ByteMirror/squadron/concurrency"
	"github.com/ByteMirror/squadron/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAgentValidation(t *testing.T) {
	cfg := testConfig(newFakeSpawner(succeed))
	cfg.MaxAgents = 2
	o := New(cfg)

	info, err := o.CreateAgent(AgentConfig{AgentID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, session.StateIdle, info.Status)
	assert.Equal(t, RoleWorker, info.Config.Role)
	assert.Equal(t, "claude", info.Config.CLI.Program)

	tests := []struct {
		name string
		cfg  AgentConfig
	}{
		{name: "empty id", cfg: AgentConfig{}},
		{name: "duplicate", cfg: AgentConfig{AgentID: "a1"}},
		{name: "unknown role", cfg: AgentConfig{AgentID: "a2", Role: "janitor"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.CreateAgent(tt.cfg)
			require.Error(t, err)
			assert.Equal(t, concurrency.KindConfiguration, concurrency.Classify(err))
		})
	}

	_, err = o.CreateAgent(AgentConfig{AgentID: "a2", Role: RoleManager})
	require.NoError(t, err)
	_, err = o.CreateAgent(AgentConfig{AgentID: "a3"})
	assert.Equal(t, concurrency.KindConfiguration, concurrency.Classify(err), "over capacity")
	assert.Len(t, o.ListAgents(), 2)
}

func TestExecuteTaskStampsEventsAndCounts(t *testing.T) {
	o := New(testConfig(newFakeSpawner(succeed)))
	_, err := o.CreateAgent(AgentConfig{AgentID: "w1", Role: RoleSpecialist})
	require.NoError(t, err)

	ts, err := o.ExecuteTask(context.Background(), "w1", "build it", "task-1")
	require.NoError(t, err)
	events, err := ts.Collect()
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.Equal(t, "w1", ev.Metadata.AgentID)
		assert.Equal(t, "task-1", ev.Metadata.TaskID)
		assert.Equal(t, "specialist", ev.Metadata.Role)
	}
	assert.Equal(t, "done: build it", events[1].Content)

	info, err := o.GetAgent("w1")
	require.NoError(t, err)
	assert.Equal(t, 1, info.TaskCount)
	assert.Equal(t, 0, info.ErrorCount)
	assert.Empty(t, info.CurrentTaskID)

	stats := o.GetSystemStats()
	assert.Equal(t, 1, stats.CompletedTasks)
	assert.Equal(t, 100.0, stats.SuccessRate)
	assert.Equal(t, 0, stats.Tracker.Total)
}

func TestExecuteTaskGeneratesTaskID(t *testing.T) {
	o := New(testConfig(newFakeSpawner(succeed)))
	_, err := o.CreateAgent(AgentConfig{AgentID: "w1"})
	require.NoError(t, err)

	ts, err := o.ExecuteTask(context.Background(), "w1", "x", "")
	require.NoError(t, err)
	assert.NotEmpty(t, ts.TaskID)
	_, err = ts.Collect()
	require.NoError(t, err)
}

func TestExecuteTaskOnBusyAgentLeavesCounters(t *testing.T) {
	o := New(testConfig(newFakeSpawner(block)))
	_, err := o.CreateAgent(AgentConfig{AgentID: "w1"})
	require.NoError(t, err)

	ts, err := o.ExecuteTask(context.Background(), "w1", "long", "t1")
	require.NoError(t, err)
	<-ts.Events()

	_, err = o.ExecuteTask(context.Background(), "w1", "second", "t2")
	assert.ErrorIs(t, err, session.ErrNotIdle)

	info, _ := o.GetAgent("w1")
	assert.Equal(t, 0, info.TaskCount)
	assert.Equal(t, 0, info.ErrorCount)
	assert.Equal(t, "t1", info.CurrentTaskID)

	ts.Close()
	assert.ErrorIs(t, ts.Wait(), context.Canceled)

	info, _ = o.GetAgent("w1")
	assert.Equal(t, 0, info.TaskCount, "cancelled tasks are not counted")
	assert.Equal(t, 0, info.ErrorCount)
	assert.Equal(t, 0, o.Tracker().Stats().Total)
}

func TestExecuteTaskUnknownAgent(t *testing.T) {
	o := New(testConfig(newFakeSpawner(succeed)))
	_, err := o.ExecuteTask(context.Background(), "ghost", "x", "")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestExecuteTaskFailureCountsError(t *testing.T) {
	o := New(testConfig(newFakeSpawner(fail)))
	_, err := o.CreateAgent(AgentConfig{AgentID: "w1"})
	require.NoError(t, err)

	ts, err := o.ExecuteTask(context.Background(), "w1", "x", "")
	require.NoError(t, err)
	_, err = ts.Collect()
	require.Error(t, err)

	info, _ := o.GetAgent("w1")
	assert.Equal(t, 1, info.ErrorCount)
	assert.Equal(t, session.StateFailed, info.Status)
	assert.Equal(t, 100.0, info.ErrorRate())

	stats := o.GetSystemStats()
	assert.Equal(t, 1, stats.ErroredTasks)
	assert.Equal(t, 0.0, stats.SuccessRate)
	assert.Equal(t, 1, stats.ByStatus["FAILED"])
}

func TestExecuteTaskSettlesWhenCallerCancelsWithoutReading(t *testing.T) {
	chatty := func(p *fakeProc, prompt string) {
		for i := 0; i < 200; i++ {
			p.out(`{"type":"stream","content":"line"}`)
		}
		<-p.exited
	}
	o := New(testConfig(newFakeSpawner(chatty)))
	_, err := o.CreateAgent(AgentConfig{AgentID: "w1"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ts, err := o.ExecuteTask(ctx, "w1", "talk a lot", "t1")
	require.NoError(t, err)

	// Let the forwarding buffer fill up before abandoning the task.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-ts.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("task did not settle after its context was cancelled")
	}
	assert.ErrorIs(t, ts.Err(), context.Canceled)

	info, err := o.GetAgent("w1")
	require.NoError(t, err)
	assert.Empty(t, info.CurrentTaskID)
	assert.Equal(t, session.StateIdle, info.Status)
	assert.Equal(t, 0, o.Tracker().Stats().Total)
}

func TestBroadcastTaskFiltersByRole(t *testing.T) {
	o := New(testConfig(newFakeSpawner(succeed)))
	for _, c := range []AgentConfig{
		{AgentID: "w1", Role: RoleWorker},
		{AgentID: "m1", Role: RoleManager},
		{AgentID: "w2", Role: RoleWorker},
	} {
		_, err := o.CreateAgent(c)
		require.NoError(t, err)
	}

	streams, err := o.BroadcastTask(context.Background(), "review", []AgentRole{RoleWorker}, 0)
	require.NoError(t, err)
	require.Len(t, streams, 2)
	assert.Contains(t, streams, "w1")
	assert.Contains(t, streams, "w2")
	for id, ts := range streams {
		events, err := ts.Collect()
		require.NoError(t, err)
		assert.Equal(t, id, events[0].Metadata.AgentID)
	}

	streams, err = o.BroadcastTask(context.Background(), "review", nil, 2)
	require.NoError(t, err)
	assert.Len(t, streams, 2)
	assert.Contains(t, streams, "w1")
	assert.Contains(t, streams, "m1")
	for _, ts := range streams {
		_, _ = ts.Collect()
	}

	_, err = o.BroadcastTask(context.Background(), "review", []AgentRole{RoleCoordinator}, 0)
	assert.ErrorIs(t, err, ErrNoIdleAgents)
}

func TestStartStopIdempotent(t *testing.T) {
	o := New(testConfig(newFakeSpawner(block)))
	_, err := o.CreateAgent(AgentConfig{AgentID: "w1"})
	require.NoError(t, err)

	info, err := o.StartAgent("w1")
	require.NoError(t, err)
	assert.Equal(t, session.StateIdle, info.Status)
	assert.Equal(t, 0, info.RestartCount)
	assert.False(t, info.StartedAt.IsZero())

	ts, err := o.ExecuteTask(context.Background(), "w1", "x", "")
	require.NoError(t, err)
	<-ts.Events()

	require.NoError(t, o.StopAgent("w1", false))
	require.NoError(t, o.StopAgent("w1", true))
	info, _ = o.GetAgent("w1")
	assert.Equal(t, session.StateTerminated, info.Status)
	assert.Equal(t, 0, o.Tracker().Stats().Total)
	<-ts.Done()

	info, err = o.StartAgent("w1")
	require.NoError(t, err)
	assert.Equal(t, session.StateIdle, info.Status)
	assert.Equal(t, 1, info.RestartCount)

	_, err = o.StartAgent("ghost")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestRemoveAgent(t *testing.T) {
	o := New(testConfig(newFakeSpawner(block)))
	_, err := o.CreateAgent(AgentConfig{AgentID: "w1"})
	require.NoError(t, err)
	ts, err := o.ExecuteTask(context.Background(), "w1", "x", "")
	require.NoError(t, err)
	<-ts.Events()

	require.NoError(t, o.RemoveAgent("w1"))
	_, err = o.GetAgent("w1")
	assert.ErrorIs(t, err, ErrAgentNotFound)
	assert.Equal(t, 0, o.Tracker().Stats().Total)
	assert.ErrorIs(t, o.RemoveAgent("w1"), ErrAgentNotFound)
}

func TestHealthCheck(t *testing.T) {
	cfg := testConfig(newFakeSpawner(succeed))
	exec := &fakeExecutor{out: []byte("1.2.3")}
	cfg.Executor = exec
	o := New(cfg)
	_, err := o.CreateAgent(AgentConfig{AgentID: "w1"})
	require.NoError(t, err)

	report := o.HealthCheck(context.Background(), "w1")
	assert.True(t, report.IsHealthy)
	assert.Empty(t, report.Error)
	assert.Equal(t, "CLOSED", report.Breaker)
	assert.Contains(t, exec.calls, "claude --version")

	exec.err = errors.New("executable file not found")
	report = o.HealthCheck(context.Background(), "w1")
	assert.False(t, report.IsHealthy)
	assert.NotEmpty(t, report.Error)
	assert.NotEmpty(t, report.Recommendations)

	report = o.HealthCheck(context.Background(), "ghost")
	assert.False(t, report.IsHealthy)
	assert.Contains(t, report.Error, "agent not found")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report = o.HealthCheck(ctx, "w1")
	assert.False(t, report.IsHealthy)
	assert.Contains(t, report.Error, "timeout")
}

func TestHealthCheckFlagsOpenCircuit(t *testing.T) {
	cfg := testConfig(newFakeSpawner(func(p *fakeProc, prompt string) {
		p.out("Error: 401 Unauthorized")
		p.exit(errors.New("exit status 1"))
	}))
	cfg.Breaker.FailureThreshold = 1
	o := New(cfg)
	_, err := o.CreateAgent(AgentConfig{AgentID: "w1"})
	require.NoError(t, err)

	ts, err := o.ExecuteTask(context.Background(), "w1", "x", "")
	require.NoError(t, err)
	_, err = ts.Collect()
	require.Error(t, err)

	report := o.HealthCheck(context.Background(), "w1")
	assert.False(t, report.IsHealthy)
	assert.Equal(t, "OPEN", report.Breaker)
	assert.Equal(t, 1, o.GetSystemStats().OpenCircuits)

	require.NoError(t, o.ResetCircuit("w1"))
	_, err = o.StartAgent("w1")
	require.NoError(t, err)
	report = o.HealthCheck(context.Background(), "w1")
	assert.True(t, report.IsHealthy)
}

func TestShutdown(t *testing.T) {
	o := New(testConfig(newFakeSpawner(block)))
	var streams []*TaskStream
	for _, id := range []string{"w1", "w2", "w3"} {
		_, err := o.CreateAgent(AgentConfig{AgentID: id})
		require.NoError(t, err)
		ts, err := o.ExecuteTask(context.Background(), id, "x", "")
		require.NoError(t, err)
		<-ts.Events()
		streams = append(streams, ts)
	}
	require.Equal(t, 3, o.Tracker().Stats().Total)

	hookRan := false
	o.OnShutdown(func() { hookRan = true })

	require.NoError(t, o.Shutdown(5*time.Second))
	assert.True(t, hookRan)
	assert.Equal(t, 0, o.Tracker().Stats().Total)
	for _, info := range o.ListAgents() {
		assert.Equal(t, session.StateTerminated, info.Status)
	}
	for _, ts := range streams {
		<-ts.Done()
	}

	_, err := o.CreateAgent(AgentConfig{AgentID: "late"})
	assert.Equal(t, concurrency.KindConfiguration, concurrency.Classify(err))
}

func TestObserveLifecycle(t *testing.T) {
	o := New(testConfig(newFakeSpawner(succeed)))
	var (
		mu    sync.Mutex
		types []AgentEventType
	)
	o.Observe(func(ev AgentEvent) {
		mu.Lock()
		types = append(types, ev.Type)
		mu.Unlock()
	})
	o.Observe(func(ev AgentEvent) { panic("observer bug") })

	_, err := o.CreateAgent(AgentConfig{AgentID: "w1"})
	require.NoError(t, err)
	ts, err := o.ExecuteTask(context.Background(), "w1", "x", "")
	require.NoError(t, err)
	_, err = ts.Collect()
	require.NoError(t, err)
	require.NoError(t, o.RemoveAgent("w1"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []AgentEventType{
		EventAgentCreated,
		EventTaskStarted,
		EventTaskCompleted,
		EventAgentStopped,
		EventAgentRemoved,
	}, types)
}

func TestParseRole(t *testing.T) {
	r, ok := ParseRole(" Manager ")
	assert.True(t, ok)
	assert.Equal(t, RoleManager, r)
	_, ok = ParseRole("janitor")
	assert.False(t, ok)
}
