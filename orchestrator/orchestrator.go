package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ByteMirror/squadron/cmd"
	"github.com/ByteMirror/squadron/concurrency"
	"github.com/ByteMirror/squadron/config"
	"github.com/ByteMirror/squadron/log"
	"github.com/ByteMirror/squadron/session"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Config holds the orchestrator's construction parameters.
type Config struct {
	MaxAgents int
	// DefaultCLI fills in CLI options an AgentConfig leaves empty.
	DefaultCLI          session.CLIOptions
	Breaker             concurrency.BreakerConfig
	Retry               concurrency.RetryStrategy
	TerminateTimeout    time.Duration
	VersionCheckTimeout time.Duration
	Spawner             session.Spawner
	Executor            cmd.Executor
}

// DefaultConfig mirrors config.DefaultConfig.
func DefaultConfig() Config {
	return ConfigFrom(config.DefaultConfig())
}

// ConfigFrom builds orchestrator settings from the application config.
func ConfigFrom(c *config.Config) Config {
	return Config{
		MaxAgents:  c.MaxAgents,
		DefaultCLI: session.CLIOptions{Program: c.Program, Model: c.Model},
		Breaker: concurrency.BreakerConfig{
			FailureThreshold: c.Breaker.FailureThreshold,
			RecoveryTimeout:  c.Breaker.RecoveryTimeout,
			SuccessThreshold: c.Breaker.SuccessThreshold,
		},
		Retry: concurrency.RetryStrategy{
			MaxAttempts:   c.Retry.MaxAttempts,
			BaseDelay:     c.Retry.BaseDelay,
			MaxDelay:      c.Retry.MaxDelay,
			BackoffFactor: c.Retry.BackoffFactor,
			Jitter:        c.Retry.Jitter,
		},
		TerminateTimeout:    c.TerminateTimeout,
		VersionCheckTimeout: 10 * time.Second,
	}
}

// Orchestrator owns the agent registry and the resource tracker shared by
// every agent runtime.
type Orchestrator struct {
	cfg     Config
	tracker *concurrency.ResourceTracker

	mu        sync.RWMutex
	agents    map[string]*agent
	nextOrder int
	completed int
	errored   int
	closed    bool

	obsMu     sync.RWMutex
	observers []func(AgentEvent)
	hooks     []func()
}

// New creates an orchestrator with its own resource tracker.
func New(cfg Config) *Orchestrator {
	if cfg.MaxAgents <= 0 {
		cfg.MaxAgents = 10
	}
	if cfg.TerminateTimeout <= 0 {
		cfg.TerminateTimeout = 5 * time.Second
	}
	if cfg.VersionCheckTimeout <= 0 {
		cfg.VersionCheckTimeout = 10 * time.Second
	}
	if cfg.Spawner == nil {
		cfg.Spawner = session.ExecSpawner{}
	}
	if cfg.Executor == nil {
		cfg.Executor = cmd.MakeExecutor()
	}
	return &Orchestrator{
		cfg:     cfg,
		tracker: concurrency.NewResourceTracker(),
		agents:  make(map[string]*agent),
	}
}

// Tracker returns the resource tracker shared by all agents.
func (o *Orchestrator) Tracker() *concurrency.ResourceTracker {
	return o.tracker
}

// Observe registers fn for lifecycle events. Observers run synchronously and
// must not call back into the orchestrator while holding their own locks.
func (o *Orchestrator) Observe(fn func(AgentEvent)) {
	o.obsMu.Lock()
	defer o.obsMu.Unlock()
	o.observers = append(o.observers, fn)
}

// OnShutdown registers fn to run after every agent has been stopped.
func (o *Orchestrator) OnShutdown(fn func()) {
	o.obsMu.Lock()
	defer o.obsMu.Unlock()
	o.hooks = append(o.hooks, fn)
}

func (o *Orchestrator) emit(ev AgentEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	o.obsMu.RLock()
	observers := append([]func(AgentEvent){}, o.observers...)
	o.obsMu.RUnlock()
	for _, fn := range observers {
		func() {
			defer func() {
				if p := recover(); p != nil {
					log.ErrorLog.Printf("agent observer panicked on %s: %v", ev.Type, p)
				}
			}()
			fn(ev)
		}()
	}
}

// CreateAgent registers a new IDLE agent.
func (o *Orchestrator) CreateAgent(cfg AgentConfig) (AgentInfo, error) {
	if cfg.AgentID == "" {
		return AgentInfo{}, concurrency.ConfigurationError("create_agent", "agent id is required")
	}
	if cfg.Role == "" {
		cfg.Role = RoleWorker
	}
	if _, ok := ParseRole(string(cfg.Role)); !ok {
		return AgentInfo{}, concurrency.ConfigurationError("create_agent", "unknown role %q", cfg.Role)
	}
	if cfg.Name == "" {
		cfg.Name = cfg.AgentID
	}
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 1
	}
	if cfg.CLI.Program == "" {
		cfg.CLI.Program = o.cfg.DefaultCLI.Program
	}
	if cfg.CLI.Model == "" {
		cfg.CLI.Model = o.cfg.DefaultCLI.Model
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return AgentInfo{}, concurrency.ConfigurationError("create_agent", "orchestrator is shut down")
	}
	if _, exists := o.agents[cfg.AgentID]; exists {
		o.mu.Unlock()
		return AgentInfo{}, concurrency.ConfigurationError("create_agent", "agent %s already exists", cfg.AgentID)
	}
	if len(o.agents) >= o.cfg.MaxAgents {
		o.mu.Unlock()
		return AgentInfo{}, concurrency.ConfigurationError("create_agent", "maximum of %d agents reached", o.cfg.MaxAgents)
	}

	now := time.Now()
	a := &agent{
		config: cfg,
		runtime: session.NewRuntime(session.RuntimeOptions{
			AgentID:          cfg.AgentID,
			CLI:              cfg.CLI,
			Spawner:          o.cfg.Spawner,
			Tracker:          o.tracker,
			Breaker:          concurrency.NewCircuitBreaker(o.cfg.Breaker),
			Retry:            o.cfg.Retry,
			TerminateTimeout: o.cfg.TerminateTimeout,
		}),
		createdAt:    now,
		lastActivity: now,
		order:        o.nextOrder,
	}
	o.nextOrder++
	o.agents[cfg.AgentID] = a
	info := a.snapshot()
	o.mu.Unlock()

	log.InfoLog.Printf("created agent %s (%s)", cfg.AgentID, cfg.Role)
	o.emit(AgentEvent{Type: EventAgentCreated, AgentID: cfg.AgentID, Status: info.Status})
	return info, nil
}

func (o *Orchestrator) lookup(id string) (*agent, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	a, ok := o.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return a, nil
}

// GetAgent returns a snapshot of one agent.
func (o *Orchestrator) GetAgent(id string) (AgentInfo, error) {
	a, err := o.lookup(id)
	if err != nil {
		return AgentInfo{}, err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	return a.snapshot(), nil
}

// ListAgents returns snapshots of every agent in registration order.
func (o *Orchestrator) ListAgents() []AgentInfo {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]AgentInfo, 0, len(o.agents))
	for _, a := range o.ordered() {
		out = append(out, a.snapshot())
	}
	return out
}

// ordered returns agents by registration order. Callers hold o.mu.
func (o *Orchestrator) ordered() []*agent {
	list := make([]*agent, 0, len(o.agents))
	for _, a := range o.agents {
		list = append(list, a)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].order < list[j].order })
	return list
}

// StartAgent makes an agent ready for tasks. It is a no-op for IDLE or busy
// agents; TERMINATED and FAILED agents are reset to IDLE and counted as a
// restart.
func (o *Orchestrator) StartAgent(id string) (AgentInfo, error) {
	a, err := o.lookup(id)
	if err != nil {
		return AgentInfo{}, err
	}

	o.mu.Lock()
	status := a.runtime.Status()
	restarted := false
	switch status {
	case session.StateTerminated, session.StateFailed:
		if err := a.runtime.Reset(); err != nil {
			o.mu.Unlock()
			return AgentInfo{}, err
		}
		a.restartCount++
		restarted = true
		a.startedAt = time.Now()
	case session.StateTerminating:
		o.mu.Unlock()
		return AgentInfo{}, fmt.Errorf("start agent %s: %w", id, session.ErrStopInProgress)
	default:
		if a.startedAt.IsZero() {
			a.startedAt = time.Now()
		}
	}
	info := a.snapshot()
	o.mu.Unlock()

	if restarted {
		log.InfoLog.Printf("restarted agent %s (was %s, restart #%d)", id, status, info.RestartCount)
		o.emit(AgentEvent{Type: EventAgentStarted, AgentID: id, Status: info.Status})
	}
	return info, nil
}

// StopAgent stops an agent's running task and marks it TERMINATED. force
// skips the graceful terminate phase. Stopping a TERMINATED agent is a no-op.
func (o *Orchestrator) StopAgent(id string, force bool) error {
	a, err := o.lookup(id)
	if err != nil {
		return err
	}
	if a.runtime.Status() == session.StateTerminated {
		return nil
	}
	if err := a.runtime.Stop(force, 2*o.cfg.TerminateTimeout); err != nil {
		log.ErrorLog.Printf("stop agent %s: %v", id, err)
		return err
	}
	log.InfoLog.Printf("stopped agent %s (force=%t)", id, force)
	o.emit(AgentEvent{Type: EventAgentStopped, AgentID: id, Status: a.runtime.Status()})
	return nil
}

// RemoveAgent stops an agent and drops it from the registry. The agent is
// removed even when the stop times out; its process stays with the tracker.
func (o *Orchestrator) RemoveAgent(id string) error {
	stopErr := o.StopAgent(id, false)
	if errors.Is(stopErr, ErrAgentNotFound) {
		return stopErr
	}

	o.mu.Lock()
	delete(o.agents, id)
	o.mu.Unlock()

	log.InfoLog.Printf("removed agent %s", id)
	o.emit(AgentEvent{Type: EventAgentRemoved, AgentID: id, Status: session.StateTerminated})
	return stopErr
}

// ResetCircuit closes an agent's circuit breaker, e.g. after credentials
// were fixed.
func (o *Orchestrator) ResetCircuit(id string) error {
	a, err := o.lookup(id)
	if err != nil {
		return err
	}
	a.runtime.Breaker().Reset()
	return nil
}

// ExecuteTask runs prompt on one agent. The returned stream stamps every
// event with the agent, task and role. A busy agent yields ErrNotIdle and
// its counters are left alone.
func (o *Orchestrator) ExecuteTask(ctx context.Context, agentID, prompt, taskID string) (*TaskStream, error) {
	a, err := o.lookup(agentID)
	if err != nil {
		return nil, err
	}
	if taskID == "" {
		taskID = uuid.NewString()
	}

	inner, err := a.runtime.Execute(ctx, prompt)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	a.currentTask = taskID
	a.lastActivity = time.Now()
	if a.startedAt.IsZero() {
		a.startedAt = a.lastActivity
	}
	role := a.config.Role
	o.mu.Unlock()

	log.InfoLog.Printf("agent %s: task %s started", agentID, taskID)
	o.emit(AgentEvent{Type: EventTaskStarted, AgentID: agentID, TaskID: taskID, Status: a.runtime.Status()})

	ts := newTaskStream(ctx, agentID, taskID, role, inner)
	go ts.forward(func(ev *session.Event) {
		o.mu.Lock()
		a.lastActivity = ev.Timestamp
		o.mu.Unlock()
	}, func(err error) {
		o.finishTask(a, taskID, err)
	})
	return ts, nil
}

func (o *Orchestrator) finishTask(a *agent, taskID string, err error) {
	cancelled := errors.Is(err, context.Canceled)

	o.mu.Lock()
	if a.currentTask == taskID {
		a.currentTask = ""
	}
	a.lastActivity = time.Now()
	switch {
	case err == nil:
		a.taskCount++
		o.completed++
	case !cancelled:
		a.errorCount++
		o.errored++
	}
	id := a.config.AgentID
	o.mu.Unlock()

	ev := AgentEvent{AgentID: id, TaskID: taskID, Status: a.runtime.Status()}
	switch {
	case err == nil:
		ev.Type = EventTaskCompleted
		log.InfoLog.Printf("agent %s: task %s completed", id, taskID)
	case cancelled:
		ev.Type = EventTaskCancelled
		log.InfoLog.Printf("agent %s: task %s cancelled", id, taskID)
	default:
		ev.Type = EventTaskFailed
		ev.Error = err.Error()
	}
	o.emit(ev)
}

// ErrNoIdleAgents is returned by BroadcastTask when no agent qualifies.
var ErrNoIdleAgents = errors.New("no idle agents match the broadcast")

// BroadcastTask starts prompt on every IDLE agent whose role is in roles (all
// roles when empty), in registration order and capped at maxAgents when
// positive. The result is keyed by agent id.
func (o *Orchestrator) BroadcastTask(ctx context.Context, prompt string, roles []AgentRole, maxAgents int) (map[string]*TaskStream, error) {
	want := make(map[AgentRole]bool, len(roles))
	for _, r := range roles {
		want[r] = true
	}

	o.mu.RLock()
	var targets []string
	for _, a := range o.ordered() {
		if len(want) > 0 && !want[a.config.Role] {
			continue
		}
		if a.runtime.Status() != session.StateIdle {
			continue
		}
		targets = append(targets, a.config.AgentID)
		if maxAgents > 0 && len(targets) >= maxAgents {
			break
		}
	}
	o.mu.RUnlock()

	if len(targets) == 0 {
		return nil, ErrNoIdleAgents
	}

	broadcastID := uuid.NewString()
	streams := make(map[string]*TaskStream, len(targets))
	var errs []error
	for _, id := range targets {
		ts, err := o.ExecuteTask(ctx, id, prompt, broadcastID+"/"+id)
		if err != nil {
			log.WarningLog.Printf("broadcast %s: skipping agent %s: %v", broadcastID, id, err)
			errs = append(errs, err)
			continue
		}
		streams[id] = ts
	}
	if len(streams) == 0 {
		return nil, errors.Join(append([]error{ErrNoIdleAgents}, errs...)...)
	}
	return streams, nil
}

// Shutdown stops every agent concurrently, runs the shutdown hooks and then
// force-releases anything still tracked. Individual failures do not abort the
// sequence; they are joined into the returned error.
func (o *Orchestrator) Shutdown(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	o.mu.Lock()
	o.closed = true
	ids := make([]string, 0, len(o.agents))
	for _, a := range o.ordered() {
		ids = append(ids, a.config.AgentID)
	}
	o.mu.Unlock()

	log.InfoLog.Printf("shutting down %d agents", len(ids))

	var (
		errMu sync.Mutex
		errs  []error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		var g errgroup.Group
		for _, id := range ids {
			g.Go(func() error {
				if err := o.StopAgent(id, false); err != nil {
					errMu.Lock()
					errs = append(errs, fmt.Errorf("stop %s: %w", id, err))
					errMu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		errMu.Lock()
		errs = append(errs, concurrency.TimeoutError("shutdown", context.DeadlineExceeded))
		errMu.Unlock()
	}

	o.obsMu.RLock()
	hooks := append([]func(){}, o.hooks...)
	o.obsMu.RUnlock()
	for _, fn := range hooks {
		fn()
	}

	result := o.tracker.ForceCleanupAll(o.cfg.TerminateTimeout)
	if result.Cleaned+result.Failed > 0 {
		log.WarningLog.Printf("shutdown released %d leftover resources (%d leaked)", result.Cleaned, result.Failed)
	}
	errMu.Lock()
	errs = append(errs, result.Errors...)
	err := errors.Join(errs...)
	errMu.Unlock()
	return err
}
