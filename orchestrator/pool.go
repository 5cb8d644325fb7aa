package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/ByteMirror/squadron/concurrency"
	"github.com/ByteMirror/squadron/config"
	"github.com/ByteMirror/squadron/log"
	"github.com/ByteMirror/squadron/session"

	"github.com/google/uuid"
)

const (
	ScaleUp   = "up"
	ScaleDown = "down"
	ScaleNone = "none"
)

// PoolConfig sizes and scales an AgentPool.
type PoolConfig struct {
	// Name prefixes the ids of agents the pool creates.
	Name               string
	MinAgents          int
	MaxAgents          int
	ScaleUpThreshold   float64
	ScaleDownThreshold float64
	// ScaleCooldown is the minimum time between two scale events.
	ScaleCooldown    time.Duration
	Role             AgentRole
	CLI              session.CLIOptions
	DispatchInterval time.Duration
	// ResultBuffer is the capacity of the Results channel.
	ResultBuffer int
}

// PoolConfigFrom builds pool settings from the application config.
func PoolConfigFrom(c *config.Config) PoolConfig {
	return PoolConfig{
		Name:               "pool",
		MinAgents:          c.Pool.MinAgents,
		MaxAgents:          c.Pool.MaxAgents,
		ScaleUpThreshold:   c.Pool.ScaleUpThreshold,
		ScaleDownThreshold: c.Pool.ScaleDownThreshold,
		ScaleCooldown:      c.Pool.ScaleCooldown,
		Role:               RoleWorker,
		CLI:                session.CLIOptions{Program: c.Program, Model: c.Model},
	}
}

// TaskResult reports the outcome of one pool task.
type TaskResult struct {
	TaskID      string        `json:"task_id"`
	AgentID     string        `json:"agent_id"`
	Output      string        `json:"output,omitempty"`
	Error       string        `json:"error,omitempty"`
	Events      int           `json:"events"`
	Duration    time.Duration `json:"duration"`
	CompletedAt time.Time     `json:"completed_at"`
}

// PoolMetrics is a snapshot of pool load.
type PoolMetrics struct {
	Total                     int           `json:"total"`
	Idle                      int           `json:"idle"`
	Busy                      int           `json:"busy"`
	QueueLength               int           `json:"queue_length"`
	Completed                 int           `json:"completed"`
	Failed                    int           `json:"failed"`
	AvgTaskDuration           time.Duration `json:"avg_task_duration"`
	RecommendedScaleDirection string        `json:"recommended_scale_direction"`
}

// AgentPool keeps a scalable set of same-role agents busy with a priority
// queue of prompts.
type AgentPool struct {
	orch *Orchestrator
	cfg  PoolConfig

	mu        sync.Mutex
	queue     taskQueue
	seq       uint64
	agents    []string
	busy      map[string]string
	running   map[string]context.CancelFunc
	nextID    int
	lastScale time.Time
	completed int
	failed    int
	totalDur  time.Duration
	started   bool
	stopped   bool

	results  chan TaskResult
	wake     chan struct{}
	stopChan chan struct{}
	wg       sync.WaitGroup
	now      func() time.Time
}

// NewAgentPool creates a pool on top of orch. Agents are created on Start.
func NewAgentPool(orch *Orchestrator, cfg PoolConfig) (*AgentPool, error) {
	if cfg.Name == "" {
		cfg.Name = "pool"
	}
	if cfg.MinAgents < 0 {
		return nil, concurrency.ConfigurationError("new_pool", "min agents must not be negative")
	}
	if cfg.MaxAgents <= 0 {
		cfg.MaxAgents = 5
	}
	if cfg.MinAgents > cfg.MaxAgents {
		return nil, concurrency.ConfigurationError("new_pool", "min agents %d exceeds max agents %d", cfg.MinAgents, cfg.MaxAgents)
	}
	if cfg.ScaleUpThreshold <= 0 || cfg.ScaleUpThreshold > 1 {
		cfg.ScaleUpThreshold = 0.8
	}
	if cfg.ScaleDownThreshold <= 0 || cfg.ScaleDownThreshold >= cfg.ScaleUpThreshold {
		cfg.ScaleDownThreshold = math.Min(0.3, cfg.ScaleUpThreshold/2)
	}
	if cfg.Role == "" {
		cfg.Role = RoleWorker
	}
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = time.Second
	}
	if cfg.ResultBuffer <= 0 {
		cfg.ResultBuffer = 100
	}

	return &AgentPool{
		orch:     orch,
		cfg:      cfg,
		busy:     make(map[string]string),
		running:  make(map[string]context.CancelFunc),
		results:  make(chan TaskResult, cfg.ResultBuffer),
		wake:     make(chan struct{}, 1),
		stopChan: make(chan struct{}),
		now:      time.Now,
	}, nil
}

// Start creates the minimum number of agents and begins dispatching.
func (p *AgentPool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("pool %s already started", p.cfg.Name)
	}
	p.started = true
	p.mu.Unlock()

	log.InfoLog.Printf("starting agent pool %s with %d-%d agents", p.cfg.Name, p.cfg.MinAgents, p.cfg.MaxAgents)

	for i := 0; i < p.cfg.MinAgents; i++ {
		if _, err := p.addAgent(); err != nil {
			return fmt.Errorf("start pool %s: %w", p.cfg.Name, err)
		}
	}

	p.wg.Add(1)
	go p.processLoop(ctx)
	return nil
}

// Stop cancels running tasks, waits for them and removes the pool's agents.
// Queued tasks are dropped.
func (p *AgentPool) Stop() {
	p.mu.Lock()
	if p.stopped || !p.started {
		p.stopped = true
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stopChan)
	for taskID, cancel := range p.running {
		log.InfoLog.Printf("cancelling pool task %s", taskID)
		cancel()
	}
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	agents := append([]string(nil), p.agents...)
	p.agents = nil
	dropped := p.queue.Len()
	p.queue = nil
	p.mu.Unlock()

	for _, id := range agents {
		if err := p.orch.RemoveAgent(id); err != nil {
			log.WarningLog.Printf("pool %s: remove agent %s: %v", p.cfg.Name, id, err)
		}
	}
	if dropped > 0 {
		log.WarningLog.Printf("pool %s stopped with %d queued tasks dropped", p.cfg.Name, dropped)
	}
	close(p.results)
	log.InfoLog.Printf("agent pool %s stopped", p.cfg.Name)
}

// SubmitTask queues prompt and returns its task id.
func (p *AgentPool) SubmitTask(prompt string, priority TaskPriority) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", session.ErrEmptyPrompt
	}
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return "", fmt.Errorf("pool %s is stopped", p.cfg.Name)
	}
	p.seq++
	task := &PoolTask{
		ID:          uuid.NewString(),
		Prompt:      prompt,
		Priority:    priority,
		SubmittedAt: p.now(),
		seq:         p.seq,
	}
	p.queue.push(task)
	depth := p.queue.Len()
	p.mu.Unlock()

	log.InfoLog.Printf("pool %s: queued task %s (%s, depth %d)", p.cfg.Name, task.ID, priority, depth)
	p.signal()
	return task.ID, nil
}

// Results delivers completed tasks. It is closed by Stop. When nobody reads
// it, results beyond its buffer are dropped.
func (p *AgentPool) Results() <-chan TaskResult {
	return p.results
}

// CancelTask cancels a running task.
func (p *AgentPool) CancelTask(taskID string) error {
	p.mu.Lock()
	cancel, exists := p.running[taskID]
	p.mu.Unlock()

	if !exists {
		return fmt.Errorf("task %s is not running", taskID)
	}
	log.InfoLog.Printf("cancelling pool task %s", taskID)
	cancel()
	return nil
}

// GetRunningCount returns the number of tasks currently executing.
func (p *AgentPool) GetRunningCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

// WaitForCompletion blocks until the queue is empty and nothing runs.
func (p *AgentPool) WaitForCompletion(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		p.mu.Lock()
		idle := p.queue.Len() == 0 && len(p.running) == 0
		p.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// GetMetrics reports load and the scaling direction the thresholds suggest.
func (p *AgentPool) GetMetrics() PoolMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := PoolMetrics{
		Total:       len(p.agents),
		Busy:        len(p.busy),
		QueueLength: p.queue.Len(),
		Completed:   p.completed,
		Failed:      p.failed,
	}
	m.Idle = m.Total - m.Busy
	if n := p.completed + p.failed; n > 0 {
		m.AvgTaskDuration = p.totalDur / time.Duration(n)
	}
	m.RecommendedScaleDirection = p.direction()
	return m
}

// direction applies the thresholds to the current load. Callers hold p.mu.
func (p *AgentPool) direction() string {
	total := len(p.agents)
	if total == 0 {
		if p.queue.Len() > 0 && p.cfg.MaxAgents > 0 {
			return ScaleUp
		}
		return ScaleNone
	}
	utilization := float64(len(p.busy)) / float64(total)
	switch {
	case utilization > p.cfg.ScaleUpThreshold && total < p.cfg.MaxAgents:
		return ScaleUp
	case utilization >= p.cfg.ScaleUpThreshold && p.queue.Len() > 0 && total < p.cfg.MaxAgents:
		return ScaleUp
	case utilization < p.cfg.ScaleDownThreshold && total > p.cfg.MinAgents && p.queue.Len() == 0:
		return ScaleDown
	}
	return ScaleNone
}

func (p *AgentPool) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// processLoop scales and dispatches on every tick or wake-up.
func (p *AgentPool) processLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopChan:
			return
		case <-ticker.C:
		case <-p.wake:
		}
		p.scale()
		p.dispatch(ctx)
	}
}

// scale adds or removes one agent when the thresholds say so and the
// cooldown since the previous scale event has passed.
func (p *AgentPool) scale() {
	p.mu.Lock()
	dir := p.direction()
	now := p.now()
	if dir == ScaleNone || (!p.lastScale.IsZero() && now.Sub(p.lastScale) < p.cfg.ScaleCooldown) {
		p.mu.Unlock()
		return
	}
	p.lastScale = now
	var victim string
	if dir == ScaleDown {
		for i := len(p.agents) - 1; i >= 0; i-- {
			if _, busy := p.busy[p.agents[i]]; !busy {
				victim = p.agents[i]
				p.agents = append(p.agents[:i], p.agents[i+1:]...)
				break
			}
		}
	}
	p.mu.Unlock()

	switch dir {
	case ScaleUp:
		id, err := p.addAgent()
		if err != nil {
			log.WarningLog.Printf("pool %s: scale up failed: %v", p.cfg.Name, err)
			return
		}
		log.InfoLog.Printf("pool %s: scaled up with agent %s", p.cfg.Name, id)
	case ScaleDown:
		if victim == "" {
			return
		}
		if err := p.orch.RemoveAgent(victim); err != nil {
			log.WarningLog.Printf("pool %s: remove agent %s: %v", p.cfg.Name, victim, err)
		}
		log.InfoLog.Printf("pool %s: scaled down, released agent %s", p.cfg.Name, victim)
	}
}

func (p *AgentPool) addAgent() (string, error) {
	p.mu.Lock()
	p.nextID++
	id := fmt.Sprintf("%s-%d", p.cfg.Name, p.nextID)
	p.mu.Unlock()

	if _, err := p.orch.CreateAgent(AgentConfig{
		AgentID: id,
		Role:    p.cfg.Role,
		CLI:     p.cfg.CLI,
	}); err != nil {
		return "", err
	}
	p.mu.Lock()
	p.agents = append(p.agents, id)
	p.mu.Unlock()
	return id, nil
}

// dispatch hands queued tasks to idle agents until one of them runs out.
func (p *AgentPool) dispatch(ctx context.Context) {
	p.mu.Lock()
	candidates := make([]string, 0, len(p.agents))
	for _, id := range p.agents {
		if _, busy := p.busy[id]; !busy {
			candidates = append(candidates, id)
		}
	}
	p.mu.Unlock()

	for _, id := range candidates {
		info, err := p.orch.GetAgent(id)
		if err != nil {
			continue
		}
		switch info.Status {
		case session.StateFailed, session.StateTerminated:
			if _, err := p.orch.StartAgent(id); err != nil {
				continue
			}
		case session.StateIdle:
		default:
			continue
		}

		p.mu.Lock()
		if p.stopped {
			p.mu.Unlock()
			return
		}
		task := p.queue.pop()
		if task == nil {
			p.mu.Unlock()
			return
		}
		taskCtx, cancel := context.WithCancel(ctx)
		p.busy[id] = task.ID
		p.running[task.ID] = cancel
		p.wg.Add(1)
		p.mu.Unlock()

		go p.executeTask(taskCtx, cancel, id, task)
	}
}

// executeTask runs one task on agentID and drains its stream.
func (p *AgentPool) executeTask(ctx context.Context, cancel context.CancelFunc, agentID string, task *PoolTask) {
	start := p.now()
	requeue := false
	defer func() {
		cancel()
		p.mu.Lock()
		delete(p.busy, agentID)
		delete(p.running, task.ID)
		if requeue && !p.stopped {
			p.queue.push(task)
		}
		p.mu.Unlock()
		p.wg.Done()
		if !requeue {
			p.signal()
		}
	}()

	stream, err := p.orch.ExecuteTask(ctx, agentID, task.Prompt, task.ID)
	if err != nil {
		// Unavailable agents get the task back on the next tick.
		if errors.Is(err, session.ErrNotIdle) || errors.Is(err, concurrency.ErrCircuitOpen) {
			log.DebugLog.Printf("pool %s: agent %s unavailable for task %s: %v", p.cfg.Name, agentID, task.ID, err)
			requeue = true
			return
		}
		p.record(TaskResult{TaskID: task.ID, AgentID: agentID, Error: err.Error()}, start)
		return
	}

	result := TaskResult{TaskID: task.ID, AgentID: agentID}
	var output []string
	for ev := range stream.Events() {
		result.Events++
		if ev.Type == session.EventResult {
			output = append(output, ev.Content)
		}
	}
	if err := stream.Wait(); err != nil {
		result.Error = err.Error()
	}
	result.Output = strings.Join(output, "\n")
	p.record(result, start)
}

func (p *AgentPool) record(result TaskResult, start time.Time) {
	result.CompletedAt = p.now()
	result.Duration = result.CompletedAt.Sub(start)

	p.mu.Lock()
	if result.Error == "" {
		p.completed++
	} else {
		p.failed++
	}
	p.totalDur += result.Duration
	p.mu.Unlock()

	if result.Error == "" {
		log.InfoLog.Printf("pool %s: task %s completed on %s in %s", p.cfg.Name, result.TaskID, result.AgentID, result.Duration)
	} else {
		log.WarningLog.Printf("pool %s: task %s failed on %s: %s", p.cfg.Name, result.TaskID, result.AgentID, result.Error)
	}

	select {
	case p.results <- result:
	default:
		log.WarningLog.Printf("pool %s: results buffer full, dropping result for task %s", p.cfg.Name, result.TaskID)
	}
}
