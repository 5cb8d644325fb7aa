package monitoring

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ByteMirror/squadron/concurrency"
	"github.com/ByteMirror/squadron/config"
	"github.com/ByteMirror/squadron/log"
	"github.com/ByteMirror/squadron/orchestrator"
	"github.com/ByteMirror/squadron/session"

	"github.com/google/uuid"
)

var (
	ErrAlreadyRunning = errors.New("health monitor already started")
	ErrAlertNotFound  = errors.New("alert not found")
)

// AgentSource is the view of the orchestrator the monitor needs.
type AgentSource interface {
	ListAgents() []orchestrator.AgentInfo
	StartAgent(id string) (orchestrator.AgentInfo, error)
	StopAgent(id string, force bool) error
	ResetCircuit(id string) error
	GetSystemStats() orchestrator.SystemStats
}

// MonitorConfig contains configuration for the health monitor
type MonitorConfig struct {
	// Interval is how often metrics are collected and analysed.
	Interval time.Duration
	// RecoveryInterval is how often recovery actions are evaluated.
	RecoveryInterval time.Duration
	// Retention is how long metrics are kept.
	Retention time.Duration
	// MaxMetrics caps stored metrics regardless of retention.
	MaxMetrics int
	// MaxResolvedAlerts caps how many resolved alerts are kept. Resolved
	// alerts do not expire; only the oldest beyond this count are dropped.
	MaxResolvedAlerts int

	CPUWarning        float64
	CPUCritical       float64
	MemoryWarning     float64
	MemoryCritical    float64
	DiskWarning       float64
	DiskCritical      float64
	ErrorRateWarning  float64
	ErrorRateCritical float64

	// AutoRestart installs a recovery action restarting FAILED agents that
	// were created with AutoRestart.
	AutoRestart         bool
	RecoveryCooldown    time.Duration
	MaxRecoveryAttempts int
}

// DefaultMonitorConfig returns a default configuration
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfigFrom(config.DefaultConfig())
}

// MonitorConfigFrom builds monitor settings from the application config.
func MonitorConfigFrom(c *config.Config) MonitorConfig {
	m := c.Monitor
	return MonitorConfig{
		Interval:            m.Interval,
		RecoveryInterval:    m.RecoveryInterval,
		Retention:           m.Retention,
		MaxMetrics:          10000,
		MaxResolvedAlerts:   1000,
		CPUWarning:          m.CPUWarning,
		CPUCritical:         m.CPUCritical,
		MemoryWarning:       m.MemoryWarning,
		MemoryCritical:      m.MemoryCritical,
		DiskWarning:         m.DiskWarning,
		DiskCritical:        m.DiskCritical,
		ErrorRateWarning:    m.ErrorRateWarning,
		ErrorRateCritical:   m.ErrorRateCrit,
		AutoRestart:         m.AutoRestart,
		RecoveryCooldown:    time.Minute,
		MaxRecoveryAttempts: 3,
	}
}

type recoveryState struct {
	attempts     int
	lastRun      time.Time
	exhausted    bool
	healthySince time.Time
}

// HealthMonitor periodically samples the host and every agent, raises
// alerts on threshold breaches and runs recovery actions. Readers get the
// cached snapshot of the latest collection.
type HealthMonitor struct {
	cfg       MonitorConfig
	source    AgentSource
	collector SystemCollector

	mu       sync.RWMutex
	checks   []HealthCheck
	actions  []RecoveryAction
	recovery map[string]*recoveryState
	metrics  []HealthMetric
	alerts   map[string]*HealthAlert
	active   map[string]string
	snapshot SystemHealth

	alertHooks    []func(HealthAlert)
	snapshotHooks []func(SystemHealth)
	recoveryHooks []func(RecoveryResult)
	history       *concurrency.Ring[RecoveryResult]

	collectMu sync.Mutex
	logEvery  *log.Every
	now       func() time.Time

	runMu   sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewHealthMonitor creates a monitor over source. collector may be nil, in
// which case no system metrics are reported.
func NewHealthMonitor(cfg MonitorConfig, source AgentSource, collector SystemCollector) *HealthMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.RecoveryInterval <= 0 {
		cfg.RecoveryInterval = 10 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.MaxMetrics <= 0 {
		cfg.MaxMetrics = 10000
	}
	if cfg.MaxResolvedAlerts <= 0 {
		cfg.MaxResolvedAlerts = 1000
	}
	if cfg.MaxRecoveryAttempts <= 0 {
		cfg.MaxRecoveryAttempts = 3
	}
	m := &HealthMonitor{
		cfg:       cfg,
		source:    source,
		collector: collector,
		recovery:  make(map[string]*recoveryState),
		alerts:    make(map[string]*HealthAlert),
		active:    make(map[string]string),
		snapshot:  SystemHealth{Status: StatusUnknown},
		history:   concurrency.NewRing[RecoveryResult](200),
		logEvery:  log.NewEvery(time.Minute),
		now:       time.Now,
	}
	if cfg.AutoRestart {
		m.actions = append(m.actions, RecoveryAction{
			ActionID:        "auto-restart",
			Trigger:         TriggerCondition{Kind: TriggerAgentFailed},
			ActionType:      ActionRestartAgent,
			Cooldown:        cfg.RecoveryCooldown,
			MaxAttempts:     cfg.MaxRecoveryAttempts,
			OnlyAutoRestart: true,
		})
	}
	return m
}

// AddCheck registers a custom health check.
func (m *HealthMonitor) AddCheck(check HealthCheck) {
	m.mu.Lock()
	m.checks = append(m.checks, check)
	m.mu.Unlock()
}

// OnAlert registers a callback for new and escalated alerts.
func (m *HealthMonitor) OnAlert(fn func(HealthAlert)) {
	m.mu.Lock()
	m.alertHooks = append(m.alertHooks, fn)
	m.mu.Unlock()
}

// OnSnapshot registers a callback run after every collection.
func (m *HealthMonitor) OnSnapshot(fn func(SystemHealth)) {
	m.mu.Lock()
	m.snapshotHooks = append(m.snapshotHooks, fn)
	m.mu.Unlock()
}

// OnRecovery registers a callback run after every recovery action.
func (m *HealthMonitor) OnRecovery(fn func(RecoveryResult)) {
	m.mu.Lock()
	m.recoveryHooks = append(m.recoveryHooks, fn)
	m.mu.Unlock()
}

// Start launches the collection and recovery loops. The first collection
// runs immediately.
func (m *HealthMonitor) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return ErrAlreadyRunning
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.running = true

	m.wg.Add(2)
	go m.monitorLoop(ctx)
	go m.recoveryLoop(ctx)
	log.InfoLog.Printf("health monitor started (interval %s, recovery %s)", m.cfg.Interval, m.cfg.RecoveryInterval)
	return nil
}

// Stop cancels both loops and waits up to timeout for them to exit.
func (m *HealthMonitor) Stop(timeout time.Duration) error {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return nil
	}
	m.running = false
	m.cancel()
	m.runMu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return concurrency.TimeoutError("stop_health_monitor", context.DeadlineExceeded)
	}
}

func (m *HealthMonitor) monitorLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Refresh(ctx)
		}
	}
}

func (m *HealthMonitor) recoveryLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.evaluateRecovery(ctx)
		}
	}
}

// GetSystemHealth returns the snapshot of the latest collection without
// collecting.
func (m *HealthMonitor) GetSystemHealth() SystemHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copySnapshot(m.snapshot)
}

func copySnapshot(s SystemHealth) SystemHealth {
	s.Agents = append([]AgentHealth(nil), s.Agents...)
	s.StageErrors = append([]string(nil), s.StageErrors...)
	return s
}

// Refresh runs one collection synchronously and returns the new snapshot.
// Concurrent calls are serialised.
func (m *HealthMonitor) Refresh(ctx context.Context) SystemHealth {
	m.collectMu.Lock()
	defer m.collectMu.Unlock()

	start := m.now()
	var (
		fresh     []HealthMetric
		stageErrs []string
		sample    SystemSample
		agents    []AgentHealth
		stats     orchestrator.SystemStats
	)

	m.stage("system", &stageErrs, func() error {
		var metrics []HealthMetric
		var err error
		sample, metrics, err = m.collectSystem(start)
		fresh = append(fresh, metrics...)
		return err
	})
	m.stage("agents", &stageErrs, func() error {
		var metrics []HealthMetric
		agents, metrics = m.collectAgents(start)
		fresh = append(fresh, metrics...)
		stats = m.source.GetSystemStats()
		return nil
	})
	m.stage("custom", &stageErrs, func() error {
		metrics, err := m.runChecks(ctx, start)
		fresh = append(fresh, metrics...)
		return err
	})

	var raised []HealthAlert
	m.stage("analysis", &stageErrs, func() error {
		raised = m.analyse(fresh, start)
		return nil
	})

	m.mu.Lock()
	m.storeMetrics(fresh, start)
	m.pruneAlerts()
	snap := SystemHealth{
		System:      sample,
		Agents:      agents,
		Stats:       stats,
		StageErrors: stageErrs,
		CollectedAt: start,
		Duration:    m.now().Sub(start),
	}
	for _, id := range m.active {
		snap.ActiveAlerts++
		if m.alerts[id].Level == AlertCritical {
			snap.Critical++
		}
	}
	switch {
	case snap.Critical > 0:
		snap.Status = StatusCritical
	case snap.ActiveAlerts > 0:
		snap.Status = StatusDegraded
	default:
		snap.Status = StatusHealthy
	}
	m.snapshot = snap
	alertHooks := append([]func(HealthAlert){}, m.alertHooks...)
	snapshotHooks := append([]func(SystemHealth){}, m.snapshotHooks...)
	m.mu.Unlock()

	for _, a := range raised {
		for _, fn := range alertHooks {
			callHook("alert", func() { fn(a) })
		}
	}
	for _, fn := range snapshotHooks {
		callHook("snapshot", func() { fn(copySnapshot(snap)) })
	}
	return copySnapshot(snap)
}

// stage runs one collection step. A panic or error is logged and recorded
// in the snapshot; the remaining stages still run.
func (m *HealthMonitor) stage(name string, errs *[]string, fn func() error) {
	defer func() {
		if p := recover(); p != nil {
			log.ErrorLog.Printf("health monitor: %s stage panicked: %v", name, p)
			*errs = append(*errs, fmt.Sprintf("%s: panic: %v", name, p))
		}
	}()
	if err := fn(); err != nil {
		if m.logEvery.ShouldLog() {
			log.WarningLog.Printf("health monitor: %s stage: %v", name, err)
		}
		*errs = append(*errs, fmt.Sprintf("%s: %v", name, err))
	}
}

func callHook(name string, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			log.ErrorLog.Printf("health monitor: %s callback panicked: %v", name, p)
		}
	}()
	fn()
}

func (m *HealthMonitor) metric(t MetricType, agentID string, value float64, unit string, warn, crit float64, ts time.Time) HealthMetric {
	return HealthMetric{
		MetricID:          uuid.NewString(),
		Type:              t,
		AgentID:           agentID,
		Value:             value,
		Unit:              unit,
		ThresholdWarning:  warn,
		ThresholdCritical: crit,
		Timestamp:         ts,
	}
}

func (m *HealthMonitor) collectSystem(now time.Time) (SystemSample, []HealthMetric, error) {
	if m.collector == nil {
		return SystemSample{}, nil, nil
	}
	s, err := m.collector.Collect()
	if err != nil {
		return s, nil, err
	}
	return s, []HealthMetric{
		m.metric(MetricCPUUsage, "", s.CPUPercent, "percent", m.cfg.CPUWarning, m.cfg.CPUCritical, now),
		m.metric(MetricMemoryUsage, "", s.MemoryPercent, "percent", m.cfg.MemoryWarning, m.cfg.MemoryCritical, now),
		m.metric(MetricDiskUsage, "", s.DiskPercent, "percent", m.cfg.DiskWarning, m.cfg.DiskCritical, now),
		m.metric(MetricUptime, "", s.Uptime.Seconds(), "seconds", 0, 0, now),
	}, nil
}

func (m *HealthMonitor) collectAgents(now time.Time) ([]AgentHealth, []HealthMetric) {
	infos := m.source.ListAgents()
	agents := make([]AgentHealth, 0, len(infos))
	var metrics []HealthMetric
	for _, info := range infos {
		id := info.Config.AgentID
		available := info.Status != session.StateFailed && info.Breaker != concurrency.BreakerOpen.String()
		since := info.StartedAt
		if since.IsZero() {
			since = info.CreatedAt
		}
		h := AgentHealth{
			AgentID:      id,
			Role:         string(info.Config.Role),
			Status:       info.Status,
			Available:    available,
			ErrorRate:    info.ErrorRate(),
			Uptime:       now.Sub(since),
			RestartCount: info.RestartCount,
			Breaker:      info.Breaker,
		}
		agents = append(agents, h)

		// Deliberately stopped agents are not graded.
		if info.Status == session.StateTerminated {
			continue
		}
		availability := 0.0
		if available {
			availability = 100
		}
		metrics = append(metrics,
			m.metric(MetricAgentAvailability, id, availability, "percent", 50, 0, now),
			m.metric(MetricErrorRate, id, h.ErrorRate, "percent", m.cfg.ErrorRateWarning, m.cfg.ErrorRateCritical, now),
			m.metric(MetricUptime, id, h.Uptime.Seconds(), "seconds", 0, 0, now),
		)
	}
	return agents, metrics
}

// runChecks runs custom checks. Synchronous checks run in order; async ones
// run concurrently and are dropped if they miss the collection interval.
func (m *HealthMonitor) runChecks(ctx context.Context, now time.Time) ([]HealthMetric, error) {
	m.mu.RLock()
	checks := append([]HealthCheck(nil), m.checks...)
	m.mu.RUnlock()
	if len(checks) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Interval)
	defer cancel()

	type outcome struct {
		metric HealthMetric
		err    error
	}
	run := func(c HealthCheck) (out outcome) {
		defer func() {
			if p := recover(); p != nil {
				out.err = fmt.Errorf("%s: panic: %v", c.Name(), p)
			}
		}()
		metric, err := c.Check(ctx)
		if err != nil {
			return outcome{err: fmt.Errorf("%s: %w", c.Name(), err)}
		}
		if metric.Type == "" {
			metric.Type = MetricCustom
		}
		if metric.Name == "" {
			metric.Name = c.Name()
		}
		if metric.MetricID == "" {
			metric.MetricID = uuid.NewString()
		}
		if metric.Timestamp.IsZero() {
			metric.Timestamp = now
		}
		return outcome{metric: metric}
	}

	var (
		metrics []HealthMetric
		errs    []error
		async   []HealthCheck
	)
	for _, c := range checks {
		if c.Async() {
			async = append(async, c)
			continue
		}
		o := run(c)
		if o.err != nil {
			errs = append(errs, o.err)
			continue
		}
		metrics = append(metrics, o.metric)
	}

	results := make(chan outcome, len(async))
	for _, c := range async {
		go func(c HealthCheck) { results <- run(c) }(c)
	}
	for range async {
		select {
		case o := <-results:
			if o.err != nil {
				errs = append(errs, o.err)
				continue
			}
			metrics = append(metrics, o.metric)
		case <-ctx.Done():
			errs = append(errs, concurrency.TimeoutError("custom_checks", ctx.Err()))
			return metrics, errors.Join(errs...)
		}
	}
	return metrics, errors.Join(errs...)
}

// analyse grades fresh metrics, raising, escalating and auto-resolving
// alerts. It returns alerts that are new or escalated.
func (m *HealthMonitor) analyse(fresh []HealthMetric, now time.Time) []HealthAlert {
	m.mu.Lock()
	defer m.mu.Unlock()

	var raised []HealthAlert
	for _, metric := range fresh {
		level := metric.Level()
		key := metric.key()
		id, open := m.active[key]

		if level == AlertNone {
			if open {
				a := m.alerts[id]
				a.Resolved = true
				a.ResolvedAt = now
				delete(m.active, key)
				log.InfoLog.Printf("alert %s resolved: %s", a.AlertID, a.Title)
			}
			continue
		}

		if open {
			a := m.alerts[id]
			a.Metrics = appendBounded(a.Metrics, metric, 10)
			if level.rank() > a.Level.rank() {
				a.Level = level
				a.Title = alertTitle(metric, level)
				a.Description = alertDescription(metric)
				log.WarningLog.Printf("alert %s escalated to %s: %s", a.AlertID, level, a.Description)
				raised = append(raised, copyAlert(a))
			}
			continue
		}

		a := &HealthAlert{
			AlertID:     uuid.NewString(),
			AgentID:     metric.AgentID,
			Level:       level,
			Title:       alertTitle(metric, level),
			Description: alertDescription(metric),
			Metrics:     []HealthMetric{metric},
			CreatedAt:   now,
			key:         key,
		}
		m.alerts[a.AlertID] = a
		m.active[key] = a.AlertID
		log.WarningLog.Printf("alert %s raised (%s): %s", a.AlertID, level, a.Description)
		raised = append(raised, copyAlert(a))
	}
	return raised
}

func alertTitle(metric HealthMetric, level AlertLevel) string {
	subject := "system"
	if metric.AgentID != "" {
		subject = "agent " + metric.AgentID
	}
	what := string(metric.Type)
	if metric.Name != "" {
		what = metric.Name
	}
	return fmt.Sprintf("%s %s on %s", level, what, subject)
}

func alertDescription(metric HealthMetric) string {
	threshold := metric.ThresholdWarning
	if metric.Level() == AlertCritical {
		threshold = metric.ThresholdCritical
	}
	cmp := ">="
	if metric.Type.lowerIsWorse() {
		cmp = "<="
	}
	return fmt.Sprintf("%s is %.1f %s (%s %.1f)", metric.Type, metric.Value, metric.Unit, cmp, threshold)
}

func appendBounded(ms []HealthMetric, m HealthMetric, max int) []HealthMetric {
	ms = append(ms, m)
	if len(ms) > max {
		ms = ms[len(ms)-max:]
	}
	return ms
}

func copyAlert(a *HealthAlert) HealthAlert {
	c := *a
	c.Metrics = append([]HealthMetric(nil), a.Metrics...)
	return c
}

// storeMetrics appends fresh metrics and drops expired ones. Callers hold m.mu.
func (m *HealthMonitor) storeMetrics(fresh []HealthMetric, now time.Time) {
	m.metrics = append(m.metrics, fresh...)
	cutoff := now.Add(-m.cfg.Retention)
	drop := 0
	for drop < len(m.metrics) && m.metrics[drop].Timestamp.Before(cutoff) {
		drop++
	}
	if over := len(m.metrics) - drop - m.cfg.MaxMetrics; over > 0 {
		drop += over
	}
	if drop > 0 {
		m.metrics = append([]HealthMetric(nil), m.metrics[drop:]...)
	}
}

// pruneAlerts keeps at most MaxResolvedAlerts resolved alerts, dropping the
// ones resolved longest ago. Unresolved alerts are never dropped.
func (m *HealthMonitor) pruneAlerts() {
	var resolved []*HealthAlert
	for _, a := range m.alerts {
		if a.Resolved {
			resolved = append(resolved, a)
		}
	}
	over := len(resolved) - m.cfg.MaxResolvedAlerts
	if over <= 0 {
		return
	}
	sort.Slice(resolved, func(i, j int) bool { return resolved[i].ResolvedAt.Before(resolved[j].ResolvedAt) })
	for _, a := range resolved[:over] {
		delete(m.alerts, a.AlertID)
	}
}

// Metrics returns stored metrics matching filter, oldest first. Limit keeps
// the most recent.
func (m *HealthMonitor) Metrics(filter MetricFilter) []HealthMetric {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []HealthMetric
	for _, metric := range m.metrics {
		if filter.match(metric) {
			out = append(out, metric)
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out
}

// ActiveAlerts returns unresolved alerts, oldest first.
func (m *HealthMonitor) ActiveAlerts() []HealthAlert {
	return m.listAlerts(false)
}

// Alerts returns every retained alert, resolved ones included, oldest first.
func (m *HealthMonitor) Alerts() []HealthAlert {
	return m.listAlerts(true)
}

func (m *HealthMonitor) listAlerts(includeResolved bool) []HealthAlert {
	m.mu.RLock()
	out := make([]HealthAlert, 0, len(m.alerts))
	for _, a := range m.alerts {
		if includeResolved || !a.Resolved {
			out = append(out, copyAlert(a))
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// AcknowledgeAlert marks an alert as seen. It stays active until resolved.
func (m *HealthMonitor) AcknowledgeAlert(alertID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[alertID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAlertNotFound, alertID)
	}
	a.Acknowledged = true
	return nil
}

// ResolveAlert closes an alert by hand. A later breach raises a new one.
func (m *HealthMonitor) ResolveAlert(alertID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[alertID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAlertNotFound, alertID)
	}
	if a.Resolved {
		return nil
	}
	a.Resolved = true
	a.ResolvedAt = m.now()
	if m.active[a.key] == alertID {
		delete(m.active, a.key)
	}
	return nil
}
