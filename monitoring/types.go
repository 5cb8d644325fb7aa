package monitoring

import (
	"context"
	"strings"
	"time"

	"github.com/ByteMirror/squadron/concurrency"
	"github.com/ByteMirror/squadron/orchestrator"
	"github.com/ByteMirror/squadron/session"
)

// MetricType identifies what a HealthMetric measures.
type MetricType string

const (
	MetricCPUUsage          MetricType = "cpu_usage"
	MetricMemoryUsage       MetricType = "memory_usage"
	MetricDiskUsage         MetricType = "disk_usage"
	MetricUptime            MetricType = "uptime"
	MetricAgentAvailability MetricType = "agent_availability"
	MetricErrorRate         MetricType = "error_rate"
	MetricResponseTime      MetricType = "response_time"
	MetricCustom            MetricType = "custom"
	MetricUnknown           MetricType = "unknown"
)

// ParseMetricType maps a name to a MetricType. Unrecognised names are
// MetricUnknown.
func ParseMetricType(s string) MetricType {
	switch t := MetricType(strings.ToLower(strings.TrimSpace(s))); t {
	case MetricCPUUsage, MetricMemoryUsage, MetricDiskUsage, MetricUptime,
		MetricAgentAvailability, MetricErrorRate, MetricResponseTime, MetricCustom:
		return t
	default:
		return MetricUnknown
	}
}

// UnmarshalText keeps unknown metric types instead of failing.
func (t *MetricType) UnmarshalText(b []byte) error {
	*t = ParseMetricType(string(b))
	return nil
}

// lowerIsWorse reports whether falling values breach the thresholds.
func (t MetricType) lowerIsWorse() bool {
	return t == MetricAgentAvailability
}

// HealthMetric is one sample. AgentID is empty for system-wide metrics;
// Name distinguishes custom checks.
type HealthMetric struct {
	MetricID          string     `json:"metric_id"`
	Type              MetricType `json:"type"`
	Name              string     `json:"name,omitempty"`
	AgentID           string     `json:"agent_id,omitempty"`
	Value             float64    `json:"value"`
	Unit              string     `json:"unit"`
	ThresholdWarning  float64    `json:"threshold_warning,omitempty"`
	ThresholdCritical float64    `json:"threshold_critical,omitempty"`
	Timestamp         time.Time  `json:"timestamp"`
}

// Level grades the metric against its thresholds. A zero threshold is
// disabled.
func (m HealthMetric) Level() AlertLevel {
	breach := func(threshold float64) bool {
		if m.Type.lowerIsWorse() {
			return m.Value <= threshold
		}
		return m.Value >= threshold
	}
	if m.ThresholdCritical != 0 && breach(m.ThresholdCritical) {
		return AlertCritical
	}
	if m.ThresholdWarning != 0 && breach(m.ThresholdWarning) {
		return AlertWarning
	}
	return AlertNone
}

func (m HealthMetric) key() string {
	return m.AgentID + "/" + string(m.Type) + "/" + m.Name
}

// AlertLevel grades an alert.
type AlertLevel string

const (
	AlertNone     AlertLevel = ""
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

func (l AlertLevel) rank() int {
	switch l {
	case AlertInfo:
		return 1
	case AlertWarning:
		return 2
	case AlertCritical:
		return 3
	default:
		return 0
	}
}

// HealthAlert is raised when a metric breaches a threshold. One unresolved
// alert exists per agent and metric; it resolves itself when the metric
// falls back below the warning threshold.
type HealthAlert struct {
	AlertID      string         `json:"alert_id"`
	AgentID      string         `json:"agent_id,omitempty"`
	Level        AlertLevel     `json:"level"`
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	Metrics      []HealthMetric `json:"metrics"`
	Acknowledged bool           `json:"acknowledged"`
	Resolved     bool           `json:"resolved"`
	CreatedAt    time.Time      `json:"created_at"`
	ResolvedAt   time.Time      `json:"resolved_at,omitempty"`

	key string
}

// HealthStatus is the overall verdict of a snapshot.
type HealthStatus string

const (
	StatusUnknown  HealthStatus = "unknown"
	StatusHealthy  HealthStatus = "healthy"
	StatusDegraded HealthStatus = "degraded"
	StatusCritical HealthStatus = "critical"
)

// TriggerKind names the predicate a RecoveryAction waits for.
type TriggerKind string

const (
	TriggerAgentFailed      TriggerKind = "agent_failed"
	TriggerAgentErrorRate   TriggerKind = "agent_error_rate"
	TriggerAgentIdleTooLong TriggerKind = "agent_idle_too_long"
	TriggerCircuitOpen      TriggerKind = "circuit_open"
)

// TriggerCondition is evaluated against an agent snapshot. Threshold is the
// error rate percentage for TriggerAgentErrorRate; IdleFor is the idle
// window for TriggerAgentIdleTooLong.
type TriggerCondition struct {
	Kind      TriggerKind   `json:"kind"`
	Threshold float64       `json:"threshold,omitempty"`
	IdleFor   time.Duration `json:"idle_for,omitempty"`
}

// Holds reports whether the condition is met for info at now.
func (c TriggerCondition) Holds(info orchestrator.AgentInfo, now time.Time) bool {
	switch c.Kind {
	case TriggerAgentFailed:
		return info.Status == session.StateFailed
	case TriggerAgentErrorRate:
		return info.TaskCount+info.ErrorCount > 0 && info.ErrorRate() >= c.Threshold
	case TriggerAgentIdleTooLong:
		if info.Status != session.StateIdle || c.IdleFor <= 0 {
			return false
		}
		last := info.LastActivity
		if last.IsZero() {
			last = info.CreatedAt
		}
		return now.Sub(last) >= c.IdleFor
	case TriggerCircuitOpen:
		return info.Breaker == concurrency.BreakerOpen.String()
	default:
		return false
	}
}

// ActionType is what a RecoveryAction does once triggered.
type ActionType string

const (
	ActionRestartAgent ActionType = "restart_agent"
	ActionStopAgent    ActionType = "stop_agent"
	ActionResetCircuit ActionType = "reset_circuit"
	ActionCustom       ActionType = "custom"
)

// RecoveryAction pairs a trigger with a remedy. An empty AgentID applies the
// action to every agent; OnlyAutoRestart limits it to agents created with
// AutoRestart. Attempts are counted per agent and reset once the trigger
// stops holding.
type RecoveryAction struct {
	ActionID        string            `json:"action_id"`
	Trigger         TriggerCondition  `json:"trigger"`
	ActionType      ActionType        `json:"action_type"`
	AgentID         string            `json:"agent_id,omitempty"`
	Parameters      map[string]string `json:"parameters,omitempty"`
	Cooldown        time.Duration     `json:"cooldown"`
	MaxAttempts     int               `json:"max_attempts"`
	OnlyAutoRestart bool              `json:"only_auto_restart,omitempty"`

	// Custom runs for ActionCustom.
	Custom func(ctx context.Context, agent orchestrator.AgentInfo) error `json:"-"`
}

// RecoveryResult records one execution of a RecoveryAction.
type RecoveryResult struct {
	ActionID   string     `json:"action_id"`
	ActionType ActionType `json:"action_type"`
	AgentID    string     `json:"agent_id"`
	Attempt    int        `json:"attempt"`
	Error      string     `json:"error,omitempty"`
	ExecutedAt time.Time  `json:"executed_at"`
}

// HealthCheck is a custom check run every collection. Async checks run in
// their own goroutine bounded by the collection interval.
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) (HealthMetric, error)
	Async() bool
}

// MetricFilter selects stored metrics. Zero fields match everything.
type MetricFilter struct {
	AgentID string     `json:"agent_id,omitempty"`
	Type    MetricType `json:"type,omitempty"`
	Since   time.Time  `json:"since,omitempty"`
	Limit   int        `json:"limit,omitempty"`
}

func (f MetricFilter) match(m HealthMetric) bool {
	if f.AgentID != "" && m.AgentID != f.AgentID {
		return false
	}
	if f.Type != "" && m.Type != f.Type {
		return false
	}
	if !f.Since.IsZero() && m.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// AgentHealth summarises one agent inside a SystemHealth snapshot.
type AgentHealth struct {
	AgentID      string               `json:"agent_id"`
	Role         string               `json:"role"`
	Status       session.ProcessState `json:"status"`
	Available    bool                 `json:"available"`
	ErrorRate    float64              `json:"error_rate"`
	Uptime       time.Duration        `json:"uptime"`
	RestartCount int                  `json:"restart_count"`
	Breaker      string               `json:"breaker"`
}

// SystemHealth is the cached result of the latest collection.
type SystemHealth struct {
	Status       HealthStatus             `json:"status"`
	System       SystemSample             `json:"system"`
	Agents       []AgentHealth            `json:"agents"`
	Stats        orchestrator.SystemStats `json:"stats"`
	ActiveAlerts int                      `json:"active_alerts"`
	Critical     int                      `json:"critical_alerts"`
	StageErrors  []string                 `json:"stage_errors,omitempty"`
	CollectedAt  time.Time                `json:"collected_at"`
	Duration     time.Duration            `json:"duration"`
}
