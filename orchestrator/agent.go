package orchestrator

import (
	"errors"
	"strings"
	"time"

	"github.com/ByteMirror/squadron/session"
)

// AgentRole is the function an agent plays in a squad.
type AgentRole string

const (
	RoleManager     AgentRole = "manager"
	RoleWorker      AgentRole = "worker"
	RoleCoordinator AgentRole = "coordinator"
	RoleSpecialist  AgentRole = "specialist"
)

// ParseRole maps a role name to an AgentRole. Unknown names are rejected.
func ParseRole(s string) (AgentRole, bool) {
	switch r := AgentRole(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleManager, RoleWorker, RoleCoordinator, RoleSpecialist:
		return r, true
	}
	return "", false
}

// ErrAgentNotFound is returned for operations on an unknown agent id.
var ErrAgentNotFound = errors.New("agent not found")

// ResourceLimits are soft limits checked by HealthCheck.
type ResourceLimits struct {
	MaxMemoryMB   float64 `json:"max_memory_mb,omitempty" yaml:"max_memory_mb,omitempty"`
	MaxCPUPercent float64 `json:"max_cpu_percent,omitempty" yaml:"max_cpu_percent,omitempty"`
}

// AgentConfig describes an agent to create.
type AgentConfig struct {
	AgentID            string             `json:"agent_id"`
	Role               AgentRole          `json:"role"`
	Name               string             `json:"name,omitempty"`
	CLI                session.CLIOptions `json:"cli"`
	MaxConcurrentTasks int                `json:"max_concurrent_tasks,omitempty"`
	AutoRestart        bool               `json:"auto_restart,omitempty"`
	ResourceLimits     ResourceLimits     `json:"resource_limits,omitempty"`
	Capabilities       []string           `json:"capabilities,omitempty"`
}

// AgentInfo is a point-in-time snapshot of one agent.
type AgentInfo struct {
	Config        AgentConfig          `json:"config"`
	Status        session.ProcessState `json:"status"`
	Pid           int                  `json:"pid,omitempty"`
	TaskCount     int                  `json:"task_count"`
	ErrorCount    int                  `json:"error_count"`
	RestartCount  int                  `json:"restart_count"`
	CreatedAt     time.Time            `json:"created_at"`
	StartedAt     time.Time            `json:"started_at,omitempty"`
	LastActivity  time.Time            `json:"last_activity"`
	CurrentTaskID string               `json:"current_task_id,omitempty"`
	Activity      *session.Activity    `json:"activity,omitempty"`
	Breaker       string               `json:"breaker"`
	LastError     string               `json:"last_error,omitempty"`
}

// ErrorRate is the percentage of finished tasks that failed.
func (a AgentInfo) ErrorRate() float64 {
	total := a.TaskCount + a.ErrorCount
	if total == 0 {
		return 0
	}
	return float64(a.ErrorCount) / float64(total) * 100
}

// agent is the orchestrator's mutable record; guarded by Orchestrator.mu.
type agent struct {
	config       AgentConfig
	runtime      *session.Runtime
	taskCount    int
	errorCount   int
	restartCount int
	createdAt    time.Time
	startedAt    time.Time
	lastActivity time.Time
	currentTask  string
	order        int
}

func (a *agent) snapshot() AgentInfo {
	info := AgentInfo{
		Config:        a.config,
		Status:        a.runtime.Status(),
		Pid:           a.runtime.Pid(),
		TaskCount:     a.taskCount,
		ErrorCount:    a.errorCount,
		RestartCount:  a.restartCount,
		CreatedAt:     a.createdAt,
		StartedAt:     a.startedAt,
		LastActivity:  a.lastActivity,
		CurrentTaskID: a.currentTask,
		Activity:      a.runtime.Activity(),
		Breaker:       a.runtime.Breaker().State().String(),
	}
	if err := a.runtime.LastError(); err != nil {
		info.LastError = err.Error()
	}
	return info
}
