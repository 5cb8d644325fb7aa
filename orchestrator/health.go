package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ByteMirror/squadron/concurrency"
	"github.com/ByteMirror/squadron/session"
)

// HealthReport is the result of probing one agent. Failures are reported in
// the fields, never as a Go error.
type HealthReport struct {
	AgentID         string               `json:"agent_id"`
	IsHealthy       bool                 `json:"is_healthy"`
	Status          session.ProcessState `json:"status"`
	ResponseTime    time.Duration        `json:"response_time"`
	MemoryMB        float64              `json:"memory_mb"`
	CPUPercent      float64              `json:"cpu_percent"`
	ErrorRate       float64              `json:"error_rate"`
	Breaker         string               `json:"breaker"`
	Recommendations []string             `json:"recommendations,omitempty"`
	Error           string               `json:"error,omitempty"`
	CheckedAt       time.Time            `json:"checked_at"`
}

// slowVersionCheck is the response time above which a version check is flagged.
const slowVersionCheck = 5 * time.Second

// HealthCheck checks an agent's CLI and samples its process usage.
func (o *Orchestrator) HealthCheck(ctx context.Context, id string) HealthReport {
	report := HealthReport{AgentID: id, CheckedAt: time.Now()}

	a, err := o.lookup(id)
	if err != nil {
		report.Error = err.Error()
		report.Recommendations = []string{"create the agent before checking its health"}
		return report
	}

	o.mu.RLock()
	info := a.snapshot()
	limits := a.config.ResourceLimits
	o.mu.RUnlock()

	report.Status = info.Status
	report.Breaker = info.Breaker
	report.ErrorRate = info.ErrorRate()

	timeout := o.cfg.VersionCheckTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if ctx.Err() != nil || timeout <= 0 {
		report.Error = concurrency.TimeoutError("health_check "+id, context.DeadlineExceeded).Error()
		report.Recommendations = []string{"retry the health check with a longer deadline"}
		return report
	}

	healthy := true
	var problems []error

	elapsed, checkErr := a.runtime.CheckVersion(o.cfg.Executor, timeout)
	report.ResponseTime = elapsed
	if checkErr != nil {
		healthy = false
		problems = append(problems, checkErr)
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("verify that %q is installed and on PATH", info.Config.CLI.Program))
	} else if elapsed > slowVersionCheck {
		report.Recommendations = append(report.Recommendations, "CLI is slow to respond; check system load")
	}

	if pid := info.Pid; pid > 0 {
		usage, err := session.SampleUsage(o.cfg.Executor, pid, timeout)
		if err != nil {
			problems = append(problems, err)
		} else {
			report.MemoryMB = usage.MemoryMB
			report.CPUPercent = usage.CPUPercent
			if limits.MaxMemoryMB > 0 && usage.MemoryMB > limits.MaxMemoryMB {
				healthy = false
				report.Recommendations = append(report.Recommendations,
					fmt.Sprintf("memory %.0fMB exceeds limit %.0fMB; restart the agent", usage.MemoryMB, limits.MaxMemoryMB))
			}
			if limits.MaxCPUPercent > 0 && usage.CPUPercent > limits.MaxCPUPercent {
				report.Recommendations = append(report.Recommendations,
					fmt.Sprintf("cpu %.0f%% exceeds limit %.0f%%", usage.CPUPercent, limits.MaxCPUPercent))
			}
		}
	}

	switch info.Status {
	case session.StateFailed:
		healthy = false
		report.Recommendations = append(report.Recommendations, "agent has failed; restart it")
	case session.StateTerminated:
		healthy = false
		report.Recommendations = append(report.Recommendations, "agent is stopped; start it to accept tasks")
	}
	if info.Breaker == concurrency.BreakerOpen.String() {
		healthy = false
		report.Recommendations = append(report.Recommendations, "circuit breaker is open; check CLI authentication")
	}
	if report.ErrorRate > 25 {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("error rate is %.0f%%; inspect recent task failures", report.ErrorRate))
	}

	report.IsHealthy = healthy
	if err := errors.Join(problems...); err != nil {
		report.Error = err.Error()
	}
	return report
}

// SystemStats aggregates the registry.
type SystemStats struct {
	TotalAgents    int                      `json:"total_agents"`
	ByStatus       map[string]int           `json:"by_status"`
	ByRole         map[string]int           `json:"by_role"`
	CompletedTasks int                      `json:"completed_tasks"`
	ErroredTasks   int                      `json:"errored_tasks"`
	SuccessRate    float64                  `json:"success_rate"`
	OpenCircuits   int                      `json:"open_circuits"`
	Tracker        concurrency.TrackerStats `json:"tracker"`
	Timestamp      time.Time                `json:"timestamp"`
}

// GetSystemStats returns counts by status and role. SuccessRate is
// completed / (completed + errored) as a percentage, 0 before any task ends.
func (o *Orchestrator) GetSystemStats() SystemStats {
	o.mu.RLock()
	stats := SystemStats{
		TotalAgents:    len(o.agents),
		ByStatus:       make(map[string]int),
		ByRole:         make(map[string]int),
		CompletedTasks: o.completed,
		ErroredTasks:   o.errored,
		Timestamp:      time.Now(),
	}
	for _, a := range o.agents {
		stats.ByStatus[a.runtime.Status().String()]++
		stats.ByRole[string(a.config.Role)]++
		if a.runtime.Breaker().State() == concurrency.BreakerOpen {
			stats.OpenCircuits++
		}
	}
	o.mu.RUnlock()

	if total := stats.CompletedTasks + stats.ErroredTasks; total > 0 {
		stats.SuccessRate = float64(stats.CompletedTasks) / float64(total) * 100
	}
	stats.Tracker = o.tracker.Stats()
	return stats
}
