package mcp

import (
	"time"

	"github.com/ByteMirror/squadron/brain"
	"github.com/ByteMirror/squadron/daemon"
	"github.com/ByteMirror/squadron/orchestrator"
)

// DaemonClient is the subset of the daemon socket API the tools forward to.
// Implemented by *daemon.Client.
type DaemonClient interface {
	ListAgents() ([]orchestrator.AgentInfo, error)
	GetSystemStats() (*orchestrator.SystemStats, error)
	GetSystemHealth() (*daemon.SystemHealthResult, error)
	HealthCheck(agentID string) (*orchestrator.HealthReport, error)

	// Messaging.
	SendMessage(params daemon.SendMessageParams) (*daemon.SendMessageResult, error)
	ReceiveMessage(agentID string, timeoutSec int) (*brain.AgentMessage, error)
	MessageHistory(filter brain.HistoryFilter) ([]brain.HistoryEntry, error)

	// Event subscription.
	Subscribe(filter brain.EventFilter) (string, error)
	PollEvents(subscriberID string, timeoutSec int) (*daemon.PollEventsResult, error)
	Unsubscribe(subscriberID string) error

	// Lifecycle and task execution.
	CreateAgent(params daemon.CreateAgentParams) (*orchestrator.AgentInfo, error)
	StartAgent(agentID string) (*orchestrator.AgentInfo, error)
	StopAgent(agentID string, force bool) (*orchestrator.AgentInfo, error)
	RemoveAgent(agentID string) error
	ResetCircuit(agentID string) (*orchestrator.AgentInfo, error)
	ExecuteTask(agentID, prompt, taskID string, timeout time.Duration) (*daemon.TaskResult, error)
	BroadcastTask(prompt string, roles []string, maxAgents int, timeout time.Duration) (*daemon.BroadcastResult, error)
	AcknowledgeAlert(alertID string, resolve bool) error
	Shutdown() error

	// Agent pool.
	SubmitPoolTask(prompt, priority string) (string, error)
	PoolMetrics() (*orchestrator.PoolMetrics, error)
	PoolResults(taskID string, limit int) ([]orchestrator.TaskResult, error)
}

var _ DaemonClient = (*daemon.Client)(nil)
