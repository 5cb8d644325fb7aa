package daemon

import (
	"encoding/json"
	"time"

	"github.com/ByteMirror/squadron/brain"
	"github.com/ByteMirror/squadron/monitoring"
	"github.com/ByteMirror/squadron/session"
)

// Method constants for the socket protocol.
const (
	MethodPing             = "ping"
	MethodCreateAgent      = "create_agent"
	MethodStartAgent       = "start_agent"
	MethodStopAgent        = "stop_agent"
	MethodRemoveAgent      = "remove_agent"
	MethodListAgents       = "list_agents"
	MethodResetCircuit     = "reset_circuit"
	MethodExecuteTask      = "execute_task"
	MethodBroadcastTask    = "broadcast_task"
	MethodHealthCheck      = "health_check"
	MethodGetSystemStats   = "get_system_stats"
	MethodGetSystemHealth  = "get_system_health"
	MethodAcknowledgeAlert = "acknowledge_alert"
	MethodShutdownSystem   = "shutdown_system"
	MethodSendMessage      = "send_message"
	MethodReceiveMessage   = "receive_message"
	MethodMessageHistory   = "message_history"
	MethodSubscribe        = "subscribe"
	MethodPollEvents       = "poll_events"
	MethodUnsubscribe      = "unsubscribe"
	MethodSubmitPoolTask   = "submit_pool_task"
	MethodPoolMetrics      = "pool_metrics"
	MethodPoolResults      = "pool_results"
)

// Request is a JSON-encoded request sent over the Unix socket.
type Request struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
}

// Response is a JSON-encoded response from the daemon. ErrorKind carries the
// classification of a failed request so clients can decide whether to retry.
type Response struct {
	OK        bool            `json:"ok"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
}

// TaskResult is the collected outcome of one task stream.
type TaskResult struct {
	AgentID   string          `json:"agent_id"`
	TaskID    string          `json:"task_id"`
	Events    []session.Event `json:"events"`
	Result    string          `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
	TimedOut  bool            `json:"timed_out,omitempty"`
	Duration  time.Duration   `json:"duration"`
}

// BroadcastResult maps agent ids to their task results.
type BroadcastResult struct {
	Results map[string]*TaskResult `json:"results"`
}

// SendMessageResult is returned by send_message. Response is set when the
// caller asked to wait for a reply and one arrived; TimedOut is set when it
// did not.
type SendMessageResult struct {
	Message    brain.AgentMessage  `json:"message"`
	Recipients []string            `json:"recipients"`
	Response   *brain.AgentMessage `json:"response,omitempty"`
	TimedOut   bool                `json:"timed_out,omitempty"`
}

// ReceiveMessageResult is returned by receive_message. Message is nil when
// nothing arrived before the timeout.
type ReceiveMessageResult struct {
	Message *brain.AgentMessage `json:"message,omitempty"`
}

// SystemHealthResult pairs the cached monitor snapshot with bus statistics.
type SystemHealthResult struct {
	Health monitoring.SystemHealth `json:"health"`
	Bus    brain.BusStats          `json:"bus"`
	Events brain.EventBusStats     `json:"events"`
}

// SubscribeResult is returned by the subscribe method.
type SubscribeResult struct {
	SubscriberID string `json:"subscriber_id"`
}

// PollEventsResult is returned by the poll_events method. Dropped counts
// events lost since the previous poll because the subscriber fell behind.
type PollEventsResult struct {
	SubscriberID string        `json:"subscriber_id"`
	Events       []brain.Event `json:"events"`
	Dropped      int           `json:"dropped,omitempty"`
}

// SubmitPoolTaskResult is returned by submit_pool_task.
type SubmitPoolTaskResult struct {
	TaskID string `json:"task_id"`
}
