package brain

import (
	"fmt"
	"strings"
	"time"
)

// Priority orders messages within one agent's queue; higher is delivered first.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 2
	PriorityHigh   Priority = 3
	PriorityUrgent Priority = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority maps a name to a Priority; unknown names are normal.
func ParsePriority(s string) Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "urgent":
		return PriorityUrgent
	default:
		return PriorityNormal
	}
}

// RoutingStrategy picks the recipients of a message without an explicit
// ToAgent.
type RoutingStrategy string

const (
	RouteDirect       RoutingStrategy = "direct"
	RouteBroadcast    RoutingStrategy = "broadcast"
	RouteRoundRobin   RoutingStrategy = "round_robin"
	RouteLoadBalanced RoutingStrategy = "load_balanced"
)

// MessageType is the closed set of message kinds. Unrecognised kinds decode
// as MessageUnknown.
type MessageType string

const (
	MessageTaskRequest  MessageType = "task_request"
	MessageTaskResponse MessageType = "task_response"
	MessageStatusUpdate MessageType = "status_update"
	MessageCoordination MessageType = "coordination"
	MessageHeartbeat    MessageType = "heartbeat"
	MessageErrorReport  MessageType = "error_report"
	MessageUnknown      MessageType = "unknown"
)

// ParseMessageType maps a name to a MessageType.
func ParseMessageType(s string) MessageType {
	switch t := MessageType(strings.ToLower(strings.TrimSpace(s))); t {
	case MessageTaskRequest, MessageTaskResponse, MessageStatusUpdate,
		MessageCoordination, MessageHeartbeat, MessageErrorReport:
		return t
	case "":
		return MessageCoordination
	default:
		return MessageUnknown
	}
}

// UnmarshalText keeps unknown kinds instead of failing the whole message.
func (t *MessageType) UnmarshalText(b []byte) error {
	*t = ParseMessageType(string(b))
	return nil
}

// MessageContent is the typed payload of a message. Text carries free-form
// content; Task and Status are set for task requests and status updates.
type MessageContent struct {
	Text   string            `json:"text,omitempty"`
	Task   string            `json:"task,omitempty"`
	Status string            `json:"status,omitempty"`
	Data   map[string]string `json:"data,omitempty"`
}

// AgentMessage is one message on the bus.
type AgentMessage struct {
	MessageID        string          `json:"message_id"`
	FromAgent        string          `json:"from_agent"`
	ToAgent          string          `json:"to_agent,omitempty"`
	Type             MessageType     `json:"type"`
	Content          MessageContent  `json:"content"`
	Priority         Priority        `json:"priority"`
	Routing          RoutingStrategy `json:"routing"`
	RequiresResponse bool            `json:"requires_response,omitempty"`
	ResponseTimeout  time.Duration   `json:"response_timeout,omitempty"`
	ParentMessageID  string          `json:"parent_message_id,omitempty"`
	Timestamp        time.Time       `json:"timestamp"`
}

// HistoryFilter selects messages from the bus history. Zero fields match
// everything; Agent matches either sender or recipient.
type HistoryFilter struct {
	Agent string      `json:"agent,omitempty"`
	Type  MessageType `json:"type,omitempty"`
	Since time.Time   `json:"since,omitempty"`
	Limit int         `json:"limit,omitempty"`
}

// HistoryEntry is one sent message and the agents it was queued for.
type HistoryEntry struct {
	Message    AgentMessage `json:"message"`
	Recipients []string     `json:"recipients"`
}

func (f HistoryFilter) match(e HistoryEntry) bool {
	m := e.Message
	if f.Agent != "" && m.FromAgent != f.Agent && m.ToAgent != f.Agent && !sliceContains(e.Recipients, f.Agent) {
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
