package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ByteMirror/squadron/brain"
	"github.com/ByteMirror/squadron/daemon"
	"github.com/ByteMirror/squadron/log"
	"github.com/ByteMirror/squadron/orchestrator"
	"github.com/ByteMirror/squadron/session"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// agentView is the JSON representation returned by list_agents.
type agentView struct {
	AgentID       string  `json:"agent_id"`
	Role          string  `json:"role"`
	Status        string  `json:"status"`
	Program       string  `json:"program"`
	TaskCount     int     `json:"task_count"`
	ErrorCount    int     `json:"error_count"`
	ErrorRate     float64 `json:"error_rate"`
	RestartCount  int     `json:"restart_count"`
	Breaker       string  `json:"breaker"`
	CurrentTaskID string  `json:"current_task_id,omitempty"`
	Activity      string  `json:"activity,omitempty"`
	LastError     string  `json:"last_error,omitempty"`
}

func viewOf(info orchestrator.AgentInfo) agentView {
	v := agentView{
		AgentID:       info.Config.AgentID,
		Role:          string(info.Config.Role),
		Status:        info.Status.String(),
		Program:       info.Config.CLI.Program,
		TaskCount:     info.TaskCount,
		ErrorCount:    info.ErrorCount,
		ErrorRate:     info.ErrorRate(),
		RestartCount:  info.RestartCount,
		Breaker:       info.Breaker,
		CurrentTaskID: info.CurrentTaskID,
		LastError:     info.LastError,
	}
	if info.Activity != nil {
		v.Activity = info.Activity.Action
		if info.Activity.Detail != "" {
			v.Activity += " " + info.Activity.Detail
		}
	}
	return v
}

// taskView is the JSON representation of one task result. Only the final
// result and tool activity are kept; raw stream chunks are counted.
type taskView struct {
	AgentID   string   `json:"agent_id"`
	TaskID    string   `json:"task_id"`
	Result    string   `json:"result,omitempty"`
	Error     string   `json:"error,omitempty"`
	ErrorKind string   `json:"error_kind,omitempty"`
	TimedOut  bool     `json:"timed_out,omitempty"`
	Duration  string   `json:"duration"`
	ToolsUsed []string `json:"tools_used,omitempty"`
	Events    int      `json:"events"`
}

func taskViewOf(r *daemon.TaskResult) taskView {
	v := taskView{
		AgentID:   r.AgentID,
		TaskID:    r.TaskID,
		Result:    r.Result,
		Error:     r.Error,
		ErrorKind: r.ErrorKind,
		TimedOut:  r.TimedOut,
		Duration:  r.Duration.Round(time.Millisecond).String(),
		Events:    len(r.Events),
	}
	for _, ev := range r.Events {
		if ev.Type == session.EventToolUse && ev.Metadata.ToolName != "" {
			v.ToolsUsed = append(v.ToolsUsed, ev.Metadata.ToolName)
		}
	}
	return v
}

// jsonResult renders v as indented JSON text.
func jsonResult(v any) *gomcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return gomcp.NewToolResultError("failed to marshal result: " + err.Error())
	}
	return gomcp.NewToolResultText(string(data))
}

func handleListAgents(client DaemonClient) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		log.InfoLog.Printf("tool call: list_agents")
		agents, err := client.ListAgents()
		if err != nil {
			return gomcp.NewToolResultError("failed to list agents: " + err.Error()), nil
		}
		if len(agents) == 0 {
			return gomcp.NewToolResultText("No agents registered."), nil
		}
		views := make([]agentView, 0, len(agents))
		for _, a := range agents {
			views = append(views, viewOf(a))
		}
		return jsonResult(views), nil
	}
}

func handleGetSystemStats(client DaemonClient) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		log.InfoLog.Printf("tool call: get_system_stats")
		stats, err := client.GetSystemStats()
		if err != nil {
			return gomcp.NewToolResultError("failed to get system stats: " + err.Error()), nil
		}
		return jsonResult(stats), nil
	}
}

func handleGetSystemHealth(client DaemonClient) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		log.InfoLog.Printf("tool call: get_system_health")
		health, err := client.GetSystemHealth()
		if err != nil {
			return gomcp.NewToolResultError("failed to get system health: " + err.Error()), nil
		}
		return jsonResult(health), nil
	}
}

func handleHealthCheck(client DaemonClient) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		agentID := req.GetString("agent_id", "")
		log.InfoLog.Printf("tool call: health_check (agent=%s)", agentID)
		if agentID == "" {
			return gomcp.NewToolResultError("missing required parameter: agent_id"), nil
		}
		report, err := client.HealthCheck(agentID)
		if err != nil {
			return gomcp.NewToolResultError("health check failed: " + err.Error()), nil
		}
		return jsonResult(report), nil
	}
}

func handleSendMessage(client DaemonClient, agentID string) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		log.InfoLog.Printf("tool call: send_message (from=%s)", agentID)
		if agentID == "" {
			return gomcp.NewToolResultError("send_message needs SQUADRON_AGENT_ID to identify the sender"), nil
		}
		text := req.GetString("message", "")
		if text == "" {
			return gomcp.NewToolResultError("missing required parameter: message"), nil
		}

		params := daemon.SendMessageParams{
			From:             agentID,
			To:               req.GetString("to", ""),
			Type:             brain.ParseMessageType(req.GetString("type", "")),
			Text:             text,
			Priority:         brain.ParsePriority(req.GetString("priority", "")),
			Routing:          brain.RoutingStrategy(req.GetString("routing", "")),
			ParentMessageID:  req.GetString("reply_to", ""),
			RequiresResponse: req.GetBool("requires_response", false),
			Wait:             req.GetBool("wait", false),
		}
		if secs := getFloatParam(req, "response_timeout", 0); secs > 0 {
			params.ResponseTimeout = time.Duration(secs) * time.Second
		}

		result, err := client.SendMessage(params)
		if err != nil {
			return gomcp.NewToolResultError("failed to send message: " + err.Error()), nil
		}
		if result.Response != nil {
			return jsonResult(map[string]any{
				"message_id": result.Message.MessageID,
				"recipients": result.Recipients,
				"response":   result.Response,
			}), nil
		}
		if result.TimedOut {
			return gomcp.NewToolResultText(fmt.Sprintf("Message %s delivered to %s; no reply before the timeout.",
				result.Message.MessageID, strings.Join(result.Recipients, ", "))), nil
		}
		return gomcp.NewToolResultText(fmt.Sprintf("Message %s delivered to %s.",
			result.Message.MessageID, strings.Join(result.Recipients, ", "))), nil
	}
}

func handleReceiveMessage(client DaemonClient, agentID string) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		mailbox := req.GetString("agent_id", agentID)
		log.InfoLog.Printf("tool call: receive_message (mailbox=%s)", mailbox)
		if mailbox == "" {
			return gomcp.NewToolResultError("missing required parameter: agent_id"), nil
		}
		timeoutSec := clampInt(getFloatParam(req, "timeout", 5), 0, 25)
		msg, err := client.ReceiveMessage(mailbox, timeoutSec)
		if err != nil {
			return gomcp.NewToolResultError("failed to receive message: " + err.Error()), nil
		}
		if msg == nil {
			return gomcp.NewToolResultText("No messages."), nil
		}
		return jsonResult(msg), nil
	}
}

func handleMessageHistory(client DaemonClient) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		log.InfoLog.Printf("tool call: message_history")
		filter := brain.HistoryFilter{
			Agent: req.GetString("agent", ""),
			Limit: clampInt(getFloatParam(req, "limit", 20), 1, 500),
		}
		if t := req.GetString("type", ""); t != "" {
			filter.Type = brain.ParseMessageType(t)
		}
		entries, err := client.MessageHistory(filter)
		if err != nil {
			return gomcp.NewToolResultError("failed to read history: " + err.Error()), nil
		}
		if len(entries) == 0 {
			return gomcp.NewToolResultText("No messages."), nil
		}
		return jsonResult(entries), nil
	}
}

// handleWaitForEvents long-polls for events, optionally creating a subscription first.
func handleWaitForEvents(client DaemonClient) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		subscriberID := req.GetString("subscriber_id", "")
		log.InfoLog.Printf("tool call: wait_for_events (subscriber=%s)", subscriberID)

		// If no subscriber_id, create a new subscription.
		if subscriberID == "" {
			var filter brain.EventFilter
			for _, t := range splitTrimmed(req.GetString("types", "")) {
				filter.Types = append(filter.Types, brain.EventType(t))
			}
			filter.Sources = splitTrimmed(req.GetString("sources", ""))

			var err error
			subscriberID, err = client.Subscribe(filter)
			if err != nil {
				log.ErrorLog.Printf("wait_for_events: subscribe error: %v", err)
				return gomcp.NewToolResultError("failed to subscribe: " + err.Error()), nil
			}
		}

		timeoutSec := clampInt(getFloatParam(req, "timeout", 15), 1, 25)

		batch, err := client.PollEvents(subscriberID, timeoutSec)
		if err != nil {
			log.ErrorLog.Printf("wait_for_events: poll error: %v", err)
			return gomcp.NewToolResultError("failed to poll events: " + err.Error()), nil
		}

		out := map[string]any{
			"subscriber_id": subscriberID,
			"events":        batch.Events,
			"event_count":   len(batch.Events),
		}
		if batch.Dropped > 0 {
			out["dropped"] = batch.Dropped
		}
		return jsonResult(out), nil
	}
}

// handleUnsubscribeEvents removes an event subscription.
func handleUnsubscribeEvents(client DaemonClient) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		subscriberID := req.GetString("subscriber_id", "")
		log.InfoLog.Printf("tool call: unsubscribe_events (subscriber=%s)", subscriberID)
		if subscriberID == "" {
			return gomcp.NewToolResultError("missing required parameter: subscriber_id"), nil
		}
		if err := client.Unsubscribe(subscriberID); err != nil {
			return gomcp.NewToolResultError("failed to unsubscribe: " + err.Error()), nil
		}
		return gomcp.NewToolResultText("Subscription removed."), nil
	}
}

func handleCreateAgent(client DaemonClient) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		agentID := req.GetString("agent_id", "")
		log.InfoLog.Printf("tool call: create_agent (agent=%s)", agentID)
		if agentID == "" {
			return gomcp.NewToolResultError("missing required parameter: agent_id"), nil
		}
		role := orchestrator.RoleWorker
		if name := req.GetString("role", ""); name != "" {
			r, ok := orchestrator.ParseRole(name)
			if !ok {
				return gomcp.NewToolResultError("unknown role: " + name), nil
			}
			role = r
		}
		info, err := client.CreateAgent(daemon.CreateAgentParams{
			AgentConfig: orchestrator.AgentConfig{
				AgentID: agentID,
				Role:    role,
				CLI: session.CLIOptions{
					Program:      req.GetString("program", ""),
					Model:        req.GetString("model", ""),
					SystemPrompt: req.GetString("system_prompt", ""),
					WorkDir:      req.GetString("work_dir", ""),
				},
				AutoRestart: req.GetBool("auto_restart", false),
			},
			Start: req.GetBool("start", false),
		})
		if err != nil {
			return gomcp.NewToolResultError("failed to create agent: " + err.Error()), nil
		}
		return jsonResult(viewOf(*info)), nil
	}
}

// agentAction wraps the single-agent lifecycle tools.
func agentAction(name string, fn func(agentID string, req gomcp.CallToolRequest) (*orchestrator.AgentInfo, error)) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		agentID := req.GetString("agent_id", "")
		log.InfoLog.Printf("tool call: %s (agent=%s)", name, agentID)
		if agentID == "" {
			return gomcp.NewToolResultError("missing required parameter: agent_id"), nil
		}
		info, err := fn(agentID, req)
		if err != nil {
			return gomcp.NewToolResultError(name + " failed: " + err.Error()), nil
		}
		if info == nil {
			return gomcp.NewToolResultText(fmt.Sprintf("%s: done.", agentID)), nil
		}
		return jsonResult(viewOf(*info)), nil
	}
}

func handleStartAgent(client DaemonClient) mcpserver.ToolHandlerFunc {
	return agentAction("start_agent", func(id string, _ gomcp.CallToolRequest) (*orchestrator.AgentInfo, error) {
		return client.StartAgent(id)
	})
}

func handleStopAgent(client DaemonClient) mcpserver.ToolHandlerFunc {
	return agentAction("stop_agent", func(id string, req gomcp.CallToolRequest) (*orchestrator.AgentInfo, error) {
		return client.StopAgent(id, req.GetBool("force", false))
	})
}

func handleRemoveAgent(client DaemonClient) mcpserver.ToolHandlerFunc {
	return agentAction("remove_agent", func(id string, _ gomcp.CallToolRequest) (*orchestrator.AgentInfo, error) {
		return nil, client.RemoveAgent(id)
	})
}

func handleResetCircuit(client DaemonClient) mcpserver.ToolHandlerFunc {
	return agentAction("reset_circuit", func(id string, _ gomcp.CallToolRequest) (*orchestrator.AgentInfo, error) {
		return client.ResetCircuit(id)
	})
}

func handleExecuteTask(client DaemonClient) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		agentID := req.GetString("agent_id", "")
		prompt := req.GetString("prompt", "")
		log.InfoLog.Printf("tool call: execute_task (agent=%s)", agentID)
		if agentID == "" || prompt == "" {
			return gomcp.NewToolResultError("missing required parameters: agent_id and prompt"), nil
		}
		timeout := time.Duration(getFloatParam(req, "timeout", 0)) * time.Second
		result, err := client.ExecuteTask(agentID, prompt, req.GetString("task_id", ""), timeout)
		if err != nil {
			return gomcp.NewToolResultError("failed to execute task: " + err.Error()), nil
		}
		return jsonResult(taskViewOf(result)), nil
	}
}

func handleBroadcastTask(client DaemonClient) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		prompt := req.GetString("prompt", "")
		log.InfoLog.Printf("tool call: broadcast_task")
		if prompt == "" {
			return gomcp.NewToolResultError("missing required parameter: prompt"), nil
		}
		timeout := time.Duration(getFloatParam(req, "timeout", 0)) * time.Second
		result, err := client.BroadcastTask(prompt, splitTrimmed(req.GetString("roles", "")), getFloatParam(req, "max_agents", 0), timeout)
		if err != nil {
			return gomcp.NewToolResultError("failed to broadcast task: " + err.Error()), nil
		}
		views := make(map[string]taskView, len(result.Results))
		for id, r := range result.Results {
			views[id] = taskViewOf(r)
		}
		return jsonResult(views), nil
	}
}

func handleAcknowledgeAlert(client DaemonClient) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		alertID := req.GetString("alert_id", "")
		log.InfoLog.Printf("tool call: acknowledge_alert (alert=%s)", alertID)
		if alertID == "" {
			return gomcp.NewToolResultError("missing required parameter: alert_id"), nil
		}
		resolve := req.GetBool("resolve", false)
		if err := client.AcknowledgeAlert(alertID, resolve); err != nil {
			return gomcp.NewToolResultError("failed to update alert: " + err.Error()), nil
		}
		if resolve {
			return gomcp.NewToolResultText("Alert resolved."), nil
		}
		return gomcp.NewToolResultText("Alert acknowledged."), nil
	}
}

func handleShutdownSystem(client DaemonClient) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		log.InfoLog.Printf("tool call: shutdown_system")
		if err := client.Shutdown(); err != nil {
			return gomcp.NewToolResultError("failed to shut down: " + err.Error()), nil
		}
		return gomcp.NewToolResultText("Shutdown requested."), nil
	}
}

func handlePoolStatus(client DaemonClient) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		log.InfoLog.Printf("tool call: pool_status")
		metrics, err := client.PoolMetrics()
		if err != nil {
			return gomcp.NewToolResultError("failed to get pool status: " + err.Error()), nil
		}
		results, err := client.PoolResults(req.GetString("task_id", ""), clampInt(getFloatParam(req, "limit", 10), 1, 100))
		if err != nil {
			return gomcp.NewToolResultError("failed to get pool results: " + err.Error()), nil
		}
		return jsonResult(map[string]any{
			"metrics": metrics,
			"results": results,
		}), nil
	}
}

func handleSubmitPoolTask(client DaemonClient) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		log.InfoLog.Printf("tool call: submit_pool_task")
		prompt := req.GetString("prompt", "")
		if prompt == "" {
			return gomcp.NewToolResultError("missing required parameter: prompt"), nil
		}
		taskID, err := client.SubmitPoolTask(prompt, req.GetString("priority", ""))
		if err != nil {
			return gomcp.NewToolResultError("failed to submit task: " + err.Error()), nil
		}
		return gomcp.NewToolResultText(fmt.Sprintf("Queued pool task %s.", taskID)), nil
	}
}

// splitTrimmed splits a comma-separated string and returns non-empty trimmed parts.
// Returns nil for empty input.
func splitTrimmed(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// getFloatParam extracts a float64 parameter from the request arguments, returning
// defaultVal if not present.
func getFloatParam(req gomcp.CallToolRequest, name string, defaultVal int) int {
	if args := req.GetArguments(); args != nil {
		if v, ok := args[name].(float64); ok {
			return int(v)
		}
	}
	return defaultVal
}

// clampInt constrains v to the range [lo, hi].
func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
