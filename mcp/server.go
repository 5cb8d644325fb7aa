package mcp

import (
	"github.com/ByteMirror/squadron/log"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

const serverInstructions = "You are connected to Squadron, a supervisor for a squad of AI CLI agents. " +
	"Use list_agents and get_system_health to see what the squad is doing before acting. " +
	"Use send_message and receive_message to coordinate with other agents; set requires_response " +
	"and wait when you need an answer. To follow the squad in real time, call wait_for_events " +
	"instead of polling list_agents in a loop. Lifecycle tools (create_agent, execute_task, " +
	"broadcast_task, stop_agent) are available when this server runs at tier 3."

// Tiers gate tool registration.
const (
	TierRead      = 1
	TierMessaging = 2
	TierControl   = 3
)

// SquadronMCPServer exposes the daemon's operations as MCP tools.
type SquadronMCPServer struct {
	server  *mcpserver.MCPServer
	client  DaemonClient
	agentID string // default sender and mailbox for messaging tools
	tier    int
}

// NewSquadronMCPServer creates an MCP server forwarding to client. agentID
// identifies the calling agent on the message bus and may be empty.
func NewSquadronMCPServer(client DaemonClient, agentID string, tier int) *SquadronMCPServer {
	s := mcpserver.NewMCPServer(
		"squadron",
		"0.1.0",
		mcpserver.WithInstructions(serverInstructions),
	)

	h := &SquadronMCPServer{
		server:  s,
		client:  client,
		agentID: agentID,
		tier:    tier,
	}

	h.registerReadTools()
	if tier >= TierMessaging {
		h.registerMessagingTools()
	}
	if tier >= TierControl {
		h.registerControlTools()
	}

	log.InfoLog.Printf("mcp server created: tier=%d agent=%q", tier, agentID)
	return h
}

// registerReadTools registers read-only inspection tools.
func (h *SquadronMCPServer) registerReadTools() {
	h.server.AddTool(gomcp.NewTool("list_agents",
		gomcp.WithDescription(
			"List every agent in the squad with its role, status, task counters, circuit breaker "+
				"state and current task. Use this to find idle agents before delegating work.",
		),
		gomcp.WithReadOnlyHintAnnotation(true),
	), handleListAgents(h.client))

	h.server.AddTool(gomcp.NewTool("get_system_stats",
		gomcp.WithDescription("Get squad-wide counters: agents by status and role, completed and failed tasks, success rate, open circuits."),
		gomcp.WithReadOnlyHintAnnotation(true),
	), handleGetSystemStats(h.client))

	h.server.AddTool(gomcp.NewTool("get_system_health",
		gomcp.WithDescription(
			"Get the latest health snapshot: host CPU, memory and disk, per-agent health, "+
				"active alerts and message bus statistics.",
		),
		gomcp.WithReadOnlyHintAnnotation(true),
	), handleGetSystemHealth(h.client))

	h.server.AddTool(gomcp.NewTool("health_check",
		gomcp.WithDescription("Check one agent's CLI and report response time, resource usage, error rate and recommendations."),
		gomcp.WithString("agent_id",
			gomcp.Required(),
			gomcp.Description("Id of the agent to check."),
		),
		gomcp.WithReadOnlyHintAnnotation(true),
	), handleHealthCheck(h.client))

	h.server.AddTool(gomcp.NewTool("pool_status",
		gomcp.WithDescription(
			"Get the agent pool's load (agents, busy, queue length, average task duration, scaling "+
				"recommendation) and its most recently completed tasks.",
		),
		gomcp.WithString("task_id",
			gomcp.Description("Only report this pool task's result."),
		),
		gomcp.WithNumber("limit",
			gomcp.Description("Maximum number of completed tasks to return (default 10)."),
		),
		gomcp.WithReadOnlyHintAnnotation(true),
	), handlePoolStatus(h.client))
}

// registerMessagingTools registers message bus and event subscription tools.
func (h *SquadronMCPServer) registerMessagingTools() {
	h.server.AddTool(gomcp.NewTool("send_message",
		gomcp.WithDescription(
			"Send a message to another agent, or route it to the squad. Leave 'to' empty to "+
				"broadcast, or set routing to round_robin or load_balanced to pick one recipient. "+
				"Set requires_response and wait to block until the recipient replies.",
		),
		gomcp.WithString("to",
			gomcp.Description("Agent id of the recipient. Leave empty to route by strategy."),
		),
		gomcp.WithString("message",
			gomcp.Required(),
			gomcp.Description("The message text. Be concise and actionable."),
		),
		gomcp.WithString("type",
			gomcp.Description("Message type: task_request, task_response, status_update, coordination (default), heartbeat, error_report."),
		),
		gomcp.WithString("priority",
			gomcp.Description("low, normal (default), high or urgent. Higher priority messages are delivered first."),
		),
		gomcp.WithString("routing",
			gomcp.Description("direct, broadcast, round_robin or load_balanced."),
		),
		gomcp.WithString("reply_to",
			gomcp.Description("Message id this message answers. Completes the sender's wait."),
		),
		gomcp.WithBoolean("requires_response",
			gomcp.Description("Ask the recipient for a reply."),
		),
		gomcp.WithBoolean("wait",
			gomcp.Description("Block until the reply arrives (requires requires_response)."),
		),
		gomcp.WithNumber("response_timeout",
			gomcp.Description("Seconds to wait for the reply."),
		),
	), handleSendMessage(h.client, h.agentID))

	h.server.AddTool(gomcp.NewTool("receive_message",
		gomcp.WithDescription("Take the next message from your mailbox, highest priority first. Returns nothing when the mailbox stays empty."),
		gomcp.WithString("agent_id",
			gomcp.Description("Mailbox to read. Defaults to your own agent id."),
		),
		gomcp.WithNumber("timeout",
			gomcp.Description("How long to wait for a message in seconds (0-25, default 5)."),
		),
	), handleReceiveMessage(h.client, h.agentID))

	h.server.AddTool(gomcp.NewTool("message_history",
		gomcp.WithDescription("List recently sent messages, optionally filtered by agent and type."),
		gomcp.WithString("agent",
			gomcp.Description("Only messages sent by or delivered to this agent."),
		),
		gomcp.WithString("type",
			gomcp.Description("Only messages of this type."),
		),
		gomcp.WithNumber("limit",
			gomcp.Description("Maximum number of messages, most recent kept (default 20)."),
		),
		gomcp.WithReadOnlyHintAnnotation(true),
	), handleMessageHistory(h.client))

	h.server.AddTool(gomcp.NewTool("wait_for_events",
		gomcp.WithDescription(
			"Long-poll for real-time events (agent status, lifecycle, health updates, system metrics, "+
				"messages, alerts, recoveries). On first call, omit subscriber_id to create a subscription "+
				"with your filter. On subsequent calls, pass the returned subscriber_id to continue. "+
				"Events are buffered server-side so none are missed between polls.",
		),
		gomcp.WithString("subscriber_id",
			gomcp.Description("Subscription ID from a previous call. Omit on first call to create a new subscription."),
		),
		gomcp.WithString("types",
			gomcp.Description("Comma-separated event types to filter: agent_status, agent_lifecycle, "+
				"health_monitoring_update, system_metrics_stream, message_sent, alert_raised, recovery_executed. "+
				"Leave empty for all types."),
		),
		gomcp.WithString("sources",
			gomcp.Description("Comma-separated agent ids to filter events by source. Leave empty for all."),
		),
		gomcp.WithNumber("timeout",
			gomcp.Description("How long to wait for events in seconds (1-25, default 15)."),
		),
	), handleWaitForEvents(h.client))

	h.server.AddTool(gomcp.NewTool("unsubscribe_events",
		gomcp.WithDescription("Remove an event subscription. Call this when you no longer need to receive events."),
		gomcp.WithString("subscriber_id",
			gomcp.Required(),
			gomcp.Description("The subscription ID to remove."),
		),
	), handleUnsubscribeEvents(h.client))
}

// registerControlTools registers agent lifecycle and task execution tools.
func (h *SquadronMCPServer) registerControlTools() {
	h.server.AddTool(gomcp.NewTool("create_agent",
		gomcp.WithDescription("Register a new agent wrapping the AI CLI. It starts IDLE unless start is set."),
		gomcp.WithString("agent_id",
			gomcp.Required(),
			gomcp.Description("Unique id for the new agent."),
		),
		gomcp.WithString("role",
			gomcp.Description("manager, worker (default), coordinator or specialist."),
		),
		gomcp.WithString("program",
			gomcp.Description("CLI to wrap. Defaults to the daemon's configured program."),
		),
		gomcp.WithString("model",
			gomcp.Description("Model passed to the CLI."),
		),
		gomcp.WithString("system_prompt",
			gomcp.Description("Extra system prompt for every task."),
		),
		gomcp.WithString("work_dir",
			gomcp.Description("Directory the CLI runs in."),
		),
		gomcp.WithBoolean("auto_restart",
			gomcp.Description("Let the health monitor restart this agent when it fails."),
		),
		gomcp.WithBoolean("start",
			gomcp.Description("Start the agent right away."),
		),
	), handleCreateAgent(h.client))

	h.server.AddTool(gomcp.NewTool("start_agent",
		gomcp.WithDescription("Start an agent. Failed or terminated agents are reset and restarted."),
		gomcp.WithString("agent_id", gomcp.Required(), gomcp.Description("Agent to start.")),
	), handleStartAgent(h.client))

	h.server.AddTool(gomcp.NewTool("stop_agent",
		gomcp.WithDescription("Stop an agent, terminating any running task."),
		gomcp.WithString("agent_id", gomcp.Required(), gomcp.Description("Agent to stop.")),
		gomcp.WithBoolean("force", gomcp.Description("Kill immediately instead of terminating gracefully.")),
	), handleStopAgent(h.client))

	h.server.AddTool(gomcp.NewTool("remove_agent",
		gomcp.WithDescription("Stop an agent and remove it from the squad."),
		gomcp.WithString("agent_id", gomcp.Required(), gomcp.Description("Agent to remove.")),
	), handleRemoveAgent(h.client))

	h.server.AddTool(gomcp.NewTool("reset_circuit",
		gomcp.WithDescription("Close an agent's circuit breaker so it accepts tasks again."),
		gomcp.WithString("agent_id", gomcp.Required(), gomcp.Description("Agent whose breaker to reset.")),
	), handleResetCircuit(h.client))

	h.server.AddTool(gomcp.NewTool("execute_task",
		gomcp.WithDescription("Run a prompt on one idle agent and return its output once the task finishes or times out."),
		gomcp.WithString("agent_id", gomcp.Required(), gomcp.Description("Agent to run the task.")),
		gomcp.WithString("prompt", gomcp.Required(), gomcp.Description("The task prompt.")),
		gomcp.WithString("task_id", gomcp.Description("Optional id for the task.")),
		gomcp.WithNumber("timeout", gomcp.Description("Seconds before the task is abandoned (default 600).")),
	), handleExecuteTask(h.client))

	h.server.AddTool(gomcp.NewTool("broadcast_task",
		gomcp.WithDescription("Run a prompt on every idle agent with one of the given roles and return each result."),
		gomcp.WithString("prompt", gomcp.Required(), gomcp.Description("The task prompt.")),
		gomcp.WithString("roles", gomcp.Description("Comma-separated roles. Leave empty for all roles.")),
		gomcp.WithNumber("max_agents", gomcp.Description("Maximum number of agents (0 for no limit).")),
		gomcp.WithNumber("timeout", gomcp.Description("Seconds before unfinished tasks are abandoned (default 600).")),
	), handleBroadcastTask(h.client))

	h.server.AddTool(gomcp.NewTool("submit_pool_task",
		gomcp.WithDescription(
			"Queue a prompt on the agent pool. The pool runs queued tasks by priority on its own "+
				"workers and scales them with load. Poll pool_status with the returned task_id for the result.",
		),
		gomcp.WithString("prompt", gomcp.Required(), gomcp.Description("The task prompt.")),
		gomcp.WithString("priority", gomcp.Description("low, normal (default), high or urgent.")),
	), handleSubmitPoolTask(h.client))

	h.server.AddTool(gomcp.NewTool("acknowledge_alert",
		gomcp.WithDescription("Acknowledge a health alert, or resolve it so the next breach raises a fresh alert."),
		gomcp.WithString("alert_id", gomcp.Required(), gomcp.Description("Alert to update.")),
		gomcp.WithBoolean("resolve", gomcp.Description("Resolve instead of acknowledging.")),
	), handleAcknowledgeAlert(h.client))

	h.server.AddTool(gomcp.NewTool("shutdown_system",
		gomcp.WithDescription("Stop every agent and shut the daemon down."),
	), handleShutdownSystem(h.client))
}

// Serve starts the MCP server using stdio transport.
func (h *SquadronMCPServer) Serve() error {
	return mcpserver.ServeStdio(h.server)
}
