package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ByteMirror/squadron/brain"
	"github.com/ByteMirror/squadron/daemon"
	"github.com/ByteMirror/squadron/orchestrator"
	"github.com/ByteMirror/squadron/session"

	gomcp "github.com/mark3labs/mcp-go/mcp"
)

// resultText extracts the text string from a CallToolResult.
// It assumes the result contains exactly one TextContent item.
func resultText(t *testing.T, result *gomcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("result has no content")
	}
	tc, ok := gomcp.AsTextContent(result.Content[0])
	if !ok {
		t.Fatalf("result content[0] is not TextContent: %T", result.Content[0])
	}
	return tc.Text
}

func call(t *testing.T, h func(context.Context, gomcp.CallToolRequest) (*gomcp.CallToolResult, error), args map[string]any) *gomcp.CallToolResult {
	t.Helper()
	req := gomcp.CallToolRequest{}
	req.Params.Arguments = args
	result, err := h(context.Background(), req)
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	return result
}

// fakeClient records calls and returns canned data.
type fakeClient struct {
	agents   []orchestrator.AgentInfo
	err      error
	sent     []daemon.SendMessageParams
	reply    *brain.AgentMessage
	inbox    *brain.AgentMessage
	created  []daemon.CreateAgentParams
	executed []string
	filters  []brain.EventFilter
	polled   []string
	task     *daemon.TaskResult
	broad    *daemon.BroadcastResult
	roles    []string
	stopped  map[string]bool
	acked    map[string]bool
	shutdown bool
	queued   []string
	metrics  *orchestrator.PoolMetrics
	pooled   []orchestrator.TaskResult
	dropped  int
}

func (f *fakeClient) ListAgents() ([]orchestrator.AgentInfo, error) { return f.agents, f.err }
func (f *fakeClient) GetSystemStats() (*orchestrator.SystemStats, error) {
	return &orchestrator.SystemStats{TotalAgents: len(f.agents)}, f.err
}
func (f *fakeClient) GetSystemHealth() (*daemon.SystemHealthResult, error) {
	return &daemon.SystemHealthResult{}, f.err
}
func (f *fakeClient) HealthCheck(agentID string) (*orchestrator.HealthReport, error) {
	return &orchestrator.HealthReport{AgentID: agentID, IsHealthy: true}, f.err
}

func (f *fakeClient) SendMessage(p daemon.SendMessageParams) (*daemon.SendMessageResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, p)
	res := &daemon.SendMessageResult{
		Message:    brain.AgentMessage{MessageID: "m-1", FromAgent: p.From, ToAgent: p.To},
		Recipients: []string{p.To},
	}
	if p.Wait {
		if f.reply != nil {
			res.Response = f.reply
		} else {
			res.TimedOut = true
		}
	}
	return res, nil
}

func (f *fakeClient) ReceiveMessage(agentID string, timeoutSec int) (*brain.AgentMessage, error) {
	return f.inbox, f.err
}

func (f *fakeClient) MessageHistory(filter brain.HistoryFilter) ([]brain.HistoryEntry, error) {
	return nil, f.err
}

func (f *fakeClient) Subscribe(filter brain.EventFilter) (string, error) {
	f.filters = append(f.filters, filter)
	return "sub-1", f.err
}

func (f *fakeClient) PollEvents(subscriberID string, timeoutSec int) (*daemon.PollEventsResult, error) {
	f.polled = append(f.polled, subscriberID)
	return &daemon.PollEventsResult{
		SubscriberID: subscriberID,
		Events:       []brain.Event{{Type: brain.EventAgentStatus, Source: "w1"}},
		Dropped:      f.dropped,
	}, f.err
}

func (f *fakeClient) Unsubscribe(subscriberID string) error { return f.err }

func (f *fakeClient) CreateAgent(p daemon.CreateAgentParams) (*orchestrator.AgentInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.created = append(f.created, p)
	return &orchestrator.AgentInfo{Config: p.AgentConfig, Status: session.StateIdle}, nil
}

func (f *fakeClient) StartAgent(agentID string) (*orchestrator.AgentInfo, error) {
	return &orchestrator.AgentInfo{Config: orchestrator.AgentConfig{AgentID: agentID}, Status: session.StateRunning}, f.err
}

func (f *fakeClient) StopAgent(agentID string, force bool) (*orchestrator.AgentInfo, error) {
	if f.stopped == nil {
		f.stopped = map[string]bool{}
	}
	f.stopped[agentID] = force
	return &orchestrator.AgentInfo{Config: orchestrator.AgentConfig{AgentID: agentID}, Status: session.StateTerminated}, f.err
}

func (f *fakeClient) RemoveAgent(agentID string) error { return f.err }

func (f *fakeClient) ResetCircuit(agentID string) (*orchestrator.AgentInfo, error) {
	return &orchestrator.AgentInfo{Config: orchestrator.AgentConfig{AgentID: agentID}, Breaker: "CLOSED"}, f.err
}

func (f *fakeClient) ExecuteTask(agentID, prompt, taskID string, timeout time.Duration) (*daemon.TaskResult, error) {
	f.executed = append(f.executed, agentID+":"+prompt+":"+timeout.String())
	return f.task, f.err
}

func (f *fakeClient) BroadcastTask(prompt string, roles []string, maxAgents int, timeout time.Duration) (*daemon.BroadcastResult, error) {
	f.roles = roles
	return f.broad, f.err
}

func (f *fakeClient) AcknowledgeAlert(alertID string, resolve bool) error {
	if f.acked == nil {
		f.acked = map[string]bool{}
	}
	f.acked[alertID] = resolve
	return f.err
}

func (f *fakeClient) Shutdown() error {
	f.shutdown = true
	return f.err
}

func (f *fakeClient) SubmitPoolTask(prompt, priority string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.queued = append(f.queued, priority+":"+prompt)
	return fmt.Sprintf("pt-%d", len(f.queued)), nil
}

func (f *fakeClient) PoolMetrics() (*orchestrator.PoolMetrics, error) { return f.metrics, f.err }

func (f *fakeClient) PoolResults(taskID string, limit int) ([]orchestrator.TaskResult, error) {
	var out []orchestrator.TaskResult
	for _, r := range f.pooled {
		if taskID == "" || r.TaskID == taskID {
			out = append(out, r)
		}
	}
	return out, f.err
}

func TestHandleListAgents(t *testing.T) {
	tests := []struct {
		name     string
		client   *fakeClient
		wantErr  bool
		contains string
		check    func(t *testing.T, text string)
	}{
		{
			name:     "empty squad",
			client:   &fakeClient{},
			contains: "No agents registered.",
		},
		{
			name:     "daemon error",
			client:   &fakeClient{err: errors.New("connect to daemon: refused")},
			wantErr:  true,
			contains: "refused",
		},
		{
			name: "renders agent views",
			client: &fakeClient{agents: []orchestrator.AgentInfo{{
				Config:     orchestrator.AgentConfig{AgentID: "w1", Role: orchestrator.RoleWorker, CLI: session.CLIOptions{Program: "claude"}},
				Status:     session.StateRunning,
				TaskCount:  4,
				ErrorCount: 1,
				Breaker:    "CLOSED",
				Activity:   &session.Activity{Action: "editing", Detail: "main.go"},
			}}},
			check: func(t *testing.T, text string) {
				t.Helper()
				var views []agentView
				if err := json.Unmarshal([]byte(text), &views); err != nil {
					t.Fatalf("failed to parse JSON response: %v", err)
				}
				if len(views) != 1 {
					t.Fatalf("len(views) = %d, want 1", len(views))
				}
				v := views[0]
				if v.AgentID != "w1" || v.Role != "worker" || v.Status != "RUNNING" {
					t.Errorf("view = %+v", v)
				}
				if v.ErrorRate != 20 {
					t.Errorf("ErrorRate = %v, want 20", v.ErrorRate)
				}
				if v.Activity != "editing main.go" {
					t.Errorf("Activity = %q", v.Activity)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := call(t, handleListAgents(tt.client), nil)
			if tt.wantErr != result.IsError {
				t.Fatalf("IsError = %v, want %v", result.IsError, tt.wantErr)
			}
			text := resultText(t, result)
			if tt.contains != "" && !strings.Contains(text, tt.contains) {
				t.Errorf("result %q does not contain %q", text, tt.contains)
			}
			if tt.check != nil {
				tt.check(t, text)
			}
		})
	}
}

func TestHandleSendMessage(t *testing.T) {
	t.Run("needs a sender identity", func(t *testing.T) {
		result := call(t, handleSendMessage(&fakeClient{}, ""), map[string]any{"message": "hi"})
		if !result.IsError {
			t.Fatal("expected error without agent id")
		}
	})

	t.Run("needs a message", func(t *testing.T) {
		result := call(t, handleSendMessage(&fakeClient{}, "me"), map[string]any{"to": "b"})
		if !result.IsError {
			t.Fatal("expected error without message")
		}
	})

	t.Run("maps arguments", func(t *testing.T) {
		client := &fakeClient{}
		result := call(t, handleSendMessage(client, "me"), map[string]any{
			"to":                "b",
			"message":           "review this",
			"type":              "task_request",
			"priority":          "urgent",
			"routing":           "direct",
			"requires_response": true,
			"response_timeout":  float64(12),
		})
		if result.IsError {
			t.Fatalf("unexpected error: %s", resultText(t, result))
		}
		if len(client.sent) != 1 {
			t.Fatalf("sent = %d", len(client.sent))
		}
		p := client.sent[0]
		if p.From != "me" || p.To != "b" || p.Type != brain.MessageTaskRequest || p.Priority != brain.PriorityUrgent {
			t.Errorf("params = %+v", p)
		}
		if !p.RequiresResponse || p.ResponseTimeout != 12*time.Second {
			t.Errorf("response settings = %v/%s", p.RequiresResponse, p.ResponseTimeout)
		}
		if !strings.Contains(resultText(t, result), "m-1") {
			t.Errorf("result = %q", resultText(t, result))
		}
	})

	t.Run("returns the reply when waiting", func(t *testing.T) {
		client := &fakeClient{reply: &brain.AgentMessage{MessageID: "m-2", Content: brain.MessageContent{Text: "looks good"}}}
		result := call(t, handleSendMessage(client, "me"), map[string]any{
			"to": "b", "message": "ok?", "requires_response": true, "wait": true,
		})
		if !strings.Contains(resultText(t, result), "looks good") {
			t.Errorf("result = %q", resultText(t, result))
		}
	})

	t.Run("reports a missed reply", func(t *testing.T) {
		client := &fakeClient{}
		result := call(t, handleSendMessage(client, "me"), map[string]any{
			"to": "b", "message": "ok?", "requires_response": true, "wait": true,
		})
		if !strings.Contains(resultText(t, result), "no reply") {
			t.Errorf("result = %q", resultText(t, result))
		}
	})
}

func TestHandleReceiveMessage(t *testing.T) {
	result := call(t, handleReceiveMessage(&fakeClient{}, "me"), nil)
	if text := resultText(t, result); text != "No messages." {
		t.Errorf("empty mailbox = %q", text)
	}

	client := &fakeClient{inbox: &brain.AgentMessage{MessageID: "m-9", Content: brain.MessageContent{Text: "hello"}}}
	result = call(t, handleReceiveMessage(client, "me"), map[string]any{"timeout": float64(1)})
	if !strings.Contains(resultText(t, result), "hello") {
		t.Errorf("result = %q", resultText(t, result))
	}

	result = call(t, handleReceiveMessage(&fakeClient{}, ""), nil)
	if !result.IsError {
		t.Error("expected error without a mailbox")
	}
}

func TestHandleWaitForEvents(t *testing.T) {
	client := &fakeClient{}
	result := call(t, handleWaitForEvents(client), map[string]any{
		"types":   "agent_status, alert_raised",
		"sources": "w1",
	})
	if result.IsError {
		t.Fatalf("unexpected error: %s", resultText(t, result))
	}
	if len(client.filters) != 1 {
		t.Fatalf("subscriptions = %d", len(client.filters))
	}
	f := client.filters[0]
	if len(f.Types) != 2 || f.Types[1] != brain.EventAlertRaised || len(f.Sources) != 1 {
		t.Errorf("filter = %+v", f)
	}

	var payload struct {
		SubscriberID string        `json:"subscriber_id"`
		EventCount   int           `json:"event_count"`
		Events       []brain.Event `json:"events"`
	}
	if err := json.Unmarshal([]byte(resultText(t, result)), &payload); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if payload.SubscriberID != "sub-1" || payload.EventCount != 1 {
		t.Errorf("payload = %+v", payload)
	}

	// Passing the id reuses the subscription.
	call(t, handleWaitForEvents(client), map[string]any{"subscriber_id": "sub-1"})
	if len(client.filters) != 1 || len(client.polled) != 2 {
		t.Errorf("filters=%d polled=%d", len(client.filters), len(client.polled))
	}
}

func TestHandleCreateAgent(t *testing.T) {
	client := &fakeClient{}
	result := call(t, handleCreateAgent(client), map[string]any{
		"agent_id": "rev", "role": "specialist", "program": "claude", "start": true, "auto_restart": true,
	})
	if result.IsError {
		t.Fatalf("unexpected error: %s", resultText(t, result))
	}
	p := client.created[0]
	if p.AgentID != "rev" || p.Role != orchestrator.RoleSpecialist || !p.Start || !p.AutoRestart || p.CLI.Program != "claude" {
		t.Errorf("params = %+v", p)
	}

	result = call(t, handleCreateAgent(client), map[string]any{"agent_id": "x", "role": "janitor"})
	if !result.IsError {
		t.Error("expected unknown role to fail")
	}
}

func TestHandleAgentActions(t *testing.T) {
	client := &fakeClient{}
	result := call(t, handleStopAgent(client), map[string]any{"agent_id": "w1", "force": true})
	if result.IsError || !client.stopped["w1"] {
		t.Errorf("stop: error=%v stopped=%v", result.IsError, client.stopped)
	}

	result = call(t, handleRemoveAgent(client), map[string]any{"agent_id": "w1"})
	if text := resultText(t, result); text != "w1: done." {
		t.Errorf("remove = %q", text)
	}

	result = call(t, handleStartAgent(client), nil)
	if !result.IsError {
		t.Error("expected missing agent_id to fail")
	}

	client.err = errors.New("reset_circuit: agent not found: zz (unknown)")
	result = call(t, handleResetCircuit(client), map[string]any{"agent_id": "zz"})
	if !result.IsError || !strings.Contains(resultText(t, result), "not found") {
		t.Errorf("reset = %q", resultText(t, result))
	}
}

func TestHandleExecuteTask(t *testing.T) {
	client := &fakeClient{task: &daemon.TaskResult{
		AgentID: "w1",
		TaskID:  "t1",
		Result:  "all tests pass",
		Events: []session.Event{
			{Type: session.EventToolUse, Metadata: session.EventMetadata{ToolName: "Bash"}},
			{Type: session.EventResult, Content: "all tests pass"},
		},
		Duration: 1500 * time.Millisecond,
	}}
	result := call(t, handleExecuteTask(client), map[string]any{"agent_id": "w1", "prompt": "run tests", "timeout": float64(30)})
	if result.IsError {
		t.Fatalf("unexpected error: %s", resultText(t, result))
	}
	var v taskView
	if err := json.Unmarshal([]byte(resultText(t, result)), &v); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if v.Result != "all tests pass" || v.Events != 2 || len(v.ToolsUsed) != 1 || v.Duration != "1.5s" {
		t.Errorf("view = %+v", v)
	}
	if client.executed[0] != "w1:run tests:30s" {
		t.Errorf("executed = %v", client.executed)
	}

	result = call(t, handleExecuteTask(client), map[string]any{"agent_id": "w1"})
	if !result.IsError {
		t.Error("expected missing prompt to fail")
	}
}

func TestHandleBroadcastTask(t *testing.T) {
	client := &fakeClient{broad: &daemon.BroadcastResult{Results: map[string]*daemon.TaskResult{
		"w1": {AgentID: "w1", Result: "a"},
		"w2": {AgentID: "w2", Error: "boom", ErrorKind: "permanent"},
	}}}
	result := call(t, handleBroadcastTask(client), map[string]any{"prompt": "go", "roles": "worker, specialist"})
	if result.IsError {
		t.Fatalf("unexpected error: %s", resultText(t, result))
	}
	if len(client.roles) != 2 || client.roles[1] != "specialist" {
		t.Errorf("roles = %v", client.roles)
	}
	var views map[string]taskView
	if err := json.Unmarshal([]byte(resultText(t, result)), &views); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if views["w2"].ErrorKind != "permanent" || views["w1"].Result != "a" {
		t.Errorf("views = %+v", views)
	}
}

func TestHandleAlertsAndShutdown(t *testing.T) {
	client := &fakeClient{}
	result := call(t, handleAcknowledgeAlert(client), map[string]any{"alert_id": "al-1", "resolve": true})
	if text := resultText(t, result); text != "Alert resolved." || !client.acked["al-1"] {
		t.Errorf("resolve = %q acked=%v", text, client.acked)
	}

	result = call(t, handleShutdownSystem(client), nil)
	if result.IsError || !client.shutdown {
		t.Error("shutdown not forwarded")
	}
}

func TestNewServerRegistersTiers(t *testing.T) {
	tests := []struct {
		tier int
		want []string
		not  []string
	}{
		{tier: TierRead, want: []string{"list_agents", "health_check", "pool_status"}, not: []string{"send_message", "execute_task"}},
		{tier: TierMessaging, want: []string{"send_message", "wait_for_events"}, not: []string{"execute_task"}},
		{tier: TierControl, want: []string{"execute_task", "submit_pool_task", "shutdown_system"}},
	}
	for _, tt := range tests {
		s := NewSquadronMCPServer(&fakeClient{}, "me", tt.tier)
		tools := s.server.ListTools()
		for _, name := range tt.want {
			if _, ok := tools[name]; !ok {
				t.Errorf("tier %d: missing tool %s", tt.tier, name)
			}
		}
		for _, name := range tt.not {
			if _, ok := tools[name]; ok {
				t.Errorf("tier %d: unexpected tool %s", tt.tier, name)
			}
		}
	}
}

func TestHandlePoolTools(t *testing.T) {
	client := &fakeClient{
		metrics: &orchestrator.PoolMetrics{Total: 2, Busy: 1, Idle: 1, RecommendedScaleDirection: orchestrator.ScaleNone},
		pooled: []orchestrator.TaskResult{
			{TaskID: "pt-1", AgentID: "pool-1", Output: "ok"},
			{TaskID: "pt-9", AgentID: "pool-2", Output: "other"},
		},
	}

	result := call(t, handleSubmitPoolTask(client), map[string]any{"prompt": "lint", "priority": "urgent"})
	if text := resultText(t, result); text != "Queued pool task pt-1." {
		t.Errorf("submit = %q", text)
	}
	if client.queued[0] != "urgent:lint" {
		t.Errorf("queued = %v", client.queued)
	}

	result = call(t, handlePoolStatus(client), map[string]any{"task_id": "pt-1"})
	var status struct {
		Metrics orchestrator.PoolMetrics  `json:"metrics"`
		Results []orchestrator.TaskResult `json:"results"`
	}
	if err := json.Unmarshal([]byte(resultText(t, result)), &status); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if status.Metrics.Total != 2 || len(status.Results) != 1 || status.Results[0].Output != "ok" {
		t.Errorf("status = %+v", status)
	}

	result = call(t, handleSubmitPoolTask(client), nil)
	if !result.IsError {
		t.Error("expected missing prompt to fail")
	}
}
