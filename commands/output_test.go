package commands

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/ByteMirror/squadron/daemon"
	"github.com/ByteMirror/squadron/monitoring"
	"github.com/ByteMirror/squadron/orchestrator"
	"github.com/ByteMirror/squadron/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func plainPrinter() (*printer, *bytes.Buffer) {
	var buf bytes.Buffer
	return &printer{w: &buf}, &buf
}

func TestAgentTable(t *testing.T) {
	p, buf := plainPrinter()
	require.NoError(t, p.agentTable(nil))
	assert.Equal(t, "No agents registered.\n", buf.String())

	buf.Reset()
	require.NoError(t, p.agentTable([]orchestrator.AgentInfo{{
		Config:        orchestrator.AgentConfig{AgentID: "w1", Role: orchestrator.RoleWorker},
		Status:        session.StateRunning,
		TaskCount:     3,
		ErrorCount:    1,
		Breaker:       "CLOSED",
		CurrentTaskID: "t-7",
	}}))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "AGENT"))
	assert.Contains(t, lines[1], "w1")
	assert.Contains(t, lines[1], "RUNNING")
	assert.Contains(t, lines[1], "1 (25%)")
	assert.Contains(t, lines[1], "t-7")
}

func TestTaskResult(t *testing.T) {
	p, buf := plainPrinter()
	p.taskResult(&daemon.TaskResult{
		AgentID: "w1",
		TaskID:  "t1",
		Result:  "42",
		Events: []session.Event{
			{Type: session.EventToolUse, Metadata: session.EventMetadata{ToolName: "Read"}},
		},
		Duration: 1200 * time.Millisecond,
	})
	out := buf.String()
	assert.Contains(t, out, "done in 1.2s")
	assert.Contains(t, out, "tool: Read")
	assert.Contains(t, out, "42")

	buf.Reset()
	p.taskResult(&daemon.TaskResult{AgentID: "w1", Error: "circuit open", ErrorKind: "resource_exhausted"})
	assert.Contains(t, buf.String(), "failed (resource_exhausted)")

	buf.Reset()
	p.taskResult(&daemon.TaskResult{AgentID: "w1", TimedOut: true, Error: "task timed out"})
	assert.Contains(t, buf.String(), "timed out")
}

func TestSystemHealthRendering(t *testing.T) {
	p, buf := plainPrinter()
	err := p.systemHealth(&daemon.SystemHealthResult{
		Health: monitoring.SystemHealth{
			Status:       monitoring.StatusCritical,
			System:       monitoring.SystemSample{CPUPercent: 95},
			ActiveAlerts: 2,
			Critical:     1,
			Agents: []monitoring.AgentHealth{
				{AgentID: "w1", Role: "worker", Status: session.StateFailed, Breaker: "OPEN"},
			},
		},
	})
	require.NoError(t, err)
	out := buf.String()
	assert.Contains(t, out, "System CRITICAL")
	assert.Contains(t, out, "cpu 95.0%")
	assert.Contains(t, out, "2 active, 1 critical")
	assert.Contains(t, out, "FAILED")
}

func TestFormatData(t *testing.T) {
	got := formatData(map[string]any{
		"status":  "RUNNING",
		"count":   float64(3),
		"breaker": map[string]any{"state": "OPEN"},
	})
	assert.Equal(t, `breaker={"state":"OPEN"} count=3 status=RUNNING`, got)
	assert.Equal(t, "", formatData(nil))
}

func TestFormatCounts(t *testing.T) {
	assert.Equal(t, "idle=2 running=1", formatCounts(map[string]int{"running": 1, "idle": 2}))
}

func TestStateOnlyStyledOnTerminal(t *testing.T) {
	p, _ := plainPrinter()
	assert.Equal(t, "OPEN", p.state("OPEN"))
}
