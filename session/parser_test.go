package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLineAuthResult(t *testing.T) {
	ev := ParseLine(`{"type":"result","is_error":true,"result":"Invalid API key"}`)
	assert.Equal(t, EventAuthError, ev.Type)
	assert.True(t, ev.Metadata.AuthSetupRequired)
	assert.Contains(t, ev.Content, "Invalid API key")
	assert.Contains(t, ev.Content, "/login")
	assert.Equal(t, "result", ev.Metadata.RawType)
}

func TestParseLineClassification(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		wantType  EventType
		transient bool
		isError   bool
		content   string
	}{
		{"plain auth text", "Error: 401 Unauthorized", EventAuthError, false, true, ""},
		{"expired subscription", "Your subscription has expired", EventAuthError, false, true, ""},
		{"rate limited", "API Error: 429 rate limit exceeded", EventError, true, true, "API Error: 429 rate limit exceeded"},
		{"network", "connect ENETUNREACH: network is unreachable", EventError, true, true, ""},
		{"stream json", `{"type":"stream","content":"hello"}`, EventText, false, false, "hello"},
		{"tool use json", `{"type":"tool_use","name":"Bash","input":{"command":"ls"}}`, EventToolUse, false, false, ""},
		{"result json", `{"type":"result","result":"all done","is_error":false}`, EventResult, false, false, "all done"},
		{"result error json", `{"type":"result","result":"model refused","is_error":true}`, EventError, false, true, "model refused"},
		{"unknown json type", `{"type":"system","subtype":"init"}`, EventText, false, false, ""},
		{"malformed json", `{"type":"result", oops`, EventText, false, false, `{"type":"result", oops`},
		{"malformed json with auth text", `{"type":"result","result":"invalid api key"`, EventAuthError, false, true, ""},
		{"plain text", "Thinking about the problem...", EventText, false, false, "Thinking about the problem..."},
		{"result with status-like numbers", `{"type":"result","is_error":false,"result":"done","duration_ms":401,"usage":{"output_tokens":429}}`, EventResult, false, false, "done"},
		{"result text mentioning timeouts", `{"type":"result","is_error":false,"result":"fixed the timeout handling"}`, EventResult, false, false, "fixed the timeout handling"},
		{"assistant text mentioning rate limits", `{"type":"assistant","message":{"content":[{"type":"text","text":"added a rate limit of 503 rps"}]}}`, EventText, false, false, "added a rate limit of 503 rps"},
		{"error line with object", `{"type":"error","error":{"message":"Overloaded, try again"}}`, EventError, true, true, "Overloaded, try again"},
		{"failed result over 503", `{"type":"result","is_error":true,"result":"API Error: 503 service unavailable","duration_ms":12}`, EventError, true, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := ParseLine(tt.line)
			assert.Equal(t, tt.wantType, ev.Type)
			assert.Equal(t, tt.transient, ev.Metadata.IsTransient)
			assert.Equal(t, tt.transient, ev.Metadata.RetryRecommended)
			assert.Equal(t, tt.isError, ev.Metadata.IsError)
			if tt.content != "" {
				assert.Equal(t, tt.content, ev.Content)
			}
			assert.False(t, ev.Timestamp.IsZero())
		})
	}
}

func TestParseLineAssistantMessage(t *testing.T) {
	text := ParseLine(`{"type":"assistant","message":{"content":[{"type":"text","text":"Looking at main.go"}]},"session_id":"s1"}`)
	assert.Equal(t, EventText, text.Type)
	assert.Equal(t, "Looking at main.go", text.Content)
	assert.Equal(t, "s1", text.Metadata.SessionID)

	tool := ParseLine(`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Edit","input":{"file_path":"/src/app/main.go"}}]}}`)
	assert.Equal(t, EventToolUse, tool.Type)
	assert.Equal(t, "Edit", tool.Metadata.ToolName)
	assert.Equal(t, "/src/app/main.go", tool.Metadata.ToolDetail)
}

func TestParseLineResultMetadata(t *testing.T) {
	ev := ParseLine(`{"type":"result","subtype":"success","is_error":false,"result":"ok","total_cost_usd":0.25,"duration_ms":1200,"num_turns":3}`)
	assert.Equal(t, EventResult, ev.Type)
	assert.Equal(t, 0.25, ev.Metadata.CostUSD)
	assert.Equal(t, int64(1200), ev.Metadata.DurationMS)
	assert.Equal(t, 3, ev.Metadata.NumTurns)
	assert.Equal(t, "success", ev.Metadata.Subtype)
}

func TestActivityFromEvent(t *testing.T) {
	edit := ActivityFromEvent(ParseLine(`{"type":"tool_use","name":"Edit","input":{"file_path":"/a/b/auth.go"}}`))
	if assert.NotNil(t, edit) {
		assert.Equal(t, "editing", edit.Action)
		assert.Equal(t, "auth.go", edit.Detail)
	}

	run := ActivityFromEvent(ParseLine(`{"type":"tool_use","name":"Bash","input":{"command":"go test ./... -run TestSomethingWithAVeryLongName"}}`))
	if assert.NotNil(t, run) {
		assert.Equal(t, "running", run.Action)
		assert.Len(t, run.Detail, 40)
	}

	shell := ActivityFromEvent(ParseLine("$ make build"))
	if assert.NotNil(t, shell) {
		assert.Equal(t, "running", shell.Action)
		assert.Equal(t, "make build", shell.Detail)
	}

	assert.Nil(t, ActivityFromEvent(ParseLine(`{"type":"result","result":"done"}`)))
}
