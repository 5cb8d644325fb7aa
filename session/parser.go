package session

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/ByteMirror/squadron/concurrency"
)

// EventType is the classification of one output line.
type EventType string

const (
	EventText      EventType = "stream"
	EventToolUse   EventType = "tool_use"
	EventResult    EventType = "result"
	EventError     EventType = "error"
	EventAuthError EventType = "auth_error"
)

// AuthGuidance is appended to authentication failures.
const AuthGuidance = "Authentication required: run `claude /login` or set ANTHROPIC_API_KEY, " +
	"check that your subscription is active, then retry."

// EventMetadata carries the classification flags and the identifiers stamped
// on by the orchestrator.
type EventMetadata struct {
	AuthSetupRequired bool `json:"auth_setup_required,omitempty"`
	IsTransient       bool `json:"is_transient,omitempty"`
	RetryRecommended  bool `json:"retry_recommended,omitempty"`
	IsError           bool `json:"is_error,omitempty"`

	RawType    string  `json:"raw_type,omitempty"`
	Subtype    string  `json:"subtype,omitempty"`
	ToolName   string  `json:"tool_name,omitempty"`
	ToolDetail string  `json:"tool_detail,omitempty"`
	SessionID  string  `json:"session_id,omitempty"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
	DurationMS int64   `json:"duration_ms,omitempty"`
	NumTurns   int     `json:"num_turns,omitempty"`
	Stderr     bool    `json:"stderr,omitempty"`
	Attempt    int     `json:"attempt,omitempty"`

	AgentID string `json:"agent_id,omitempty"`
	TaskID  string `json:"task_id,omitempty"`
	Role    string `json:"role,omitempty"`
}

// Event is one classified output line.
type Event struct {
	Type      EventType     `json:"type"`
	Content   string        `json:"content"`
	Metadata  EventMetadata `json:"metadata"`
	Timestamp time.Time     `json:"timestamp"`
}

type contentBlock struct {
	Type  string         `json:"type"`
	Text  string         `json:"text"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

type rawLine struct {
	Type       string          `json:"type"`
	Subtype    string          `json:"subtype"`
	Content    json.RawMessage `json:"content"`
	Result     string          `json:"result"`
	Text       string          `json:"text"`
	IsError    bool            `json:"is_error"`
	SessionID  string          `json:"session_id"`
	Name       string          `json:"name"`
	Input      map[string]any  `json:"input"`
	CostUSD    float64         `json:"total_cost_usd"`
	DurationMS int64           `json:"duration_ms"`
	NumTurns   int             `json:"num_turns"`
	Error      json.RawMessage `json:"error"`
	Message    *struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`
}

// ParseLine classifies one line of CLI output. It never fails: malformed JSON
// and unrecognized shapes degrade to pattern matching and then to a raw
// stream event.
func ParseLine(line string) Event {
	line = strings.TrimRight(line, "\r\n")
	ev := Event{Type: EventText, Content: line, Timestamp: time.Now()}

	raw, isJSON := decodeLine(line)
	// Failure patterns see the whole line for plain text but only the
	// message of a JSON line that reports a failure, never its numeric
	// fields or a successful result.
	failureText := line
	if isJSON {
		ev.Content = raw.text()
		ev.Metadata.RawType = raw.Type
		ev.Metadata.Subtype = raw.Subtype
		ev.Metadata.SessionID = raw.SessionID
		failureText = ""
		if raw.failed() {
			failureText = ev.Content
		}
	}

	switch {
	case failureText == "":
	case concurrency.IsAuthText(failureText):
		ev.Type = EventAuthError
		ev.Metadata.AuthSetupRequired = true
		ev.Metadata.IsError = true
		ev.Content = withGuidance(ev.Content)
		return ev
	case concurrency.IsTransientText(failureText):
		ev.Type = EventError
		ev.Metadata.IsError = true
		ev.Metadata.IsTransient = true
		ev.Metadata.RetryRecommended = true
		return ev
	}

	if !isJSON {
		return ev
	}

	switch raw.Type {
	case "result":
		ev.Metadata.IsError = raw.IsError
		ev.Metadata.CostUSD = raw.CostUSD
		ev.Metadata.DurationMS = raw.DurationMS
		ev.Metadata.NumTurns = raw.NumTurns
		if raw.IsError {
			ev.Type = EventError
		} else {
			ev.Type = EventResult
		}
	case "tool_use":
		ev.Type = EventToolUse
		ev.Metadata.ToolName = raw.Name
		ev.Metadata.ToolDetail = toolDetail(raw.Input)
	case "assistant":
		if tool := raw.firstTool(); tool != nil {
			ev.Type = EventToolUse
			ev.Metadata.ToolName = tool.Name
			ev.Metadata.ToolDetail = toolDetail(tool.Input)
		}
	case "error":
		ev.Type = EventError
		ev.Metadata.IsError = true
	}
	return ev
}

func decodeLine(line string) (rawLine, bool) {
	var raw rawLine
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return raw, false
	}
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		return raw, false
	}
	return raw, true
}

// text picks the human readable payload of a JSON line.
func (r rawLine) text() string {
	if len(r.Content) > 0 {
		var s string
		if err := json.Unmarshal(r.Content, &s); err == nil {
			return s
		}
		var blocks []contentBlock
		if err := json.Unmarshal(r.Content, &blocks); err == nil {
			if t := joinText(blocks); t != "" {
				return t
			}
		}
	}
	if r.Result != "" {
		return r.Result
	}
	if r.Text != "" {
		return r.Text
	}
	if r.Message != nil {
		if t := joinText(r.Message.Content); t != "" {
			return t
		}
	}
	return r.errorText()
}

// failed reports whether the line describes a failure rather than output.
func (r rawLine) failed() bool {
	if r.Type == "result" {
		return r.IsError
	}
	return r.IsError || r.Type == "error" || strings.HasPrefix(r.Subtype, "error") || len(r.Error) > 0
}

// errorText reads an "error" field given either as a string or as an
// object with a message.
func (r rawLine) errorText() string {
	if len(r.Error) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(r.Error, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(r.Error, &obj); err == nil {
		return obj.Message
	}
	return ""
}

func (r rawLine) firstTool() *contentBlock {
	if r.Message == nil {
		return nil
	}
	for i := range r.Message.Content {
		if r.Message.Content[i].Type == "tool_use" {
			return &r.Message.Content[i]
		}
	}
	return nil
}

func joinText(blocks []contentBlock) string {
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func toolDetail(input map[string]any) string {
	for _, key := range []string{"file_path", "path", "command", "pattern", "url", "description"} {
		if v, ok := input[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func withGuidance(content string) string {
	content = strings.TrimSpace(content)
	if content == "" {
		return AuthGuidance
	}
	return content + "\n" + AuthGuidance
}
