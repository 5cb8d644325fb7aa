package session

import (
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const maxActivityDetail = 40

// Activity is the most recent thing an agent was seen doing, surfaced in
// agent listings.
type Activity struct {
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

var shellPrompt = regexp.MustCompile(`^\$\s+(.+)`)

// toolActions maps CLI tool names to the verb shown for them. Tools not
// listed report as "working" with the tool name as detail.
var toolActions = map[string]string{
	"Edit": "editing", "MultiEdit": "editing", "Write": "editing", "NotebookEdit": "editing",
	"Read": "reading",
	"Bash": "running",
	"Grep": "searching", "Glob": "searching", "WebSearch": "searching",
}

// ActivityFromEvent derives an Activity from a parsed event, or nil when the
// event says nothing about what the agent is doing.
func ActivityFromEvent(ev Event) *Activity {
	switch ev.Type {
	case EventToolUse:
		tool := ev.Metadata.ToolName
		action, ok := toolActions[tool]
		if !ok {
			return &Activity{Action: "working", Detail: tool, Timestamp: ev.Timestamp}
		}
		detail := strings.TrimSpace(ev.Metadata.ToolDetail)
		if (action == "editing" || action == "reading") && strings.Contains(detail, "/") {
			detail = filepath.Base(detail)
		}
		return &Activity{Action: action, Detail: clip(detail, maxActivityDetail), Timestamp: ev.Timestamp}
	case EventText:
		if ev.Metadata.RawType != "" {
			return nil
		}
		if m := shellPrompt.FindStringSubmatch(strings.TrimSpace(ev.Content)); m != nil {
			return &Activity{Action: "running", Detail: clip(strings.TrimSpace(m[1]), maxActivityDetail), Timestamp: ev.Timestamp}
		}
	}
	return nil
}

// clip shortens s to n bytes, marking the cut with "...".
func clip(s string, n int) string {
	switch {
	case len(s) <= n:
		return s
	case n <= 3:
		return s[:n]
	}
	return s[:n-3] + "..."
}
