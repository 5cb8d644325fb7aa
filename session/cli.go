package session

import (
	"os"
	"sort"
	"strconv"
	"strings"
)

// CLIOptions describes how to invoke the wrapped CLI for one agent.
type CLIOptions struct {
	Program         string            `json:"program" yaml:"program"`
	Model           string            `json:"model,omitempty" yaml:"model,omitempty"`
	MaxTurns        int               `json:"max_turns,omitempty" yaml:"max_turns,omitempty"`
	AllowedTools    []string          `json:"allowed_tools,omitempty" yaml:"allowed_tools,omitempty"`
	DisallowedTools []string          `json:"disallowed_tools,omitempty" yaml:"disallowed_tools,omitempty"`
	PermissionMode  string            `json:"permission_mode,omitempty" yaml:"permission_mode,omitempty"`
	SystemPrompt    string            `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	WorkDir         string            `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`
	Env             map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	ExtraArgs       []string          `json:"extra_args,omitempty" yaml:"extra_args,omitempty"`
}

// Command returns the executable and arguments for prompt. Program may carry
// its own leading flags, e.g. "claude --dangerously-skip-permissions".
func (o CLIOptions) Command(prompt string) (string, []string) {
	fields := strings.Fields(o.Program)
	if len(fields) == 0 {
		return "", nil
	}
	args := append([]string{}, fields[1:]...)
	args = append(args, "-p", prompt, "--output-format", "stream-json", "--verbose")
	if o.Model != "" {
		args = append(args, "--model", o.Model)
	}
	if o.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(o.MaxTurns))
	}
	if len(o.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(o.AllowedTools, ","))
	}
	if len(o.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(o.DisallowedTools, ","))
	}
	if o.PermissionMode != "" {
		args = append(args, "--permission-mode", o.PermissionMode)
	}
	if o.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", o.SystemPrompt)
	}
	args = append(args, o.ExtraArgs...)
	return fields[0], args
}

// Environ returns the parent environment with o.Env layered on top in a
// stable order.
func (o CLIOptions) Environ() []string {
	env := os.Environ()
	keys := make([]string, 0, len(o.Env))
	for k := range o.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+o.Env[k])
	}
	return env
}
