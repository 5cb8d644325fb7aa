package cmd

import (
	"context"
	"os/exec"
	"strings"
	"time"
)

// Executor runs commands. Production code uses Exec; tests substitute fakes.
type Executor interface {
	Run(cmd *exec.Cmd) error
	Output(cmd *exec.Cmd) ([]byte, error)
}

// Exec is the os/exec backed Executor.
type Exec struct{}

func (e Exec) Run(cmd *exec.Cmd) error {
	return cmd.Run()
}

func (e Exec) Output(cmd *exec.Cmd) ([]byte, error) {
	return cmd.Output()
}

// MakeExecutor returns the default Executor.
func MakeExecutor() Executor {
	return Exec{}
}

// ToString renders cmd as a shell-like string for logging.
func ToString(cmd *exec.Cmd) string {
	if cmd == nil {
		return "<nil>"
	}
	return strings.Join(cmd.Args, " ")
}

// OutputTimeout runs name with args under a deadline and returns its stdout.
func OutputTimeout(e Executor, timeout time.Duration, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return e.Output(exec.CommandContext(ctx, name, args...))
}
