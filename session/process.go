package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// ProcessSpec is what to run.
type ProcessSpec struct {
	Name string
	Args []string
	Dir  string
	Env  []string
}

// Process is a running child. It satisfies concurrency.Terminable so the
// resource tracker can escalate its shutdown.
type Process interface {
	Pid() int
	// Stdout is the primary output stream. Stderr may be nil when merged.
	Stdout() io.Reader
	Stderr() io.Reader
	Terminate() error
	Kill() error
	Exited() <-chan struct{}
	// Wait blocks until exit and returns the exit error, if any.
	Wait() error
	// Close releases the output streams.
	Close() error
}

// Spawner starts processes. ExecSpawner is the default; tests substitute fakes.
type Spawner interface {
	Spawn(ctx context.Context, spec ProcessSpec) (Process, error)
}

// ExecSpawner starts children in their own process group with stdout and
// stderr on separate pipes.
type ExecSpawner struct{}

func (ExecSpawner) Spawn(ctx context.Context, spec ProcessSpec) (Process, error) {
	if spec.Name == "" {
		return nil, ErrNoProgram
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.SysProcAttr = newProcAttr()

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{stdoutR, stdoutW, stderrR, stderrW} {
			f.Close()
		}
		return nil, fmt.Errorf("start %s: %w", spec.Name, err)
	}
	// The child holds its own copies; ours must close so readers see EOF.
	stdoutW.Close()
	stderrW.Close()

	return newExecProcess(cmd, stdoutR, stderrR), nil
}

type execProcess struct {
	cmd     *exec.Cmd
	stdout  *os.File
	stderr  *os.File
	exited  chan struct{}
	waitErr error

	closeOnce sync.Once
}

func newExecProcess(cmd *exec.Cmd, stdout, stderr *os.File) *execProcess {
	p := &execProcess{
		cmd:    cmd,
		stdout: stdout,
		stderr: stderr,
		exited: make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()
	return p
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Stdout() io.Reader { return p.stdout }

func (p *execProcess) Stderr() io.Reader {
	if p.stderr == nil {
		return nil
	}
	return p.stderr
}

func (p *execProcess) Exited() <-chan struct{} { return p.exited }

func (p *execProcess) Wait() error {
	<-p.exited
	return p.waitErr
}

func (p *execProcess) Terminate() error {
	return p.signal(false)
}

func (p *execProcess) Kill() error {
	return p.signal(true)
}

func (p *execProcess) signal(force bool) error {
	select {
	case <-p.exited:
		return nil
	default:
	}
	err := signalGroup(p.cmd.Process, force)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *execProcess) Close() error {
	var errs []error
	p.closeOnce.Do(func() {
		if p.stdout != nil {
			errs = append(errs, p.stdout.Close())
		}
		if p.stderr != nil {
			errs = append(errs, p.stderr.Close())
		}
	})
	return errors.Join(errs...)
}

// ExitCode returns the exit code of a finished process, or -1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
