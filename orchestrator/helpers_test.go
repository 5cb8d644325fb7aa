package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ByteMirror/squadron/concurrency"
	"github.com/ByteMirror/squadron/session"
)

type fakeProc struct {
	pid       int
	stdoutR   *io.PipeReader
	stdoutW   *io.PipeWriter
	exited    chan struct{}
	once      sync.Once
	exitErr   error
	termCalls atomic.Int32
}

func newFakeProc(pid int) *fakeProc {
	p := &fakeProc{pid: pid, exited: make(chan struct{})}
	p.stdoutR, p.stdoutW = io.Pipe()
	return p
}

func (p *fakeProc) out(line string) { fmt.Fprintln(p.stdoutW, line) }

func (p *fakeProc) exit(err error) {
	p.once.Do(func() {
		p.exitErr = err
		p.stdoutW.Close()
		close(p.exited)
	})
}

func (p *fakeProc) Pid() int                { return p.pid }
func (p *fakeProc) Stdout() io.Reader       { return p.stdoutR }
func (p *fakeProc) Stderr() io.Reader       { return nil }
func (p *fakeProc) Exited() <-chan struct{} { return p.exited }
func (p *fakeProc) Kill() error             { p.exit(errors.New("signal: killed")); return nil }
func (p *fakeProc) Close() error            { return p.stdoutR.Close() }

func (p *fakeProc) Terminate() error {
	p.termCalls.Add(1)
	p.exit(errors.New("signal: terminated"))
	return nil
}

func (p *fakeProc) Wait() error {
	<-p.exited
	return p.exitErr
}

type script func(p *fakeProc, prompt string)

// fakeSpawner runs the script registered for the prompt, or def.
type fakeSpawner struct {
	mu      sync.Mutex
	def     script
	byTask  map[string]script
	spawned []string
	next    int
}

func newFakeSpawner(def script) *fakeSpawner {
	return &fakeSpawner{def: def, byTask: make(map[string]script)}
}

func (s *fakeSpawner) on(prompt string, sc script) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byTask[prompt] = sc
}

func (s *fakeSpawner) Spawn(ctx context.Context, spec session.ProcessSpec) (session.Process, error) {
	prompt := promptOf(spec.Args)
	s.mu.Lock()
	sc, ok := s.byTask[prompt]
	if !ok {
		sc = s.def
	}
	s.next++
	p := newFakeProc(2000 + s.next)
	s.spawned = append(s.spawned, prompt)
	s.mu.Unlock()

	go sc(p, prompt)
	return p, nil
}

func (s *fakeSpawner) prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.spawned...)
}

func promptOf(args []string) string {
	for i, a := range args {
		if a == "-p" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func succeed(p *fakeProc, prompt string) {
	p.out(`{"type":"stream","content":"working on ` + prompt + `"}`)
	p.out(`{"type":"result","result":"done: ` + prompt + `"}`)
	p.exit(nil)
}

func fail(p *fakeProc, prompt string) {
	p.out(`{"type":"result","is_error":true,"result":"could not finish"}`)
	p.exit(errors.New("exit status 1"))
}

// block keeps the process alive until it is terminated.
func block(p *fakeProc, prompt string) {
	p.out(`{"type":"stream","content":"started"}`)
	<-p.exited
}

// gated succeeds once release is closed.
func gated(release <-chan struct{}) script {
	return func(p *fakeProc, prompt string) {
		p.out(`{"type":"stream","content":"waiting"}`)
		select {
		case <-release:
			succeed(p, prompt)
		case <-p.exited:
		}
	}
}

type fakeExecutor struct {
	mu    sync.Mutex
	err   error
	out   []byte
	calls []string
}

func (f *fakeExecutor) Run(c *exec.Cmd) error {
	_, err := f.Output(c)
	return err
}

func (f *fakeExecutor) Output(c *exec.Cmd) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, strings.Join(c.Args, " "))
	return f.out, f.err
}

func testConfig(sp session.Spawner) Config {
	return Config{
		MaxAgents:           5,
		DefaultCLI:          session.CLIOptions{Program: "claude"},
		Breaker:             concurrency.BreakerConfig{FailureThreshold: 3, RecoveryTimeout: time.Minute, SuccessThreshold: 2},
		Retry:               concurrency.RetryStrategy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 2},
		TerminateTimeout:    200 * time.Millisecond,
		VersionCheckTimeout: time.Second,
		Spawner:             sp,
		Executor:            &fakeExecutor{out: []byte("1.0.0")},
	}
}
