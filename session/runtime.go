package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ByteMirror/squadron/cmd"
	"github.com/ByteMirror/squadron/concurrency"
	"github.com/ByteMirror/squadron/log"
)

// ProcessState is the lifecycle state of an agent runtime.
type ProcessState int

const (
	StateIdle ProcessState = iota
	StateStarting
	StateRunning
	StateTerminating
	StateTerminated
	StateFailed
)

func (s ProcessState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateTerminating:
		return "TERMINATING"
	case StateTerminated:
		return "TERMINATED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// ParseProcessState is the inverse of String.
func ParseProcessState(s string) (ProcessState, bool) {
	for st := StateIdle; st <= StateFailed; st++ {
		if strings.EqualFold(st.String(), s) {
			return st, true
		}
	}
	return StateIdle, false
}

// MarshalText renders the state by name.
func (s ProcessState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts the names produced by MarshalText.
func (s *ProcessState) UnmarshalText(b []byte) error {
	st, ok := ParseProcessState(string(b))
	if !ok {
		return fmt.Errorf("unknown process state %q", b)
	}
	*s = st
	return nil
}

const maxLineSize = 4 << 20

// RuntimeOptions configures a Runtime.
type RuntimeOptions struct {
	AgentID string
	CLI     CLIOptions
	Spawner Spawner
	Tracker *concurrency.ResourceTracker
	Breaker *concurrency.CircuitBreaker
	Retry   concurrency.RetryStrategy
	// TerminateTimeout bounds the graceful-then-forced shutdown and the
	// post-EOF wait for process exit.
	TerminateTimeout time.Duration
	// EventBuffer is the capacity of each task's event channel.
	EventBuffer int
}

// Runtime wraps one agent's CLI process. At most one task runs at a time.
type Runtime struct {
	opts RuntimeOptions

	mu        sync.Mutex
	status    ProcessState
	current   *EventStream
	pid       int
	activity  *Activity
	lastError error
	stopping  bool
	forceStop bool

	sleep func(ctx context.Context, d time.Duration) error
}

// NewRuntime builds a runtime. A nil tracker or breaker gets a private one.
func NewRuntime(opts RuntimeOptions) *Runtime {
	if opts.Spawner == nil {
		opts.Spawner = ExecSpawner{}
	}
	if opts.Tracker == nil {
		opts.Tracker = concurrency.NewResourceTracker()
	}
	if opts.Breaker == nil {
		opts.Breaker = concurrency.NewCircuitBreaker(concurrency.DefaultBreakerConfig())
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = concurrency.DefaultRetryStrategy()
	}
	if opts.TerminateTimeout <= 0 {
		opts.TerminateTimeout = 5 * time.Second
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	return &Runtime{opts: opts, status: StateIdle, sleep: sleepCtx}
}

// Status returns the current lifecycle state.
func (r *Runtime) Status() ProcessState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Pid returns the pid of the running child, or 0.
func (r *Runtime) Pid() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pid
}

// Activity returns the most recent activity seen in the output, if any.
func (r *Runtime) Activity() *Activity {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activity == nil {
		return nil
	}
	a := *r.activity
	return &a
}

// LastError returns the error of the most recent failed task.
func (r *Runtime) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastError
}

// Breaker returns the runtime's circuit breaker.
func (r *Runtime) Breaker() *concurrency.CircuitBreaker {
	return r.opts.Breaker
}

// Execute starts prompt and returns its event stream. It fails with ErrNotIdle
// unless the runtime is IDLE and with ErrCircuitOpen while the breaker refuses.
// Closing the stream or cancelling ctx stops the process through the same
// cleanup path as normal completion.
func (r *Runtime) Execute(ctx context.Context, prompt string) (*EventStream, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyPrompt
	}

	r.mu.Lock()
	if r.status != StateIdle {
		status := r.status
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: agent %s is %s", ErrNotIdle, r.opts.AgentID, status)
	}
	if !r.opts.Breaker.CanExecute() {
		r.mu.Unlock()
		return nil, fmt.Errorf("agent %s: %w", r.opts.AgentID, concurrency.ErrCircuitOpen)
	}
	taskCtx, cancel := context.WithCancel(ctx)
	stream := newEventStream(cancel, r.opts.EventBuffer)
	r.status = StateStarting
	r.current = stream
	r.stopping = false
	r.forceStop = false
	r.mu.Unlock()

	go r.run(taskCtx, prompt, stream)
	return stream, nil
}

// Stop cancels the running task, if any, and marks the runtime TERMINATED.
// force skips the graceful terminate phase. Stopping a TERMINATED runtime is
// a no-op.
func (r *Runtime) Stop(force bool, timeout time.Duration) error {
	r.mu.Lock()
	switch r.status {
	case StateTerminated:
		r.mu.Unlock()
		return nil
	case StateIdle, StateFailed:
		r.status = StateTerminated
		r.mu.Unlock()
		return nil
	}
	stream := r.current
	r.stopping = true
	r.forceStop = r.forceStop || force
	r.status = StateTerminating
	r.mu.Unlock()

	if stream == nil {
		return nil
	}
	stream.Close()
	if timeout <= 0 {
		timeout = 2 * r.opts.TerminateTimeout
	}
	select {
	case <-stream.Done():
		return nil
	case <-time.After(timeout):
		return concurrency.TimeoutError("stop_agent "+r.opts.AgentID, context.DeadlineExceeded)
	}
}

// Reset returns a TERMINATED or FAILED runtime to IDLE.
func (r *Runtime) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.status {
	case StateIdle:
		return nil
	case StateTerminated, StateFailed:
		r.status = StateIdle
		r.lastError = nil
		return nil
	default:
		return fmt.Errorf("%w: cannot reset agent %s while %s", ErrStopInProgress, r.opts.AgentID, r.status)
	}
}

// CheckVersion runs `<program> --version` and reports how long it took. It does not
// touch the runtime state, so it is safe while a task is running.
func (r *Runtime) CheckVersion(exec cmd.Executor, timeout time.Duration) (time.Duration, error) {
	fields := strings.Fields(r.opts.CLI.Program)
	if len(fields) == 0 {
		return 0, concurrency.NewError(concurrency.KindConfiguration, "check_version", "no program configured", ErrNoProgram)
	}
	args := append(fields[1:], "--version")
	start := time.Now()
	_, err := cmd.OutputTimeout(exec, timeout, fields[0], args...)
	elapsed := time.Since(start)
	if err != nil {
		return elapsed, fmt.Errorf("version check %s: %w", fields[0], err)
	}
	return elapsed, nil
}

func (r *Runtime) setStatus(s ProcessState) {
	r.mu.Lock()
	if !r.stopping {
		r.status = s
	}
	r.mu.Unlock()
}

// run drives every attempt of one task and always leaves the runtime in a
// settled state before the stream is closed.
func (r *Runtime) run(ctx context.Context, prompt string, stream *EventStream) {
	var finalErr error
	defer func() {
		if p := recover(); p != nil {
			finalErr = fmt.Errorf("agent %s: panic in runtime: %v", r.opts.AgentID, p)
			log.ErrorLog.Print(finalErr)
		}
		r.settle(finalErr, ctx.Err() != nil)
		stream.finish(finalErr)
	}()

	for attempt := 0; ; attempt++ {
		out := r.attempt(ctx, prompt, stream, attempt)
		if out.err == nil {
			r.opts.Breaker.RecordSuccess()
			return
		}
		if ctx.Err() != nil {
			finalErr = ctx.Err()
			return
		}

		kind := concurrency.Classify(out.err)
		r.opts.Breaker.RecordFailure(kind == concurrency.KindAuthentication)

		if out.delivered || !r.opts.Retry.ShouldRetryKind(attempt+1, kind) {
			finalErr = out.err
			return
		}

		delay := r.opts.Retry.GetDelay(attempt)
		log.WarningLog.Printf("agent %s: transient failure on attempt %d, retrying in %s: %v",
			r.opts.AgentID, attempt+1, delay, out.err)
		notice := Event{
			Type:      EventError,
			Content:   fmt.Sprintf("transient failure, retrying in %s: %v", delay.Round(time.Millisecond), out.err),
			Timestamp: time.Now(),
			Metadata: EventMetadata{
				IsError:          true,
				IsTransient:      true,
				RetryRecommended: true,
				Attempt:          attempt + 1,
			},
		}
		if !stream.send(ctx, notice) {
			finalErr = ctx.Err()
			return
		}
		if err := r.sleep(ctx, delay); err != nil {
			finalErr = err
			return
		}
	}
}

// settle moves the runtime out of STARTING/RUNNING once a task ends.
func (r *Runtime) settle(err error, cancelled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.current = nil
	r.pid = 0
	switch {
	case r.stopping:
		r.status = StateTerminated
	case err == nil || cancelled:
		r.status = StateIdle
	case concurrency.Classify(err).Transient():
		r.status = StateIdle
	default:
		r.status = StateFailed
	}
	if err != nil && !cancelled {
		r.lastError = err
		log.ErrorLog.Printf("agent %s: task failed (%s): %v", r.opts.AgentID, r.status, err)
	}
}

type attemptOutcome struct {
	err error
	// delivered is true once a result event reached the caller; such tasks
	// are never re-run.
	delivered bool
}

type outputLine struct {
	text   string
	stderr bool
}

func (r *Runtime) attempt(ctx context.Context, prompt string, stream *EventStream, attempt int) (out attemptOutcome) {
	r.setStatus(StateStarting)

	name, args := r.opts.CLI.Command(prompt)
	if name == "" {
		return attemptOutcome{err: concurrency.NewError(concurrency.KindConfiguration, "spawn", "no program configured", ErrNoProgram)}
	}
	proc, err := r.opts.Spawner.Spawn(ctx, ProcessSpec{
		Name: name,
		Args: args,
		Dir:  r.opts.CLI.WorkDir,
		Env:  r.opts.CLI.Environ(),
	})
	if err != nil {
		if ctx.Err() != nil {
			return attemptOutcome{err: ctx.Err()}
		}
		kind := concurrency.Classify(err)
		if kind == concurrency.KindUnknown {
			kind = concurrency.KindPermanent
		}
		return attemptOutcome{err: concurrency.NewError(kind, "spawn", name, err)}
	}

	resID := r.opts.Tracker.Register(proc, concurrency.ResourceProcess, name, map[string]string{
		"agent_id": r.opts.AgentID,
		"pid":      strconv.Itoa(proc.Pid()),
		"attempt":  strconv.Itoa(attempt + 1),
	})
	log.InfoLog.Printf("agent %s: started %s (pid %d, attempt %d)", r.opts.AgentID, name, proc.Pid(), attempt+1)
	if log.IsDebugEnabled() {
		log.DebugLog.Printf("agent %s: args %s", r.opts.AgentID, log.RedactSecrets(strings.Join(args, " ")))
	}

	readCtx, stopReaders := context.WithCancel(ctx)
	defer func() {
		stopReaders()
		r.cleanupProcess(resID, proc)
	}()

	r.mu.Lock()
	r.pid = proc.Pid()
	r.mu.Unlock()
	r.setStatus(StateRunning)

	lines := readLines(readCtx, proc)

	var (
		resultSeen   bool
		resultErr    string
		authText     string
		transientErr bool
		lastErrText  string
	)
	for reading := true; reading; {
		select {
		case <-ctx.Done():
			return attemptOutcome{err: ctx.Err(), delivered: resultSeen}
		case l, ok := <-lines:
			if !ok {
				reading = false
				break
			}
			if strings.TrimSpace(l.text) == "" {
				continue
			}
			ev := ParseLine(l.text)
			ev.Metadata.Stderr = l.stderr
			ev.Metadata.Attempt = attempt + 1

			switch ev.Type {
			case EventAuthError:
				authText = ev.Content
			case EventError:
				lastErrText = ev.Content
				if ev.Metadata.IsTransient {
					transientErr = true
				}
				if ev.Metadata.RawType == "result" {
					resultSeen = true
					resultErr = ev.Content
				}
			case EventResult:
				resultSeen = true
			default:
				if l.stderr {
					lastErrText = ev.Content
				}
			}
			if a := ActivityFromEvent(ev); a != nil {
				r.mu.Lock()
				r.activity = a
				r.mu.Unlock()
			}
			if !stream.send(ctx, ev) {
				return attemptOutcome{err: ctx.Err(), delivered: resultSeen}
			}
		}
	}

	// Output closed; the process should exit promptly.
	select {
	case <-proc.Exited():
	case <-ctx.Done():
		return attemptOutcome{err: ctx.Err(), delivered: resultSeen}
	case <-time.After(r.opts.TerminateTimeout):
		return attemptOutcome{
			err:       concurrency.TimeoutError("wait "+name, fmt.Errorf("process %d did not exit after closing output", proc.Pid())),
			delivered: resultSeen,
		}
	}
	exitErr := proc.Wait()

	switch {
	case authText != "":
		return attemptOutcome{err: concurrency.NewError(concurrency.KindAuthentication, "execute", authText, nil), delivered: resultSeen}
	case resultSeen && resultErr == "":
		return attemptOutcome{delivered: true}
	case resultSeen:
		kind := concurrency.ClassifyText(resultErr)
		if kind == concurrency.KindUnknown {
			kind = concurrency.KindPermanent
		}
		return attemptOutcome{err: concurrency.NewError(kind, "execute", resultErr, nil), delivered: true}
	case exitErr == nil:
		return attemptOutcome{}
	}

	code := ExitCode(exitErr)
	kind := concurrency.ClassifyText(lastErrText)
	if transientErr {
		kind = concurrency.KindTransientNetwork
	}
	if kind == concurrency.KindUnknown {
		kind = concurrency.KindPermanent
	}
	msg := fmt.Sprintf("%s exited with code %d", name, code)
	if lastErrText != "" {
		msg += ": " + lastErrText
	}
	return attemptOutcome{err: concurrency.NewError(kind, "execute", msg, exitErr)}
}

// cleanupProcess is the guaranteed release path for one attempt's process.
func (r *Runtime) cleanupProcess(resID string, proc Process) {
	r.mu.Lock()
	force := r.forceStop
	r.mu.Unlock()

	if force {
		if err := proc.Kill(); err != nil {
			log.WarningLog.Printf("agent %s: force kill: %v", r.opts.AgentID, err)
		}
	}
	if err := r.opts.Tracker.Cleanup(resID, r.opts.TerminateTimeout); err != nil {
		log.ErrorLog.Printf("agent %s: %v", r.opts.AgentID, err)
	}
	if err := proc.Close(); err != nil {
		log.DebugLog.Printf("agent %s: close output: %v", r.opts.AgentID, err)
	}
}

// readLines merges stdout and stderr into one channel that closes once both
// streams reach EOF.
func readLines(ctx context.Context, proc Process) <-chan outputLine {
	out := make(chan outputLine)
	var wg sync.WaitGroup
	scan := func(rd io.Reader, stderr bool) {
		defer wg.Done()
		br := bufio.NewReaderSize(rd, 64*1024)
		for {
			line, cut, err := readBoundedLine(br, maxLineSize)
			if cut {
				log.WarningLog.Printf("output line over %d bytes truncated", maxLineSize)
			}
			if err == nil || line != "" {
				select {
				case out <- outputLine{text: line, stderr: stderr}:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && ctx.Err() == nil {
					log.DebugLog.Printf("read output: %v", err)
				}
				return
			}
		}
	}

	if rd := proc.Stdout(); rd != nil {
		wg.Add(1)
		go scan(rd, false)
	}
	if rd := proc.Stderr(); rd != nil {
		wg.Add(1)
		go scan(rd, true)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// readBoundedLine reads through the next newline and keeps at most limit
// bytes of it. The rest of an overlong line is consumed and dropped so the
// writer never stalls on a full pipe.
func readBoundedLine(br *bufio.Reader, limit int) (string, bool, error) {
	var (
		buf []byte
		cut bool
	)
	for {
		chunk, err := br.ReadSlice('\n')
		if err == nil {
			chunk = chunk[:len(chunk)-1]
		}
		if room := limit - len(buf); len(chunk) > room {
			chunk = chunk[:room]
			cut = true
		}
		buf = append(buf, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return strings.TrimRight(string(buf), "\r"), cut, err
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
