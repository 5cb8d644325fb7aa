package daemon

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/ByteMirror/squadron/brain"
	"github.com/ByteMirror/squadron/log"
	"github.com/ByteMirror/squadron/monitoring"
	"github.com/ByteMirror/squadron/orchestrator"
)

// requestDeadline bounds every connection except task execution, which gets
// the task timeout plus taskDeadlineSlack.
const (
	requestDeadline   = 35 * time.Second
	taskDeadlineSlack = 10 * time.Second
)

var _ monitoring.AgentSource = (*orchestrator.Orchestrator)(nil)

// Options wires a Server to the components it dispatches to.
type Options struct {
	SocketPath      string
	Orchestrator    *orchestrator.Orchestrator
	Bus             *brain.Bus
	Events          *brain.EventBus
	Monitor         *monitoring.HealthMonitor
	Pool            *orchestrator.AgentPool
	TaskTimeout     time.Duration
	PublishInterval time.Duration
}

// Server listens on a Unix domain socket and dispatches requests to the
// orchestrator, the message bus and the health monitor.
type Server struct {
	orch    *orchestrator.Orchestrator
	bus     *brain.Bus
	events  *brain.EventBus
	monitor *monitoring.HealthMonitor
	pool    *orchestrator.AgentPool

	socketPath      string
	taskTimeout     time.Duration
	publishInterval time.Duration

	listener net.Listener

	// shutdownCh is closed when a client asks the daemon to exit.
	shutdownCh   chan struct{}
	shutdownOnce sync.Once

	healthMu   sync.RWMutex
	lastHealth *monitoring.SystemHealth

	// poolResults keeps the most recent completed pool tasks.
	poolMu      sync.Mutex
	poolResults []orchestrator.TaskResult

	wg       sync.WaitGroup
	closed   chan struct{}
	stopOnce sync.Once
}

// NewServer creates a server and hooks orchestrator and monitor events into
// the event bus. Call Start() to begin listening.
func NewServer(opts Options) *Server {
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 10 * time.Minute
	}
	if opts.PublishInterval <= 0 {
		opts.PublishInterval = 5 * time.Second
	}
	s := &Server{
		orch:            opts.Orchestrator,
		bus:             opts.Bus,
		events:          opts.Events,
		monitor:         opts.Monitor,
		pool:            opts.Pool,
		socketPath:      opts.SocketPath,
		taskTimeout:     opts.TaskTimeout,
		publishInterval: opts.PublishInterval,
		shutdownCh:      make(chan struct{}),
		closed:          make(chan struct{}),
	}
	s.orch.Observe(s.onAgentEvent)
	if s.monitor != nil {
		s.monitor.OnSnapshot(s.onSnapshot)
		s.monitor.OnAlert(func(a monitoring.HealthAlert) {
			s.events.Emit(brain.Event{Type: brain.EventAlertRaised, Source: a.AgentID, Data: toData(a)})
		})
		s.monitor.OnRecovery(func(r monitoring.RecoveryResult) {
			s.events.Emit(brain.Event{Type: brain.EventRecoveryExecuted, Source: r.AgentID, Data: toData(r)})
		})
	}
	return s
}

// onAgentEvent keeps bus registration in step with the agent registry and
// forwards lifecycle events to subscribers.
func (s *Server) onAgentEvent(ev orchestrator.AgentEvent) {
	switch ev.Type {
	case orchestrator.EventAgentCreated:
		if err := s.bus.RegisterAgent(ev.AgentID); err != nil {
			log.WarningLog.Printf("register %s on bus: %v", ev.AgentID, err)
		}
	case orchestrator.EventAgentRemoved:
		if dropped := s.bus.UnregisterAgent(ev.AgentID); dropped > 0 {
			log.InfoLog.Printf("dropped %d queued messages for removed agent %s", dropped, ev.AgentID)
		}
	}
	s.events.Emit(brain.Event{Type: brain.EventAgentLifecycle, Source: ev.AgentID, Data: toData(ev)})
}

func (s *Server) onSnapshot(h monitoring.SystemHealth) {
	s.healthMu.Lock()
	s.lastHealth = &h
	s.healthMu.Unlock()
}

// Start begins listening on the Unix socket and launches the accept loop,
// the subscriber pruner and the publisher.
func (s *Server) Start() error {
	// Remove stale socket file from a previous run.
	os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return err
	}
	// Restrict socket permissions to owner only.
	os.Chmod(s.socketPath, 0600)

	s.listener = ln

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()
	go func() {
		defer s.wg.Done()
		s.publishLoop()
	}()
	if s.pool != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.collectPoolResults()
		}()
	}

	// Prune stale event subscribers periodically.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := s.events.PruneStale(5 * time.Minute); n > 0 {
					log.InfoLog.Printf("pruned %d stale subscribers", n)
				}
			case <-s.closed:
				return
			}
		}
	}()

	log.InfoLog.Printf("daemon listening on %s", s.socketPath)
	return nil
}

// Stop closes the listener, waits for in-flight connections to finish,
// and removes the socket file. Safe to call more than once.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.closed)
		if s.listener != nil {
			err = s.listener.Close()
		}
		s.wg.Wait()
		os.Remove(s.socketPath)
	})
	return err
}

// ShutdownRequested is closed once a client calls shutdown_system.
func (s *Server) ShutdownRequested() <-chan struct{} {
	return s.shutdownCh
}

// SocketPath returns the path the server is listening on.
func (s *Server) SocketPath() string {
	return s.socketPath
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			// Transient error, keep accepting.
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(requestDeadline))

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 1<<20), 1<<20) // 1 MB max message
	if !scanner.Scan() {
		return
	}

	var req Request
	if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
		writeResponse(conn, Response{Error: "invalid request: " + err.Error(), ErrorKind: "configuration"})
		return
	}

	if req.Method == MethodExecuteTask || req.Method == MethodBroadcastTask {
		conn.SetDeadline(time.Now().Add(s.requestTaskTimeout(req) + taskDeadlineSlack))
	}

	resp := s.dispatch(req)
	writeResponse(conn, resp)
}

func writeResponse(conn net.Conn, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	data = append(data, '\n')
	conn.Write(data)
}
