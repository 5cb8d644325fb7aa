package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ByteMirror/squadron/brain"
	"github.com/ByteMirror/squadron/config"
	"github.com/ByteMirror/squadron/log"
	"github.com/ByteMirror/squadron/monitoring"
	"github.com/ByteMirror/squadron/orchestrator"
)

const pidFileName = "daemon.pid"

// ErrAlreadyRunning is returned when another daemon answers on the socket.
var ErrAlreadyRunning = errors.New("daemon is already running")

// RunDaemon serves the orchestrator on the configured socket until the
// process is signalled or a client calls shutdown_system.
func RunDaemon(cfg *config.Config) error {
	log.InfoLog.Printf("starting daemon")
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	socketPath := cfg.Socket()
	if err := os.MkdirAll(filepath.Dir(socketPath), 0700); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	if NewClient(socketPath).Ping() == nil {
		return fmt.Errorf("%w on %s", ErrAlreadyRunning, socketPath)
	}

	orch := orchestrator.New(orchestrator.ConfigFrom(cfg))
	events := brain.NewEventBus(cfg.Bus.EventBuffer)
	bus := brain.NewBus(brain.BusConfig{
		HistorySize:     cfg.Bus.HistorySize,
		ResponseTimeout: cfg.Bus.ResponseTimeout,
	}, events)

	diskPath, err := config.GetConfigDir()
	if err != nil {
		diskPath = "/"
	}
	monitor := monitoring.NewHealthMonitor(monitoring.MonitorConfigFrom(cfg), orch, monitoring.NewHostCollector(diskPath))

	var pool *orchestrator.AgentPool
	if cfg.Pool.MaxAgents > 0 {
		pool, err = orchestrator.NewAgentPool(orch, orchestrator.PoolConfigFrom(cfg))
		if err != nil {
			return fmt.Errorf("invalid pool config: %w", err)
		}
	}

	srv := NewServer(Options{
		SocketPath:      socketPath,
		Orchestrator:    orch,
		Bus:             bus,
		Events:          events,
		Monitor:         monitor,
		Pool:            pool,
		TaskTimeout:     cfg.TaskTimeout,
		PublishInterval: cfg.Monitor.PublishInterval,
	})
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", socketPath, err)
	}
	writePidFile()
	defer removePidFile()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := monitor.Start(ctx); err != nil {
		log.ErrorLog.Printf("failed to start health monitor: %v", err)
	}
	if pool != nil {
		if err := pool.Start(ctx); err != nil {
			log.ErrorLog.Printf("failed to start agent pool: %v", err)
		}
	}

	select {
	case <-ctx.Done():
		log.InfoLog.Printf("received signal, shutting down")
	case <-srv.ShutdownRequested():
	}

	var errs []error
	if err := monitor.Stop(cfg.ShutdownTimeout); err != nil {
		errs = append(errs, fmt.Errorf("stop health monitor: %w", err))
	}
	if pool != nil {
		pool.Stop()
	}
	if err := orch.Shutdown(cfg.ShutdownTimeout); err != nil {
		errs = append(errs, fmt.Errorf("shutdown orchestrator: %w", err))
	}
	if err := srv.Stop(); err != nil && !errors.Is(err, os.ErrClosed) {
		errs = append(errs, fmt.Errorf("stop server: %w", err))
	}
	log.InfoLog.Printf("daemon stopped")
	return errors.Join(errs...)
}

// LaunchDaemon starts `<self> daemon` as a detached background process.
func LaunchDaemon() error {
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	c := exec.Command(execPath, "daemon")
	c.Stdin = nil
	c.Stdout = nil
	c.Stderr = nil
	c.SysProcAttr = getSysProcAttr()

	if err := c.Start(); err != nil {
		return fmt.Errorf("failed to start child process: %w", err)
	}
	log.InfoLog.Printf("started daemon child process with PID: %d", c.Process.Pid)

	// Don't wait for the child to exit, it's detached.
	go func() {
		_ = c.Process.Release()
	}()
	return nil
}

// StopDaemon asks the daemon on socketPath to shut down and waits for the
// socket to go quiet. When the daemon does not answer, the pid file is used
// to signal it.
func StopDaemon(socketPath string, timeout time.Duration) error {
	client := NewClient(socketPath)
	if err := client.Shutdown(); err != nil {
		return signalFromPidFile()
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if client.Ping() != nil {
			log.InfoLog.Printf("daemon stopped")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon still answering after %s", timeout)
}

func pidFilePath() (string, error) {
	dir, err := config.GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, pidFileName), nil
}

func writePidFile() {
	path, err := pidFilePath()
	if err != nil {
		log.WarningLog.Printf("failed to locate pid file: %v", err)
		return
	}
	if err := config.AtomicWriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		log.WarningLog.Printf("failed to write pid file: %v", err)
	}
}

func removePidFile() {
	if path, err := pidFilePath(); err == nil {
		os.Remove(path)
	}
}

func signalFromPidFile() error {
	path, err := pidFilePath()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read PID file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("invalid PID file format: %w", err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find daemon process: %w", err)
	}
	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to stop daemon process: %w", err)
	}
	os.Remove(path)
	log.InfoLog.Printf("daemon process (PID: %d) stopped", pid)
	return nil
}
