//go:build !windows

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// PtyFactory starts a command attached to a pseudo-terminal.
type PtyFactory interface {
	Start(cmd *exec.Cmd) (*os.File, error)
}

type defaultPtyFactory struct{}

func (defaultPtyFactory) Start(cmd *exec.Cmd) (*os.File, error) {
	return pty.StartWithSize(cmd, &pty.Winsize{Rows: 50, Cols: 200})
}

// PtySpawner runs the CLI under a pseudo-terminal for programs that refuse to
// stream when stdout is not a TTY. Stdout and stderr are merged.
type PtySpawner struct {
	Factory PtyFactory
}

// NewPtySpawner returns a spawner backed by creack/pty.
func NewPtySpawner() *PtySpawner {
	return &PtySpawner{Factory: defaultPtyFactory{}}
}

func (s *PtySpawner) Spawn(ctx context.Context, spec ProcessSpec) (Process, error) {
	if spec.Name == "" {
		return nil, ErrNoProgram
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	factory := s.Factory
	if factory == nil {
		factory = defaultPtyFactory{}
	}

	cmd := exec.Command(spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	ptmx, err := factory.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("start %s on pty: %w", spec.Name, err)
	}
	p := newExecProcess(cmd, nil, nil)
	return &ptyProcess{execProcess: p, ptmx: ptmx}, nil
}

type ptyProcess struct {
	*execProcess
	ptmx     *os.File
	ptyClose sync.Once
}

func (p *ptyProcess) Stdout() io.Reader { return ptyReader{p.ptmx} }

func (p *ptyProcess) Stderr() io.Reader { return nil }

func (p *ptyProcess) Close() error {
	var err error
	p.ptyClose.Do(func() { err = p.ptmx.Close() })
	return err
}

// ptyReader maps the EIO Linux returns once the child side closes to io.EOF.
type ptyReader struct {
	f *os.File
}

func (r ptyReader) Read(b []byte) (int, error) {
	n, err := r.f.Read(b)
	if err != nil && errors.Is(err, syscall.EIO) {
		return n, io.EOF
	}
	return n, err
}
