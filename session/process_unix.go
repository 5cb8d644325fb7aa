//go:build !windows

package session

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

func newProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup signals the whole process group so tool subprocesses spawned by
// the CLI go down with it.
func signalGroup(p *os.Process, force bool) error {
	sig := unix.SIGTERM
	if force {
		sig = unix.SIGKILL
	}
	if err := unix.Kill(-p.Pid, sig); err != nil {
		if err == unix.ESRCH {
			return os.ErrProcessDone
		}
		// Fall back to the leader alone if the group is gone or not ours.
		return p.Signal(sig)
	}
	return nil
}
