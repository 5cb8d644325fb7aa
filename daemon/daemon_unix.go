//go:build !windows

package daemon

import "syscall"

// getSysProcAttr starts the child in its own session so it outlives the
// launching terminal.
func getSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
