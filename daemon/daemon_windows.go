//go:build windows

package daemon

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// detachedFlags keeps the daemon alive after the launching console closes
// and stops Ctrl+C in that console from reaching it.
const detachedFlags = windows.CREATE_NEW_PROCESS_GROUP | windows.DETACHED_PROCESS | windows.CREATE_NO_WINDOW

func getSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{HideWindow: true, CreationFlags: detachedFlags}
}
