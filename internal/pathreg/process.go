package pathreg

import (
	"errors"
	"os"
	"syscall"
)

// IsProcessAlive reports whether pid names a live process, on a
// best-effort basis: it sends signal 0, which the kernel treats as a
// permission/existence probe without actually signaling the process.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	if err == syscall.ESRCH || errors.Is(err, os.ErrProcessDone) {
		return false
	}
	// EPERM (or any other error) means the process exists but we can't
	// signal it - still alive from our point of view.
	return err != syscall.ESRCH
}
