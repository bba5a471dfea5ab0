//go:build !windows

package pty

import (
	"errors"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// signalGroup delivers sig to every member of the process group. A group
// that no longer exists is not an error.
func signalGroup(pgid int, sig syscall.Signal) error {
	if pgid <= 0 {
		return fmt.Errorf("invalid process group id: %d", pgid)
	}
	if err := unix.Kill(-pgid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

func signalPid(pid int, sig syscall.Signal) {
	_ = unix.Kill(pid, sig)
}

// groupAlive reports whether any member of the group still exists.
func groupAlive(pgid int) bool {
	return unix.Kill(-pgid, 0) == nil
}

var (
	sigTerminate = unix.SIGTERM
	sigKill      = unix.SIGKILL
)
