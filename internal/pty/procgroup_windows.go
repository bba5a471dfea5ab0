//go:build windows

package pty

import (
	"errors"
	"syscall"
)

func signalGroup(int, syscall.Signal) error {
	return errors.New("process groups are not supported on windows")
}

func signalPid(int, syscall.Signal) {}

func groupAlive(int) bool { return false }

var (
	sigTerminate = syscall.SIGTERM
	sigKill      = syscall.SIGKILL
)
