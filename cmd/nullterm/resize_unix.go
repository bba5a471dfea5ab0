//go:build !windows

package main

import (
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/codefionn/nullterm/internal/pty"
)

func watchResize(h *pty.Handle) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGWINCH)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-h.Done():
				return
			case <-ch:
				if cols, rows, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
					_ = h.Resize(rows, cols)
				}
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}
