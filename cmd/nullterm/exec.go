package main

import (
	"bytes"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/codefionn/nullterm/internal/orchestrator"
	"github.com/codefionn/nullterm/internal/pty"
	"github.com/codefionn/nullterm/internal/render"
)

func newExecCmd(root *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "exec <command...>",
		Short: "Run a shell command on a pseudo-terminal",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := root.open(ctx, sessionOptions{shellOnly: true, skipMCP: true})
			if err != nil {
				return err
			}
			defer s.Close()

			var out io.Writer = cmd.OutOrStdout()
			sub := orchestrator.Submission{
				Mode:    orchestrator.ModeShell,
				Input:   strings.Join(args, " "),
				Timeout: execTimeout(timeout),
			}

			var restore func()
			if isTerminal(os.Stdin) && isTerminal(os.Stdout) {
				out = crlfWriter{w: out}
				var once sync.Once
				var mu sync.Mutex
				sub.OnSpawn = func(h *pty.Handle) {
					r := attachTerminal(h, s)
					mu.Lock()
					restore = func() { once.Do(r) }
					mu.Unlock()
				}
				defer func() {
					mu.Lock()
					defer mu.Unlock()
					if restore != nil {
						restore()
					}
				}()
			}

			printer := render.NewPrinter(out, s.rt.Arena, render.PrinterOptions{})
			defer printer.Attach()()

			u, err := s.orch.Submit(ctx, sub)
			if err != nil {
				return err
			}
			return unitResult(u)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "kill the command after this long (0 runs it until it exits)")
	return cmd
}

func execTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return pty.NoTimeout
	}
	return d
}

// attachTerminal puts stdin into raw mode and forwards keystrokes and window
// size changes to h. The returned func restores the terminal.
func attachTerminal(h *pty.Handle, s *session) func() {
	fd := int(os.Stdin.Fd())
	state, err := term.MakeRaw(fd)
	if err != nil {
		s.log.Warn("raw mode unavailable: %v", err)
		return func() {}
	}

	if cols, rows, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
		_ = h.Resize(rows, cols)
	}
	stopResize := watchResize(h)

	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if _, werr := h.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
			select {
			case <-h.Done():
				return
			default:
			}
		}
	}()

	return func() {
		stopResize()
		if err := term.Restore(fd, state); err != nil {
			s.log.Warn("failed to restore terminal: %v", err)
		}
	}
}

// crlfWriter turns bare newlines into CRLF for a terminal in raw mode.
type crlfWriter struct {
	w io.Writer
}

func (c crlfWriter) Write(p []byte) (int, error) {
	if _, err := c.w.Write(bytes.ReplaceAll(p, []byte("\n"), []byte("\r\n"))); err != nil {
		return 0, err
	}
	return len(p), nil
}
