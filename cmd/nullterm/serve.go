package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/spf13/cobra"

	"github.com/codefionn/nullterm/internal/eventfeed"
	"github.com/codefionn/nullterm/internal/orchestrator"
	"github.com/codefionn/nullterm/internal/render"
)

const defaultFeedAddr = "localhost:8937"

func newServeCmd(root *rootOptions) *cobra.Command {
	var addr, modeName, token string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Read instructions from stdin and publish the transcript as a websocket feed",
		Long: `Read one instruction per line from stdin. Lines starting with "!" run as
shell commands; everything else uses --mode. Approvals are answered by feed
clients via POST /approvals/:id or an approval_response websocket message.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mode, err := orchestrator.ParseMode(modeName)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			s, err := root.open(ctx, sessionOptions{})
			if err != nil {
				return err
			}
			defer s.Close()

			if addr == "" {
				addr = s.cfg.FeedAddr
			}
			if addr == "" {
				addr = defaultFeedAddr
			}

			broker, _ := s.rt.Broker()
			feed, err := eventfeed.NewServer(eventfeed.Options{
				Arena:     s.rt.Arena,
				Broker:    broker,
				Canceller: s.orch,
				Token:     token,
			}, s.log)
			if err != nil {
				return err
			}
			defer feed.Close()

			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", addr, err)
			}
			errCh := make(chan error, 1)
			go func() { errCh <- feed.Serve(ln) }()
			fmt.Fprintf(cmd.ErrOrStderr(), "event feed: ws://%s/ws?token=%s\n", ln.Addr(), feed.Token())

			printer := render.NewPrinter(cmd.OutOrStdout(), s.rt.Arena, render.PrinterOptions{Width: terminalWidth()})
			defer printer.Attach()()

			lines := scanLines(cmd.InOrStdin())
			for {
				select {
				case <-ctx.Done():
					return nil
				case err := <-errCh:
					return err
				case line, ok := <-lines:
					if !ok {
						// stdin closed; keep serving the feed until interrupted.
						lines = nil
						continue
					}
					sub := orchestrator.Submission{Mode: mode, Input: line}
					if rest, found := strings.CutPrefix(line, "!"); found {
						sub = orchestrator.Submission{Mode: orchestrator.ModeShell, Input: rest}
					}
					if _, err := s.orch.Submit(ctx, sub); err != nil && !errors.Is(err, orchestrator.ErrEmptyInput) {
						s.log.Warn("submission failed: %v", err)
						fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", err)
					}
					fmt.Fprintln(cmd.OutOrStdout())
				}
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: feed_addr from config or "+defaultFeedAddr+")")
	cmd.Flags().StringVar(&modeName, "mode", "agent", "mode for lines without a ! prefix: shell, tools, agent or chat")
	cmd.Flags().StringVar(&token, "token", "", "feed auth token (generated when empty)")
	return cmd
}

func scanLines(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			if line := strings.TrimSpace(scanner.Text()); line != "" {
				ch <- line
			}
		}
	}()
	return ch
}
