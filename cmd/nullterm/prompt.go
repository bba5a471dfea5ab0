package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/codefionn/nullterm/internal/approval"
	"github.com/codefionn/nullterm/internal/orchestrator"
	"github.com/codefionn/nullterm/internal/render"
)

func newPromptCmd(root *rootOptions, mode orchestrator.Mode, use, short string) *cobra.Command {
	var system string
	var showResults bool
	cmd := &cobra.Command{
		Use:   use + " [prompt...]",
		Short: short,
		Long:  short + ".\n\nThe prompt is read from stdin when no arguments are given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := readPrompt(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			s, err := root.open(ctx, sessionOptions{})
			if err != nil {
				return err
			}
			defer s.Close()

			out := cmd.OutOrStdout()
			printer := render.NewPrinter(out, s.rt.Arena, render.PrinterOptions{
				Width:       terminalWidth(),
				Markdown:    isTerminal(os.Stdout),
				ShowResults: showResults,
			})
			defer printer.Attach()()

			if broker, ok := s.rt.Broker(); ok {
				defer serveApprovals(ctx, s, broker, out)()
			}

			u, err := s.orch.Submit(ctx, orchestrator.Submission{Mode: mode, Input: input, System: system})
			if err != nil {
				return err
			}
			fmt.Fprintln(out)
			return unitResult(u)
		},
	}
	cmd.Flags().StringVar(&system, "system", "", "override the configured system prompt")
	cmd.Flags().BoolVar(&showResults, "show-results", false, "print a preview of every tool result")
	return cmd
}

// serveApprovals asks on the terminal when there is one and denies
// everything otherwise.
func serveApprovals(ctx context.Context, s *session, broker *approval.Broker, out io.Writer) func() {
	if isTerminal(os.Stdin) {
		return render.NewPrompter(s.rt.Gate, os.Stdin, out, s.log).Serve(ctx, broker)
	}
	return broker.OnRequest(func(req approval.Request) {
		s.log.Warn("denying %s: no terminal to ask on (use --yes to approve all)", req.ToolName)
		go func() { _ = broker.Resolve(req.ID, false) }()
	})
}

func readPrompt(in io.Reader, args []string) (string, error) {
	if prompt := strings.TrimSpace(strings.Join(args, " ")); prompt != "" {
		return prompt, nil
	}
	if f, ok := in.(*os.File); ok && isTerminal(f) {
		return "", errors.New("no prompt given")
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", errors.New("no prompt given")
	}
	return prompt, nil
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func terminalWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return 0
	}
	return w
}
