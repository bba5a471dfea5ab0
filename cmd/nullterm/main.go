package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/codefionn/nullterm/internal/orchestrator"
)

// exitCodeError ends the process with code without printing anything; the
// transcript printer has already reported the outcome.
type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	var exitErr exitCodeError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &exitErr):
		return exitErr.code
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "nullterm",
		Short:         "Run shell commands and AI-assisted tool loops in a supervised terminal",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "config file (.json or .yaml)")
	flags.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn, error or none")
	flags.StringVar(&opts.provider, "provider", "", "model provider: anthropic, openai or google")
	flags.StringVar(&opts.model, "model", "", "model name")
	flags.StringVarP(&opts.workingDir, "dir", "C", "", "working directory for commands and tools")
	flags.BoolVarP(&opts.yes, "yes", "y", false, "approve every tool call without asking")

	root.AddCommand(newExecCmd(opts))
	root.AddCommand(newPromptCmd(opts, orchestrator.ModeChat, "chat", "Ask the model a single question without tools"))
	root.AddCommand(newPromptCmd(opts, orchestrator.ModeTools, "tools", "Let the model answer with a few tool calls"))
	root.AddCommand(newPromptCmd(opts, orchestrator.ModeAgent, "agent", "Let the model work autonomously with tools"))
	root.AddCommand(newMCPCmd(opts))
	root.AddCommand(newServeCmd(opts))
	return root
}
