package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/codefionn/nullterm/internal/pty"
)

const maxCommandTimeout = 600

type RunCommandTool struct {
	sup            *pty.Supervisor
	workingDir     string
	defaultTimeout time.Duration
}

func NewRunCommandTool(sup *pty.Supervisor, workingDir string, defaultTimeout time.Duration) *RunCommandTool {
	if defaultTimeout <= 0 {
		defaultTimeout = pty.DefaultTimeout
	}
	return &RunCommandTool{sup: sup, workingDir: workingDir, defaultTimeout: defaultTimeout}
}

func (t *RunCommandTool) Name() string { return ToolNameRunCommand }

func (t *RunCommandTool) Description() string {
	return "Run a shell command in the working directory and return its combined output and exit code."
}

func (t *RunCommandTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "Shell command to execute.",
			},
			"timeout": map[string]any{
				"type":        "integer",
				"description": fmt.Sprintf("Timeout in seconds (optional, default %d, max %d)", int(t.defaultTimeout/time.Second), maxCommandTimeout),
			},
		},
		"required": []string{"command"},
	}
}

func (t *RunCommandTool) Execute(ctx context.Context, params map[string]any) *Result {
	command := strings.TrimSpace(stringParam(params, "command", ""))
	if command == "" {
		return Errorf("Error: command is required")
	}
	timeout := t.defaultTimeout
	if secs := intParam(params, "timeout", 0); secs > 0 {
		if secs > maxCommandTimeout {
			secs = maxCommandTimeout
		}
		timeout = time.Duration(secs) * time.Second
	}

	h, err := t.sup.Spawn(ctx, command, pty.Options{Dir: t.workingDir, Timeout: timeout})
	if err != nil {
		return Errorf("Error executing tool: %v", err)
	}
	res := h.Wait()

	out := normalizeNewlines(string(res.Output))
	md := &ExecutionMetadata{
		Command:        command,
		ExitCode:       res.ExitCode,
		PID:            h.Pid(),
		WorkingDir:     t.workingDir,
		TimeoutSeconds: int(timeout / time.Second),
	}

	var b strings.Builder
	b.WriteString(out)
	isError := false
	switch res.State {
	case pty.StateTimedOut:
		md.WasTimedOut = true
		isError = true
		appendLine(&b, fmt.Sprintf("[Timed out after %ds]", int(timeout/time.Second)))
	case pty.StateCancelled:
		isError = true
		appendLine(&b, "[Cancelled by user]")
	case pty.StateFailed:
		isError = true
		appendLine(&b, fmt.Sprintf("[Error: %v]", res.Err))
	default:
		if res.ExitCode != 0 {
			isError = true
			appendLine(&b, fmt.Sprintf("[Exit code: %d]", res.ExitCode))
		}
	}
	return &Result{Content: b.String(), IsError: isError, Metadata: md}
}

// normalizeNewlines undoes the terminal's output post-processing, which turns
// every "\n" into "\r\n".
func normalizeNewlines(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}

func appendLine(b *strings.Builder, line string) {
	if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
		b.WriteByte('\n')
	}
	b.WriteString(line)
}
