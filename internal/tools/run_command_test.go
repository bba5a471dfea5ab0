//go:build !windows

package tools

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/nullterm/internal/llm"
	"github.com/codefionn/nullterm/internal/logger"
	"github.com/codefionn/nullterm/internal/pty"
)

func newRunCommand(t *testing.T) *RunCommandTool {
	t.Helper()
	sup := pty.NewSupervisor(pty.Options{KillGrace: 200 * time.Millisecond}, "/bin/sh", logger.Nop())
	return NewRunCommandTool(sup, t.TempDir(), 0)
}

func TestRunCommandEcho(t *testing.T) {
	r := NewRegistry(logger.Nop())
	r.Register(newRunCommand(t))

	res := r.Execute(context.Background(), llm.ToolCall{
		ID: "1", Name: ToolNameRunCommand, Arguments: json.RawMessage(`{"command":"echo hello"}`),
	})
	require.NotNil(t, res)
	assert.False(t, res.IsError)
	assert.Equal(t, "hello\n", res.Content)
	assert.Equal(t, 0, res.Metadata.ExitCode)
	assert.Equal(t, "echo hello", res.Metadata.Command)
}

func TestRunCommandExitCode(t *testing.T) {
	res := newRunCommand(t).Execute(context.Background(), map[string]any{"command": "echo oops; exit 4"})
	assert.True(t, res.IsError)
	assert.Equal(t, "oops\n[Exit code: 4]", res.Content)
	assert.Equal(t, 4, res.Metadata.ExitCode)
}

func TestRunCommandTimeout(t *testing.T) {
	res := newRunCommand(t).Execute(context.Background(), map[string]any{"command": "echo start; sleep 30", "timeout": 1})
	assert.True(t, res.IsError)
	assert.True(t, res.Metadata.WasTimedOut)
	assert.Equal(t, "start\n[Timed out after 1s]", res.Content)
}

func TestRunCommandCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	res := newRunCommand(t).Execute(ctx, map[string]any{"command": "sleep 30"})
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "[Cancelled by user]")
}

func TestRunCommandRequiresCommand(t *testing.T) {
	res := newRunCommand(t).Execute(context.Background(), map[string]any{})
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "command is required")
}
