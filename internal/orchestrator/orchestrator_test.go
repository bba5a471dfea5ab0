//go:build !windows

package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/nullterm/internal/approval"
	"github.com/codefionn/nullterm/internal/config"
	"github.com/codefionn/nullterm/internal/llm/llmtest"
	"github.com/codefionn/nullterm/internal/logger"
	"github.com/codefionn/nullterm/internal/pty"
	"github.com/codefionn/nullterm/internal/transcript"
)

func newTestOrchestrator(t *testing.T, backend *llmtest.Scripted, tweak func(*config.Config)) *Orchestrator {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.WorkingDir = t.TempDir()
	cfg.PTY.Shell = "/bin/sh"
	cfg.Approval.AutoApproveAll = true
	if tweak != nil {
		tweak(cfg)
	}
	if backend == nil {
		backend = llmtest.NewScripted(llmtest.Turn{Text: []string{"unused"}})
	}

	rt, err := NewRuntime(context.Background(), cfg, RuntimeOptions{
		Backend:  backend,
		Resolver: approval.Static(approval.VerdictApproved),
		SkipMCP:  true,
	}, logger.Nop())
	require.NoError(t, err)
	rt.Tokens = nil

	o := New(rt, Options{})
	t.Cleanup(func() {
		_ = o.Close()
		_ = rt.Close()
	})
	return o
}

func TestShellEcho(t *testing.T) {
	o := newTestOrchestrator(t, nil, nil)

	u, err := o.Submit(context.Background(), Submission{Mode: ModeShell, Input: "echo hello"})
	require.NoError(t, err)

	assert.Equal(t, transcript.KindCommand, u.Kind)
	assert.Equal(t, transcript.StatusCompleted, u.Status)
	assert.Equal(t, "hello\n", u.Output)
	require.NotNil(t, u.Metadata.ExitCode)
	assert.Equal(t, 0, *u.Metadata.ExitCode)
}

func TestShellNonZeroExit(t *testing.T) {
	o := newTestOrchestrator(t, nil, nil)

	u, err := o.Submit(context.Background(), Submission{Mode: ModeShell, Input: "echo out; exit 3"})
	require.NoError(t, err)

	assert.Equal(t, transcript.StatusCompleted, u.Status)
	require.NotNil(t, u.Metadata.ExitCode)
	assert.Equal(t, 3, *u.Metadata.ExitCode)
	assert.Equal(t, "out\n", u.Output)
}

func TestShellTimeout(t *testing.T) {
	o := newTestOrchestrator(t, nil, func(c *config.Config) {
		c.PTY.CommandTimeoutSeconds = 1
		c.PTY.KillGraceMillis = 200
	})

	u, err := o.Submit(context.Background(), Submission{Mode: ModeShell, Input: "echo start; sleep 30"})
	require.NoError(t, err)

	assert.Equal(t, transcript.StatusFailed, u.Status)
	assert.Contains(t, u.Metadata.Error, "timed out")
	assert.Equal(t, "start\n", u.Output)
	assert.Equal(t, -1, *u.Metadata.ExitCode)
}

func TestShellSubmissionTimeout(t *testing.T) {
	o := newTestOrchestrator(t, nil, func(c *config.Config) {
		c.PTY.CommandTimeoutSeconds = 1
		c.PTY.KillGraceMillis = 200
	})

	u, err := o.Submit(context.Background(), Submission{Mode: ModeShell, Input: "sleep 1.5; echo survived", Timeout: pty.NoTimeout})
	require.NoError(t, err)
	assert.Equal(t, transcript.StatusCompleted, u.Status)
	assert.Equal(t, "survived\n", u.Output)

	u, err = o.Submit(context.Background(), Submission{Mode: ModeShell, Input: "sleep 30", Timeout: 100 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, transcript.StatusFailed, u.Status)
	assert.Contains(t, u.Metadata.Error, "timed out")
}

func TestShellCancel(t *testing.T) {
	o := newTestOrchestrator(t, nil, nil)
	sup := o.Runtime().Supervisor

	run, err := o.Start(context.Background(), Submission{Mode: ModeShell, Input: "sleep 100"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sup.Live() == 1 }, 5*time.Second, 10*time.Millisecond)

	start := time.Now()
	require.NoError(t, o.Cancel(run.UnitID))
	u := run.Wait()

	assert.Less(t, time.Since(start), 4*time.Second)
	assert.Equal(t, transcript.StatusCancelled, u.Status)
	assert.Zero(t, sup.Live())
	assert.ErrorIs(t, o.Cancel(run.UnitID), ErrNotRunning)
}

func TestAgentCancelDuringRunCommand(t *testing.T) {
	backend := llmtest.Always(llmtest.Turn{Calls: []llmtest.Call{
		{Name: "run_command", Args: map[string]any{"command": "sleep 100"}},
	}})
	o := newTestOrchestrator(t, backend, nil)
	sup := o.Runtime().Supervisor

	run, err := o.Start(context.Background(), Submission{Mode: ModeAgent, Input: "wait a while"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sup.Live() == 1 }, 5*time.Second, 10*time.Millisecond)

	start := time.Now()
	require.NoError(t, o.Cancel(run.UnitID))
	u := run.Wait()

	assert.Less(t, time.Since(start), 4*time.Second, "process ends within the kill grace")
	assert.Equal(t, transcript.StatusCancelled, u.Status)
	assert.Equal(t, "cancelled", u.Metadata.LoopState)
	assert.Zero(t, sup.Live())
	require.Len(t, u.ToolCalls, 1)
	assert.Equal(t, transcript.CallCancelled, u.ToolCalls[0].Status)
	assert.Equal(t, 1, backend.Calls())

	stats, ok := o.Stats(run.UnitID)
	require.True(t, ok)
	assert.Equal(t, "cancelled", stats.State)
}

func TestToolsModeRunsBuiltins(t *testing.T) {
	backend := llmtest.NewScripted(
		llmtest.Turn{Calls: []llmtest.Call{{Name: "run_command", Args: map[string]any{"command": "echo hello"}}}},
		llmtest.Turn{Text: []string{"it said hello"}},
	)
	o := newTestOrchestrator(t, backend, nil)

	u, err := o.Submit(context.Background(), Submission{Mode: ModeTools, Input: "say hello"})
	require.NoError(t, err)

	assert.Equal(t, transcript.StatusCompleted, u.Status)
	assert.Equal(t, "completed", u.Metadata.LoopState)
	assert.Equal(t, "it said hello", u.Output)
	require.Len(t, u.ToolCalls, 1)
	assert.Equal(t, transcript.CallSuccess, u.ToolCalls[0].Status)
	assert.Equal(t, "hello\n", u.ToolCalls[0].Result)

	stats, _ := o.Stats(u.ID)
	assert.Equal(t, 1, stats.ToolCalls)
	assert.Equal(t, 1, stats.Iterations)
	assert.Equal(t, 20, stats.InputTokens)
	require.Len(t, stats.ToolHistory, 1)
	assert.Equal(t, "run_command", stats.ToolHistory[0].Name)

	history := o.History()
	require.NotEmpty(t, history)
	assert.Equal(t, "say hello", history[0].Content)
	assert.Equal(t, "it said hello", history[len(history)-1].Content)
}

func TestAgentLimitIsGraceful(t *testing.T) {
	backend := llmtest.Always(llmtest.Turn{Calls: []llmtest.Call{{Name: "list_directory", Args: map[string]any{"path": "."}}}})
	o := newTestOrchestrator(t, backend, func(c *config.Config) { c.Loop.AgentMaxIterations = 2 })

	u, err := o.Submit(context.Background(), Submission{Mode: ModeAgent, Input: "explore"})
	require.NoError(t, err)

	assert.Equal(t, transcript.KindAgentResponse, u.Kind)
	assert.Equal(t, transcript.StatusCompleted, u.Status)
	assert.Equal(t, "limit_exceeded", u.Metadata.LoopState)
	assert.Equal(t, "*Warning: Reached maximum iterations (2)*", u.Metadata.Notice)
	assert.Len(t, u.Iterations, 2)
}

func TestDeniedWhileWaitingApproval(t *testing.T) {
	backend := llmtest.NewScripted(
		llmtest.Turn{Calls: []llmtest.Call{{Name: "write_file", Args: map[string]any{"path": "x.txt", "content": "x"}}}},
		llmtest.Turn{Text: []string{"fine"}},
	)
	o := newTestOrchestrator(t, backend, func(c *config.Config) { c.Approval.AutoApproveAll = false })
	broker := approval.NewBroker(0)
	o.rt.Resolver = broker

	var seen Activity
	var unitID string
	broker.OnRequest(func(req approval.Request) {
		seen = o.Activity(req.UnitID)
		unitID = req.UnitID
		go func() { _ = broker.Resolve(req.ID, false) }()
	})

	u, err := o.Submit(context.Background(), Submission{Mode: ModeTools, Input: "write it"})
	require.NoError(t, err)

	assert.Equal(t, u.ID, unitID)
	assert.Equal(t, ActivityWaitingApproval, seen)
	assert.Equal(t, transcript.StatusCompleted, u.Status)
	require.Len(t, u.ToolCalls, 1)
	assert.Equal(t, transcript.CallDenied, u.ToolCalls[0].Status)
	assert.NoFileExists(t, o.rt.Config.WorkingDir+"/x.txt")
	assert.Equal(t, ActivityIdle, o.Activity(u.ID))
}

func TestUnitBusy(t *testing.T) {
	backend := llmtest.Always(llmtest.Turn{Text: []string{"thinking..."}, Block: true})
	o := newTestOrchestrator(t, backend, nil)

	pre := o.rt.Arena.Create(transcript.KindQuery, "hello")
	run, err := o.Start(context.Background(), Submission{Mode: ModeChat, Input: "hello", UnitID: pre.ID})
	require.NoError(t, err)

	_, err = o.Start(context.Background(), Submission{Mode: ModeChat, Input: "again", UnitID: pre.ID})
	assert.ErrorIs(t, err, ErrUnitBusy)

	require.Eventually(t, func() bool {
		u, _ := o.rt.Arena.Get(pre.ID)
		return u.Output == "thinking..."
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, o.Cancel(pre.ID))
	u := run.Wait()
	assert.Equal(t, transcript.StatusCancelled, u.Status)
	assert.Equal(t, "thinking...", u.Output)

	_, err = o.Start(context.Background(), Submission{Mode: ModeChat, Input: "again", UnitID: pre.ID})
	assert.ErrorIs(t, err, transcript.ErrUnitFinalized)
}

func TestChatSinglePass(t *testing.T) {
	backend := llmtest.NewScripted(llmtest.Turn{Text: []string{"hi ", "there"}})
	o := newTestOrchestrator(t, backend, nil)

	u, err := o.Submit(context.Background(), Submission{Mode: ModeChat, Input: "hello"})
	require.NoError(t, err)

	assert.Equal(t, transcript.StatusCompleted, u.Status)
	assert.Equal(t, "hi there", u.Output)
	assert.Equal(t, 1, backend.Calls())
	assert.Empty(t, backend.Requests()[0].Tools)
	assert.Equal(t, 10, u.Metadata.InputTokens)
}

func TestChatBackendFailure(t *testing.T) {
	backend := llmtest.NewScripted(llmtest.Turn{Err: errors.New("rate limited")})
	o := newTestOrchestrator(t, backend, nil)

	u, err := o.Submit(context.Background(), Submission{Mode: ModeChat, Input: "hello"})
	require.NoError(t, err)

	assert.Equal(t, transcript.StatusFailed, u.Status)
	assert.Equal(t, "failed", u.Metadata.LoopState)
	assert.Contains(t, u.Metadata.Error, "rate limited")
	assert.Empty(t, o.History())
}

func TestSubmitValidation(t *testing.T) {
	o := newTestOrchestrator(t, nil, nil)

	_, err := o.Submit(context.Background(), Submission{Mode: ModeShell, Input: "  "})
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = o.Start(context.Background(), Submission{Mode: ModeChat, Input: "x", UnitID: "missing"})
	assert.ErrorIs(t, err, transcript.ErrUnknownUnit)

	require.NoError(t, o.Close())
	_, err = o.Start(context.Background(), Submission{Mode: ModeShell, Input: "true"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestShellOnlyRuntime(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.WorkingDir = t.TempDir()
	cfg.PTY.Shell = "/bin/sh"
	rt, err := NewRuntime(context.Background(), cfg, RuntimeOptions{ShellOnly: true, SkipMCP: true}, logger.Nop())
	require.NoError(t, err)
	o := New(rt, Options{})
	t.Cleanup(func() {
		_ = o.Close()
		_ = rt.Close()
	})

	_, err = o.Start(context.Background(), Submission{Mode: ModeAgent, Input: "hi"})
	assert.ErrorIs(t, err, ErrNoBackend)

	u, err := o.Submit(context.Background(), Submission{Mode: ModeShell, Input: "echo ok"})
	require.NoError(t, err)
	assert.Equal(t, transcript.StatusCompleted, u.Status)
}

func TestActivityCallback(t *testing.T) {
	backend := llmtest.NewScripted(
		llmtest.Turn{Calls: []llmtest.Call{{Name: "list_directory", Args: map[string]any{"path": "."}}}},
		llmtest.Turn{Text: []string{"done"}},
	)
	o := newTestOrchestrator(t, backend, nil)

	var mu sync.Mutex
	var seen []Activity
	o.opts.OnActivity = func(_ string, a Activity) {
		mu.Lock()
		seen = append(seen, a)
		mu.Unlock()
	}

	_, err := o.Submit(context.Background(), Submission{Mode: ModeAgent, Input: "look"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Activity{ActivityThinking, ActivityExecuting, ActivityThinking, ActivityIdle}, seen)
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"shell": ModeShell, "exec": ModeShell, "Tools": ModeTools, "agent": ModeAgent, " chat ": ModeChat} {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseMode("nope")
	assert.Error(t, err)
}
