package loop

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/nullterm/internal/approval"
	"github.com/codefionn/nullterm/internal/llm"
	"github.com/codefionn/nullterm/internal/llm/llmtest"
	"github.com/codefionn/nullterm/internal/logger"
	"github.com/codefionn/nullterm/internal/tools"
	"github.com/codefionn/nullterm/internal/transcript"
)

// fakeTools answers every call with "ran <name>" unless fn overrides it.
type fakeTools struct {
	mu    sync.Mutex
	calls []llm.ToolCall
	fn    func(ctx context.Context, call llm.ToolCall) *tools.Result
}

func (f *fakeTools) Specs() []llm.ToolSpec {
	return []llm.ToolSpec{{Name: "probe", Description: "test tool", Parameters: map[string]any{"type": "object"}}}
}

func (f *fakeTools) Execute(ctx context.Context, call llm.ToolCall) *tools.Result {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(ctx, call)
	}
	return tools.Text("ran " + call.Name)
}

func (f *fakeTools) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type gateFunc func(string) approval.Decision

func (g gateFunc) Decide(name string, _ json.RawMessage) approval.Decision { return g(name) }

type fixture struct {
	arena   *transcript.Arena
	unitID  string
	backend *llmtest.Scripted
	tools   *fakeTools
	deps    Dependencies
}

func newFixture(t *testing.T, backend *llmtest.Scripted) *fixture {
	t.Helper()
	arena := transcript.NewArena()
	u := arena.Create(transcript.KindAgentResponse, "do it")
	require.NoError(t, arena.SetStatus(u.ID, transcript.StatusStreaming))
	ft := &fakeTools{}
	return &fixture{
		arena:   arena,
		unitID:  u.ID,
		backend: backend,
		tools:   ft,
		deps: Dependencies{
			Backend:  backend,
			Tools:    ft,
			Resolver: approval.Static(approval.VerdictApproved),
			Arena:    arena,
			Log:      logger.Nop(),
		},
	}
}

func (f *fixture) run(ctx context.Context, s Strategy) *Result {
	return New(f.deps, s).Run(ctx, Request{UnitID: f.unitID, History: []llm.Message{llm.UserMessage("do it")}})
}

func (f *fixture) unit(t *testing.T) transcript.Unit {
	t.Helper()
	u, ok := f.arena.Get(f.unitID)
	require.True(t, ok)
	return u
}

func probe() llmtest.Turn {
	return llmtest.Turn{Calls: []llmtest.Call{{Name: "probe", Args: map[string]any{"x": 1}}}}
}

func TestToolLoopTwoRoundsThenAnswer(t *testing.T) {
	backend := llmtest.NewScripted(probe(), probe(), llmtest.Turn{Text: []string{"all ", "done"}})
	f := newFixture(t, backend)

	res := f.run(context.Background(), NewToolCallStrategy(3, false))

	assert.Equal(t, PhaseCompleted, res.Phase)
	assert.Equal(t, 3, backend.Calls())
	assert.Equal(t, 3, res.Generations)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, "all done", res.Text)

	u := f.unit(t)
	require.Len(t, u.ToolCalls, 2)
	for _, rec := range u.ToolCalls {
		assert.True(t, rec.Status.Terminal())
		assert.Equal(t, transcript.CallSuccess, rec.Status)
		assert.Equal(t, "ran probe", rec.Result)
	}
	assert.Equal(t, "all done", u.Output)
	assert.Empty(t, u.Iterations, "tool loop keeps no iteration records")
	assert.Equal(t, 30, u.Metadata.InputTokens)
	assert.Equal(t, 15, u.Metadata.OutputTokens)

	// Second request carries the first call's result.
	reqs := backend.Requests()
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Equal(t, llm.RoleTool, last.Role)
	assert.Equal(t, "call-1-0", last.ToolCallID)
	assert.Equal(t, "ran probe", last.Content)
}

func TestRepeatedProviderIDsGetDistinctRecords(t *testing.T) {
	anonymous := llmtest.Turn{Calls: []llmtest.Call{{Name: "probe", Args: map[string]any{}, NoID: true}}}
	backend := llmtest.NewScripted(anonymous, anonymous, llmtest.Turn{Text: []string{"done"}})
	f := newFixture(t, backend)

	res := f.run(context.Background(), NewAgentStrategy(10))
	require.Equal(t, PhaseCompleted, res.Phase)

	u := f.unit(t)
	require.Len(t, u.ToolCalls, 2)
	assert.NotEqual(t, u.ToolCalls[0].ID, u.ToolCalls[1].ID)
	for _, rec := range u.ToolCalls {
		assert.Equal(t, "call_probe_1", rec.CallID)
		assert.Equal(t, transcript.CallSuccess, rec.Status)
	}
	require.Len(t, u.Iterations, 3)
	assert.Equal(t, []string{u.ToolCalls[0].ID}, u.Iterations[0].ToolCallIDs)
	assert.Equal(t, []string{u.ToolCalls[1].ID}, u.Iterations[1].ToolCallIDs)

	// The model still sees its own ids.
	last := backend.Requests()[2].Messages
	assert.Equal(t, "call_probe_1", last[len(last)-1].ToolCallID)
}

func TestToolLoopStopsAtCap(t *testing.T) {
	backend := llmtest.Always(probe())
	f := newFixture(t, backend)

	res := f.run(context.Background(), NewToolCallStrategy(0, false))

	assert.Equal(t, PhaseLimitExceeded, res.Phase)
	assert.Equal(t, DefaultToolCallMaxIterations, res.Iterations)
	assert.Equal(t, DefaultToolCallMaxIterations, backend.Calls())
	assert.Equal(t, 3, f.tools.count())
	assert.Contains(t, f.unit(t).Output, "*Warning: Reached maximum iterations (3)*")
	assert.Equal(t, "*Warning: Reached maximum iterations (3)*", res.Notice)
}

func TestAgentLoopLimitExceeded(t *testing.T) {
	backend := llmtest.Always(llmtest.Turn{Reasoning: "thinking", Calls: probe().Calls})
	f := newFixture(t, backend)

	var phases []Phase
	res := New(f.deps, NewAgentStrategy(0)).Run(context.Background(), Request{
		UnitID:  f.unitID,
		History: []llm.Message{llm.UserMessage("loop forever")},
		Hooks:   Hooks{OnPhase: func(p Phase) { phases = append(phases, p) }},
	})

	assert.Equal(t, PhaseLimitExceeded, res.Phase)
	assert.Equal(t, 10, res.Iterations)
	assert.Equal(t, 10, backend.Calls())

	u := f.unit(t)
	require.Len(t, u.Iterations, 10)
	for i, it := range u.Iterations {
		assert.Equal(t, i+1, it.Number)
		assert.False(t, it.Final)
		assert.Equal(t, "thinking", it.Reasoning)
		require.Len(t, it.ToolCallIDs, 1)
	}
	assert.Len(t, u.ToolCalls, 10)
	assert.Equal(t, PhaseLimitExceeded, phases[len(phases)-1])
	assert.Equal(t, PhaseGenerating, phases[0])
}

func TestAgentLoopFinalIteration(t *testing.T) {
	backend := llmtest.NewScripted(probe(), llmtest.Turn{Text: []string{"finished"}})
	f := newFixture(t, backend)

	res := f.run(context.Background(), NewAgentStrategy(10))

	assert.Equal(t, PhaseCompleted, res.Phase)
	u := f.unit(t)
	require.Len(t, u.Iterations, 2)
	assert.False(t, u.Iterations[0].Final)
	assert.True(t, u.Iterations[1].Final)
	assert.Empty(t, u.Iterations[1].ToolCallIDs)
}

func TestDeniedCallFeedsBack(t *testing.T) {
	backend := llmtest.NewScripted(probe(), llmtest.Turn{Text: []string{"ok, skipping"}})
	f := newFixture(t, backend)
	f.deps.Gate = gateFunc(func(string) approval.Decision { return approval.MustAsk })
	f.deps.Resolver = approval.Static(approval.VerdictDenied)

	var waiting []transcript.ToolCallRecord
	res := New(f.deps, NewToolCallStrategy(3, false)).Run(context.Background(), Request{
		UnitID:  f.unitID,
		History: []llm.Message{llm.UserMessage("rm -rf")},
		Hooks: Hooks{OnWaitingApproval: func(rec transcript.ToolCallRecord) {
			waiting = append(waiting, rec)
		}},
	})

	assert.Equal(t, PhaseCompleted, res.Phase)
	assert.Equal(t, 2, backend.Calls())
	assert.Zero(t, f.tools.count(), "denied call never executes")
	require.Len(t, waiting, 1)
	assert.Equal(t, transcript.ApprovalPending, waiting[0].Approval)

	rec := f.unit(t).ToolCalls[0]
	assert.Equal(t, transcript.CallDenied, rec.Status)
	assert.Equal(t, transcript.ApprovalDenied, rec.Approval)

	msgs := backend.Requests()[1].Messages
	last := msgs[len(msgs)-1]
	assert.Equal(t, DeniedMessage, last.Content)
	assert.True(t, last.IsError)
}

func TestApprovedCallRecordsApproval(t *testing.T) {
	backend := llmtest.NewScripted(probe(), llmtest.Turn{Text: []string{"done"}})
	f := newFixture(t, backend)
	f.deps.Gate = gateFunc(func(string) approval.Decision { return approval.MustAsk })

	res := f.run(context.Background(), NewToolCallStrategy(3, false))
	require.Equal(t, PhaseCompleted, res.Phase)
	rec := f.unit(t).ToolCalls[0]
	assert.Equal(t, transcript.ApprovalApproved, rec.Approval)
	assert.Equal(t, transcript.CallSuccess, rec.Status)
}

func TestCancelWhileAwaitingApproval(t *testing.T) {
	backend := llmtest.Always(probe())
	f := newFixture(t, backend)
	broker := approval.NewBroker(0)
	f.deps.Gate = gateFunc(func(string) approval.Decision { return approval.MustAsk })
	f.deps.Resolver = broker

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	broker.OnRequest(func(approval.Request) { go cancel() })

	res := f.run(ctx, NewAgentStrategy(10))

	assert.Equal(t, PhaseCancelled, res.Phase)
	assert.Zero(t, f.tools.count())
	rec := f.unit(t).ToolCalls[0]
	assert.Equal(t, transcript.CallCancelled, rec.Status)
	assert.Empty(t, broker.Pending())
}

func TestCancelDuringGeneration(t *testing.T) {
	backend := llmtest.Always(llmtest.Turn{Text: []string{"partial"}, Block: true})
	f := newFixture(t, backend)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	res := f.run(ctx, NewToolCallStrategy(3, false))
	assert.Equal(t, PhaseCancelled, res.Phase)
	assert.Nil(t, res.Err)
	assert.Equal(t, "partial", f.unit(t).Output)
}

func TestCancelDuringExecutionSkipsRemainingCalls(t *testing.T) {
	backend := llmtest.Always(llmtest.Turn{Calls: []llmtest.Call{
		{Name: "probe", Args: map[string]any{"n": 1}},
		{Name: "probe", Args: map[string]any{"n": 2}},
	}})
	f := newFixture(t, backend)
	ctx, cancel := context.WithCancel(context.Background())
	f.tools.fn = func(ctx context.Context, call llm.ToolCall) *tools.Result {
		cancel()
		<-ctx.Done()
		return tools.Errorf("[Cancelled by user]")
	}

	res := f.run(ctx, NewToolCallStrategy(3, false))

	assert.Equal(t, PhaseCancelled, res.Phase)
	assert.Equal(t, 1, f.tools.count())
	u := f.unit(t)
	require.Len(t, u.ToolCalls, 2)
	for _, rec := range u.ToolCalls {
		assert.Equal(t, transcript.CallCancelled, rec.Status)
	}
}

func TestStopAfterFirstSuccess(t *testing.T) {
	backend := llmtest.Always(probe())
	f := newFixture(t, backend)

	res := f.run(context.Background(), NewToolCallStrategy(3, true))

	assert.Equal(t, PhaseCompleted, res.Phase)
	assert.Equal(t, 1, backend.Calls())
	assert.Equal(t, 1, res.Iterations)
}

func TestStopAfterFirstSuccessIgnoresErrors(t *testing.T) {
	backend := llmtest.NewScripted(probe(), llmtest.Turn{Text: []string{"recovered"}})
	f := newFixture(t, backend)
	f.tools.fn = func(context.Context, llm.ToolCall) *tools.Result { return tools.Errorf("boom") }

	res := f.run(context.Background(), NewToolCallStrategy(3, true))

	assert.Equal(t, PhaseCompleted, res.Phase)
	assert.Equal(t, 2, backend.Calls())
	assert.Equal(t, transcript.CallError, f.unit(t).ToolCalls[0].Status)
}

func TestBackendErrorFails(t *testing.T) {
	boom := errors.New("upstream exploded")
	backend := llmtest.NewScripted(llmtest.Turn{Text: []string{"half"}, Err: boom})
	f := newFixture(t, backend)

	res := f.run(context.Background(), NewAgentStrategy(10))

	assert.Equal(t, PhaseFailed, res.Phase)
	assert.ErrorIs(t, res.Err, boom)
	assert.Equal(t, "half", f.unit(t).Output)
}

func TestTextPassesSeparated(t *testing.T) {
	backend := llmtest.NewScripted(
		llmtest.Turn{Text: []string{"looking"}, Calls: probe().Calls},
		llmtest.Turn{Text: []string{"found it"}},
	)
	f := newFixture(t, backend)

	res := f.run(context.Background(), NewAgentStrategy(10))
	require.Equal(t, PhaseCompleted, res.Phase)
	assert.Equal(t, "looking\n\nfound it", f.unit(t).Output)
}

func TestIterationCapProperty(t *testing.T) {
	for max := 1; max <= 5; max++ {
		backend := llmtest.Always(probe())
		f := newFixture(t, backend)

		res := f.run(context.Background(), NewAgentStrategy(max))

		assert.Equal(t, PhaseLimitExceeded, res.Phase, "max=%d", max)
		assert.Equal(t, max, res.Iterations, "max=%d", max)
		assert.LessOrEqual(t, backend.Calls(), max, "max=%d", max)
		assert.Len(t, f.unit(t).Iterations, max, "max=%d", max)
	}
}
