package loop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/codefionn/nullterm/internal/approval"
	"github.com/codefionn/nullterm/internal/llm"
	"github.com/codefionn/nullterm/internal/logger"
	"github.com/codefionn/nullterm/internal/transcript"
)

// Loop runs requests with one strategy.
type Loop struct {
	deps     Dependencies
	strategy Strategy
	log      *logger.Logger
}

func New(deps Dependencies, strategy Strategy) *Loop {
	log := deps.Log
	if log == nil {
		log = logger.Nop()
	}
	return &Loop{deps: deps, strategy: strategy, log: log.Named("loop:" + strategy.Name())}
}

func (l *Loop) Strategy() Strategy { return l.strategy }

// LimitNotice is appended to the output when the cap is reached.
func LimitNotice(max int) string {
	return fmt.Sprintf("\n\n*Warning: Reached maximum iterations (%d)*", max)
}

// run is the mutable state of one Run call.
type run struct {
	*Loop
	req      Request
	state    *State
	messages []llm.Message
	result   *Result
	// wroteText is set once any pass appended text to the unit.
	wroteText bool
}

// Run drives req to a terminal phase. The unit's status is left to the
// caller; Run only appends output, tool call records and iteration records.
func (l *Loop) Run(ctx context.Context, req Request) *Result {
	r := &run{
		Loop:     l,
		req:      req,
		state:    NewState(l.strategy.MaxIterations()),
		messages: append([]llm.Message(nil), req.History...),
		result:   &Result{},
	}

	var turn llm.Turn
	phase := PhaseGenerating
	passStart := time.Now()
	for !phase.Terminal() {
		r.enter(phase)
		switch phase {
		case PhaseGenerating:
			passStart = time.Now()
			phase, turn = r.generate(ctx)
			if phase == PhaseCompleted && l.strategy.RecordIterations() {
				r.recordIteration(turn, nil, true, time.Since(passStart))
			}

		case PhaseExecuting:
			outcomes, ids := r.executeAll(ctx, turn.ToolCalls)
			if l.strategy.RecordIterations() {
				r.recordIteration(turn, ids, false, time.Since(passStart))
			}
			if ctx.Err() != nil {
				phase = PhaseCancelled
				break
			}
			n := r.state.Increment()
			r.result.Iterations = n
			switch {
			case l.strategy.StopAfterTools(r.state, outcomes):
				phase = PhaseCompleted
			case r.state.HasReachedLimit():
				phase = PhaseLimitExceeded
			default:
				phase = PhaseGenerating
			}
		}
	}

	if phase == PhaseLimitExceeded {
		notice := LimitNotice(r.state.MaxIterations())
		r.result.Notice = strings.TrimSpace(notice)
		r.appendOutput(notice)
		l.log.Info("unit %s hit the iteration limit (%d)", req.UnitID, r.state.MaxIterations())
	}
	r.enter(phase)
	r.result.Phase = phase
	r.result.Messages = r.messages
	return r.result
}

func (r *run) enter(p Phase) {
	r.state.setPhase(p)
	if r.req.Hooks.OnPhase != nil {
		r.req.Hooks.OnPhase(p)
	}
}

func (r *run) appendOutput(text string) {
	if r.deps.Arena == nil || text == "" {
		return
	}
	if err := r.deps.Arena.AppendOutput(r.req.UnitID, text); err != nil {
		r.log.Debug("append output to %s: %v", r.req.UnitID, err)
	}
}

// generate performs one streaming pass and picks the next phase.
func (r *run) generate(ctx context.Context) (Phase, llm.Turn) {
	if ctx.Err() != nil {
		return PhaseCancelled, llm.Turn{}
	}
	req := llm.Request{
		Messages:  r.messages,
		Tools:     r.deps.Tools.Specs(),
		System:    r.req.System,
		MaxTokens: r.req.MaxTokens,
	}
	r.result.Generations++

	stream, err := r.deps.Backend.Stream(ctx, req)
	if err != nil {
		return r.fail(ctx, err), llm.Turn{}
	}

	separated := false
	turn, err := llm.Collect(ctx, stream, llm.Handlers{
		OnText: func(text string) {
			if !separated && r.wroteText {
				r.appendOutput("\n\n")
			}
			separated = true
			r.appendOutput(text)
		},
	})
	if turn.Text != "" {
		r.wroteText = true
		r.result.Text = turn.Text
	}
	r.addUsage(req, turn)

	if ctx.Err() != nil {
		return PhaseCancelled, turn
	}
	if err != nil {
		return r.fail(ctx, err), turn
	}

	r.messages = append(r.messages, llm.AssistantMessage(turn.Text, turn.ToolCalls))
	if len(turn.ToolCalls) == 0 {
		return PhaseCompleted, turn
	}
	return PhaseExecuting, turn
}

func (r *run) fail(ctx context.Context, err error) Phase {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return PhaseCancelled
	}
	r.log.Warn("unit %s: generation failed: %v", r.req.UnitID, err)
	r.result.Err = err
	return PhaseFailed
}

func (r *run) addUsage(req llm.Request, turn llm.Turn) {
	usage := turn.Usage
	if usage.IsZero() {
		usage = llm.EstimateUsage(r.deps.Tokens, req, turn)
	}
	if usage.IsZero() {
		return
	}
	r.result.Usage = r.result.Usage.Add(usage)
	if r.deps.Arena != nil {
		_ = r.deps.Arena.UpdateMetadata(r.req.UnitID, func(md *transcript.Metadata) {
			md.InputTokens += usage.InputTokens
			md.OutputTokens += usage.OutputTokens
		})
	}
	if r.req.Hooks.OnUsage != nil {
		r.req.Hooks.OnUsage(usage)
	}
}

func (r *run) recordIteration(turn llm.Turn, ids []string, final bool, d time.Duration) {
	if r.deps.Arena == nil {
		return
	}
	rec := transcript.IterationRecord{
		Number:      len(r.mustUnit().Iterations) + 1,
		Reasoning:   turn.Reasoning,
		ToolCallIDs: ids,
		Final:       final,
		Duration:    d,
	}
	if err := r.deps.Arena.AddIteration(r.req.UnitID, rec); err != nil {
		r.log.Debug("record iteration on %s: %v", r.req.UnitID, err)
	}
}

func (r *run) mustUnit() transcript.Unit {
	u, _ := r.deps.Arena.Get(r.req.UnitID)
	return u
}

// executeAll runs calls strictly in order. Once ctx is cancelled the
// remaining calls are recorded as cancelled without running.
func (r *run) executeAll(ctx context.Context, calls []llm.ToolCall) ([]CallOutcome, []string) {
	outcomes := make([]CallOutcome, 0, len(calls))
	ids := make([]string, 0, len(calls))
	for _, call := range calls {
		id := uuid.NewString()
		out := r.execute(ctx, id, call)
		outcomes = append(outcomes, out)
		ids = append(ids, id)
		r.result.ToolCalls++
		isError := out.Status != transcript.CallSuccess
		r.messages = append(r.messages, llm.ToolResultMessage(call, out.Content, isError))
		if r.req.Hooks.OnToolResult != nil {
			r.req.Hooks.OnToolResult(out)
		}
	}
	return outcomes, ids
}

func (r *run) updateCall(id string, fn func(*transcript.ToolCallRecord)) {
	if r.deps.Arena == nil {
		return
	}
	if err := r.deps.Arena.UpdateToolCall(r.req.UnitID, id, fn); err != nil {
		r.log.Debug("update tool call %s: %v", id, err)
	}
}

// execute takes one call through approval and execution under the record id
// id. Every call that is approved ends in a terminal status. Provider call ids
// are not unique within a unit, so records are keyed by id and call.ID only
// travels with the history.
func (r *run) execute(ctx context.Context, id string, call llm.ToolCall) CallOutcome {
	rec := transcript.ToolCallRecord{
		ID:        id,
		CallID:    call.ID,
		Name:      call.Name,
		Arguments: call.Arguments,
		Approval:  transcript.ApprovalAuto,
		Status:    transcript.CallQueued,
	}
	decision := approval.Auto
	if r.deps.Gate != nil {
		decision = r.deps.Gate.Decide(call.Name, call.Arguments)
	}
	if decision == approval.MustAsk {
		rec.Approval = transcript.ApprovalPending
	}
	if r.deps.Arena != nil {
		if err := r.deps.Arena.AddToolCall(r.req.UnitID, rec); err != nil {
			r.log.Debug("add tool call %s: %v", id, err)
		}
	}

	if ctx.Err() != nil {
		return r.cancelCall(id, call, rec.Approval)
	}

	if decision == approval.MustAsk {
		if r.req.Hooks.OnWaitingApproval != nil {
			r.req.Hooks.OnWaitingApproval(rec)
		}
		verdict := approval.VerdictDenied
		if r.deps.Resolver != nil {
			verdict = r.deps.Resolver.RequestApproval(ctx, approval.Request{
				UnitID:    r.req.UnitID,
				ToolName:  call.Name,
				Arguments: call.Arguments,
			})
		}
		r.log.Debug("%s (%s): %s", call.Name, call.ID, verdict)
		switch {
		case verdict == approval.VerdictDeniedByCancellation || ctx.Err() != nil:
			return r.cancelCall(id, call, transcript.ApprovalDenied)
		case !verdict.Approved():
			now := time.Now()
			r.updateCall(id, func(rec *transcript.ToolCallRecord) {
				rec.Approval = transcript.ApprovalDenied
				rec.Status = transcript.CallDenied
				rec.Result = DeniedMessage
				rec.EndedAt = now
			})
			return CallOutcome{Call: call, Status: transcript.CallDenied, Content: DeniedMessage}
		}
		rec.Approval = transcript.ApprovalApproved
	}

	start := time.Now()
	r.updateCall(id, func(c *transcript.ToolCallRecord) {
		c.Approval = rec.Approval
		c.Status = transcript.CallRunning
		c.StartedAt = start
	})

	res := r.deps.Tools.Execute(ctx, call)
	out := CallOutcome{Call: call, Content: res.Content}
	switch {
	case ctx.Err() != nil:
		out.Status = transcript.CallCancelled
		if !strings.Contains(out.Content, CancelledMessage) {
			out.Content = strings.TrimRight(out.Content+"\n"+CancelledMessage, "\n")
			out.Content = strings.TrimLeft(out.Content, "\n")
		}
	case res.IsError:
		out.Status = transcript.CallError
	default:
		out.Status = transcript.CallSuccess
	}

	end := time.Now()
	r.updateCall(id, func(c *transcript.ToolCallRecord) {
		c.Status = out.Status
		c.EndedAt = end
		if out.Status == transcript.CallSuccess {
			c.Result = out.Content
		} else {
			c.Error = out.Content
		}
	})
	return out
}

func (r *run) cancelCall(id string, call llm.ToolCall, approvalState transcript.ApprovalState) CallOutcome {
	now := time.Now()
	r.updateCall(id, func(c *transcript.ToolCallRecord) {
		c.Approval = approvalState
		c.Status = transcript.CallCancelled
		c.Error = CancelledMessage
		c.EndedAt = now
	})
	return CallOutcome{Call: call, Status: transcript.CallCancelled, Content: CancelledMessage}
}
