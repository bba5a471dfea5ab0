package orchestrator

import (
	"context"
	"errors"

	"github.com/codefionn/nullterm/internal/llm"
	"github.com/codefionn/nullterm/internal/orchestrator/loop"
	"github.com/codefionn/nullterm/internal/transcript"
)

// runChat streams one generation pass with no tools offered.
func (o *Orchestrator) runChat(ctx context.Context, run *Run, sub Submission) {
	o.setActivity(run, ActivityThinking)
	arena := o.rt.Arena
	history := append(o.History(), llm.UserMessage(sub.Input))
	req := llm.Request{
		Messages:  history,
		System:    o.systemPrompt(sub),
		MaxTokens: o.rt.Config.Provider.MaxTokens,
	}

	res := &loop.Result{Generations: 1}
	var turn llm.Turn
	stream, err := o.rt.Backend.Stream(ctx, req)
	if err == nil {
		turn, err = llm.Collect(ctx, stream, llm.Handlers{
			OnText: func(text string) { _ = arena.AppendOutput(run.UnitID, text) },
		})
	}
	res.Text = turn.Text

	usage := turn.Usage
	if usage.IsZero() {
		usage = llm.EstimateUsage(o.rt.Tokens, req, turn)
	}
	res.Usage = usage
	_ = arena.UpdateMetadata(run.UnitID, func(md *transcript.Metadata) {
		md.InputTokens += usage.InputTokens
		md.OutputTokens += usage.OutputTokens
	})
	o.withStats(run.UnitID, func(s *AgentStats) { s.addUsage(usage) })

	switch {
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		res.Phase = loop.PhaseCancelled
	case err != nil:
		o.log.Warn("chat unit=%s: %v", run.UnitID, err)
		res.Phase = loop.PhaseFailed
		res.Err = err
	default:
		res.Phase = loop.PhaseCompleted
		o.mu.Lock()
		o.history = append(history, llm.AssistantMessage(turn.Text, nil))
		o.mu.Unlock()
	}
	o.withStats(run.UnitID, func(s *AgentStats) { s.State = res.Phase.String() })
	o.finishLoop(run, res)
}
