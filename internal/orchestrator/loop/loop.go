// Package loop is the bounded generate/execute state machine shared by the
// tool-call loop and the agent loop.
//
// A run starts in PhaseGenerating. A generation pass without tool calls
// completes the run; otherwise the calls are executed one by one, in the
// order the model emitted them, and their results are appended to the
// history before the next pass. Every completed Executing phase counts as one
// iteration, and reaching the strategy's cap ends the run in
// PhaseLimitExceeded. Cancellation and backend failures end it in
// PhaseCancelled and PhaseFailed.
package loop

import (
	"context"
	"encoding/json"

	"github.com/codefionn/nullterm/internal/approval"
	"github.com/codefionn/nullterm/internal/llm"
	"github.com/codefionn/nullterm/internal/logger"
	"github.com/codefionn/nullterm/internal/tools"
	"github.com/codefionn/nullterm/internal/transcript"
)

// Phase of a loop run.
type Phase int

const (
	PhaseGenerating Phase = iota
	PhaseExecuting
	PhaseCompleted
	PhaseCancelled
	PhaseLimitExceeded
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseGenerating:
		return "generating"
	case PhaseExecuting:
		return "executing"
	case PhaseCompleted:
		return "completed"
	case PhaseCancelled:
		return "cancelled"
	case PhaseLimitExceeded:
		return "limit_exceeded"
	case PhaseFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether the run has ended.
func (p Phase) Terminal() bool {
	return p >= PhaseCompleted
}

const (
	// DeniedMessage is fed back to the model for a denied call.
	DeniedMessage = "Tool execution denied by user."
	// CancelledMessage is fed back for calls cut short by cancellation.
	CancelledMessage = "[Cancelled by user]"
)

// ToolSource lists and runs tools. *tools.Registry satisfies it.
type ToolSource interface {
	Specs() []llm.ToolSpec
	Execute(ctx context.Context, call llm.ToolCall) *tools.Result
}

// Gate decides whether a call needs approval. *approval.Gate satisfies it.
type Gate interface {
	Decide(toolName string, args json.RawMessage) approval.Decision
}

// Hooks observe a run. All fields are optional and called from the loop
// goroutine.
type Hooks struct {
	OnPhase           func(Phase)
	OnWaitingApproval func(rec transcript.ToolCallRecord)
	OnToolResult      func(outcome CallOutcome)
	OnUsage           func(usage llm.Usage)
}

// Dependencies are shared by every run of a loop.
type Dependencies struct {
	Backend  llm.Backend
	Tools    ToolSource
	Gate     Gate
	Resolver approval.Resolver
	Arena    *transcript.Arena
	// Tokens estimates usage when a backend reports none.
	Tokens llm.TokenCounter
	Log    *logger.Logger
}

// Request is one run on one transcript unit.
type Request struct {
	UnitID    string
	History   []llm.Message
	System    string
	MaxTokens int
	Hooks     Hooks
}

// CallOutcome is the result of one tool call as fed back to the model.
type CallOutcome struct {
	Call    llm.ToolCall
	Status  transcript.CallStatus
	Content string
}

// Result is the final state of a run.
type Result struct {
	Phase Phase
	// Iterations is the number of completed Executing phases.
	Iterations  int
	Generations int
	ToolCalls   int
	// Text is the text of the last generation pass.
	Text string
	// Messages is the history including everything this run added.
	Messages []llm.Message
	Usage    llm.Usage
	Notice   string
	Err      error
}
