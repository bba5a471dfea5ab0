package orchestrator

import (
	"time"

	"github.com/codefionn/nullterm/internal/llm"
	"github.com/codefionn/nullterm/internal/orchestrator/loop"
	"github.com/codefionn/nullterm/internal/transcript"
)

// Activity is what a running unit is doing right now.
type Activity string

const (
	ActivityIdle            Activity = "idle"
	ActivityThinking        Activity = "thinking"
	ActivityExecuting       Activity = "executing"
	ActivityWaitingApproval Activity = "waiting_approval"
	ActivityCancelled       Activity = "cancelled"
)

func activityFor(p loop.Phase) Activity {
	switch p {
	case loop.PhaseGenerating:
		return ActivityThinking
	case loop.PhaseExecuting:
		return ActivityExecuting
	case loop.PhaseCancelled:
		return ActivityCancelled
	}
	return ActivityIdle
}

// ToolUse is one entry of the tool history.
type ToolUse struct {
	Name   string                `json:"name"`
	Status transcript.CallStatus `json:"status"`
	At     time.Time             `json:"at"`
}

// AgentStats summarizes one run.
type AgentStats struct {
	Iterations   int       `json:"iterations"`
	ToolCalls    int       `json:"tool_calls"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	ToolHistory  []ToolUse `json:"tool_history,omitempty"`
	// State is the terminal loop state once the run ended.
	State string `json:"state,omitempty"`
}

func (s *AgentStats) addUsage(u llm.Usage) {
	s.InputTokens += u.InputTokens
	s.OutputTokens += u.OutputTokens
}

func (s *AgentStats) addTool(o loop.CallOutcome, at time.Time) {
	s.ToolCalls++
	s.ToolHistory = append(s.ToolHistory, ToolUse{Name: o.Call.Name, Status: o.Status, At: at})
}

func (s AgentStats) clone() AgentStats {
	s.ToolHistory = append([]ToolUse(nil), s.ToolHistory...)
	return s
}
