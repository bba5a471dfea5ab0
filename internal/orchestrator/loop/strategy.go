package loop

import "github.com/codefionn/nullterm/internal/transcript"

const (
	DefaultToolCallMaxIterations = 3
	DefaultAgentMaxIterations    = 10
)

// Strategy customizes the shared transition engine.
type Strategy interface {
	Name() string
	MaxIterations() int
	// RecordIterations reports whether an IterationRecord is kept per pass.
	RecordIterations() bool
	// StopAfterTools may end the run as completed after an Executing phase.
	StopAfterTools(state *State, outcomes []CallOutcome) bool
}

// ToolCallStrategy drives tool-augmented chat.
type ToolCallStrategy struct {
	Max int
	// StopAfterFirstSuccess ends the run once the first iteration produced a
	// successful tool result, leaving the answer to the tool output.
	StopAfterFirstSuccess bool
}

func NewToolCallStrategy(max int, stopAfterFirstSuccess bool) *ToolCallStrategy {
	if max <= 0 {
		max = DefaultToolCallMaxIterations
	}
	return &ToolCallStrategy{Max: max, StopAfterFirstSuccess: stopAfterFirstSuccess}
}

func (s *ToolCallStrategy) Name() string           { return "tools" }
func (s *ToolCallStrategy) MaxIterations() int     { return s.Max }
func (s *ToolCallStrategy) RecordIterations() bool { return false }

func (s *ToolCallStrategy) StopAfterTools(state *State, outcomes []CallOutcome) bool {
	if !s.StopAfterFirstSuccess || state.Iteration() != 1 {
		return false
	}
	for _, o := range outcomes {
		if o.Status == transcript.CallSuccess {
			return true
		}
	}
	return false
}

// AgentStrategy drives unattended multi-step runs.
type AgentStrategy struct {
	Max int
}

func NewAgentStrategy(max int) *AgentStrategy {
	if max <= 0 {
		max = DefaultAgentMaxIterations
	}
	return &AgentStrategy{Max: max}
}

func (s *AgentStrategy) Name() string                                { return "agent" }
func (s *AgentStrategy) MaxIterations() int                          { return s.Max }
func (s *AgentStrategy) RecordIterations() bool                      { return true }
func (s *AgentStrategy) StopAfterTools(*State, []CallOutcome) bool { return false }
