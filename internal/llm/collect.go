package llm

import (
	"context"
	"strings"
)

// Turn is everything one generation pass produced.
type Turn struct {
	Text         string
	Reasoning    string
	ToolCalls    []ToolCall
	Usage        Usage
	FinishReason string
}

// Handlers receive deltas as they arrive. Nil fields are skipped.
type Handlers struct {
	OnText      func(text string)
	OnReasoning func(text string)
	OnToolCall  func(call ToolCall)
}

// Collect drains s, forwarding every text delta to h.OnText before reading
// the next event. Tool calls are reported in emission order once complete.
// The returned Turn holds whatever arrived before an error.
func Collect(ctx context.Context, s *Stream, h Handlers) (Turn, error) {
	defer s.Close()

	var (
		turn      Turn
		text      strings.Builder
		reasoning strings.Builder
		asm       = NewReassembler()
	)

	finish := func() Turn {
		for _, call := range asm.Flush() {
			turn.ToolCalls = append(turn.ToolCalls, call)
			if h.OnToolCall != nil {
				h.OnToolCall(call)
			}
		}
		turn.Text = text.String()
		turn.Reasoning = reasoning.String()
		return turn
	}

	for {
		ev, ok := s.Next(ctx)
		if !ok {
			return finish(), nil
		}

		switch ev.Type {
		case EventTextDelta:
			text.WriteString(ev.Text)
			if h.OnText != nil {
				h.OnText(ev.Text)
			}
		case EventReasoningDelta:
			reasoning.WriteString(ev.Text)
			if h.OnReasoning != nil {
				h.OnReasoning(ev.Text)
			}
		case EventToolCallDelta:
			if ev.ToolCall == nil {
				continue
			}
			if call, done := asm.Add(*ev.ToolCall); done {
				turn.ToolCalls = append(turn.ToolCalls, call)
				if h.OnToolCall != nil {
					h.OnToolCall(call)
				}
			}
		case EventUsage:
			if ev.Usage != nil {
				turn.Usage = turn.Usage.Add(*ev.Usage)
			}
			if ev.FinishReason != "" {
				turn.FinishReason = ev.FinishReason
			}
		case EventDone:
			if ev.FinishReason != "" {
				turn.FinishReason = ev.FinishReason
			}
			return finish(), nil
		case EventError:
			turn.Text = text.String()
			turn.Reasoning = reasoning.String()
			return turn, ev.Err
		}
	}
}
