// Package llmtest provides scripted backends for loop tests.
package llmtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/codefionn/nullterm/internal/llm"
)

// Turn is one scripted generation pass.
type Turn struct {
	Text      []string
	Reasoning string
	Calls     []Call
	Err       error
	// Block makes the pass wait for ctx cancellation after its text.
	Block bool
}

type Call struct {
	Name string
	Args any
	// NoID leaves the id to the reassembler, like backends that omit it.
	NoID bool
}

// Scripted replays turns in order and repeats the last one once exhausted.
type Scripted struct {
	mu       sync.Mutex
	turns    []Turn
	requests []llm.Request
}

func NewScripted(turns ...Turn) *Scripted {
	return &Scripted{turns: turns}
}

// Always repeats a single turn forever.
func Always(turn Turn) *Scripted {
	return NewScripted(turn)
}

func (s *Scripted) Name() string { return "scripted" }

// Calls is the number of generation calls made so far.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Requests returns copies of every request seen.
func (s *Scripted) Requests() []llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.Request(nil), s.requests...)
}

func (s *Scripted) Stream(ctx context.Context, req llm.Request) (*llm.Stream, error) {
	s.mu.Lock()
	n := len(s.requests)
	req.Messages = append([]llm.Message(nil), req.Messages...)
	s.requests = append(s.requests, req)
	if len(s.turns) == 0 {
		s.mu.Unlock()
		return nil, fmt.Errorf("llmtest: no scripted turns")
	}
	turn := s.turns[min(n, len(s.turns)-1)]
	s.mu.Unlock()

	return llm.NewStream(ctx, func(ctx context.Context, emit func(llm.Event) bool) error {
		if turn.Reasoning != "" && !emit(llm.Event{Type: llm.EventReasoningDelta, Text: turn.Reasoning}) {
			return ctx.Err()
		}
		for _, text := range turn.Text {
			if !emit(llm.Event{Type: llm.EventTextDelta, Text: text}) {
				return ctx.Err()
			}
		}
		if turn.Block {
			<-ctx.Done()
			return ctx.Err()
		}
		for i, call := range turn.Calls {
			args, err := json.Marshal(call.Args)
			if err != nil {
				return err
			}
			// Split the arguments to exercise reassembly.
			half := len(args) / 2
			id := fmt.Sprintf("call-%d-%d", n+1, i)
			if call.NoID {
				id = ""
			}
			fragments := []llm.ToolCallDelta{
				{Index: i, ID: id, Name: call.Name, Arguments: string(args[:half])},
				{Index: i, Arguments: string(args[half:]), Finished: true},
			}
			for _, frag := range fragments {
				frag := frag
				if !emit(llm.Event{Type: llm.EventToolCallDelta, ToolCall: &frag}) {
					return ctx.Err()
				}
			}
		}
		if turn.Err != nil {
			return turn.Err
		}
		usage := llm.Usage{InputTokens: 10, OutputTokens: 5}
		emit(llm.Event{Type: llm.EventUsage, Usage: &usage})
		return nil
	}), nil
}
