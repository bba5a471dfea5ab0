package llm

import (
	"context"
)

type EventType int

const (
	EventTextDelta EventType = iota
	EventReasoningDelta
	EventToolCallDelta
	EventUsage
	EventDone
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventTextDelta:
		return "text_delta"
	case EventReasoningDelta:
		return "reasoning_delta"
	case EventToolCallDelta:
		return "tool_call_delta"
	case EventUsage:
		return "usage"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	}
	return "unknown"
}

// ToolCallDelta is a fragment of a tool call. Index is stable for one call
// across all of its fragments.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
	Finished  bool
}

type Usage struct {
	InputTokens  int
	OutputTokens int
}

func (u Usage) Add(o Usage) Usage {
	return Usage{InputTokens: u.InputTokens + o.InputTokens, OutputTokens: u.OutputTokens + o.OutputTokens}
}

func (u Usage) IsZero() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0
}

type Event struct {
	Type         EventType
	Text         string
	ToolCall     *ToolCallDelta
	Usage        *Usage
	FinishReason string
	Err          error
}

// Backend is a streaming model backend.
type Backend interface {
	Name() string
	Stream(ctx context.Context, req Request) (*Stream, error)
}

// Stream is a lazy, finite, single-pass sequence of events. It always ends
// with exactly one EventDone or EventError.
type Stream struct {
	events   chan Event
	cancel   context.CancelFunc
	finished bool
}

// Producer emits events until the backend stream ends. emit returns false
// once the consumer has gone away; the producer should then return.
type Producer func(ctx context.Context, emit func(Event) bool) error

// NewStream runs produce in its own goroutine. If produce returns an error an
// EventError is appended, otherwise an EventDone unless produce already
// emitted one.
func NewStream(ctx context.Context, produce Producer) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{events: make(chan Event), cancel: cancel}

	go func() {
		defer close(s.events)
		terminal := false
		emit := func(ev Event) bool {
			if terminal {
				return false
			}
			if ev.Type == EventDone || ev.Type == EventError {
				terminal = true
			}
			select {
			case s.events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		err := produce(ctx, emit)
		switch {
		case err != nil:
			emit(Event{Type: EventError, Err: err})
		case !terminal:
			emit(Event{Type: EventDone})
		}
	}()

	return s
}

// StreamOf replays fixed events, then EventDone. Handy for fakes.
func StreamOf(ctx context.Context, events ...Event) *Stream {
	return NewStream(ctx, func(ctx context.Context, emit func(Event) bool) error {
		for _, ev := range events {
			if ev.Type == EventError {
				return ev.Err
			}
			if !emit(ev) {
				return ctx.Err()
			}
		}
		return nil
	})
}

// Next returns the next event, or false once the sequence has ended. If ctx
// is cancelled first, the stream is closed and an EventError carrying the
// context error is returned.
func (s *Stream) Next(ctx context.Context) (Event, bool) {
	if s.finished {
		return Event{}, false
	}
	select {
	case ev, ok := <-s.events:
		if !ok {
			s.finished = true
			return Event{}, false
		}
		if ev.Type == EventDone || ev.Type == EventError {
			s.finished = true
			s.cancel()
		}
		return ev, true
	case <-ctx.Done():
		s.finished = true
		s.Close()
		return Event{Type: EventError, Err: ctx.Err()}, true
	}
}

// Close stops the producer and waits for it to exit.
func (s *Stream) Close() {
	s.cancel()
	for range s.events {
	}
}
