package llm

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

type partialCall struct {
	index    int
	seq      int
	id       string
	name     strings.Builder
	args     strings.Builder
	finished bool
}

// Reassembler stitches tool-call fragments back together by index.
type Reassembler struct {
	calls map[int]*partialCall
	seq   int
}

func NewReassembler() *Reassembler {
	return &Reassembler{calls: make(map[int]*partialCall)}
}

// Add folds a fragment in. It returns the complete call when the fragment
// marks the call finished.
func (r *Reassembler) Add(d ToolCallDelta) (ToolCall, bool) {
	p, ok := r.calls[d.Index]
	if !ok {
		p = &partialCall{index: d.Index, seq: r.seq}
		r.seq++
		r.calls[d.Index] = p
	}
	if p.finished {
		return ToolCall{}, false
	}
	if d.ID != "" {
		p.id = d.ID
	}
	p.name.WriteString(d.Name)
	p.args.WriteString(d.Arguments)

	if !d.Finished {
		return ToolCall{}, false
	}
	p.finished = true
	return p.build(), true
}

// Flush completes every call still open at end of stream, in the order the
// calls first appeared.
func (r *Reassembler) Flush() []ToolCall {
	open := make([]*partialCall, 0, len(r.calls))
	for _, p := range r.calls {
		if !p.finished {
			open = append(open, p)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].seq < open[j].seq })

	out := make([]ToolCall, 0, len(open))
	for _, p := range open {
		p.finished = true
		out = append(out, p.build())
	}
	return out
}

func (p *partialCall) build() ToolCall {
	call := ToolCall{
		ID:   p.id,
		Name: strings.TrimSpace(p.name.String()),
	}
	if strings.TrimSpace(call.ID) == "" {
		call.ID = fmt.Sprintf("call_%d", p.index+1)
		if call.Name != "" {
			call.ID = fmt.Sprintf("call_%s_%d", sanitizeName(call.Name), p.index+1)
		}
	}

	raw := strings.TrimSpace(p.args.String())
	if raw == "" {
		call.Arguments = json.RawMessage(`{}`)
		return call
	}
	if !json.Valid([]byte(raw)) {
		call.Arguments = json.RawMessage(`{}`)
		call.RawArguments = raw
		call.ParseErr = fmt.Errorf("tool %q: arguments are not valid JSON", call.Name)
		return call
	}
	call.Arguments = json.RawMessage(raw)
	return call
}

func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return '_'
	}, name)
}
