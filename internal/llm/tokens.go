package llm

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates token counts when a backend reports no usage.
type TokenCounter interface {
	Count(text string) int
}

// TiktokenCounter uses the model's BPE encoding, falling back to
// cl100k_base and finally to a characters-per-token heuristic.
type TiktokenCounter struct {
	model string
	once  sync.Once
	enc   *tiktoken.Tiktoken
}

func NewTiktokenCounter(model string) *TiktokenCounter {
	return &TiktokenCounter{model: model}
}

func (c *TiktokenCounter) encoder() *tiktoken.Tiktoken {
	c.once.Do(func() {
		if enc, err := tiktoken.EncodingForModel(c.model); err == nil {
			c.enc = enc
			return
		}
		if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
			c.enc = enc
		}
	})
	return c.enc
}

func (c *TiktokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	if enc := c.encoder(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return HeuristicTokens(text)
}

// HeuristicTokens assumes roughly four characters per token.
func HeuristicTokens(text string) int {
	runes := utf8.RuneCountInString(text)
	if runes == 0 {
		return 0
	}
	return (runes + 3) / 4
}

// EstimateUsage fills in usage for a turn that reported none.
func EstimateUsage(counter TokenCounter, req Request, turn Turn) Usage {
	if counter == nil {
		return Usage{}
	}
	in := counter.Count(req.System)
	for _, m := range req.Messages {
		in += counter.Count(m.Content) + 4
		for _, call := range m.ToolCalls {
			in += counter.Count(string(call.Arguments))
		}
	}
	out := counter.Count(turn.Text)
	for _, call := range turn.ToolCalls {
		out += counter.Count(string(call.Arguments))
	}
	return Usage{InputTokens: in, OutputTokens: out}
}
