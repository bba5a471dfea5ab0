package llm

import (
	"context"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
)

const defaultAnthropicMaxTokens = 4096

// AnthropicBackend streams from the Messages API.
type AnthropicBackend struct {
	client anthropic.Client
	model  string
}

func NewAnthropicBackend(opts BackendOptions) (*AnthropicBackend, error) {
	key := strings.TrimSpace(opts.APIKey)
	if key == "" {
		return nil, fmt.Errorf("anthropic backend requires an API key")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(key)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	return &AnthropicBackend{
		client: anthropic.NewClient(reqOpts...),
		model:  opts.Model,
	}, nil
}

func (b *AnthropicBackend) Name() string { return "anthropic" }

func (b *AnthropicBackend) Stream(ctx context.Context, req Request) (*Stream, error) {
	params, err := b.buildParams(req)
	if err != nil {
		return nil, err
	}

	return NewStream(ctx, func(ctx context.Context, emit func(Event) bool) error {
		stream := b.client.Messages.NewStreaming(ctx, params)
		defer stream.Close()

		toolBlocks := map[int64]bool{}
		var usage Usage

		for stream.Next() {
			event := stream.Current()
			var ev *Event

			switch variant := event.AsAny().(type) {
			case anthropic.MessageStartEvent:
				usage.InputTokens = int(variant.Message.Usage.InputTokens)
			case anthropic.ContentBlockStartEvent:
				if variant.ContentBlock.Type == "tool_use" {
					toolBlocks[variant.Index] = true
					ev = &Event{Type: EventToolCallDelta, ToolCall: &ToolCallDelta{
						Index: int(variant.Index),
						ID:    variant.ContentBlock.ID,
						Name:  variant.ContentBlock.Name,
					}}
				}
			case anthropic.ContentBlockDeltaEvent:
				switch delta := variant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					ev = &Event{Type: EventTextDelta, Text: delta.Text}
				case anthropic.ThinkingDelta:
					ev = &Event{Type: EventReasoningDelta, Text: delta.Thinking}
				case anthropic.InputJSONDelta:
					ev = &Event{Type: EventToolCallDelta, ToolCall: &ToolCallDelta{
						Index:     int(variant.Index),
						Arguments: delta.PartialJSON,
					}}
				}
			case anthropic.ContentBlockStopEvent:
				if toolBlocks[variant.Index] {
					ev = &Event{Type: EventToolCallDelta, ToolCall: &ToolCallDelta{Index: int(variant.Index), Finished: true}}
				}
			case anthropic.MessageDeltaEvent:
				usage.OutputTokens = int(variant.Usage.OutputTokens)
				u := usage
				ev = &Event{Type: EventUsage, Usage: &u, FinishReason: string(variant.Delta.StopReason)}
			}

			if ev != nil && !emit(*ev) {
				return ctx.Err()
			}
		}

		if err := stream.Err(); err != nil {
			return Classify(b.Name(), err)
		}
		return nil
	}), nil
}

func (b *AnthropicBackend) buildParams(req Request) (anthropic.MessageNewParams, error) {
	messages, err := toAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	if len(messages) == 0 {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic request requires at least one message")
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(b.model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if sys := strings.TrimSpace(req.System); sys != "" {
		params.System = []anthropic.TextBlockParam{{Text: sys}}
	}
	for _, spec := range req.Tools {
		props, required := schemaProperties(spec.Parameters)
		tool := &anthropic.ToolParam{
			Name: spec.Name,
			InputSchema: anthropic.ToolInputSchemaParam{
				Type:       constant.Object("object"),
				Properties: props,
				Required:   required,
			},
		}
		if spec.Description != "" {
			tool.Description = anthropic.String(spec.Description)
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: tool})
	}
	return params, nil
}

// toAnthropicMessages folds consecutive tool results into one user message,
// as the API expects every tool_result of a turn together.
func toAnthropicMessages(history []Message) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(history))
	for i, msg := range history {
		switch msg.Role {
		case RoleAssistant:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, 1+len(msg.ToolCalls))
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				if call.Name == "" {
					return nil, fmt.Errorf("assistant message %d: tool call without name", i)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, decodeArguments(call.Arguments), call.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.MessageParam{Role: anthropic.MessageParamRoleAssistant, Content: blocks})
			}
		case RoleTool:
			block := anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError)
			if n := len(out); n > 0 && out[n-1].Role == anthropic.MessageParamRoleUser && isToolResultMessage(out[n-1]) {
				out[n-1].Content = append(out[n-1].Content, block)
				continue
			}
			out = append(out, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{block},
			})
		default:
			if msg.Content == "" {
				continue
			}
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	return out, nil
}

func isToolResultMessage(m anthropic.MessageParam) bool {
	for _, block := range m.Content {
		if block.OfToolResult == nil {
			return false
		}
	}
	return len(m.Content) > 0
}
