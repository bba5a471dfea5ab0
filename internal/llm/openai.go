package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAIBackend streams chat completions from OpenAI or any compatible API.
type OpenAIBackend struct {
	client openai.Client
	model  string
}

func NewOpenAIBackend(opts BackendOptions) (*OpenAIBackend, error) {
	key := strings.TrimSpace(opts.APIKey)
	if key == "" && opts.BaseURL == "" {
		return nil, fmt.Errorf("openai backend requires an API key")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(key)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	return &OpenAIBackend{client: openai.NewClient(reqOpts...), model: opts.Model}, nil
}

func (b *OpenAIBackend) Name() string { return "openai" }

func (b *OpenAIBackend) Stream(ctx context.Context, req Request) (*Stream, error) {
	params := openai.ChatCompletionNewParams{
		Model:         shared.ChatModel(b.model),
		Messages:      toOpenAIMessages(req),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)},
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	for _, spec := range req.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        spec.Name,
				Description: openai.String(spec.Description),
				Parameters:  openai.FunctionParameters(spec.Parameters),
			},
		})
	}

	return NewStream(ctx, func(ctx context.Context, emit func(Event) bool) error {
		stream := b.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		finish := ""
		for stream.Next() {
			chunk := stream.Current()
			for _, choice := range chunk.Choices {
				if choice.Delta.Content != "" {
					if !emit(Event{Type: EventTextDelta, Text: choice.Delta.Content}) {
						return ctx.Err()
					}
				}
				// Chat completions never mark a single call finished; the
				// reassembler closes them when the stream ends.
				for _, tc := range choice.Delta.ToolCalls {
					delta := &ToolCallDelta{
						Index:     int(tc.Index),
						ID:        tc.ID,
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					}
					if !emit(Event{Type: EventToolCallDelta, ToolCall: delta}) {
						return ctx.Err()
					}
				}
				if choice.FinishReason != "" {
					finish = choice.FinishReason
				}
			}
			if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
				u := Usage{InputTokens: int(chunk.Usage.PromptTokens), OutputTokens: int(chunk.Usage.CompletionTokens)}
				if !emit(Event{Type: EventUsage, Usage: &u}) {
					return ctx.Err()
				}
			}
		}
		if err := stream.Err(); err != nil {
			return Classify(b.Name(), err)
		}
		emit(Event{Type: EventDone, FinishReason: finish})
		return nil
	}), nil
}

func toOpenAIMessages(req Request) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if sys := strings.TrimSpace(req.System); sys != "" {
		out = append(out, openai.SystemMessage(sys))
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleAssistant:
			assistant := openai.ChatCompletionAssistantMessageParam{}
			if msg.Content != "" {
				assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(msg.Content)}
			}
			for _, call := range msg.ToolCalls {
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: call.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      call.Name,
						Arguments: string(call.Arguments),
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case RoleTool:
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}
