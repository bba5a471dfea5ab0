package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// GoogleBackend streams from the Gemini API.
type GoogleBackend struct {
	client *genai.Client
	model  string
}

func NewGoogleBackend(ctx context.Context, opts BackendOptions) (*GoogleBackend, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GoogleBackend{client: client, model: strings.TrimPrefix(opts.Model, "models/")}, nil
}

func (b *GoogleBackend) Name() string { return "google" }

func (b *GoogleBackend) Stream(ctx context.Context, req Request) (*Stream, error) {
	contents := toGenAIContents(req.Messages)
	if len(contents) == 0 {
		return nil, fmt.Errorf("google request requires at least one message")
	}
	cfg := &genai.GenerateContentConfig{}
	if sys := strings.TrimSpace(req.System); sys != "" {
		cfg.SystemInstruction = genai.NewContentFromText(sys, genai.RoleUser)
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, spec := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 spec.Name,
				Description:          spec.Description,
				ParametersJsonSchema: spec.Parameters,
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
		cfg.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAuto},
		}
	}

	return NewStream(ctx, func(ctx context.Context, emit func(Event) bool) error {
		index := 0
		var usage Usage
		finish := ""
		for result, err := range b.client.Models.GenerateContentStream(ctx, b.model, contents, cfg) {
			if err != nil {
				return Classify(b.Name(), err)
			}
			if result.UsageMetadata != nil {
				usage = Usage{
					InputTokens:  int(result.UsageMetadata.PromptTokenCount),
					OutputTokens: int(result.UsageMetadata.CandidatesTokenCount),
				}
			}
			if len(result.Candidates) == 0 || result.Candidates[0].Content == nil {
				continue
			}
			cand := result.Candidates[0]
			if cand.FinishReason != "" {
				finish = string(cand.FinishReason)
			}
			for _, part := range cand.Content.Parts {
				var ev Event
				switch {
				case part.FunctionCall != nil:
					args, _ := json.Marshal(part.FunctionCall.Args)
					// Gemini delivers each call whole.
					ev = Event{Type: EventToolCallDelta, ToolCall: &ToolCallDelta{
						Index:     index,
						ID:        part.FunctionCall.ID,
						Name:      part.FunctionCall.Name,
						Arguments: string(args),
						Finished:  true,
					}}
					index++
				case part.Thought && part.Text != "":
					ev = Event{Type: EventReasoningDelta, Text: part.Text}
				case part.Text != "":
					ev = Event{Type: EventTextDelta, Text: part.Text}
				default:
					continue
				}
				if !emit(ev) {
					return ctx.Err()
				}
			}
		}
		if !usage.IsZero() && !emit(Event{Type: EventUsage, Usage: &usage}) {
			return ctx.Err()
		}
		emit(Event{Type: EventDone, FinishReason: finish})
		return nil
	}), nil
}

func toGenAIContents(history []Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(history))
	for _, msg := range history {
		switch msg.Role {
		case RoleAssistant:
			parts := make([]*genai.Part, 0, 1+len(msg.ToolCalls))
			if msg.Content != "" {
				parts = append(parts, genai.NewPartFromText(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				parts = append(parts, genai.NewPartFromFunctionCall(call.Name, decodeArguments(call.Arguments)))
			}
			if len(parts) > 0 {
				out = append(out, genai.NewContentFromParts(parts, genai.RoleModel))
			}
		case RoleTool:
			key := "output"
			if msg.IsError {
				key = "error"
			}
			part := genai.NewPartFromFunctionResponse(msg.ToolName, map[string]any{key: msg.Content})
			out = append(out, genai.NewContentFromParts([]*genai.Part{part}, genai.RoleUser))
		default:
			if msg.Content != "" {
				out = append(out, genai.NewContentFromText(msg.Content, genai.RoleUser))
			}
		}
	}
	return out
}
