// Package llm normalizes streaming model backends into one ordered event
// sequence and reassembles fragmented tool calls.
package llm

import (
	"encoding/json"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a complete, reassembled tool invocation.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	// ParseErr is set when the streamed argument text was not valid JSON.
	// Arguments is then an empty object and RawArguments holds the text.
	ParseErr     error  `json:"-"`
	RawArguments string `json:"-"`
}

// Message is one entry of the conversation history.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
}

func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

func AssistantMessage(text string, calls []ToolCall) Message {
	return Message{Role: RoleAssistant, Content: text, ToolCalls: calls}
}

func ToolResultMessage(call ToolCall, content string, isError bool) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: call.ID, ToolName: call.Name, IsError: isError}
}

// ToolSpec advertises a tool to the model. Parameters is a JSON schema object.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is one generation call.
type Request struct {
	Messages  []Message
	Tools     []ToolSpec
	System    string
	MaxTokens int
}

func schemaProperties(params map[string]any) (map[string]any, []string) {
	props, _ := params["properties"].(map[string]any)
	if props == nil {
		props = map[string]any{}
	}
	var required []string
	switch req := params["required"].(type) {
	case []string:
		required = req
	case []any:
		for _, r := range req {
			if s, ok := r.(string); ok {
				required = append(required, s)
			}
		}
	}
	return props, required
}

func decodeArguments(raw json.RawMessage) map[string]any {
	out := map[string]any{}
	if len(raw) == 0 {
		return out
	}
	_ = json.Unmarshal(raw, &out)
	return out
}
