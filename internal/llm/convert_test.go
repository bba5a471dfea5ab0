package llm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func history() []Message {
	call1 := ToolCall{ID: "t1", Name: "read_file", Arguments: json.RawMessage(`{"path":"a"}`)}
	call2 := ToolCall{ID: "t2", Name: "list_directory", Arguments: json.RawMessage(`{}`)}
	return []Message{
		UserMessage("look around"),
		AssistantMessage("sure", []ToolCall{call1, call2}),
		ToolResultMessage(call1, "contents", false),
		ToolResultMessage(call2, "denied", true),
	}
}

func TestAnthropicMergesToolResults(t *testing.T) {
	msgs, err := toAnthropicMessages(history())
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Len(t, msgs[1].Content, 3)
	assert.Len(t, msgs[2].Content, 2)
	assert.NotNil(t, msgs[2].Content[1].OfToolResult)
}

func TestOpenAIMessages(t *testing.T) {
	msgs := toOpenAIMessages(Request{System: "be brief", Messages: history()})
	require.Len(t, msgs, 5)
	assert.NotNil(t, msgs[0].OfSystem)
	require.NotNil(t, msgs[2].OfAssistant)
	assert.Len(t, msgs[2].OfAssistant.ToolCalls, 2)
	require.NotNil(t, msgs[4].OfTool)
	assert.Equal(t, "t2", msgs[4].OfTool.ToolCallID)
}

func TestGenAIContents(t *testing.T) {
	contents := toGenAIContents(history())
	require.Len(t, contents, 4)
	assert.Equal(t, "model", contents[1].Role)
	require.Len(t, contents[1].Parts, 3)
	require.NotNil(t, contents[3].Parts[0].FunctionResponse)
	assert.Equal(t, "list_directory", contents[3].Parts[0].FunctionResponse.Name)
	assert.Contains(t, contents[3].Parts[0].FunctionResponse.Response, "error")
}

func TestSchemaProperties(t *testing.T) {
	props, req := schemaProperties(map[string]any{
		"type":       "object",
		"properties": map[string]any{"path": map[string]any{"type": "string"}},
		"required":   []any{"path"},
	})
	assert.Contains(t, props, "path")
	assert.Equal(t, []string{"path"}, req)
}

func TestRegistryUnknownProvider(t *testing.T) {
	_, err := DefaultRegistry().New(t.Context(), "nope", BackendOptions{})
	assert.ErrorContains(t, err, "unknown provider")
	assert.Equal(t, []string{"anthropic", "google", "openai"}, DefaultRegistry().Names())
}
