package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/nullterm/internal/llm"
	"github.com/codefionn/nullterm/internal/logger"
)

type echoTool struct{}

func (echoTool) Name() string               { return "echo" }
func (echoTool) Description() string        { return "echo text" }
func (echoTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (echoTool) Execute(_ context.Context, params map[string]any) *Result {
	return Text(stringParam(params, "text", "") + "/" + string(rune('0'+intParam(params, "n", 0))))
}

type panicTool struct{ echoTool }

func (panicTool) Name() string { return "boom" }
func (panicTool) Execute(context.Context, map[string]any) *Result {
	panic("kaboom")
}

func call(name, args string) llm.ToolCall {
	return llm.ToolCall{ID: "c1", Name: name, Arguments: json.RawMessage(args)}
}

func TestRegistryExecute(t *testing.T) {
	r := NewRegistry(logger.Nop())
	r.Register(echoTool{}, ReadOnly())

	res := r.Execute(context.Background(), call("echo", `{"text":"hi","n":3}`))
	assert.False(t, res.IsError)
	assert.Equal(t, "hi/3", res.Content)
	require.NotNil(t, res.Metadata)
	assert.Equal(t, "builtin", res.Metadata.ToolType)
	assert.False(t, res.Metadata.StartTime.IsZero())
}

func TestRegistryErrorsBecomeResults(t *testing.T) {
	r := NewRegistry(logger.Nop())
	r.Register(echoTool{})
	r.Register(panicTool{})

	tests := []struct {
		name    string
		call    llm.ToolCall
		want    string
		errType string
	}{
		{"unknown", call("nope", `{}`), `unknown tool "nope"`, "not_found"},
		{"panic", call("boom", `{}`), "Error executing tool: panic: kaboom", "unknown"},
		{"bad args", llm.ToolCall{ID: "x", Name: "echo", Arguments: json.RawMessage(`{}`), ParseErr: errors.New("unexpected end")}, "invalid tool arguments", "invalid_arguments"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Execute(context.Background(), tt.call)
			assert.True(t, res.IsError)
			assert.Contains(t, res.Content, tt.want)
			assert.Equal(t, tt.errType, res.Metadata.ErrorType)
		})
	}
}

func TestRegistrySpecsAndClassification(t *testing.T) {
	r := NewRegistry(logger.Nop())
	r.Register(panicTool{})
	r.Register(echoTool{}, ReadOnly())

	specs := r.Specs()
	require.Len(t, specs, 2)
	assert.Equal(t, "boom", specs[0].Name)
	assert.Equal(t, "echo", specs[1].Name)

	assert.True(t, r.IsReadOnly("echo"))
	assert.False(t, r.IsReadOnly("boom"))
	assert.False(t, r.IsReadOnly("missing"))
}

type fakeCaller struct {
	gotServer, gotTool string
	gotArgs            map[string]any
}

func (f *fakeCaller) CallTool(_ context.Context, server, tool string, args map[string]any) (string, bool, error) {
	f.gotServer, f.gotTool, f.gotArgs = server, tool, args
	return "remote says hi", false, nil
}

func TestSyncRemoteTools(t *testing.T) {
	r := NewRegistry(logger.Nop())
	caller := &fakeCaller{}

	names := r.SyncRemoteTools("git hub", []RemoteTool{{Name: "list.issues", Description: "List issues"}}, caller)
	assert.Equal(t, []string{"mcp_git_hub_list_issues"}, names)
	assert.False(t, r.IsReadOnly(names[0]))

	res := r.Execute(context.Background(), call(names[0], `{"repo":"x"}`))
	assert.False(t, res.IsError)
	assert.Equal(t, "remote says hi", res.Content)
	assert.Equal(t, "mcp", res.Metadata.ToolType)
	assert.Equal(t, "git hub", caller.gotServer)
	assert.Equal(t, "list.issues", caller.gotTool)
	assert.Equal(t, "x", caller.gotArgs["repo"])

	r.SyncRemoteTools("git hub", nil, caller)
	assert.Empty(t, r.Names())
}

func TestSyncRemoteToolsKeepsOtherServers(t *testing.T) {
	r := NewRegistry(logger.Nop())
	caller := &fakeCaller{}

	r.SyncRemoteTools("a", []RemoteTool{{Name: "x"}}, caller)
	r.SyncRemoteTools("a_b", []RemoteTool{{Name: "y"}}, caller)
	assert.Equal(t, []string{"mcp_a_b_y", "mcp_a_x"}, r.Names())

	r.SyncRemoteTools("a", []RemoteTool{{Name: "z"}}, caller)
	assert.Equal(t, []string{"mcp_a_b_y", "mcp_a_z"}, r.Names())

	assert.Equal(t, 1, r.RemoveRemoteTools("a"))
	assert.Equal(t, []string{"mcp_a_b_y"}, r.Names())
}
