package tools

import (
	"context"
	"regexp"
	"strings"
)

// MCPToolPrefix namespaces remote tools in the registry.
const MCPToolPrefix = "mcp_"

// RemoteCaller forwards a call to the server that owns the tool.
type RemoteCaller interface {
	CallTool(ctx context.Context, server, tool string, args map[string]any) (text string, isError bool, err error)
}

// RemoteTool describes one tool exported by an MCP server.
type RemoteTool struct {
	Server      string
	Name        string
	Description string
	InputSchema map[string]any
}

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// RemoteToolName is the registry name of a server tool: mcp_<server>_<tool>.
func RemoteToolName(server, tool string) string {
	return MCPToolPrefix + unsafeNameChars.ReplaceAllString(server, "_") + "_" + unsafeNameChars.ReplaceAllString(tool, "_")
}

type remoteTool struct {
	def    RemoteTool
	name   string
	caller RemoteCaller
}

func (t *remoteTool) Name() string { return t.name }

func (t *remoteTool) Description() string {
	desc := strings.TrimSpace(t.def.Description)
	if desc == "" {
		desc = t.def.Name
	}
	return "[" + t.def.Server + "] " + desc
}

func (t *remoteTool) Parameters() map[string]any {
	if t.def.InputSchema != nil {
		return t.def.InputSchema
	}
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func (t *remoteTool) Execute(ctx context.Context, params map[string]any) *Result {
	text, isError, err := t.caller.CallTool(ctx, t.def.Server, t.def.Name, params)
	if err != nil {
		return Errorf("Error executing tool: %v", err)
	}
	return &Result{Content: text, IsError: isError, Metadata: &ExecutionMetadata{ToolType: "mcp"}}
}

// SyncRemoteTools replaces every registered tool of server with defs. Remote
// tools are never read-only, so they always go through approval unless the
// allow-list names them.
func (r *Registry) SyncRemoteTools(server string, defs []RemoteTool, caller RemoteCaller) []string {
	r.RemoveRemoteTools(server)
	names := make([]string, 0, len(defs))
	for _, def := range defs {
		def.Server = server
		t := &remoteTool{def: def, name: RemoteToolName(server, def.Name), caller: caller}
		r.Register(t, WithType("mcp"))
		names = append(names, t.name)
	}
	r.log.Info("registered %d tools from %s", len(names), server)
	return names
}

// RemoveRemoteTools drops every tool owned by server and returns how many
// were removed.
func (r *Registry) RemoveRemoteTools(server string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for name, e := range r.entries {
		if t, ok := e.tool.(*remoteTool); ok && t.def.Server == server {
			delete(r.entries, name)
			n++
		}
	}
	return n
}
