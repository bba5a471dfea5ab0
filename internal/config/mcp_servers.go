package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

type mcpServersFile struct {
	MCPServers map[string]*MCPServerConfig `json:"mcpServers"`
}

// LoadMCPServers reads a file in the common {"mcpServers": {...}} layout.
// A missing file is not an error.
func LoadMCPServers(path string) (map[string]*MCPServerConfig, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]*MCPServerConfig{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read mcp servers: %w", err)
	}

	var file mcpServersFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse mcp servers %s: %w", path, err)
	}
	if file.MCPServers == nil {
		file.MCPServers = map[string]*MCPServerConfig{}
	}
	for name, srv := range file.MCPServers {
		if srv == nil || srv.Command == "" {
			return nil, fmt.Errorf("mcp server %q: command is required", name)
		}
	}
	return file.MCPServers, nil
}

// EnabledServers returns enabled server names in stable order.
func (c *MCPConfig) EnabledServers() []string {
	names := make([]string, 0, len(c.Servers))
	for name, srv := range c.Servers {
		if srv.IsEnabled() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
