package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const appName = "nullterm"

// ProviderConfig selects and parameterizes the model backend.
type ProviderConfig struct {
	Name         string `json:"name" yaml:"name"` // "anthropic", "openai", "google"
	Model        string `json:"model" yaml:"model"`
	APIKeyEnv    string `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty"`
	BaseURL      string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	MaxTokens    int    `json:"max_tokens" yaml:"max_tokens"`
	SystemPrompt string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
}

// APIKey resolves the provider key from the configured environment variable,
// falling back to the conventional variable for the provider.
func (p ProviderConfig) APIKey() string {
	if p.APIKeyEnv != "" {
		return os.Getenv(p.APIKeyEnv)
	}
	switch p.Name {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "google":
		if v := os.Getenv("GEMINI_API_KEY"); v != "" {
			return v
		}
		return os.Getenv("GOOGLE_API_KEY")
	}
	return ""
}

// LoopConfig holds the iteration caps for the tool and agent loops.
type LoopConfig struct {
	ToolMaxIterations     int  `json:"tool_max_iterations" yaml:"tool_max_iterations"`
	AgentMaxIterations    int  `json:"agent_max_iterations" yaml:"agent_max_iterations"`
	StopAfterFirstSuccess bool `json:"stop_after_first_success,omitempty" yaml:"stop_after_first_success,omitempty"`
}

// ApprovalConfig controls which tool calls run without asking.
type ApprovalConfig struct {
	AllowList      []string `json:"allow_list,omitempty" yaml:"allow_list,omitempty"`
	AutoApproveAll bool     `json:"auto_approve_all,omitempty" yaml:"auto_approve_all,omitempty"`
	// TimeoutSeconds of zero waits forever.
	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// PTYConfig holds process supervisor defaults.
type PTYConfig struct {
	Rows                  int    `json:"rows" yaml:"rows"`
	Cols                  int    `json:"cols" yaml:"cols"`
	Shell                 string `json:"shell,omitempty" yaml:"shell,omitempty"`
	CommandTimeoutSeconds int    `json:"command_timeout_seconds" yaml:"command_timeout_seconds"`
	KillGraceMillis       int    `json:"kill_grace_ms" yaml:"kill_grace_ms"`
}

// MCPConfig describes external tool servers.
type MCPConfig struct {
	// ServersPath points at an mcpServers JSON file merged with Servers.
	ServersPath           string                      `json:"servers_path,omitempty" yaml:"servers_path,omitempty"`
	Servers               map[string]*MCPServerConfig `json:"servers,omitempty" yaml:"servers,omitempty"`
	RequestTimeoutSeconds int                         `json:"request_timeout_seconds" yaml:"request_timeout_seconds"`
	HealthIntervalSeconds int                         `json:"health_interval_seconds" yaml:"health_interval_seconds"`
	DedupWindowMillis     int                         `json:"dedup_window_ms" yaml:"dedup_window_ms"`
}

// MCPServerConfig is one stdio tool server.
type MCPServerConfig struct {
	Command string            `json:"command" yaml:"command"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Enabled *bool             `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// IsEnabled treats a missing flag as enabled.
func (s *MCPServerConfig) IsEnabled() bool {
	return s != nil && (s.Enabled == nil || *s.Enabled)
}

// Config is the on-disk configuration.
type Config struct {
	WorkingDir string         `json:"working_dir" yaml:"working_dir"`
	Provider   ProviderConfig `json:"provider" yaml:"provider"`
	Loop       LoopConfig     `json:"loop" yaml:"loop"`
	Approval   ApprovalConfig `json:"approval" yaml:"approval"`
	PTY        PTYConfig      `json:"pty" yaml:"pty"`
	MCP        MCPConfig      `json:"mcp" yaml:"mcp"`
	AuditDB    string         `json:"audit_db,omitempty" yaml:"audit_db,omitempty"`
	FeedAddr   string         `json:"feed_addr,omitempty" yaml:"feed_addr,omitempty"`
	LogLevel   string         `json:"log_level" yaml:"log_level"`
	LogPath    string         `json:"log_path" yaml:"log_path"`
}

func userDir(envVar string, fallback ...string) string {
	if dir := strings.TrimSpace(os.Getenv(envVar)); dir != "" {
		return filepath.Join(dir, appName)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(append([]string{home}, append(fallback, appName)...)...)
}

// ConfigDir is the per-user configuration directory.
func ConfigDir() string {
	if runtime.GOOS == "windows" {
		return userDir("APPDATA", "AppData", "Roaming")
	}
	return userDir("XDG_CONFIG_HOME", ".config")
}

// StateDir holds logs and the audit database.
func StateDir() string {
	if runtime.GOOS == "windows" {
		return userDir("LOCALAPPDATA", "AppData", "Local")
	}
	return userDir("XDG_STATE_HOME", ".local", "state")
}

// DefaultPath is where Load looks when no path is given.
func DefaultPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func DefaultConfig() *Config {
	return &Config{
		WorkingDir: ".",
		Provider: ProviderConfig{
			Name:      "anthropic",
			Model:     "claude-sonnet-4-5",
			MaxTokens: 4096,
		},
		Loop: LoopConfig{
			ToolMaxIterations:  3,
			AgentMaxIterations: 10,
		},
		PTY: PTYConfig{
			Rows:                  24,
			Cols:                  120,
			CommandTimeoutSeconds: 60,
			KillGraceMillis:       2000,
		},
		MCP: MCPConfig{
			ServersPath:           filepath.Join(ConfigDir(), "mcp.json"),
			Servers:               map[string]*MCPServerConfig{},
			RequestTimeoutSeconds: 30,
			HealthIntervalSeconds: 30,
			DedupWindowMillis:     1000,
		},
		AuditDB:  filepath.Join(StateDir(), "audit.db"),
		LogLevel: "info",
		LogPath:  filepath.Join(StateDir(), appName+".log"),
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
// Files ending in .yaml or .yml are parsed as YAML, everything else as JSON.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := unmarshal(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.fillDefaults()

	if cfg.MCP.ServersPath != "" {
		servers, err := LoadMCPServers(cfg.MCP.ServersPath)
		if err != nil {
			return nil, err
		}
		for name, srv := range servers {
			if _, exists := cfg.MCP.Servers[name]; !exists {
				cfg.MCP.Servers[name] = srv
			}
		}
	}

	return cfg, nil
}

func unmarshal(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("NULLTERM_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("NULLTERM_LOG_PATH"); v != "" {
		c.LogPath = v
	}
}

func (c *Config) fillDefaults() {
	def := DefaultConfig()
	if c.WorkingDir == "" {
		c.WorkingDir = "."
	}
	if c.Loop.ToolMaxIterations <= 0 {
		c.Loop.ToolMaxIterations = def.Loop.ToolMaxIterations
	}
	if c.Loop.AgentMaxIterations <= 0 {
		c.Loop.AgentMaxIterations = def.Loop.AgentMaxIterations
	}
	if c.PTY.Rows <= 0 || c.PTY.Cols <= 0 {
		c.PTY.Rows, c.PTY.Cols = def.PTY.Rows, def.PTY.Cols
	}
	if c.PTY.CommandTimeoutSeconds <= 0 {
		c.PTY.CommandTimeoutSeconds = def.PTY.CommandTimeoutSeconds
	}
	if c.PTY.KillGraceMillis <= 0 {
		c.PTY.KillGraceMillis = def.PTY.KillGraceMillis
	}
	if c.MCP.RequestTimeoutSeconds <= 0 {
		c.MCP.RequestTimeoutSeconds = def.MCP.RequestTimeoutSeconds
	}
	if c.MCP.Servers == nil {
		c.MCP.Servers = map[string]*MCPServerConfig{}
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
}

// Save writes the configuration as indented JSON.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.PTY.CommandTimeoutSeconds) * time.Second
}

func (c *Config) KillGrace() time.Duration {
	return time.Duration(c.PTY.KillGraceMillis) * time.Millisecond
}

// ApprovalTimeout is zero when approvals wait indefinitely.
func (c *Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.Approval.TimeoutSeconds) * time.Second
}

func (c *Config) MCPRequestTimeout() time.Duration {
	return time.Duration(c.MCP.RequestTimeoutSeconds) * time.Second
}

func (c *Config) MCPHealthInterval() time.Duration {
	return time.Duration(c.MCP.HealthIntervalSeconds) * time.Second
}

func (c *Config) MCPDedupWindow() time.Duration {
	return time.Duration(c.MCP.DedupWindowMillis) * time.Millisecond
}
