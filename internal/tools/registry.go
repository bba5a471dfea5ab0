// Package tools holds the tool registry and the built-in tools the model can
// call: run_command, read_file, write_file and list_directory. Remote tools
// from MCP servers are registered through the same registry.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/codefionn/nullterm/internal/llm"
	"github.com/codefionn/nullterm/internal/logger"
)

const (
	ToolNameRunCommand    = "run_command"
	ToolNameReadFile      = "read_file"
	ToolNameWriteFile     = "write_file"
	ToolNameListDirectory = "list_directory"
)

var ErrUnknownTool = errors.New("unknown tool")

// Spec is the static description advertised to the model.
type Spec interface {
	Name() string
	Description() string
	Parameters() map[string]any
}

// Executor runs a tool. It never returns nil for a handled call.
type Executor interface {
	Execute(ctx context.Context, params map[string]any) *Result
}

// Tool is a spec bundled with its executor.
type Tool interface {
	Spec
	Executor
}

// Result is what a tool hands back to the loop. Content is fed to the model
// verbatim; IsError marks it as a failed call.
type Result struct {
	Content  string             `json:"content"`
	IsError  bool               `json:"is_error,omitempty"`
	Metadata *ExecutionMetadata `json:"metadata,omitempty"`
}

// ExecutionMetadata is filled in by the registry (timing, error type) and by
// tools that spawn processes (command, exit code).
type ExecutionMetadata struct {
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	DurationMs int64     `json:"duration_ms"`

	Command        string `json:"command,omitempty"`
	ExitCode       int    `json:"exit_code"`
	PID            int    `json:"pid,omitempty"`
	WorkingDir     string `json:"working_dir,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	WasTimedOut    bool   `json:"was_timed_out,omitempty"`

	OutputSizeBytes int `json:"output_size_bytes,omitempty"`
	OutputLineCount int `json:"output_line_count,omitempty"`

	ToolType  string `json:"tool_type,omitempty"`
	ErrorType string `json:"error_type,omitempty"`
}

// Errorf builds an error result.
func Errorf(format string, args ...any) *Result {
	return &Result{Content: fmt.Sprintf(format, args...), IsError: true}
}

// Text builds a successful result.
func Text(content string) *Result {
	return &Result{Content: content}
}

type entry struct {
	tool     Tool
	readOnly bool
	toolType string
}

// RegisterOption tweaks how a tool is registered.
type RegisterOption func(*entry)

// ReadOnly marks a tool as side-effect free, which lets the approval gate
// run it without asking.
func ReadOnly() RegisterOption {
	return func(e *entry) { e.readOnly = true }
}

// WithType tags the tool in execution metadata ("builtin", "mcp").
func WithType(t string) RegisterOption {
	return func(e *entry) { e.toolType = t }
}

// Registry is populated at startup and may gain or lose remote tools while
// MCP servers come and go.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	log     *logger.Logger
}

func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{entries: make(map[string]*entry), log: log.Named("tools")}
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool, opts ...RegisterOption) {
	e := &entry{tool: t, toolType: "builtin"}
	for _, opt := range opts {
		opt(e)
	}
	r.mu.Lock()
	r.entries[t.Name()] = e
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.tool, true
}

// Names returns registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Specs returns the advertised tool list, sorted by name.
func (r *Registry) Specs() []llm.ToolSpec {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]llm.ToolSpec, 0, len(names))
	for _, name := range names {
		e, ok := r.entries[name]
		if !ok {
			continue
		}
		specs = append(specs, llm.ToolSpec{
			Name:        e.tool.Name(),
			Description: e.tool.Description(),
			Parameters:  e.tool.Parameters(),
		})
	}
	return specs
}

// IsReadOnly implements approval.Classifier.
func (r *Registry) IsReadOnly(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return ok && e.readOnly
}

// Execute runs one reassembled tool call. Failures of any kind come back as
// an error Result so the loop can feed them to the model; Execute itself
// never fails.
func (r *Registry) Execute(ctx context.Context, call llm.ToolCall) (res *Result) {
	start := time.Now()

	r.mu.RLock()
	e, ok := r.entries[call.Name]
	r.mu.RUnlock()

	defer func() {
		if p := recover(); p != nil {
			r.log.Error("tool %s panicked: %v", call.Name, p)
			res = Errorf("Error executing tool: panic: %v", p)
		}
		if res == nil {
			res = Text("")
		}
		if res.Metadata == nil {
			res.Metadata = &ExecutionMetadata{}
		}
		md := res.Metadata
		md.StartTime = start
		md.EndTime = time.Now()
		md.DurationMs = md.EndTime.Sub(start).Milliseconds()
		if e != nil && md.ToolType == "" {
			md.ToolType = e.toolType
		}
		if res.IsError && md.ErrorType == "" {
			md.ErrorType = classifyError(res.Content)
		}
		if md.OutputSizeBytes == 0 {
			md.OutputSizeBytes = len(res.Content)
			md.OutputLineCount = countLines(res.Content)
		}
	}()

	if !ok {
		return Errorf("Error: %v %q", ErrUnknownTool, call.Name)
	}
	if call.ParseErr != nil {
		return Errorf("Error: invalid tool arguments: %v", call.ParseErr)
	}

	params := map[string]any{}
	if len(call.Arguments) > 0 {
		dec := json.NewDecoder(strings.NewReader(string(call.Arguments)))
		dec.UseNumber()
		if err := dec.Decode(&params); err != nil {
			return Errorf("Error: invalid tool arguments: %v", err)
		}
	}

	r.log.Debug("executing %s (%s)", call.Name, call.ID)
	return e.tool.Execute(ctx, params)
}

func classifyError(msg string) string {
	s := strings.ToLower(msg)
	switch {
	case strings.Contains(s, "timed out") || strings.Contains(s, "timeout") || strings.Contains(s, "deadline"):
		return "timeout"
	case strings.Contains(s, "cancelled") || strings.Contains(s, "canceled"):
		return "cancelled"
	case strings.Contains(s, "permission denied") || strings.Contains(s, "outside the working directory"):
		return "permission"
	case strings.Contains(s, "not found") || strings.Contains(s, "no such file") || strings.Contains(s, "unknown tool"):
		return "not_found"
	case strings.Contains(s, "invalid tool arguments") || strings.Contains(s, "is required"):
		return "invalid_arguments"
	case strings.Contains(s, "connection") || strings.Contains(s, "network"):
		return "network"
	case strings.Contains(s, "exit code"):
		return "process_exit"
	}
	return "unknown"
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}

func stringParam(params map[string]any, key, def string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return def
}

func intParam(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return int(i)
		}
		if f, err := v.Float64(); err == nil {
			return int(f)
		}
	case string:
		var i int
		if _, err := fmt.Sscanf(v, "%d", &i); err == nil {
			return i
		}
	}
	return def
}

func boolParam(params map[string]any, key string, def bool) bool {
	switch v := params[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	}
	return def
}
