package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/codefionn/nullterm/internal/approval"
	"github.com/codefionn/nullterm/internal/config"
	"github.com/codefionn/nullterm/internal/llm"
	"github.com/codefionn/nullterm/internal/logger"
	"github.com/codefionn/nullterm/internal/mcp"
	"github.com/codefionn/nullterm/internal/pty"
	"github.com/codefionn/nullterm/internal/tools"
	"github.com/codefionn/nullterm/internal/transcript"
)

// Runtime holds everything a submission needs. It replaces process-wide
// singletons; tests build one with fakes.
type Runtime struct {
	Config     *config.Config
	Log        *logger.Logger
	Arena      *transcript.Arena
	Supervisor *pty.Supervisor
	Registry   *tools.Registry
	MCP        *mcp.Manager
	Gate       *approval.Gate
	Resolver   approval.Resolver
	Backend    llm.Backend
	Tokens     llm.TokenCounter

	healthCancel context.CancelFunc
}

// RuntimeOptions are the collaborators that cannot be derived from config.
type RuntimeOptions struct {
	// Backend defaults to the configured provider from llm.DefaultRegistry.
	Backend llm.Backend
	// Resolver defaults to an approval.Broker with the configured timeout.
	Resolver approval.Resolver
	// Arena defaults to a fresh arena.
	Arena *transcript.Arena
	// SkipMCP leaves the manager unconnected.
	SkipMCP bool
	// ShellOnly builds no backend; only ModeShell submissions are accepted.
	ShellOnly bool
}

// NewRuntime wires the supervisor, the tool registry with built-ins, the MCP
// manager and the approval gate from cfg. MCP servers that fail to start are
// logged and left disconnected.
func NewRuntime(ctx context.Context, cfg *config.Config, opts RuntimeOptions, log *logger.Logger) (*Runtime, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if log == nil {
		log = logger.Nop()
	}

	workingDir, err := filepath.Abs(cfg.WorkingDir)
	if err != nil {
		return nil, fmt.Errorf("resolve working dir: %w", err)
	}

	backend := opts.Backend
	if backend == nil && !opts.ShellOnly {
		backend, err = llm.DefaultRegistry().New(ctx, cfg.Provider.Name, llm.BackendOptions{
			Model:   cfg.Provider.Model,
			APIKey:  cfg.Provider.APIKey(),
			BaseURL: cfg.Provider.BaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("create backend: %w", err)
		}
	}

	resolver := opts.Resolver
	if resolver == nil {
		resolver = approval.NewBroker(cfg.ApprovalTimeout())
	}

	arena := opts.Arena
	if arena == nil {
		arena = transcript.NewArena()
	}

	sup := pty.NewSupervisor(pty.Options{
		Dir:       workingDir,
		Rows:      cfg.PTY.Rows,
		Cols:      cfg.PTY.Cols,
		Timeout:   cfg.CommandTimeout(),
		KillGrace: cfg.KillGrace(),
	}, cfg.PTY.Shell, log)

	registry := tools.NewRegistry(log)
	tools.RegisterBuiltins(registry, workingDir, sup, cfg.CommandTimeout())

	gate := approval.NewGate(cfg.Approval.AllowList, registry)
	gate.SetAutoApproveAll(cfg.Approval.AutoApproveAll)

	rt := &Runtime{
		Config:     cfg,
		Log:        log,
		Arena:      arena,
		Supervisor: sup,
		Registry:   registry,
		Gate:       gate,
		Resolver:   resolver,
		Backend:    backend,
		Tokens:     llm.NewTiktokenCounter(cfg.Provider.Model),
	}

	rt.MCP = mcp.NewManager(cfg.MCP, mcp.ManagerOptions{
		RequestTimeout: cfg.MCPRequestTimeout(),
		HealthInterval: cfg.MCPHealthInterval(),
		DedupWindow:    cfg.MCPDedupWindow(),
		WorkingDir:     workingDir,
		OnStatusChange: func(name string, from, to mcp.Health) {
			log.Info("mcp server %s: %s -> %s", name, from, to)
		},
	}, registry, log)

	if !opts.SkipMCP && len(rt.MCP.Servers()) > 0 {
		if err := rt.MCP.ConnectAll(ctx); err != nil {
			log.Warn("mcp: %v", err)
		}
		healthCtx, cancel := context.WithCancel(context.Background())
		rt.healthCancel = cancel
		go rt.MCP.RunHealthChecks(healthCtx)
	}

	return rt, nil
}

// ApplyConfig updates the parts of the runtime that may change while running.
func (rt *Runtime) ApplyConfig(cfg *config.Config) {
	rt.Gate.SetAllowList(cfg.Approval.AllowList)
	rt.Gate.SetAutoApproveAll(cfg.Approval.AutoApproveAll)
	if cfg.LogLevel != "" {
		rt.Log.SetLevel(logger.ParseLevel(cfg.LogLevel))
	}
	rt.Config = cfg
}

// Broker returns the resolver as a broker when it is one.
func (rt *Runtime) Broker() (*approval.Broker, bool) {
	b, ok := rt.Resolver.(*approval.Broker)
	return b, ok
}

// Close stops health checks, every live process and every MCP server.
func (rt *Runtime) Close() error {
	if rt.healthCancel != nil {
		rt.healthCancel()
	}
	rt.Supervisor.CancelAll()
	var errs []error
	if rt.MCP != nil {
		errs = append(errs, rt.MCP.Close())
	}
	return errors.Join(errs...)
}
