package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/codefionn/nullterm/internal/audit"
	"github.com/codefionn/nullterm/internal/config"
	"github.com/codefionn/nullterm/internal/logger"
	"github.com/codefionn/nullterm/internal/orchestrator"
	"github.com/codefionn/nullterm/internal/transcript"
)

type rootOptions struct {
	configPath string
	logLevel   string
	provider   string
	model      string
	workingDir string
	yes        bool
}

func (o *rootOptions) path() string {
	if o.configPath != "" {
		return o.configPath
	}
	return config.DefaultPath()
}

// apply layers command-line overrides over a loaded config.
func (o *rootOptions) apply(cfg *config.Config) {
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.provider != "" {
		cfg.Provider.Name = o.provider
	}
	if o.model != "" {
		cfg.Provider.Model = o.model
	}
	if o.workingDir != "" {
		cfg.WorkingDir = o.workingDir
	}
	if o.yes {
		cfg.Approval.AutoApproveAll = true
	}
}

func (o *rootOptions) load() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(o.path())
	if err != nil {
		return nil, nil, err
	}
	o.apply(cfg)

	log, err := logger.New(logger.Options{Level: logger.ParseLevel(cfg.LogLevel), Path: cfg.LogPath})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, log, nil
}

type sessionOptions struct {
	shellOnly bool
	skipMCP   bool
}

// session is one CLI invocation's runtime, orchestrator and side stores.
type session struct {
	cfg   *config.Config
	log   *logger.Logger
	rt    *orchestrator.Runtime
	orch  *orchestrator.Orchestrator
	audit *audit.Store

	closers []func()
}

func (o *rootOptions) open(ctx context.Context, opts sessionOptions) (*session, error) {
	cfg, log, err := o.load()
	if err != nil {
		return nil, err
	}
	log.Info("nullterm starting")
	log.Debug("config: working_dir=%s provider=%s model=%s", cfg.WorkingDir, cfg.Provider.Name, cfg.Provider.Model)

	rt, err := orchestrator.NewRuntime(ctx, cfg, orchestrator.RuntimeOptions{
		ShellOnly: opts.shellOnly,
		SkipMCP:   opts.skipMCP,
	}, log)
	if err != nil {
		_ = log.Close()
		return nil, err
	}

	s := &session{cfg: cfg, log: log, rt: rt, orch: orchestrator.New(rt, orchestrator.Options{})}

	if cfg.AuditDB != "" {
		store, err := audit.Open(cfg.AuditDB, log)
		if err != nil {
			log.Warn("audit log disabled: %v", err)
		} else {
			s.audit = store
			s.closers = append(s.closers, audit.Attach(store, rt.Arena))
		}
	}

	if _, err := os.Stat(o.path()); err == nil {
		watchCtx, cancel := context.WithCancel(ctx)
		w := config.NewWatcher(o.path(), cfg, log)
		w.Subscribe(func(next *config.Config) {
			o.apply(next)
			rt.ApplyConfig(next)
		})
		go func() {
			if err := w.Run(watchCtx); err != nil {
				log.Warn("config watcher stopped: %v", err)
			}
		}()
		s.closers = append(s.closers, cancel)
	}

	return s, nil
}

func (s *session) Close() error {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	errs := []error{s.orch.Close(), s.rt.Close()}
	if s.audit != nil {
		errs = append(errs, s.audit.Close())
	}
	s.log.Info("nullterm exiting")
	errs = append(errs, s.log.Close())
	return errors.Join(errs...)
}

// unitResult maps a finished unit to the process exit status.
func unitResult(u *transcript.Unit) error {
	switch u.Status {
	case transcript.StatusCancelled:
		return exitCodeError{code: 130}
	case transcript.StatusFailed:
		return exitCodeError{code: 1}
	}
	if u.Metadata.ExitCode != nil && *u.Metadata.ExitCode != 0 {
		return exitCodeError{code: *u.Metadata.ExitCode}
	}
	return nil
}
