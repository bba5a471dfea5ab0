// Package orchestrator routes a user instruction to exactly one execution
// path and owns the cancellation scope of every running unit.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/codefionn/nullterm/internal/llm"
	"github.com/codefionn/nullterm/internal/logger"
	"github.com/codefionn/nullterm/internal/orchestrator/loop"
	"github.com/codefionn/nullterm/internal/pty"
	"github.com/codefionn/nullterm/internal/transcript"
)

var (
	// ErrUnitBusy is returned when a unit already has a running loop.
	ErrUnitBusy = errors.New("orchestrator: unit already has a running loop")
	// ErrNotRunning is returned by Cancel for units without a running loop.
	ErrNotRunning = errors.New("orchestrator: unit is not running")
	ErrEmptyInput = errors.New("orchestrator: empty input")
	ErrClosed     = errors.New("orchestrator: closed")
	ErrNoBackend  = errors.New("orchestrator: no model backend configured")
)

// Mode selects the execution path of a submission.
type Mode int

const (
	// ModeShell runs the input as a shell command on a PTY.
	ModeShell Mode = iota
	// ModeTools runs the bounded tool-call loop.
	ModeTools
	// ModeAgent runs the autonomous agent loop.
	ModeAgent
	// ModeChat runs one generation pass without tools.
	ModeChat
)

func (m Mode) String() string {
	switch m {
	case ModeShell:
		return "shell"
	case ModeTools:
		return "tools"
	case ModeAgent:
		return "agent"
	case ModeChat:
		return "chat"
	}
	return "unknown"
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "shell", "exec":
		return ModeShell, nil
	case "tools":
		return ModeTools, nil
	case "agent":
		return ModeAgent, nil
	case "chat":
		return ModeChat, nil
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

func (m Mode) kind() transcript.Kind {
	switch m {
	case ModeShell:
		return transcript.KindCommand
	case ModeAgent:
		return transcript.KindAgentResponse
	}
	return transcript.KindResponse
}

// Submission is one user instruction.
type Submission struct {
	Mode  Mode
	Input string
	// UnitID targets a unit created by the caller. Empty creates a new one.
	UnitID string
	// System overrides the configured system prompt.
	System string
	// Timeout bounds a shell-mode process. Zero uses the configured command
	// timeout and pty.NoTimeout disables it.
	Timeout time.Duration
	// OnSpawn receives the process handle in shell mode, e.g. to forward
	// keyboard input.
	OnSpawn func(*pty.Handle)
}

// Options tune an Orchestrator.
type Options struct {
	// OnActivity is called whenever a unit's activity changes.
	OnActivity func(unitID string, a Activity)
}

// Orchestrator dispatches submissions against one Runtime.
type Orchestrator struct {
	rt   *Runtime
	opts Options
	log  *logger.Logger

	mu      sync.Mutex
	active  map[string]*Run
	stats   map[string]*AgentStats
	history []llm.Message
	closed  bool
	wg      sync.WaitGroup
}

func New(rt *Runtime, opts Options) *Orchestrator {
	log := rt.Log
	if log == nil {
		log = logger.Nop()
	}
	return &Orchestrator{
		rt:     rt,
		opts:   opts,
		log:    log.Named("orchestrator"),
		active: make(map[string]*Run),
		stats:  make(map[string]*AgentStats),
	}
}

func (o *Orchestrator) Runtime() *Runtime { return o.rt }

// Run is a submission in flight.
type Run struct {
	UnitID string
	Mode   Mode

	cancel context.CancelFunc
	done   chan struct{}
	arena  *transcript.Arena

	mu       sync.Mutex
	activity Activity
}

// Done is closed once the unit reached a terminal status.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run ended and returns the final unit.
func (r *Run) Wait() transcript.Unit {
	<-r.done
	u, _ := r.arena.Get(r.UnitID)
	return u
}

// Submit runs sub to completion. Cancel from another goroutine, or ctx,
// stops it.
func (o *Orchestrator) Submit(ctx context.Context, sub Submission) (*transcript.Unit, error) {
	run, err := o.Start(ctx, sub)
	if err != nil {
		return nil, err
	}
	u := run.Wait()
	return &u, nil
}

// Start launches sub in its own goroutine and returns immediately.
func (o *Orchestrator) Start(ctx context.Context, sub Submission) (*Run, error) {
	if strings.TrimSpace(sub.Input) == "" {
		return nil, ErrEmptyInput
	}
	if sub.Mode != ModeShell && o.rt.Backend == nil {
		return nil, ErrNoBackend
	}
	arena := o.rt.Arena

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrClosed
	}

	unitID := sub.UnitID
	if unitID == "" {
		unitID = arena.Create(sub.Mode.kind(), sub.Input).ID
	} else {
		if _, busy := o.active[unitID]; busy {
			return nil, ErrUnitBusy
		}
		u, ok := arena.Get(unitID)
		if !ok {
			return nil, transcript.ErrUnknownUnit
		}
		if u.Status.Terminal() {
			return nil, transcript.ErrUnitFinalized
		}
	}
	if err := arena.SetStatus(unitID, transcript.StatusStreaming); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &Run{
		UnitID:   unitID,
		Mode:     sub.Mode,
		cancel:   cancel,
		done:     make(chan struct{}),
		arena:    arena,
		activity: ActivityIdle,
	}
	o.active[unitID] = run
	o.stats[unitID] = &AgentStats{}
	o.wg.Add(1)

	o.log.Debug("start %s unit=%s", sub.Mode, unitID)
	go func() {
		defer o.wg.Done()
		defer close(run.done)
		defer cancel()
		o.execute(runCtx, run, sub)

		o.mu.Lock()
		delete(o.active, unitID)
		o.mu.Unlock()
	}()
	return run, nil
}

// Cancel is the single cancellation entry point for a running unit. It
// returns once the cancellation was requested; Wait observes the terminal
// status.
func (o *Orchestrator) Cancel(unitID string) error {
	o.mu.Lock()
	run, ok := o.active[unitID]
	o.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	o.log.Info("cancel unit=%s", unitID)
	run.cancel()
	return nil
}

// CancelAll cancels every running unit.
func (o *Orchestrator) CancelAll() {
	o.mu.Lock()
	runs := make([]*Run, 0, len(o.active))
	for _, r := range o.active {
		runs = append(runs, r)
	}
	o.mu.Unlock()
	for _, r := range runs {
		r.cancel()
	}
}

// Active lists the ids of running units.
func (o *Orchestrator) Active() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	return ids
}

// Activity returns what the unit is doing. Finished units are idle.
func (o *Orchestrator) Activity(unitID string) Activity {
	o.mu.Lock()
	run, ok := o.active[unitID]
	o.mu.Unlock()
	if !ok {
		return ActivityIdle
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.activity
}

// Stats returns the statistics of a running or finished unit.
func (o *Orchestrator) Stats(unitID string) (AgentStats, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.stats[unitID]
	if !ok {
		return AgentStats{}, false
	}
	return s.clone(), true
}

// History returns the conversation carried between model submissions.
func (o *Orchestrator) History() []llm.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]llm.Message(nil), o.history...)
}

func (o *Orchestrator) ClearHistory() {
	o.mu.Lock()
	o.history = nil
	o.mu.Unlock()
}

// Close cancels every running unit and waits for them to finish.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.CancelAll()
	o.wg.Wait()
	return nil
}

func (o *Orchestrator) setActivity(run *Run, a Activity) {
	run.mu.Lock()
	changed := run.activity != a
	run.activity = a
	run.mu.Unlock()
	if changed && o.opts.OnActivity != nil {
		o.opts.OnActivity(run.UnitID, a)
	}
}

func (o *Orchestrator) withStats(unitID string, fn func(*AgentStats)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.stats[unitID]; ok {
		fn(s)
	}
}

func (o *Orchestrator) execute(ctx context.Context, run *Run, sub Submission) {
	switch sub.Mode {
	case ModeShell:
		o.runShell(ctx, run, sub)
	case ModeTools:
		cfg := o.rt.Config.Loop
		o.runLoop(ctx, run, sub, loop.NewToolCallStrategy(cfg.ToolMaxIterations, cfg.StopAfterFirstSuccess))
	case ModeAgent:
		o.runLoop(ctx, run, sub, loop.NewAgentStrategy(o.rt.Config.Loop.AgentMaxIterations))
	case ModeChat:
		o.runChat(ctx, run, sub)
	default:
		o.finish(run, transcript.StatusFailed, func(md *transcript.Metadata) {
			md.Error = fmt.Sprintf("unknown mode %d", sub.Mode)
		})
	}
}

func (o *Orchestrator) systemPrompt(sub Submission) string {
	if sub.System != "" {
		return sub.System
	}
	return o.rt.Config.Provider.SystemPrompt
}

func (o *Orchestrator) runLoop(ctx context.Context, run *Run, sub Submission, strategy loop.Strategy) {
	history := append(o.History(), llm.UserMessage(sub.Input))

	l := loop.New(loop.Dependencies{
		Backend:  o.rt.Backend,
		Tools:    o.rt.Registry,
		Gate:     o.rt.Gate,
		Resolver: o.rt.Resolver,
		Arena:    o.rt.Arena,
		Tokens:   o.rt.Tokens,
		Log:      o.rt.Log,
	}, strategy)

	res := l.Run(ctx, loop.Request{
		UnitID:    run.UnitID,
		History:   history,
		System:    o.systemPrompt(sub),
		MaxTokens: o.rt.Config.Provider.MaxTokens,
		Hooks: loop.Hooks{
			OnPhase: func(p loop.Phase) {
				o.setActivity(run, activityFor(p))
				if p == loop.PhaseExecuting {
					o.withStats(run.UnitID, func(s *AgentStats) { s.Iterations++ })
				}
				if !p.Terminal() {
					_ = o.rt.Arena.UpdateMetadata(run.UnitID, func(md *transcript.Metadata) {
						md.LoopState = p.String()
					})
				}
			},
			OnWaitingApproval: func(transcript.ToolCallRecord) {
				o.setActivity(run, ActivityWaitingApproval)
			},
			OnToolResult: func(out loop.CallOutcome) {
				o.setActivity(run, ActivityExecuting)
				now := time.Now()
				o.withStats(run.UnitID, func(s *AgentStats) { s.addTool(out, now) })
			},
			OnUsage: func(u llm.Usage) {
				o.withStats(run.UnitID, func(s *AgentStats) { s.addUsage(u) })
			},
		},
	})

	o.withStats(run.UnitID, func(s *AgentStats) {
		s.Iterations = res.Iterations
		s.State = res.Phase.String()
	})
	if res.Phase == loop.PhaseCompleted || res.Phase == loop.PhaseLimitExceeded {
		o.mu.Lock()
		o.history = res.Messages
		o.mu.Unlock()
	}
	o.finishLoop(run, res)
}

// finishLoop maps the loop's terminal phase onto the unit.
func (o *Orchestrator) finishLoop(run *Run, res *loop.Result) {
	status := transcript.StatusCompleted
	switch res.Phase {
	case loop.PhaseCancelled:
		status = transcript.StatusCancelled
	case loop.PhaseFailed:
		status = transcript.StatusFailed
	}
	o.finish(run, status, func(md *transcript.Metadata) {
		md.LoopState = res.Phase.String()
		md.Notice = res.Notice
		if res.Err != nil {
			md.Error = res.Err.Error()
		}
	})
}

func (o *Orchestrator) finish(run *Run, status transcript.Status, update func(*transcript.Metadata)) {
	if update != nil {
		if err := o.rt.Arena.UpdateMetadata(run.UnitID, update); err != nil {
			o.log.Debug("metadata for %s: %v", run.UnitID, err)
		}
	}
	if status == transcript.StatusCancelled {
		o.setActivity(run, ActivityCancelled)
	} else {
		o.setActivity(run, ActivityIdle)
	}
	if err := o.rt.Arena.SetStatus(run.UnitID, status); err != nil {
		o.log.Warn("finalize %s: %v", run.UnitID, err)
	}
	o.log.Debug("unit=%s finished: %s", run.UnitID, status)
}
