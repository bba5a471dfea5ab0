// Package pty supervises commands attached to a pseudo-terminal.
package pty

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	cpty "github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/codefionn/nullterm/internal/logger"
)

var (
	ErrProcessDone = errors.New("pty: process already finished")
	ErrEmptyCmd    = errors.New("pty: empty command")
)

const (
	DefaultRows      = 24
	DefaultCols      = 120
	DefaultTimeout   = 60 * time.Second
	DefaultKillGrace = 2 * time.Second
	drainTimeout     = 500 * time.Millisecond
	readBufferSize   = 4096
)

// NoTimeout as Options.Timeout lets the process run until it exits or is
// cancelled.
const NoTimeout = time.Duration(-1)

// State of a supervised process.
type State int

const (
	StateRunning State = iota
	StateCompleted
	StateTimedOut
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateTimedOut:
		return "timed_out"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Chunk is one read from the terminal, delivered in order.
type Chunk struct {
	Data []byte
	// Mode is the presentation mode after this chunk.
	Mode Mode
	// Prompt is set in batch mode when the output ends in an unterminated
	// line that looks like it waits for input.
	Prompt bool
}

// Options for one spawn. Zero values fall back to the supervisor defaults; a
// negative Timeout disables it.
type Options struct {
	Dir       string
	Env       []string
	Rows      int
	Cols      int
	Timeout   time.Duration
	KillGrace time.Duration
	// OnOutput is called from the reader goroutine for every chunk.
	OnOutput func(Chunk)
	// OnModeChange is called when batch/interactive detection flips.
	OnModeChange func(Mode)
}

// Result is the final outcome of a supervised process.
type Result struct {
	State    State
	ExitCode int
	Output   []byte
	Duration time.Duration
	Err      error
}

// Supervisor spawns and tracks PTY-attached commands.
type Supervisor struct {
	shell    string
	defaults Options
	log      *logger.Logger

	mu   sync.Mutex
	live map[string]*Handle
}

// NewSupervisor uses $SHELL (or /bin/sh) to interpret commands.
func NewSupervisor(defaults Options, shell string, log *logger.Logger) *Supervisor {
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/sh"
	}
	if defaults.Rows <= 0 || defaults.Cols <= 0 {
		defaults.Rows, defaults.Cols = DefaultRows, DefaultCols
	}
	if defaults.Timeout == 0 {
		defaults.Timeout = DefaultTimeout
	}
	if defaults.KillGrace <= 0 {
		defaults.KillGrace = DefaultKillGrace
	}
	return &Supervisor{shell: shell, defaults: defaults, log: log.Named("pty"), live: make(map[string]*Handle)}
}

// Live is the number of handles not yet released.
func (s *Supervisor) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// CancelAll cancels every live handle.
func (s *Supervisor) CancelAll() {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.live))
	for _, h := range s.live {
		handles = append(handles, h)
	}
	s.mu.Unlock()
	for _, h := range handles {
		h.Cancel()
	}
}

func (s *Supervisor) merge(opts Options) Options {
	if opts.Rows <= 0 || opts.Cols <= 0 {
		opts.Rows, opts.Cols = s.defaults.Rows, s.defaults.Cols
	}
	if opts.Timeout == 0 {
		opts.Timeout = s.defaults.Timeout
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = s.defaults.KillGrace
	}
	if opts.Dir == "" {
		opts.Dir = s.defaults.Dir
	}
	opts.Env = append(append([]string(nil), s.defaults.Env...), opts.Env...)
	return opts
}

// Spawn starts command on a fresh PTY. The process is supervised until it
// exits, times out, ctx is cancelled, or Cancel is called; in every case the
// PTY is released exactly once.
func (s *Supervisor) Spawn(ctx context.Context, command string, opts Options) (*Handle, error) {
	if command == "" {
		return nil, ErrEmptyCmd
	}
	opts = s.merge(opts)

	cmd := exec.Command(s.shell, "-c", command)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(),
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
		"CLICOLOR=1",
		"FORCE_COLOR=1",
	)
	cmd.Env = append(cmd.Env, opts.Env...)

	// StartWithSize puts the child in a new session, so its pid is also
	// its process group id.
	ptmx, err := cpty.StartWithSize(cmd, &cpty.Winsize{Rows: uint16(opts.Rows), Cols: uint16(opts.Cols)})
	if err != nil {
		return nil, fmt.Errorf("start %q: %w", command, err)
	}

	h := &Handle{
		ID:         uuid.NewString(),
		Command:    command,
		pid:        cmd.Process.Pid,
		pgid:       cmd.Process.Pid,
		cmd:        cmd,
		ptmx:       ptmx,
		opts:       opts,
		log:        s.log,
		started:    time.Now(),
		cancelReq:  make(chan struct{}),
		readerDone: make(chan struct{}),
		done:       make(chan struct{}),
		screen:     NewScreen(opts.Rows, opts.Cols),
	}

	s.mu.Lock()
	s.live[h.ID] = h
	s.mu.Unlock()
	h.onRelease = func() {
		s.mu.Lock()
		delete(s.live, h.ID)
		s.mu.Unlock()
	}

	s.log.Debug("spawned pid=%d command=%q", h.pid, command)
	go h.readLoop()
	go h.supervise(ctx)
	return h, nil
}

// Run spawns command and waits for it.
func (s *Supervisor) Run(ctx context.Context, command string, opts Options) (Result, error) {
	h, err := s.Spawn(ctx, command, opts)
	if err != nil {
		return Result{State: StateFailed, ExitCode: -1, Err: err}, err
	}
	return h.Wait(), nil
}

// Handle is a supervised process. It is owned by the caller that spawned it.
type Handle struct {
	ID      string
	Command string

	pid  int
	pgid int
	cmd  *exec.Cmd
	ptmx *os.File
	opts Options
	log  *logger.Logger

	started time.Time

	// emitMu spans recording a chunk and delivering it, so no callback
	// runs after Wait returns.
	emitMu   sync.Mutex
	mu       sync.Mutex
	output   bytes.Buffer
	cursor   int
	detector modeDetector
	state    State
	finished bool
	screen   *Screen

	cancelOnce  sync.Once
	cancelReq   chan struct{}
	releaseOnce sync.Once
	onRelease   func()
	readerDone  chan struct{}
	done        chan struct{}
	result      Result
}

func (h *Handle) Pid() int { return h.pid }

// Pgid is the process group the command and its children run in.
func (h *Handle) Pgid() int { return h.pgid }

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) Mode() Mode {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.detector.mode
}

// Output returns everything captured so far.
func (h *Handle) Output() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]byte(nil), h.output.Bytes()...)
}

// Unread returns output captured since the previous call.
func (h *Handle) Unread() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	data := h.output.Bytes()[h.cursor:]
	h.cursor = h.output.Len()
	return append([]byte(nil), data...)
}

// Screen returns the emulated terminal state.
func (h *Handle) Screen() Snapshot {
	return h.screen.Snapshot()
}

// Done is closed after the process has exited and the PTY was released.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the handle reaches a terminal state.
func (h *Handle) Wait() Result {
	<-h.done
	return h.result
}

// Write forwards input, e.g. raw keystrokes in interactive mode.
func (h *Handle) Write(p []byte) (int, error) {
	select {
	case <-h.done:
		return 0, ErrProcessDone
	default:
	}
	return h.ptmx.Write(p)
}

// Resize changes the terminal size seen by the process.
func (h *Handle) Resize(rows, cols int) error {
	select {
	case <-h.done:
		return ErrProcessDone
	default:
	}
	if err := cpty.Setsize(h.ptmx, &cpty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}); err != nil {
		return fmt.Errorf("resize: %w", err)
	}
	h.screen.Resize(rows, cols)
	return nil
}

// Cancel terminates the whole process group. It is safe to call any number
// of times, including after the process has finished.
func (h *Handle) Cancel() {
	h.cancelOnce.Do(func() { close(h.cancelReq) })
}

func (h *Handle) readLoop() {
	defer close(h.readerDone)
	buf := make([]byte, readBufferSize)
	for {
		n, err := h.ptmx.Read(buf)
		if n > 0 {
			h.record(buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) && !errors.Is(err, syscall.EIO) {
				h.log.Debug("read pid=%d: %v", h.pid, err)
			}
			return
		}
	}
}

func (h *Handle) record(data []byte) {
	h.emitMu.Lock()
	defer h.emitMu.Unlock()

	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return
	}
	h.output.Write(data)
	mode, changed := h.detector.feed(data)
	if mode == ModeInteractive || changed {
		h.screen.Write(data)
	}
	chunk := Chunk{Data: append([]byte(nil), data...), Mode: mode}
	if mode == ModeBatch {
		chunk.Prompt = looksLikePrompt(h.output.Bytes())
	}
	h.mu.Unlock()

	if changed {
		h.log.Debug("pid=%d switched to %s mode", h.pid, mode)
		if h.opts.OnModeChange != nil {
			h.opts.OnModeChange(mode)
		}
	}
	if h.opts.OnOutput != nil {
		h.opts.OnOutput(chunk)
	}
}

func (h *Handle) supervise(ctx context.Context) {
	defer h.release()

	waitErr := make(chan error, 1)
	go func() { waitErr <- h.cmd.Wait() }()

	var timeout <-chan time.Time
	if h.opts.Timeout > 0 {
		timer := time.NewTimer(h.opts.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var (
		state State
		err   error
	)
	select {
	case err = <-waitErr:
		state = StateCompleted
	case <-ctx.Done():
		state = StateCancelled
		err = h.terminate(waitErr)
	case <-h.cancelReq:
		state = StateCancelled
		err = h.terminate(waitErr)
	case <-timeout:
		state = StateTimedOut
		h.log.Warn("pid=%d timed out after %s", h.pid, h.opts.Timeout)
		err = h.terminate(waitErr)
	}

	exitCode := exitCodeOf(h.cmd.ProcessState, err)
	var resultErr error
	switch state {
	case StateCancelled:
		exitCode = -1
	case StateTimedOut:
		exitCode = -1
		resultErr = fmt.Errorf("command timed out after %s", h.opts.Timeout)
	case StateCompleted:
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			state = StateFailed
			resultErr = err
		}
	}

	// Let the reader pick up whatever the process wrote before it exited.
	select {
	case <-h.readerDone:
	case <-time.After(drainTimeout):
	}

	h.emitMu.Lock()
	defer h.emitMu.Unlock()
	h.mu.Lock()
	h.finished = true
	h.state = state
	h.result = Result{
		State:    state,
		ExitCode: exitCode,
		Output:   append([]byte(nil), h.output.Bytes()...),
		Duration: time.Since(h.started),
		Err:      resultErr,
	}
	h.mu.Unlock()
}

// terminate signals the group, escalating to SIGKILL after the grace
// period, and reaps descendants that left the group.
func (h *Handle) terminate(waitErr <-chan error) error {
	escaped := descendants(h.pid)

	if err := signalGroup(h.pgid, sigTerminate); err != nil {
		h.log.Warn("signal group %d: %v", h.pgid, err)
	}

	var err error
	select {
	case err = <-waitErr:
	case <-time.After(h.opts.KillGrace):
		h.log.Warn("pid=%d ignored SIGTERM, killing group %d", h.pid, h.pgid)
		_ = signalGroup(h.pgid, sigKill)
		err = <-waitErr
	}

	// Members that ignored SIGTERM outlive the leader.
	if groupAlive(h.pgid) {
		_ = signalGroup(h.pgid, sigKill)
	}
	for _, pid := range escaped {
		signalPid(pid, sigKill)
	}
	return err
}

func (h *Handle) release() {
	h.releaseOnce.Do(func() {
		if err := h.ptmx.Close(); err != nil {
			h.log.Debug("close pty pid=%d: %v", h.pid, err)
		}
		if h.onRelease != nil {
			h.onRelease()
		}
		close(h.done)
	})
}

func exitCodeOf(ps *os.ProcessState, err error) int {
	if ps == nil {
		if err != nil {
			return -1
		}
		return 0
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ps.ExitCode()
}
