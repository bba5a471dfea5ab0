package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/codefionn/nullterm/internal/logger"
)

const (
	DefaultRequestTimeout = 30 * time.Second
	shutdownGrace         = 2 * time.Second
	maxLineSize           = 16 * 1024 * 1024
)

// ServerConfig describes how to start one server.
type ServerConfig struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
	Dir     string
	// RequestTimeout bounds every request that does not carry its own.
	RequestTimeout time.Duration
}

// State of a session.
type State int

const (
	StateConnecting State = iota
	StateReady
	StateBroken
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateBroken:
		return "broken"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type reply struct {
	result json.RawMessage
	err    error
}

// conn is one running server process.
type conn struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	enc    *json.Encoder
	exited chan struct{}
}

// Session is a connection to one server. Requests may be issued from many
// goroutines; a single reader goroutine routes replies by id.
type Session struct {
	cfg ServerConfig
	log *logger.Logger

	// writeMu serializes writes to the server's stdin.
	writeMu sync.Mutex

	mu        sync.Mutex
	nextID    int64
	conn      *conn
	state     State
	pending   map[int64]chan reply
	tools     []Tool
	info      InitializeResult
	lastError error
}

// Connect starts the server and performs the handshake: initialize, the
// initialized notification, then tools/list. On failure the process is torn
// down and the error returned.
func Connect(ctx context.Context, cfg ServerConfig, log *logger.Logger) (*Session, error) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	s := &Session{
		cfg:     cfg,
		log:     log.Named("mcp:" + cfg.Name),
		pending: make(map[int64]chan reply),
	}
	if err := s.start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) Name() string { return s.cfg.Name }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError is the error that broke the session, if any.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// ServerInfo is what the server reported during the handshake.
func (s *Session) ServerInfo() InitializeResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Tools returns the tool list cached by the last handshake or ListTools.
func (s *Session) Tools() []Tool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Tool(nil), s.tools...)
}

func (s *Session) start(ctx context.Context) error {
	c, stdout, stderr, err := s.spawn()
	if err != nil {
		s.markBroken(nil, err)
		return err
	}
	s.mu.Lock()
	s.conn = c
	s.state = StateConnecting
	s.lastError = nil
	s.mu.Unlock()
	go s.drainStderr(stderr)
	go s.readLoop(c, stdout)

	if err := s.handshake(ctx); err != nil {
		err = fmt.Errorf("mcp %s: handshake: %w", s.cfg.Name, err)
		s.markBroken(c, err)
		c.shutdown()
		return err
	}

	s.mu.Lock()
	if s.conn == c && s.state == StateConnecting {
		s.state = StateReady
	}
	s.mu.Unlock()
	s.log.Info("connected (%d tools)", len(s.Tools()))
	return nil
}

func (s *Session) spawn() (*conn, io.Reader, io.Reader, error) {
	if s.cfg.Command == "" {
		return nil, nil, nil, fmt.Errorf("mcp %s: command is required", s.cfg.Name)
	}
	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Dir = s.cfg.Dir
	cmd.Env = os.Environ()
	for k, v := range s.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, nil, fmt.Errorf("mcp %s: start %s: %w", s.cfg.Name, s.cfg.Command, err)
	}

	c := &conn{cmd: cmd, stdin: stdin, enc: json.NewEncoder(stdin), exited: make(chan struct{})}
	s.log.Debug("started pid=%d", cmd.Process.Pid)
	return c, stdout, stderr, nil
}

func (s *Session) handshake(ctx context.Context) error {
	raw, err := s.request(ctx, "initialize", initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{"tools": map[string]any{}, "resources": map[string]any{}},
		ClientInfo:      implementation{Name: clientName, Version: clientVersion},
	}, 0)
	if err != nil {
		return err
	}
	var info InitializeResult
	if err := json.Unmarshal(raw, &info); err != nil {
		return fmt.Errorf("decode initialize result: %w", err)
	}
	s.mu.Lock()
	s.info = info
	s.mu.Unlock()

	if err := s.notify("notifications/initialized", map[string]any{}); err != nil {
		return err
	}
	_, err = s.ListTools(ctx)
	return err
}

// readLoop owns stdout of c until EOF.
func (s *Session) readLoop(c *conn, stdout io.Reader) {
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var msg inbound
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			s.log.Warn("dropping non-JSON line: %.120s", line)
			continue
		}
		id, ok := msg.responseID()
		if !ok {
			if msg.Method != "" {
				s.log.Debug("server notification %s", msg.Method)
			}
			continue
		}
		if msg.Method != "" {
			s.log.Debug("ignoring server request %s (id %d)", msg.Method, id)
			continue
		}

		s.mu.Lock()
		ch, found := s.pending[id]
		delete(s.pending, id)
		s.mu.Unlock()
		if !found {
			s.log.Warn("dropping response for unknown id %d", id)
			continue
		}
		r := reply{result: msg.Result}
		if msg.Error != nil {
			r.err = msg.Error
		}
		ch <- r
	}
	if err := sc.Err(); err != nil {
		s.log.Warn("read: %v", err)
	}

	_ = c.cmd.Wait()
	close(c.exited)
	s.markBroken(c, fmt.Errorf("mcp %s: server exited: %w", s.cfg.Name, ErrConnectionReset))
}

func (s *Session) drainStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		s.log.Debug("stderr: %s", sc.Text())
	}
}

// markBroken fails everything pending if c is still the live connection.
// A nil c applies regardless of the live connection.
func (s *Session) markBroken(c *conn, err error) {
	s.mu.Lock()
	if c != nil && s.conn != c {
		s.mu.Unlock()
		return
	}
	if s.state != StateClosed && s.state != StateBroken {
		s.state = StateBroken
		s.lastError = err
	}
	pending := s.takePendingLocked()
	s.mu.Unlock()
	failAll(pending, ErrConnectionReset)
}

func (s *Session) takePendingLocked() map[int64]chan reply {
	pending := s.pending
	s.pending = make(map[int64]chan reply)
	return pending
}

func failAll(pending map[int64]chan reply, err error) {
	for _, ch := range pending {
		ch <- reply{err: err}
	}
}

func (s *Session) notify(method string, params any) error {
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if c == nil {
		return ErrNotConnected
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return c.enc.Encode(request{JSONRPC: jsonrpcVersion, Method: method, Params: params})
}

// request sends method and waits for its reply, the timeout, or ctx. The
// pending slot is registered and the timer started before the request is
// written, so a server that stops reading cannot stall the caller.
func (s *Session) request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = s.cfg.RequestTimeout
	}

	ch := make(chan reply, 1)
	s.mu.Lock()
	c, state := s.conn, s.state
	switch {
	case state == StateClosed:
		s.mu.Unlock()
		return nil, ErrClosed
	case c == nil || state == StateBroken:
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	s.nextID++
	id := s.nextID
	s.pending[id] = ch
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	written := make(chan error, 1)
	go func() {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		written <- c.enc.Encode(request{JSONRPC: jsonrpcVersion, ID: &id, Method: method, Params: params})
	}()

	for {
		select {
		case err := <-written:
			written = nil
			if err != nil {
				s.forget(id)
				return nil, fmt.Errorf("mcp %s: write %s: %w", s.cfg.Name, method, err)
			}
		case r := <-ch:
			return r.result, r.err
		case <-timer.C:
			s.forget(id)
			if written != nil {
				s.log.Warn("%s (id %d): write stuck for %s, dropping connection", method, id, timeout)
				s.markBroken(c, fmt.Errorf("mcp %s: write %s stuck: %w", s.cfg.Name, method, ErrConnectionReset))
				go c.shutdown()
			} else {
				s.log.Warn("%s (id %d) timed out after %s", method, id, timeout)
			}
			return nil, fmt.Errorf("%s: %w", method, ErrTimeout)
		case <-ctx.Done():
			s.forget(id)
			return nil, fmt.Errorf("%s: %w (%v)", method, ErrCancelled, ctx.Err())
		}
	}
}

func (s *Session) forget(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// ListTools refreshes the cached tool list.
func (s *Session) ListTools(ctx context.Context) ([]Tool, error) {
	raw, err := s.request(ctx, "tools/list", map[string]any{}, 0)
	if err != nil {
		return nil, err
	}
	var res toolsListResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode tools/list: %w", err)
	}
	s.mu.Lock()
	s.tools = res.Tools
	s.mu.Unlock()
	return append([]Tool(nil), res.Tools...), nil
}

// CallTool invokes a server tool. A zero timeout uses the session default.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any, timeout time.Duration) (*CallResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := s.request(ctx, "tools/call", toolsCallParams{Name: name, Arguments: args}, timeout)
	if err != nil {
		return nil, err
	}
	var res CallResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode tools/call: %w", err)
	}
	return &res, nil
}

// ListResources returns the server's resources. Servers without resource
// support answer with an RPC error.
func (s *Session) ListResources(ctx context.Context) ([]Resource, error) {
	raw, err := s.request(ctx, "resources/list", map[string]any{}, 0)
	if err != nil {
		return nil, err
	}
	var res resourcesListResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode resources/list: %w", err)
	}
	return res.Resources, nil
}

// ReadResource returns the text of the first content item.
func (s *Session) ReadResource(ctx context.Context, uri string) (string, error) {
	raw, err := s.request(ctx, "resources/read", map[string]any{"uri": uri}, 0)
	if err != nil {
		return "", err
	}
	var res resourcesReadResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("decode resources/read: %w", err)
	}
	if len(res.Contents) == 0 {
		return "", nil
	}
	return res.Contents[0].Text, nil
}

// Ping checks liveness with a short timeout.
func (s *Session) Ping(ctx context.Context, timeout time.Duration) error {
	_, err := s.request(ctx, "ping", map[string]any{}, timeout)
	return err
}

// Reconnect tears down the current process, failing outstanding requests
// with ErrConnectionReset, and starts a fresh one.
func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	old := s.conn
	s.conn = nil
	s.state = StateConnecting
	pending := s.takePendingLocked()
	s.mu.Unlock()

	failAll(pending, ErrConnectionReset)
	if old != nil {
		old.shutdown()
	}
	s.log.Info("reconnecting")
	return s.start(ctx)
}

// Close stops the server. Outstanding requests fail with ErrClosed.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	c := s.conn
	pending := s.takePendingLocked()
	s.mu.Unlock()

	failAll(pending, ErrClosed)
	if c != nil {
		c.shutdown()
	}
	return nil
}

// shutdown closes stdin and gives the server a grace period to exit before
// killing it.
func (c *conn) shutdown() {
	_ = c.stdin.Close()
	select {
	case <-c.exited:
		return
	case <-time.After(shutdownGrace):
	}
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	select {
	case <-c.exited:
	case <-time.After(shutdownGrace):
	}
}

// IsTransient reports errors after which a reconnect may help.
func IsTransient(err error) bool {
	return errors.Is(err, ErrConnectionReset) || errors.Is(err, ErrNotConnected) || errors.Is(err, ErrTimeout)
}
