package mcp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/codefionn/nullterm/internal/config"
	"github.com/codefionn/nullterm/internal/logger"
	"github.com/codefionn/nullterm/internal/tools"
)

const (
	DefaultHealthInterval = 30 * time.Second
	DefaultDedupWindow    = time.Second
	pingTimeout           = 5 * time.Second
	maxConnectParallelism = 4
)

// Health of a managed server.
type Health string

const (
	Healthy      Health = "healthy"
	Degraded     Health = "degraded"
	Disconnected Health = "disconnected"
)

// ServerStatus is a snapshot for display.
type ServerStatus struct {
	Name      string
	Health    Health
	Tools     []string
	Failures  int
	LastError string
	LastCheck time.Time
}

// ManagerOptions tune the manager; zero values use defaults.
type ManagerOptions struct {
	RequestTimeout time.Duration
	HealthInterval time.Duration
	DedupWindow    time.Duration
	WorkingDir     string
	// ReconnectMaxElapsed bounds one reconnect attempt series.
	ReconnectMaxElapsed time.Duration
	// OnStatusChange is called when a server's health changes.
	OnStatusChange func(name string, from, to Health)
}

type managed struct {
	name    string
	cfg     ServerConfig
	session *Session
	status  ServerStatus

	reconnecting bool
}

// Manager owns the sessions of all configured servers and exposes their
// tools through the tool registry.
type Manager struct {
	opts     ManagerOptions
	registry *tools.Registry
	log      *logger.Logger
	dedup    *dedup

	mu      sync.Mutex
	servers map[string]*managed
}

// NewManager registers every enabled server from cfg. Nothing is started
// until ConnectAll.
func NewManager(cfg config.MCPConfig, opts ManagerOptions, registry *tools.Registry, log *logger.Logger) *Manager {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = DefaultHealthInterval
	}
	if opts.ReconnectMaxElapsed <= 0 {
		opts.ReconnectMaxElapsed = 30 * time.Second
	}
	m := &Manager{
		opts:     opts,
		registry: registry,
		log:      log.Named("mcp"),
		dedup:    newDedup(opts.DedupWindow),
		servers:  make(map[string]*managed),
	}
	for _, name := range cfg.EnabledServers() {
		srv := cfg.Servers[name]
		m.servers[name] = &managed{
			name: name,
			cfg: ServerConfig{
				Name:           name,
				Command:        srv.Command,
				Args:           srv.Args,
				Env:            srv.Env,
				Dir:            opts.WorkingDir,
				RequestTimeout: opts.RequestTimeout,
			},
			status: ServerStatus{Name: name, Health: Disconnected},
		}
	}
	return m
}

// Servers returns configured server names in sorted order.
func (m *Manager) Servers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ConnectAll starts every server concurrently. A failing server does not
// affect the others; the joined errors are returned.
func (m *Manager) ConnectAll(ctx context.Context) error {
	names := m.Servers()
	errs := make([]error, len(names))

	var g errgroup.Group
	g.SetLimit(maxConnectParallelism)
	for i, name := range names {
		g.Go(func() error {
			errs[i] = m.connect(ctx, name)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (m *Manager) connect(ctx context.Context, name string) error {
	m.mu.Lock()
	srv, ok := m.servers[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}

	sess, err := Connect(ctx, srv.cfg, m.log)
	if err != nil {
		m.log.Warn("connect %s: %v", name, err)
		m.setHealth(name, Disconnected, err)
		return err
	}

	m.mu.Lock()
	old := srv.session
	srv.session = sess
	m.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	m.syncTools(name, sess)
	m.setHealth(name, Healthy, nil)
	return nil
}

func (m *Manager) syncTools(name string, sess *Session) {
	defs := make([]tools.RemoteTool, 0, len(sess.Tools()))
	for _, t := range sess.Tools() {
		defs = append(defs, tools.RemoteTool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	var names []string
	if m.registry != nil {
		names = m.registry.SyncRemoteTools(name, defs, m)
	}
	m.mu.Lock()
	if srv, ok := m.servers[name]; ok {
		srv.status.Tools = names
	}
	m.mu.Unlock()
}

func (m *Manager) setHealth(name string, h Health, err error) {
	m.mu.Lock()
	srv, ok := m.servers[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	from := srv.status.Health
	srv.status.Health = h
	srv.status.LastCheck = time.Now()
	if err != nil {
		srv.status.LastError = err.Error()
		srv.status.Failures++
	} else {
		srv.status.LastError = ""
		srv.status.Failures = 0
	}
	m.mu.Unlock()

	if from != h {
		m.log.Info("%s: %s -> %s", name, from, h)
		if m.opts.OnStatusChange != nil {
			m.opts.OnStatusChange(name, from, h)
		}
	}
}

func (m *Manager) session(name string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	srv, ok := m.servers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	if srv.session == nil {
		return nil, fmt.Errorf("%s: %w", name, ErrNotConnected)
	}
	return srv.session, nil
}

// CallTool implements tools.RemoteCaller. Identical calls within the dedup
// window share one request. Cancelling ctx resolves this caller with
// ErrCancelled; the request itself is cancelled once no caller waits on it.
// A dead connection schedules a reconnect.
func (m *Manager) CallTool(ctx context.Context, server, tool string, args map[string]any) (string, bool, error) {
	sess, err := m.session(server)
	if err != nil {
		return "", false, err
	}
	return m.dedup.do(ctx, dedupKey(server, tool, args), func(ctx context.Context) (string, bool, error) {
		res, err := sess.CallTool(ctx, tool, args, 0)
		if err != nil {
			if errors.Is(err, ErrConnectionReset) || errors.Is(err, ErrNotConnected) {
				m.setHealth(server, Disconnected, err)
				m.scheduleReconnect(server)
			}
			return "", false, err
		}
		return res.Text(), res.IsError, nil
	})
}

// Resources lists resources across all ready servers, keyed by server.
func (m *Manager) Resources(ctx context.Context) map[string][]Resource {
	out := make(map[string][]Resource)
	for _, name := range m.Servers() {
		sess, err := m.session(name)
		if err != nil {
			continue
		}
		res, err := sess.ListResources(ctx)
		if err != nil {
			m.log.Debug("%s: resources/list: %v", name, err)
			continue
		}
		out[name] = res
	}
	return out
}

func (m *Manager) ReadResource(ctx context.Context, server, uri string) (string, error) {
	sess, err := m.session(server)
	if err != nil {
		return "", err
	}
	return sess.ReadResource(ctx, uri)
}

// Reconnect restarts one server with exponential backoff until it succeeds,
// the series exceeds ReconnectMaxElapsed, or ctx ends.
func (m *Manager) Reconnect(ctx context.Context, name string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = m.opts.ReconnectMaxElapsed

	attempt := 0
	op := func() error {
		attempt++
		sess, err := m.session(name)
		if errors.Is(err, ErrUnknownServer) {
			return backoff.Permanent(err)
		}
		if sess == nil {
			err = m.connect(ctx, name)
		} else if err = sess.Reconnect(ctx); err == nil {
			m.syncTools(name, sess)
			m.setHealth(name, Healthy, nil)
		}
		if errors.Is(err, ErrClosed) {
			return backoff.Permanent(err)
		}
		if err != nil {
			m.log.Debug("reconnect %s attempt %d: %v", name, attempt, err)
		}
		return err
	}
	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	if err != nil {
		m.setHealth(name, Disconnected, err)
		if m.registry != nil {
			m.registry.RemoveRemoteTools(name)
		}
	}
	return err
}

func (m *Manager) scheduleReconnect(name string) {
	m.mu.Lock()
	srv, ok := m.servers[name]
	if !ok || srv.reconnecting {
		m.mu.Unlock()
		return
	}
	srv.reconnecting = true
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			srv.reconnecting = false
			m.mu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.ReconnectMaxElapsed+pingTimeout)
		defer cancel()
		if err := m.Reconnect(ctx, name); err != nil {
			m.log.Warn("reconnect %s failed: %v", name, err)
		}
	}()
}

// CheckHealth pings every server once. Ping timeouts degrade a server,
// anything else disconnects it and schedules a reconnect.
func (m *Manager) CheckHealth(ctx context.Context) []ServerStatus {
	for _, name := range m.Servers() {
		sess, err := m.session(name)
		if err == nil {
			err = sess.Ping(ctx, pingTimeout)
			if err != nil && !errors.Is(err, ErrTimeout) && !errors.Is(err, ErrCancelled) && sess.State() == StateReady {
				// Ping is optional in the protocol; a server that answers
				// tools/list is alive.
				var rpcErr *RPCError
				if errors.As(err, &rpcErr) {
					_, err = sess.ListTools(ctx)
				}
			}
		}
		switch {
		case err == nil:
			m.setHealth(name, Healthy, nil)
		case errors.Is(err, ErrTimeout):
			m.setHealth(name, Degraded, err)
		case errors.Is(err, ErrCancelled):
		default:
			m.setHealth(name, Disconnected, err)
			m.scheduleReconnect(name)
		}
	}
	return m.Status()
}

// RunHealthChecks blocks, checking every HealthInterval until ctx ends.
func (m *Manager) RunHealthChecks(ctx context.Context) {
	ticker := time.NewTicker(m.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckHealth(ctx)
		}
	}
}

// Status returns a snapshot of all servers, sorted by name.
func (m *Manager) Status() []ServerStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ServerStatus, 0, len(m.servers))
	for _, srv := range m.servers {
		st := srv.status
		st.Tools = append([]string(nil), st.Tools...)
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close stops all servers and removes their tools.
func (m *Manager) Close() error {
	m.mu.Lock()
	sessions := make(map[string]*Session, len(m.servers))
	for name, srv := range m.servers {
		if srv.session != nil {
			sessions[name] = srv.session
		}
		srv.session = nil
		srv.status.Health = Disconnected
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for name, sess := range sessions {
		if m.registry != nil {
			m.registry.RemoveRemoteTools(name)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sess.Close()
		}()
	}
	wg.Wait()
	return nil
}
