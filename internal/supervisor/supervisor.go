// Package supervisor launches and monitors tool-server subprocesses.
// Each server follows a pending → starting → running FSM with a startup
// budget, bounded crash restarts, and graceful SIGTERM/SIGKILL stop.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/vaheed/HER-Ai/internal/mcp"
)

// Status is the lifecycle state of one tool server.
type Status string

const (
	StatusPending  Status = "pending"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusFailed   Status = "failed"
	StatusStopped  Status = "stopped"
)

const (
	stderrRingSize  = 8 * 1024
	maxRestarts     = 3
	restartWindow   = 5 * time.Minute
	killGracePeriod = 5 * time.Second
)

// Spec describes one server to supervise.
type Spec struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
}

// Event is emitted on every status transition. Tools is non-empty only
// for transitions into running.
type Event struct {
	Server string
	Status Status
	Tools  []mcp.Tool
	Err    string
}

// ServerStatus is the snapshot surfaced by the /mcp admin command.
type ServerStatus struct {
	Name       string    `json:"name"`
	Status     Status    `json:"status"`
	ToolCount  int       `json:"tool_count"`
	LastError  string    `json:"last_error,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	StderrTail string    `json:"stderr_tail,omitempty"`
}

type server struct {
	spec Spec

	mu        sync.Mutex
	status    Status
	lastError string
	startedAt time.Time
	tools     []mcp.Tool
	client    *mcp.Client
	cmd       *exec.Cmd
	stderr    *stderrRing
	restarts  []time.Time
	stopping  bool
}

// Supervisor owns the full set of tool servers.
type Supervisor struct {
	logger       *slog.Logger
	startTimeout time.Duration
	now          func() time.Time
	lookupEnv    func(string) (string, bool)

	mu        sync.Mutex
	servers   map[string]*server
	order     []string
	listeners []func(Event)

	wg sync.WaitGroup
}

// Option configures the supervisor.
type Option func(*Supervisor)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger.With("component", "supervisor")
		}
	}
}

// WithStartTimeout overrides the per-server startup budget.
func WithStartTimeout(timeout time.Duration) Option {
	return func(s *Supervisor) {
		if timeout > 0 {
			s.startTimeout = timeout
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Supervisor) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLookupEnv overrides host env resolution for tests.
func WithLookupEnv(lookup func(string) (string, bool)) Option {
	return func(s *Supervisor) {
		if lookup != nil {
			s.lookupEnv = lookup
		}
	}
}

// New creates a supervisor for the given specs.
func New(specs []Spec, opts ...Option) *Supervisor {
	s := &Supervisor{
		logger:       slog.Default().With("component", "supervisor"),
		startTimeout: 60 * time.Second,
		now:          time.Now,
		lookupEnv:    os.LookupEnv,
		servers:      make(map[string]*server),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, spec := range specs {
		s.servers[spec.Name] = &server{
			spec:   spec,
			status: StatusPending,
			stderr: newStderrRing(stderrRingSize),
		}
		s.order = append(s.order, spec.Name)
	}
	return s
}

// Subscribe registers a transition listener. Must be called before
// Start; listeners run synchronously on the transitioning goroutine.
func (s *Supervisor) Subscribe(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Start boots every server in parallel and returns once all have
// reached running, failed, or stopped. A failing server never blocks
// the others.
func (s *Supervisor) Start(ctx context.Context) {
	var boot sync.WaitGroup
	s.mu.Lock()
	names := append([]string(nil), s.order...)
	s.mu.Unlock()
	for _, name := range names {
		boot.Add(1)
		go func(name string) {
			defer boot.Done()
			s.launch(ctx, s.servers[name])
		}(name)
	}
	boot.Wait()
}

// Stop gracefully terminates every server: SIGTERM, then SIGKILL after
// the grace period. Stops during shutdown never count as crashes.
func (s *Supervisor) Stop() {
	var stop sync.WaitGroup
	s.mu.Lock()
	names := append([]string(nil), s.order...)
	s.mu.Unlock()
	for _, name := range names {
		stop.Add(1)
		go func(name string) {
			defer stop.Done()
			s.stopServer(s.servers[name])
		}(name)
	}
	stop.Wait()
	s.wg.Wait()
}

// Client returns the live protocol client for a running server.
func (s *Supervisor) Client(name string) (*mcp.Client, bool) {
	srv, ok := s.servers[name]
	if !ok {
		return nil, false
	}
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.status != StatusRunning || srv.client == nil {
		return nil, false
	}
	return srv.client, true
}

// Statuses reports the snapshot of all servers in config order.
func (s *Supervisor) Statuses() []ServerStatus {
	s.mu.Lock()
	names := append([]string(nil), s.order...)
	s.mu.Unlock()

	out := make([]ServerStatus, 0, len(names))
	for _, name := range names {
		srv := s.servers[name]
		srv.mu.Lock()
		out = append(out, ServerStatus{
			Name:       name,
			Status:     srv.status,
			ToolCount:  len(srv.tools),
			LastError:  srv.lastError,
			StartedAt:  srv.startedAt,
			StderrTail: srv.stderr.Tail(),
		})
		srv.mu.Unlock()
	}
	return out
}

var envPlaceholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv resolves ${NAME} placeholders against the host environment.
// The first unresolved name is returned so the server can be failed
// with a precise reason.
func (s *Supervisor) expandEnv(env map[string]string) (map[string]string, string) {
	resolved := make(map[string]string, len(env))
	for key, value := range env {
		missing := ""
		expanded := envPlaceholder.ReplaceAllStringFunc(value, func(match string) string {
			name := envPlaceholder.FindStringSubmatch(match)[1]
			if v, ok := s.lookupEnv(name); ok {
				return v
			}
			if missing == "" {
				missing = name
			}
			return match
		})
		if missing != "" {
			return nil, missing
		}
		resolved[key] = expanded
	}
	return resolved, ""
}

func (s *Supervisor) launch(ctx context.Context, srv *server) {
	s.transition(srv, StatusStarting, "", nil)

	env, missing := s.expandEnv(srv.spec.Env)
	if missing != "" {
		s.transition(srv, StatusFailed, "unresolved_env:"+missing, nil)
		return
	}

	cmd := exec.Command(srv.spec.Command, srv.spec.Args...)
	cmd.Env = os.Environ()
	for key, value := range env {
		cmd.Env = append(cmd.Env, key+"="+value)
	}
	cmd.Stderr = srv.stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.transition(srv, StatusFailed, fmt.Sprintf("stdin pipe: %v", err), nil)
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.transition(srv, StatusFailed, fmt.Sprintf("stdout pipe: %v", err), nil)
		return
	}
	if err := cmd.Start(); err != nil {
		s.transition(srv, StatusFailed, fmt.Sprintf("start: %v", err), nil)
		return
	}

	client := mcp.NewClient(srv.spec.Name, stdout, stdin, s.logger)
	srv.mu.Lock()
	srv.cmd = cmd
	srv.client = client
	srv.startedAt = s.now().UTC()
	srv.mu.Unlock()

	handshakeCtx, cancel := context.WithTimeout(ctx, s.startTimeout)
	defer cancel()
	tools, err := s.handshake(handshakeCtx, client)
	if err != nil {
		client.Close()
		s.kill(srv)
		_ = cmd.Wait()
		reason := fmt.Sprintf("handshake: %v", err)
		if handshakeCtx.Err() != nil {
			reason = "startup_timeout"
		}
		s.transition(srv, StatusFailed, reason, nil)
		return
	}

	s.transition(srv, StatusRunning, "", tools)
	s.logger.Info("tool server running", "server", srv.spec.Name, "tools", len(tools))

	s.wg.Add(1)
	go s.monitor(ctx, srv, cmd)
}

// handshake is the MCP initialize followed by tools/list; both must
// finish inside the startup budget.
func (s *Supervisor) handshake(ctx context.Context, client *mcp.Client) ([]mcp.Tool, error) {
	if _, err := client.Initialize(ctx); err != nil {
		return nil, err
	}
	tools, err := client.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	return tools, nil
}

// monitor waits for process exit and applies the restart policy.
func (s *Supervisor) monitor(ctx context.Context, srv *server, cmd *exec.Cmd) {
	defer s.wg.Done()
	err := cmd.Wait()

	srv.mu.Lock()
	graceful := srv.stopping
	srv.client.Close()
	srv.client = nil
	srv.mu.Unlock()

	if graceful {
		s.transition(srv, StatusStopped, "", nil)
		return
	}

	reason := "exited"
	if err != nil {
		reason = fmt.Sprintf("exited: %v", err)
	}
	s.transition(srv, StatusFailed, reason, nil)

	if ctx.Err() != nil {
		return
	}

	now := s.now()
	srv.mu.Lock()
	recent := srv.restarts[:0]
	for _, t := range srv.restarts {
		if now.Sub(t) < restartWindow {
			recent = append(recent, t)
		}
	}
	srv.restarts = append(recent, now)
	exhausted := len(srv.restarts) > maxRestarts
	srv.mu.Unlock()

	if exhausted {
		s.transition(srv, StatusStopped, "retry_exhausted", nil)
		return
	}
	s.logger.Warn("restarting tool server", "server", srv.spec.Name, "reason", reason)
	s.launch(ctx, srv)
}

func (s *Supervisor) stopServer(srv *server) {
	srv.mu.Lock()
	srv.stopping = true
	cmd := srv.cmd
	srv.mu.Unlock()

	if cmd == nil || cmd.Process == nil || cmd.ProcessState != nil {
		if status := s.currentStatus(srv); status != StatusStopped && status != StatusFailed {
			s.transition(srv, StatusStopped, "", nil)
		}
		return
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)
	deadline := time.After(killGracePeriod)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			_ = cmd.Process.Kill()
			return
		case <-tick.C:
			if s.currentStatus(srv) == StatusStopped {
				return
			}
		}
	}
}

func (s *Supervisor) currentStatus(srv *server) Status {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.status
}

// transition applies the FSM edge, clears tools when leaving running,
// and fans out to listeners.
func (s *Supervisor) transition(srv *server, status Status, reason string, tools []mcp.Tool) {
	srv.mu.Lock()
	srv.status = status
	if status == StatusRunning {
		srv.tools = tools
	} else {
		srv.tools = nil
	}
	if reason != "" {
		srv.lastError = reason
	}
	srv.mu.Unlock()

	s.mu.Lock()
	listeners := append([]func(Event){}, s.listeners...)
	s.mu.Unlock()
	event := Event{Server: srv.spec.Name, Status: status, Tools: tools, Err: reason}
	for _, fn := range listeners {
		fn(event)
	}
}

func (s *Supervisor) kill(srv *server) {
	srv.mu.Lock()
	cmd := srv.cmd
	srv.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
