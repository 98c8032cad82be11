// Package registry caches the tool schemas of running servers and
// routes capability calls to them with validation, deadlines, and
// cancellation. It is the only path autonomous actions take to reach a
// tool.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/vaheed/HER-Ai/internal/errkind"
	"github.com/vaheed/HER-Ai/internal/mcp"
	"github.com/vaheed/HER-Ai/internal/supervisor"
)

// ErrToolUnavailable reports a call against a server that is not
// running or a tool it does not advertise.
var ErrToolUnavailable = errors.New("tool unavailable")

// ErrInvalidArgs reports arguments rejected by the tool's input schema.
var ErrInvalidArgs = errors.New("invalid arguments")

// ErrCallTimeout reports a call that outlived its deadline. The server
// has been sent a cancellation before this surfaces.
var ErrCallTimeout = errors.New("tool call timeout")

// ToolCaller is the slice of the protocol client the router needs.
type ToolCaller interface {
	CallTool(ctx context.Context, tool string, args json.RawMessage) (*mcp.ToolCallResult, error)
}

// ClientProvider resolves a live client for a running server.
type ClientProvider func(server string) (ToolCaller, bool)

// ToolInfo describes one advertised tool for status and planning.
type ToolInfo struct {
	Server      string `json:"server"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type cachedTool struct {
	info   ToolInfo
	schema *jsonschema.Schema
}

// Metrics receives one observation per routed call.
type Metrics interface {
	ToolCalled(server, tool string, success bool)
}

// Registry caches schemas keyed by (server, tool) and routes calls.
type Registry struct {
	logger   *slog.Logger
	provider ClientProvider
	metrics  Metrics

	mu    sync.RWMutex
	tools map[string]map[string]*cachedTool // server → tool → entry

	// inflight serializes calls to the same (server, tool); calls to
	// distinct keys proceed in parallel.
	inflightMu sync.Mutex
	inflight   map[string]*sync.Mutex
}

// Option configures the registry.
type Option func(*Registry)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger.With("component", "registry")
		}
	}
}

// WithMetrics wires call observations.
func WithMetrics(metrics Metrics) Option {
	return func(r *Registry) { r.metrics = metrics }
}

// New creates a registry routing through the given provider.
func New(provider ClientProvider, opts ...Option) *Registry {
	r := &Registry{
		logger:   slog.Default().With("component", "registry"),
		provider: provider,
		tools:    make(map[string]map[string]*cachedTool),
		inflight: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HandleEvent tracks supervisor transitions: entering running caches
// the server's schemas, leaving running clears them so a stale schema
// can never validate a call.
func (r *Registry) HandleEvent(event supervisor.Event) {
	if event.Status != supervisor.StatusRunning {
		r.mu.Lock()
		delete(r.tools, event.Server)
		r.mu.Unlock()
		return
	}

	entries := make(map[string]*cachedTool, len(event.Tools))
	for _, tool := range event.Tools {
		entry := &cachedTool{info: ToolInfo{
			Server:      event.Server,
			Name:        tool.Name,
			Description: tool.Description,
		}}
		if len(tool.InputSchema) > 0 {
			compiled, err := jsonschema.CompileString(event.Server+"/"+tool.Name, string(tool.InputSchema))
			if err != nil {
				r.logger.Warn("tool schema failed to compile, tool skipped",
					"server", event.Server, "tool", tool.Name, "error", err)
				continue
			}
			entry.schema = compiled
		}
		entries[tool.Name] = entry
	}
	r.mu.Lock()
	r.tools[event.Server] = entries
	r.mu.Unlock()
	r.logger.Info("tool schemas cached", "server", event.Server, "tools", len(entries))
}

// Tools lists every advertised tool across running servers.
func (r *Registry) Tools() []ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ToolInfo
	for _, entries := range r.tools {
		for _, entry := range entries {
			out = append(out, entry.info)
		}
	}
	return out
}

// Has reports whether (server, tool) is currently advertised.
func (r *Registry) Has(server, tool string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries, ok := r.tools[server]
	if !ok {
		return false
	}
	_, ok = entries[tool]
	return ok
}

// Call validates args against the cached schema and forwards the call
// with the given deadline. Calls on the same (server, tool) are
// serialized FIFO; the deadline covers queue wait plus execution.
func (r *Registry) Call(ctx context.Context, server, tool string, args map[string]any, deadline time.Duration) (string, error) {
	out, err := r.call(ctx, server, tool, args, deadline)
	if r.metrics != nil {
		r.metrics.ToolCalled(server, tool, err == nil)
	}
	return out, err
}

func (r *Registry) call(ctx context.Context, server, tool string, args map[string]any, deadline time.Duration) (string, error) {
	if deadline <= 0 {
		return "", errkind.Newf(errkind.KindDomain, "That call has no deadline.", "deadline must be positive")
	}

	r.mu.RLock()
	entries, serverKnown := r.tools[server]
	var entry *cachedTool
	if serverKnown {
		entry = entries[tool]
	}
	r.mu.RUnlock()
	if entry == nil {
		return "", errkind.New(errkind.KindDomain,
			fmt.Sprintf("The tool %s/%s is not available right now.", server, tool),
			fmt.Errorf("%s/%s: %w", server, tool, ErrToolUnavailable))
	}

	encoded, err := json.Marshal(args)
	if err != nil {
		return "", errkind.New(errkind.KindDomain, "Those arguments could not be encoded.", err)
	}
	if entry.schema != nil {
		var decoded any
		if err := json.Unmarshal(encoded, &decoded); err != nil {
			return "", errkind.New(errkind.KindDomain, "Those arguments could not be decoded.", err)
		}
		if err := entry.schema.Validate(decoded); err != nil {
			return "", errkind.New(errkind.KindDomain,
				fmt.Sprintf("The arguments for %s do not match its schema.", tool),
				fmt.Errorf("%s/%s: %w: %v", server, tool, ErrInvalidArgs, err))
		}
	}

	gate := r.gate(server + "/" + tool)
	gate.Lock()
	defer gate.Unlock()

	client, ok := r.provider(server)
	if !ok {
		return "", errkind.New(errkind.KindDomain,
			fmt.Sprintf("The server %s is not running.", server),
			fmt.Errorf("%s: %w", server, ErrToolUnavailable))
	}

	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	result, err := client.CallTool(callCtx, tool, encoded)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return "", errkind.New(errkind.KindTransient,
				fmt.Sprintf("The tool %s took too long.", tool),
				fmt.Errorf("%s/%s after %s: %w", server, tool, deadline, ErrCallTimeout))
		}
		return "", errkind.New(errkind.KindTransient,
			fmt.Sprintf("The tool %s failed.", tool),
			fmt.Errorf("%s/%s: %w", server, tool, err))
	}
	if result.IsError {
		return "", errkind.Newf(errkind.KindDomain,
			fmt.Sprintf("The tool %s reported an error.", tool),
			"%s/%s: %s", server, tool, result.Text())
	}
	return result.Text(), nil
}

func (r *Registry) gate(key string) *sync.Mutex {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	gate, ok := r.inflight[key]
	if !ok {
		gate = &sync.Mutex{}
		r.inflight[key] = gate
	}
	return gate
}
