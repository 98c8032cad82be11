// Package debate gates autonomous actions behind a Planner, Skeptic,
// and Verifier before any tool is dispatched, then scores the outcome
// into the reinforcement stream.
package debate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vaheed/HER-Ai/internal/errkind"
	"github.com/vaheed/HER-Ai/internal/llm"
	"github.com/vaheed/HER-Ai/internal/registry"
	"github.com/vaheed/HER-Ai/internal/store"
)

// Step is one planned action.
type Step struct {
	Type   string         `json:"type"` // tool_call, reply, done
	Server string         `json:"server,omitempty"`
	Tool   string         `json:"tool,omitempty"`
	Args   map[string]any `json:"args,omitempty"`
	Text   string         `json:"text,omitempty"`
}

// Plan is the planner output.
type Plan struct {
	Rationale string `json:"rationale"`
	Steps     []Step `json:"steps"`
}

// Trace records one full debate; every action request yields exactly
// one.
type Trace struct {
	RequestID      string
	UserID         string
	Goal           string
	Plan           Plan
	SkepticNotes   []string
	VerifierResult string // approve, revise, reject
	RejectReason   string
	FinalActions   []string
	Elapsed        time.Duration
}

// Outcome is what the caller relays to the user.
type Outcome struct {
	Reply string
	Trace *Trace
}

// Capabilities is the router surface the dispatcher needs;
// *registry.Registry satisfies it.
type Capabilities interface {
	Tools() []registry.ToolInfo
	Has(server, tool string) bool
	Call(ctx context.Context, server, tool string, args map[string]any, deadline time.Duration) (string, error)
}

// EventSink receives audit and reinforcement events;
// *store.EventWriter satisfies it.
type EventSink interface {
	Decision(event *store.DecisionEvent) bool
	Reinforcement(event *store.ReinforcementEvent) bool
}

// ProfileStore persists autonomy profiles; *store.Store satisfies it.
type ProfileStore interface {
	LoadProfile(ctx context.Context, userID string) (*store.AutonomyProfile, error)
	SaveProfile(ctx context.Context, profile *store.AutonomyProfile) error
}

// Dispatcher runs the debate pipeline.
type Dispatcher struct {
	llm          llm.Client
	caps         Capabilities
	events       EventSink
	profiles     ProfileStore
	logger       *slog.Logger
	maxSteps     int
	stepTimeout  time.Duration
	capabilities map[string]bool
	now          func() time.Time
}

// Option configures the dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger.With("component", "debate")
		}
	}
}

// WithMaxSteps bounds the plan length.
func WithMaxSteps(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxSteps = n
		}
	}
}

// WithStepTimeout sets the per-step execution deadline.
func WithStepTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.stepTimeout = timeout
		}
	}
}

// WithCapabilities declares the runtime capability set the skeptic
// checks network steps against.
func WithCapabilities(names ...string) Option {
	return func(d *Dispatcher) {
		d.capabilities = map[string]bool{}
		for _, name := range names {
			d.capabilities[name] = true
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// New creates a dispatcher. events and profiles may be nil.
func New(client llm.Client, caps Capabilities, events EventSink, profiles ProfileStore, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		llm:          client,
		caps:         caps,
		events:       events,
		profiles:     profiles,
		logger:       slog.Default().With("component", "debate"),
		maxSteps:     16,
		stepTimeout:  60 * time.Second,
		capabilities: map[string]bool{"internet": true},
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Request is one action request.
type Request struct {
	UserID   string
	Goal     string
	Language string
}

// Run executes the full pipeline. The returned error is reserved for
// infrastructure failures; refusals and apologies come back as a
// normal Outcome.
func (d *Dispatcher) Run(ctx context.Context, req Request) (Outcome, error) {
	started := d.now()
	trace := &Trace{
		RequestID: uuid.NewString(),
		UserID:    req.UserID,
		Goal:      req.Goal,
	}
	defer func() {
		trace.Elapsed = d.now().Sub(started)
		d.emitTrace(trace)
	}()

	plan, err := d.plan(ctx, req, nil)
	if err != nil {
		d.logger.Warn("planner failed", "error", err)
		return d.rejectWith(ctx, req, trace, "planner_failure"), nil
	}
	trace.Plan = plan

	notes, plan := d.skeptic(plan)
	trace.SkepticNotes = notes

	verdict := d.verify(plan)
	if verdict.result == verdictRevise {
		// One revision loop: the planner gets the verifier feedback.
		revised, err := d.plan(ctx, req, verdict.reasons)
		if err != nil {
			d.logger.Warn("revision planning failed", "error", err)
			return d.rejectWith(ctx, req, trace, "planner_failure"), nil
		}
		_, revised = d.skeptic(revised)
		trace.Plan = revised
		second := d.verify(revised)
		if second.result != verdictApprove {
			// Two consecutive non-approvals.
			trace.VerifierResult = string(verdictReject)
			trace.RejectReason = firstReason(second.reasons)
			d.emitVerifierResult(trace, second.reasons)
			return d.refusal(ctx, req, trace), nil
		}
		plan = revised
		verdict = second
	}
	if verdict.result == verdictReject {
		trace.VerifierResult = string(verdictReject)
		trace.RejectReason = firstReason(verdict.reasons)
		d.emitVerifierResult(trace, verdict.reasons)
		return d.refusal(ctx, req, trace), nil
	}

	trace.VerifierResult = string(verdictApprove)
	d.emitVerifierResult(trace, nil)

	reply, execErr := d.execute(ctx, req, trace, plan)
	d.reinforce(ctx, req, trace, reply, execErr)

	if execErr != nil {
		return Outcome{
			Reply: errkind.UserMessage(execErr),
			Trace: trace,
		}, nil
	}
	if reply == "" {
		reply = "Done."
	}
	return Outcome{Reply: reply, Trace: trace}, nil
}

// execute dispatches approved steps through the router. Transient tool
// failures get one retry with a fresh deadline.
func (d *Dispatcher) execute(ctx context.Context, req Request, trace *Trace, plan Plan) (string, error) {
	var reply string
	for i, step := range plan.Steps {
		if i >= d.maxSteps {
			break
		}
		switch step.Type {
		case "done":
			return reply, nil
		case "reply":
			reply = step.Text
		case "tool_call":
			result, err := d.caps.Call(ctx, step.Server, step.Tool, step.Args, d.stepTimeout)
			if err != nil && errkind.Retryable(err) {
				d.logger.Info("retrying transient tool failure", "tool", step.Tool)
				result, err = d.caps.Call(ctx, step.Server, step.Tool, step.Args, d.stepTimeout)
			}
			action := fmt.Sprintf("%s:%s", step.Server, step.Tool)
			trace.FinalActions = append(trace.FinalActions, action)
			if d.events != nil {
				event := &store.DecisionEvent{
					EventType: "debate_step",
					UserID:    req.UserID,
					Source:    "debate",
					Summary:   fmt.Sprintf("step %d %s", i+1, action),
					Details:   map[string]any{"request_id": trace.RequestID, "tool": action},
				}
				if err != nil {
					event.Details["error"] = err.Error()
				}
				d.events.Decision(event)
			}
			if err != nil {
				return reply, fmt.Errorf("step %d (%s): %w", i+1, action, err)
			}
			if reply == "" {
				reply = result
			}
		}
	}
	return reply, nil
}

// rejectWith handles pipeline infrastructure failures: the trace shows
// a rejection and the user gets an apology.
func (d *Dispatcher) rejectWith(ctx context.Context, req Request, trace *Trace, reason string) Outcome {
	trace.VerifierResult = string(verdictReject)
	trace.RejectReason = reason
	d.emitVerifierResult(trace, []string{reason})
	d.reinforce(ctx, req, trace, "", fmt.Errorf("debate pipeline: %s", reason))
	return Outcome{
		Reply: "I'm sorry, I couldn't work out a safe way to do that right now.",
		Trace: trace,
	}
}

// refusal is the user-facing answer for a verifier rejection.
func (d *Dispatcher) refusal(ctx context.Context, req Request, trace *Trace) Outcome {
	d.reinforce(ctx, req, trace, "", errkind.Newf(errkind.KindSafety, "", "verifier rejected plan"))
	return Outcome{
		Reply: "I can't do that: the request failed my safety checks.",
		Trace: trace,
	}
}

func (d *Dispatcher) emitVerifierResult(trace *Trace, reasons []string) {
	if d.events == nil {
		return
	}
	details := map[string]any{
		"request_id": trace.RequestID,
		"result":     trace.VerifierResult,
	}
	if len(reasons) > 0 {
		details["reason"] = reasons[0]
		details["reasons"] = reasons
	}
	d.events.Decision(&store.DecisionEvent{
		EventType: "verifier_result",
		UserID:    trace.UserID,
		Source:    "debate",
		Summary:   fmt.Sprintf("verifier %s for %q", trace.VerifierResult, trace.Goal),
		Details:   details,
	})
}

func (d *Dispatcher) emitTrace(trace *Trace) {
	if d.events == nil {
		return
	}
	d.events.Decision(&store.DecisionEvent{
		EventType: "debate_trace",
		UserID:    trace.UserID,
		Source:    "debate",
		Summary:   fmt.Sprintf("debate %s finished: %s", trace.RequestID, trace.VerifierResult),
		Details: map[string]any{
			"request_id":      trace.RequestID,
			"goal":            trace.Goal,
			"steps":           len(trace.Plan.Steps),
			"skeptic_notes":   trace.SkepticNotes,
			"verifier_result": trace.VerifierResult,
			"final_actions":   trace.FinalActions,
			"elapsed_ms":      trace.Elapsed.Milliseconds(),
		},
	})
}

func firstReason(reasons []string) string {
	if len(reasons) == 0 {
		return "unspecified"
	}
	return reasons[0]
}
