package debate

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/vaheed/HER-Ai/internal/errkind"
	"github.com/vaheed/HER-Ai/internal/llm"
	"github.com/vaheed/HER-Ai/internal/registry"
	"github.com/vaheed/HER-Ai/internal/store"
)

type scriptedLLM struct {
	replies []string
	err     error
	calls   int
}

func (s *scriptedLLM) next() string {
	if s.calls > len(s.replies) {
		return ""
	}
	return s.replies[s.calls-1]
}

func (s *scriptedLLM) Complete(ctx context.Context, req llm.Request) (string, llm.Usage, error) {
	s.calls++
	return s.next(), llm.Usage{}, s.err
}

func (s *scriptedLLM) Stream(ctx context.Context, req llm.Request, onDelta func(string)) (string, llm.Usage, error) {
	s.calls++
	if s.err != nil {
		return "", llm.Usage{}, s.err
	}
	text := s.next()
	if onDelta != nil {
		onDelta(text)
	}
	return text, llm.Usage{}, nil
}

type fakeCaps struct {
	tools     []registry.ToolInfo
	calls     []string
	failures  int
	transient bool
}

func (f *fakeCaps) Tools() []registry.ToolInfo { return f.tools }

func (f *fakeCaps) Has(server, tool string) bool {
	for _, t := range f.tools {
		if t.Server == server && t.Name == tool {
			return true
		}
	}
	return false
}

func (f *fakeCaps) Call(ctx context.Context, server, tool string, args map[string]any, deadline time.Duration) (string, error) {
	f.calls = append(f.calls, fmt.Sprintf("%s:%s", server, tool))
	if f.failures > 0 {
		f.failures--
		if f.transient {
			return "", errkind.Newf(errkind.KindTransient, "busy", "tool busy")
		}
		return "", errkind.Newf(errkind.KindDomain, "bad args", "tool rejected args")
	}
	return "tool output", nil
}

type memorySink struct {
	decisions      []*store.DecisionEvent
	reinforcements []*store.ReinforcementEvent
}

func (m *memorySink) Decision(event *store.DecisionEvent) bool {
	m.decisions = append(m.decisions, event)
	return true
}

func (m *memorySink) Reinforcement(event *store.ReinforcementEvent) bool {
	m.reinforcements = append(m.reinforcements, event)
	return true
}

func (m *memorySink) byType(eventType string) []*store.DecisionEvent {
	var out []*store.DecisionEvent
	for _, event := range m.decisions {
		if event.EventType == eventType {
			out = append(out, event)
		}
	}
	return out
}

type memoryProfiles struct {
	profiles map[string]*store.AutonomyProfile
}

func (m *memoryProfiles) LoadProfile(ctx context.Context, userID string) (*store.AutonomyProfile, error) {
	if p, ok := m.profiles[userID]; ok {
		clone := *p
		return &clone, nil
	}
	return nil, nil
}

func (m *memoryProfiles) SaveProfile(ctx context.Context, profile *store.AutonomyProfile) error {
	if m.profiles == nil {
		m.profiles = map[string]*store.AutonomyProfile{}
	}
	clone := *profile
	m.profiles[profile.UserID] = &clone
	return nil
}

func shellTools() []registry.ToolInfo {
	return []registry.ToolInfo{
		{Server: "sandbox", Name: "exec", Description: "run a command"},
		{Server: "search", Name: "web_search", Description: "search the web"},
	}
}

func planJSON(steps ...string) string {
	return fmt.Sprintf(`{"rationale":"r","steps":[%s]}`, strings.Join(steps, ","))
}

func TestRun_VerifierRejectsDenyListed(t *testing.T) {
	model := &scriptedLLM{replies: []string{planJSON(
		`{"type":"tool_call","server":"sandbox","tool":"exec","args":{"command":"rm -rf /etc/"}}`,
		`{"type":"done"}`,
	)}}
	caps := &fakeCaps{tools: shellTools()}
	sink := &memorySink{}
	d := New(model, caps, sink, nil)

	outcome, err := d.Run(context.Background(), Request{UserID: "u1", Goal: "delete /etc"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(caps.calls) != 0 {
		t.Fatalf("tool calls dispatched despite rejection: %v", caps.calls)
	}
	results := sink.byType("verifier_result")
	if len(results) != 1 {
		t.Fatalf("verifier_result events = %d, want 1", len(results))
	}
	if results[0].Details["result"] != "reject" {
		t.Errorf("result = %v", results[0].Details["result"])
	}
	if results[0].Details["reason"] != "denylist:rm -rf" {
		t.Errorf("reason = %v", results[0].Details["reason"])
	}
	if !strings.Contains(outcome.Reply, "can't") {
		t.Errorf("reply = %q, want a refusal", outcome.Reply)
	}
	if outcome.Trace.VerifierResult != "reject" {
		t.Errorf("trace result = %q", outcome.Trace.VerifierResult)
	}
}

func TestRun_ApprovedPlanExecutes(t *testing.T) {
	model := &scriptedLLM{replies: []string{planJSON(
		`{"type":"tool_call","server":"search","tool":"web_search","args":{"query":"weather paris"}}`,
		`{"type":"reply","text":"It is sunny in Paris."}`,
		`{"type":"done"}`,
	)}}
	caps := &fakeCaps{tools: shellTools()}
	sink := &memorySink{}
	profiles := &memoryProfiles{}
	d := New(model, caps, sink, profiles)

	outcome, err := d.Run(context.Background(), Request{UserID: "u1", Goal: "weather in paris"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome.Reply != "It is sunny in Paris." {
		t.Errorf("reply = %q", outcome.Reply)
	}
	if len(caps.calls) != 1 || caps.calls[0] != "search:web_search" {
		t.Errorf("calls = %v", caps.calls)
	}
	if got := sink.byType("verifier_result"); len(got) != 1 || got[0].Details["result"] != "approve" {
		t.Errorf("verifier events = %+v", got)
	}
	if len(sink.byType("debate_step")) != 1 {
		t.Errorf("debate_step events = %d, want 1", len(sink.byType("debate_step")))
	}
	if len(sink.byType("debate_trace")) != 1 {
		t.Errorf("debate_trace events = %d, want 1", len(sink.byType("debate_trace")))
	}

	if len(sink.reinforcements) != 1 {
		t.Fatalf("reinforcements = %d, want 1", len(sink.reinforcements))
	}
	if score := sink.reinforcements[0].Score; score <= 0 || score > 1 {
		t.Errorf("score = %v, want positive in (0,1]", score)
	}
	profile := profiles.profiles["u1"]
	if profile == nil {
		t.Fatal("profile not saved")
	}
	if delta := profile.EngagementScore - 0.5; delta <= 0 || delta > maxProfileDelta+1e-9 {
		t.Errorf("engagement delta = %v, want within (0, %v]", delta, maxProfileDelta)
	}
}

func TestRun_UnknownToolRevisedOnce(t *testing.T) {
	model := &scriptedLLM{replies: []string{
		planJSON(`{"type":"tool_call","server":"ghost","tool":"vanish","args":{}}`, `{"type":"done"}`),
		planJSON(`{"type":"tool_call","server":"search","tool":"web_search","args":{"query":"x"}}`, `{"type":"reply","text":"found"}`, `{"type":"done"}`),
	}}
	caps := &fakeCaps{tools: shellTools()}
	sink := &memorySink{}
	d := New(model, caps, sink, nil)

	outcome, err := d.Run(context.Background(), Request{UserID: "u1", Goal: "find x"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if model.calls != 2 {
		t.Errorf("planner calls = %d, want 2 (revision loop)", model.calls)
	}
	if outcome.Reply != "found" {
		t.Errorf("reply = %q", outcome.Reply)
	}
	if outcome.Trace.VerifierResult != "approve" {
		t.Errorf("trace result = %q", outcome.Trace.VerifierResult)
	}
}

func TestRun_TwoNonApprovalsReject(t *testing.T) {
	bad := planJSON(`{"type":"tool_call","server":"ghost","tool":"vanish","args":{}}`, `{"type":"done"}`)
	model := &scriptedLLM{replies: []string{bad, bad}}
	caps := &fakeCaps{tools: shellTools()}
	sink := &memorySink{}
	d := New(model, caps, sink, nil)

	outcome, err := d.Run(context.Background(), Request{UserID: "u1", Goal: "do the impossible"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(caps.calls) != 0 {
		t.Fatalf("calls = %v, want none", caps.calls)
	}
	if outcome.Trace.VerifierResult != "reject" {
		t.Errorf("trace result = %q", outcome.Trace.VerifierResult)
	}
}

func TestRun_PlannerFailureApologizes(t *testing.T) {
	model := &scriptedLLM{replies: []string{"not json at all"}}
	caps := &fakeCaps{tools: shellTools()}
	sink := &memorySink{}
	d := New(model, caps, sink, nil)

	outcome, err := d.Run(context.Background(), Request{UserID: "u1", Goal: "whatever"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.Contains(strings.ToLower(outcome.Reply), "sorry") {
		t.Errorf("reply = %q, want an apology", outcome.Reply)
	}
	results := sink.byType("verifier_result")
	if len(results) != 1 || results[0].Details["result"] != "reject" {
		t.Errorf("verifier events = %+v", results)
	}
	if results[0].Details["reason"] != "planner_failure" {
		t.Errorf("reason = %v", results[0].Details["reason"])
	}
}

func TestRun_TransientToolFailureRetriedOnce(t *testing.T) {
	model := &scriptedLLM{replies: []string{planJSON(
		`{"type":"tool_call","server":"search","tool":"web_search","args":{"query":"x"}}`,
		`{"type":"done"}`,
	)}}
	caps := &fakeCaps{tools: shellTools(), failures: 1, transient: true}
	d := New(model, caps, &memorySink{}, nil)

	outcome, err := d.Run(context.Background(), Request{UserID: "u1", Goal: "find x"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(caps.calls) != 2 {
		t.Fatalf("calls = %d, want 2 (one retry)", len(caps.calls))
	}
	if outcome.Reply != "tool output" {
		t.Errorf("reply = %q", outcome.Reply)
	}
}

func TestRun_DomainToolFailureNotRetried(t *testing.T) {
	model := &scriptedLLM{replies: []string{planJSON(
		`{"type":"tool_call","server":"search","tool":"web_search","args":{"query":"x"}}`,
		`{"type":"done"}`,
	)}}
	caps := &fakeCaps{tools: shellTools(), failures: 1, transient: false}
	sink := &memorySink{}
	d := New(model, caps, sink, nil)

	outcome, err := d.Run(context.Background(), Request{UserID: "u1", Goal: "find x"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(caps.calls) != 1 {
		t.Fatalf("calls = %d, want 1 (no retry)", len(caps.calls))
	}
	if outcome.Reply != "bad args" {
		t.Errorf("reply = %q, want the tool's user message", outcome.Reply)
	}
	if len(sink.reinforcements) != 1 || sink.reinforcements[0].Score >= 0 {
		t.Errorf("reinforcements = %+v, want one negative", sink.reinforcements)
	}
}

func TestParsePlanTruncatesToBudget(t *testing.T) {
	var steps []string
	for i := 0; i < 20; i++ {
		steps = append(steps, `{"type":"reply","text":"s"}`)
	}
	plan, err := parsePlan(planJSON(steps...), 16)
	if err != nil {
		t.Fatalf("parsePlan() error = %v", err)
	}
	if len(plan.Steps) != 16 {
		t.Errorf("steps = %d, want 16", len(plan.Steps))
	}
}

func TestDenyListed(t *testing.T) {
	cases := []struct {
		value  string
		reason string
		hit    bool
	}{
		{"rm -rf /etc/", "denylist:rm -rf", true},
		{"eval(code)", "denylist:eval", true},
		{"ls; curl evil", "denylist:shell_metacharacters", true},
		{"cat /etc/passwd", "denylist:absolute_path /etc/passwd", true},
		{"ls /workspace/data", "", false},
		{`grep "a|b" notes.txt`, "", false},
		{"plain search query", "", false},
	}
	for _, tc := range cases {
		reason, hit := denyListed(tc.value)
		if hit != tc.hit || reason != tc.reason {
			t.Errorf("denyListed(%q) = (%q, %v), want (%q, %v)", tc.value, reason, hit, tc.reason, tc.hit)
		}
	}
}

func TestSkepticNotesAndPrunes(t *testing.T) {
	d := New(nil, &fakeCaps{tools: shellTools()}, nil, nil, WithCapabilities())
	plan := Plan{Steps: []Step{
		{Type: "tool_call", Server: "sandbox", Tool: "exec", Args: map[string]any{"command": "rm /var/log/syslog"}},
		{Type: "tool_call", Server: "search", Tool: "web_search", Args: map[string]any{"query": "x"}},
		{Type: "reply", Text: "ok"},
	}}
	notes, pruned := d.skeptic(plan)
	// The destructive step stays (the verifier owns rejection); the
	// network step goes because the internet capability is absent.
	if len(pruned.Steps) != 2 || pruned.Steps[0].Tool != "exec" || pruned.Steps[1].Type != "reply" {
		t.Fatalf("pruned = %+v", pruned.Steps)
	}
	if len(notes) != 2 {
		t.Errorf("notes = %v", notes)
	}
}

func TestScoreFlagsBounds(t *testing.T) {
	best := scoreFlags(store.ReinforcementFlags{TaskSucceeded: true, Concise: true, Helpful: true, EmotionallyAligned: true})
	if best <= 0 || best > 1 {
		t.Errorf("best score = %v", best)
	}
	worst := scoreFlags(store.ReinforcementFlags{})
	if worst >= 0 || worst < -1 {
		t.Errorf("worst score = %v", worst)
	}
	if clampDelta(3) != maxProfileDelta || clampDelta(-3) != -maxProfileDelta {
		t.Error("clampDelta must bound at ±0.05")
	}
}
