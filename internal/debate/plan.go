package debate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vaheed/HER-Ai/internal/llm"
)

const plannerSystem = `You are a cautious planner for an autonomous assistant.
Answer with one JSON object and nothing else:
{"rationale": "...", "steps": [
  {"type": "tool_call", "server": "...", "tool": "...", "args": {...}},
  {"type": "reply", "text": "..."},
  {"type": "done"}
]}
Use only the tools listed below. Keep plans short; end with "done".`

// plan asks the model for a step plan. feedback carries verifier
// reasons on the single revision loop.
func (d *Dispatcher) plan(ctx context.Context, req Request, feedback []string) (Plan, error) {
	if d.llm == nil {
		return Plan{}, fmt.Errorf("no model configured")
	}
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Goal: %s\n\nAvailable tools:\n", req.Goal)
	tools := d.caps.Tools()
	if len(tools) == 0 {
		prompt.WriteString("(none — plan reply/done steps only)\n")
	}
	for _, tool := range tools {
		fmt.Fprintf(&prompt, "- %s:%s — %s\n", tool.Server, tool.Name, tool.Description)
	}
	if len(feedback) > 0 {
		fmt.Fprintf(&prompt, "\nYour previous plan was not approved: %s\nProduce a corrected plan.\n", strings.Join(feedback, "; "))
	}

	// Streaming keeps long plans responsive; the deltas are discarded
	// here and surfaced by callers that care.
	text, _, err := d.llm.Stream(ctx, llm.Request{
		System:      plannerSystem,
		Messages:    []llm.Message{{Role: "user", Content: prompt.String()}},
		Temperature: 0.2,
		MaxTokens:   1024,
	}, nil)
	if err != nil {
		return Plan{}, fmt.Errorf("planner stream: %w", err)
	}
	return parsePlan(text, d.maxSteps)
}

func parsePlan(text string, maxSteps int) (Plan, error) {
	body := strings.TrimSpace(text)
	if start := strings.Index(body, "{"); start >= 0 {
		if end := strings.LastIndex(body, "}"); end > start {
			body = body[start : end+1]
		}
	}
	var plan Plan
	if err := json.Unmarshal([]byte(body), &plan); err != nil {
		return Plan{}, fmt.Errorf("parse plan: %w", err)
	}
	if len(plan.Steps) == 0 {
		return Plan{}, fmt.Errorf("plan has no steps")
	}
	if len(plan.Steps) > maxSteps {
		plan.Steps = plan.Steps[:maxSteps]
	}
	return plan, nil
}

// networkTools name fragments that imply outbound network use.
var networkHints = []string{"http", "fetch", "browse", "search", "download", "web"}

// skeptic critiques the plan with deterministic rules. Destructive ops
// outside the workspace are flagged for the verifier, which owns the
// rejection; network tools without the internet capability are pruned.
// The step cost budget is enforced by truncation.
func (d *Dispatcher) skeptic(plan Plan) ([]string, Plan) {
	var notes []string
	kept := make([]Step, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		if step.Type != "tool_call" {
			kept = append(kept, step)
			continue
		}
		if destructiveOutsideWorkspace(step.Args) {
			notes = append(notes, fmt.Sprintf("%s:%s: destructive op outside workspace", step.Server, step.Tool))
		}
		if !d.capabilities["internet"] && looksLikeNetworkTool(step.Tool) {
			notes = append(notes, fmt.Sprintf("dropped %s:%s: internet capability unavailable", step.Server, step.Tool))
			continue
		}
		kept = append(kept, step)
	}
	if len(kept) > d.maxSteps {
		notes = append(notes, fmt.Sprintf("truncated plan to %d steps", d.maxSteps))
		kept = kept[:d.maxSteps]
	}
	plan.Steps = kept
	return notes, plan
}

func looksLikeNetworkTool(tool string) bool {
	lower := strings.ToLower(tool)
	for _, hint := range networkHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

// destructiveOutsideWorkspace flags delete/overwrite verbs aimed at
// absolute paths that are not under /workspace.
func destructiveOutsideWorkspace(args map[string]any) bool {
	for _, value := range stringValues(args) {
		lower := strings.ToLower(value)
		destructive := strings.Contains(lower, "rm ") ||
			strings.Contains(lower, "delete") ||
			strings.Contains(lower, "unlink") ||
			strings.Contains(lower, "truncate")
		if destructive && hasAbsolutePathOutsideWorkspace(value) {
			return true
		}
	}
	return false
}

// stringValues flattens every string found in a nested args map.
func stringValues(value any) []string {
	switch v := value.(type) {
	case string:
		return []string{v}
	case map[string]any:
		var out []string
		for _, item := range v {
			out = append(out, stringValues(item)...)
		}
		return out
	case []any:
		var out []string
		for _, item := range v {
			out = append(out, stringValues(item)...)
		}
		return out
	default:
		return nil
	}
}
