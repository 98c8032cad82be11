package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/vaheed/HER-Ai/internal/backoff"
	"github.com/vaheed/HER-Ai/internal/errkind"
	"github.com/vaheed/HER-Ai/internal/expr"
	"github.com/vaheed/HER-Ai/internal/store"
)

var placeholderRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// runWorkflow executes the steps sequentially over a mutable state map
// seeded from the prior run. set bindings live for this run only;
// set_state bindings come back as the new persistent state.
func (e *Engine) runWorkflow(ctx context.Context, task *store.Task) (map[string]any, error) {
	state := cloneMap(task.State)
	if state == nil {
		state = map[string]any{}
	}
	env := expr.Env{"state": state}

	sourceURL, _ := task.Payload["source_url"].(string)
	if sourceURL != "" {
		source, err := e.fetcher.fetch(ctx, sourceURL)
		if err != nil {
			return nil, fmt.Errorf("fetch source: %w", err)
		}
		env["source"] = source
	}

	for i, step := range task.Steps {
		if err := e.runStep(ctx, task, env, state, sourceURL, step); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i+1, step.Action, err)
		}
	}
	return state, nil
}

func (e *Engine) runStep(ctx context.Context, task *store.Task, env expr.Env, state map[string]any, sourceURL string, step store.WorkflowStep) error {
	switch step.Action {
	case store.StepFetch:
		// fetch only refreshes the declared source_url; steps cannot
		// name arbitrary URLs.
		if sourceURL == "" {
			return errkind.Newf(errkind.KindDomain, "This workflow has no source to fetch.", "fetch step without payload.source_url")
		}
		source, err := e.fetcher.fetch(ctx, sourceURL)
		if err != nil {
			return err
		}
		env["source"] = source
		return nil

	case store.StepSet:
		value, err := evalStep(step.Expr, env)
		if err != nil {
			return err
		}
		env[step.Key] = value.Any()
		return nil

	case store.StepSetState:
		value, err := evalStep(step.Expr, env)
		if err != nil {
			return err
		}
		env[step.Key] = value.Any()
		state[step.Key] = value.Any()
		return nil

	case store.StepNotify:
		if step.When != "" {
			guard, err := evalStep(step.When, env)
			if err != nil {
				return err
			}
			if !guard.Truthy() {
				return nil
			}
		}
		e.deliver(Notification{UserID: task.OwnerUser, Text: renderMessage(step.Message, env)})
		return nil

	case store.StepToolCall:
		if e.router == nil {
			return errkind.Newf(errkind.KindDomain, "Tool calls are not available.", "tool_call step with no router")
		}
		args, err := evalArgs(step.Args, env)
		if err != nil {
			return err
		}
		result, err := e.router.Call(ctx, step.Server, step.Tool, args, e.stepTimeout)
		if err != nil {
			return fmt.Errorf("tool %s:%s: %w", step.Server, step.Tool, err)
		}
		target := step.Target
		if target == "" {
			target = "result"
		}
		env[target] = result
		state[target] = result
		return nil

	default:
		return errkind.Newf(errkind.KindDomain, "Unknown workflow step.", "step action %q", step.Action)
	}
}

func evalStep(source string, env expr.Env) (expr.Value, error) {
	program, err := expr.Parse(source)
	if err != nil {
		return expr.Value{}, err
	}
	return program.EvalBudget(env, expr.DefaultTimeBudget, expr.DefaultResultBudget)
}

// evalArgs resolves string argument values that are placeholders like
// "{price}" against the environment; everything else passes through.
func evalArgs(args map[string]any, env expr.Env) (map[string]any, error) {
	if args == nil {
		return nil, nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		if s, ok := v.(string); ok {
			out[k] = renderMessage(s, env)
			continue
		}
		out[k] = v
	}
	return out, nil
}

// renderMessage substitutes {name} placeholders with formatted values
// from the environment; unknown names are left as written.
func renderMessage(message string, env expr.Env) string {
	return placeholderRe.ReplaceAllStringFunc(message, func(match string) string {
		name := strings.Trim(match, "{}")
		value, ok := env[name]
		if !ok {
			return match
		}
		return expr.FromAny(value).Format()
	})
}

// sourceFetcher pulls the workflow source document with a bounded
// deadline and retry budget.
type sourceFetcher struct {
	client *http.Client
	policy backoff.Policy
	logger *slog.Logger
}

func newSourceFetcher(timeout time.Duration, retries int, logger *slog.Logger) *sourceFetcher {
	return &sourceFetcher{
		client: &http.Client{Timeout: timeout},
		policy: backoff.Policy{
			InitialMs:   100,
			MaxMs:       2000,
			Factor:      2,
			Jitter:      0.1,
			MaxAttempts: retries + 1,
		},
		logger: logger,
	}
}

// fetch GETs the URL and parses JSON; non-JSON bodies come back under
// the "text" key.
func (f *sourceFetcher) fetch(ctx context.Context, url string) (map[string]any, error) {
	body, err := backoff.Retry(ctx, f.policy, func(attempt int) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, errkind.New(errkind.KindDomain, "The source URL is invalid.", err)
		}
		resp, err := f.client.Do(req)
		if err != nil {
			return nil, errkind.New(errkind.KindTransient, "The source could not be reached.", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return nil, errkind.Newf(errkind.KindTransient, "The source is unavailable.", "source returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return nil, errkind.Newf(errkind.KindDomain, "The source rejected the request.", "source returned %d", resp.StatusCode)
		}
		return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	})
	if err != nil {
		return nil, err
	}

	var doc map[string]any
	if jsonErr := json.Unmarshal(body, &doc); jsonErr != nil {
		return map[string]any{"text": string(body)}, nil
	}
	return doc, nil
}
