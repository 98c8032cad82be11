package scheduler

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vaheed/HER-Ai/internal/clock"
	"github.com/vaheed/HER-Ai/internal/store"
)

// overlayFile is the YAML overlay shape. The overlay seeds tasks that
// are absent from the durable store; it never overwrites runtime
// mutations.
type overlayFile struct {
	Tasks []overlayTask `yaml:"tasks"`
}

type overlayTask struct {
	ID      string               `yaml:"id"`
	Owner   string               `yaml:"owner"`
	Kind    store.TaskKind       `yaml:"kind"`
	Trigger clock.Trigger        `yaml:"trigger"`
	Enabled *bool                `yaml:"enabled"`
	Payload map[string]any       `yaml:"payload"`
	Steps   []store.WorkflowStep `yaml:"steps"`
}

// LoadOverlay parses a task overlay file.
func LoadOverlay(path string) ([]*store.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read overlay: %w", err)
	}
	var file overlayFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse overlay: %w", err)
	}
	tasks := make([]*store.Task, 0, len(file.Tasks))
	for i, ot := range file.Tasks {
		if ot.ID == "" {
			return nil, fmt.Errorf("overlay task %d has no id", i)
		}
		if err := ot.Trigger.Validate(); err != nil {
			return nil, fmt.Errorf("overlay task %s: %w", ot.ID, err)
		}
		enabled := true
		if ot.Enabled != nil {
			enabled = *ot.Enabled
		}
		tasks = append(tasks, &store.Task{
			ID:        ot.ID,
			OwnerUser: ot.Owner,
			Kind:      ot.Kind,
			Trigger:   ot.Trigger,
			Enabled:   enabled,
			Payload:   ot.Payload,
			Steps:     ot.Steps,
		})
	}
	return tasks, nil
}

// baselineTasks are the builtin maintenance jobs present in every
// deployment. They dispatch through the system handler.
func baselineTasks() []*store.Task {
	return []*store.Task{
		{
			ID:      "memory_reflection",
			Kind:    store.TaskInterval,
			Trigger: clock.Trigger{Kind: clock.KindInterval, IntervalSeconds: 3600},
			Enabled: true,
			Payload: map[string]any{"system": "memory_reflection"},
		},
		{
			ID:      "weekly_self_optimization",
			Kind:    store.TaskCron,
			Trigger: clock.Trigger{Kind: clock.KindCron, CronExpr: "0 4 * * 0", Timezone: "UTC"},
			Enabled: true,
			Payload: map[string]any{"system": "weekly_self_optimization"},
		},
		{
			ID:      "proactive_daily_dispatcher",
			Kind:    store.TaskInterval,
			Trigger: clock.Trigger{Kind: clock.KindInterval, IntervalSeconds: 1800},
			Enabled: true,
			Payload: map[string]any{"system": "proactive_daily_dispatcher"},
		},
	}
}

// Seed loads the durable task set and fills gaps from the overlay and
// the baseline jobs. Durable rows always win.
func (e *Engine) Seed(ctx context.Context) error {
	stored, err := e.gateway.LoadTasks(ctx)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}

	e.mu.Lock()
	e.tasks = make(map[string]*store.Task, len(stored))
	for _, task := range stored {
		e.tasks[task.ID] = task
	}
	e.mu.Unlock()

	var seeds []*store.Task
	if e.overlayPath != "" {
		overlay, err := LoadOverlay(e.overlayPath)
		if err != nil {
			e.logger.Warn("overlay unusable, continuing without it", "path", e.overlayPath, "error", err)
		} else {
			seeds = append(seeds, overlay...)
		}
	}
	seeds = append(seeds, baselineTasks()...)

	now := e.now().UTC()
	for _, seed := range seeds {
		e.mu.Lock()
		_, exists := e.tasks[seed.ID]
		e.mu.Unlock()
		if exists {
			continue
		}
		next, ok, err := e.clock.NextFire(seed.Trigger, now)
		if err != nil || !ok {
			e.logger.Warn("seed task has no future fire, skipping", "task", seed.ID, "error", err)
			continue
		}
		seed.NextRunAt = next
		seed.CreatedAt = now
		if err := e.gateway.SaveTask(ctx, seed); err != nil {
			return fmt.Errorf("seed task %s: %w", seed.ID, err)
		}
		e.mu.Lock()
		e.tasks[seed.ID] = seed
		e.mu.Unlock()
		e.logger.Info("seeded task", "task", seed.ID, "next_run_at", seed.NextRunAt)
	}
	return nil
}
