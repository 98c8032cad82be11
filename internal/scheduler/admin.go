package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/vaheed/HER-Ai/internal/errkind"
	"github.com/vaheed/HER-Ai/internal/store"
)

// AddTask validates, schedules, and persists a task. The draft's
// next_run_at is computed here; callers never set it.
func (e *Engine) AddTask(ctx context.Context, task *store.Task) error {
	if task == nil || task.ID == "" {
		return errkind.Newf(errkind.KindDomain, "The task is missing an id.", "add task without id")
	}
	if err := task.Trigger.Validate(); err != nil {
		return err
	}
	now := e.now().UTC()
	next, ok, err := e.clock.NextFire(task.Trigger, now)
	if err != nil {
		return err
	}
	if !ok {
		return errkind.Newf(errkind.KindDomain, "That time is already in the past.", "task %s has no future fire", task.ID)
	}
	task.NextRunAt = next
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.tasks[task.ID]; exists {
		return errkind.Newf(errkind.KindDomain, "A task with that id already exists.", "duplicate task id %s", task.ID)
	}
	if err := e.gateway.SaveTask(ctx, task); err != nil {
		return fmt.Errorf("persist task %s: %w", task.ID, err)
	}
	e.tasks[task.ID] = task
	e.logger.Info("task added", "task", task.ID, "kind", task.Kind, "next_run_at", task.NextRunAt)
	e.publishOverrideLocked(ctx)
	return nil
}

// RemoveTask deletes a task; removing an unknown id is a no-op.
func (e *Engine) RemoveTask(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.gateway.DeleteTask(ctx, id); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	delete(e.tasks, id)
	e.publishOverrideLocked(ctx)
	return nil
}

// SetEnabled flips a task on or off. Enabling reschedules from now and
// clears the failure budget.
func (e *Engine) SetEnabled(ctx context.Context, id string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	task, ok := e.tasks[id]
	if !ok {
		return errkind.Newf(errkind.KindDomain, "No such task.", "set enabled: unknown task %s", id)
	}
	task.Enabled = enabled
	if enabled {
		task.DisabledBy = ""
		task.FailureCount = 0
		next, ok, err := e.clock.NextFire(task.Trigger, e.now().UTC())
		if err != nil {
			return err
		}
		if !ok {
			task.Enabled = false
			return errkind.Newf(errkind.KindDomain, "That task has no future fire time.", "enable %s: trigger exhausted", id)
		}
		task.NextRunAt = next
	}
	if err := e.gateway.SaveTask(ctx, task); err != nil {
		return fmt.Errorf("persist task %s: %w", id, err)
	}
	e.publishOverrideLocked(ctx)
	return nil
}

// RunNow executes a task immediately without touching its schedule.
func (e *Engine) RunNow(ctx context.Context, id string) error {
	e.mu.Lock()
	_, ok := e.tasks[id]
	e.mu.Unlock()
	if !ok {
		return errkind.Newf(errkind.KindDomain, "No such task.", "run now: unknown task %s", id)
	}
	e.execute(ctx, id)
	return nil
}

// Tasks returns a snapshot sorted by id.
func (e *Engine) Tasks() []*store.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*store.Task, 0, len(e.tasks))
	for _, task := range e.tasks {
		out = append(out, cloneTask(task))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Task returns one task by id.
func (e *Engine) Task(id string) (*store.Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	task, ok := e.tasks[id]
	if !ok {
		return nil, false
	}
	return cloneTask(task), true
}

// Upcoming returns the soonest n enabled fires.
func (e *Engine) Upcoming(n int) []store.UpcomingJob {
	e.mu.Lock()
	defer e.mu.Unlock()
	jobs := make([]store.UpcomingJob, 0, len(e.tasks))
	for _, task := range e.tasks {
		if task.Enabled && !task.NextRunAt.IsZero() {
			jobs = append(jobs, store.UpcomingJob{TaskID: task.ID, Kind: task.Kind, NextRunAt: task.NextRunAt, Enabled: true})
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].NextRunAt.Before(jobs[j].NextRunAt) })
	if n > 0 && len(jobs) > n {
		jobs = jobs[:n]
	}
	return jobs
}

// publishOverrideLocked mirrors the task set to the KV override key so
// deployments with read-only config mounts see runtime mutations.
// Callers hold e.mu.
func (e *Engine) publishOverrideLocked(ctx context.Context) {
	tasks := make([]*store.Task, 0, len(e.tasks))
	for _, task := range e.tasks {
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	if err := e.gateway.PublishTasksOverride(publishCtx, tasks); err != nil {
		e.logger.Warn("tasks override publish failed", "error", err)
	}
}
