// Package scheduler fires durable tasks under a single-runner lock.
// It owns all task mutation: other components hand drafts to AddTask
// and consume the outbound notification channel.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vaheed/HER-Ai/internal/clock"
	"github.com/vaheed/HER-Ai/internal/errkind"
	"github.com/vaheed/HER-Ai/internal/store"
)

const (
	lockName = "scheduler_main"

	defaultTick              = time.Second
	defaultLockTTL           = 30 * time.Second
	defaultHeartbeatInterval = 10 * time.Second
	defaultWorkerPoolSize    = 8
	defaultNotificationCap   = 256

	// Tasks past this many consecutive failures are parked.
	failureBudget    = 10
	disabledByBudget = "failure_budget_exhausted"
)

// Notification is one outbound message for the transport collaborator.
type Notification struct {
	UserID    string
	Text      string
	ReplyMode string
}

// Gateway is the persistence surface the engine needs; *store.Store
// satisfies it.
type Gateway interface {
	SaveTask(ctx context.Context, task *store.Task) error
	LoadTasks(ctx context.Context) ([]*store.Task, error)
	DeleteTask(ctx context.Context, id string) error
	AcquireLock(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	HeartbeatLock(ctx context.Context, name, holder string) error
	ReleaseLock(ctx context.Context, name, holder string) error
	PublishState(ctx context.Context, snapshot *store.SchedulerSnapshot) (bool, error)
	PublishTasksOverride(ctx context.Context, tasks []*store.Task) error
	AppendJobLog(ctx context.Context, entry *store.JobLogEntry)
}

// Router dispatches workflow tool_call steps; *registry.Registry
// satisfies it.
type Router interface {
	Call(ctx context.Context, server, tool string, args map[string]any, deadline time.Duration) (string, error)
}

// EventSink receives audit events; *store.EventWriter satisfies it.
type EventSink interface {
	Decision(event *store.DecisionEvent) bool
}

// SystemHandler runs builtin maintenance tasks (daily reflection,
// proactive dispatch) identified by payload["system"].
type SystemHandler func(ctx context.Context, name string, task *store.Task) error

// Metrics is the optional instrumentation surface.
type Metrics interface {
	TaskFired(kind string, success bool)
	NotificationDropped()
}

// Engine is the scheduler.
type Engine struct {
	gateway Gateway
	clock   *clock.Service
	router  Router
	events  EventSink
	system  SystemHandler
	metrics Metrics
	logger  *slog.Logger

	holder            string
	tick              time.Duration
	lockTTL           time.Duration
	heartbeatInterval time.Duration
	fetchTimeout      time.Duration
	fetchRetries      int
	stepTimeout       time.Duration
	overlayPath       string

	fetcher *sourceFetcher

	mu    sync.Mutex
	tasks map[string]*store.Task

	sem           chan struct{}
	wg            sync.WaitGroup
	notifications chan Notification

	now func() time.Time
}

// Option configures the engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger.With("component", "scheduler")
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithRouter wires the capability router for tool_call steps.
func WithRouter(router Router) Option {
	return func(e *Engine) { e.router = router }
}

// WithEvents wires the decision event sink.
func WithEvents(events EventSink) Option {
	return func(e *Engine) { e.events = events }
}

// WithSystemHandler wires the builtin-task handler.
func WithSystemHandler(handler SystemHandler) Option {
	return func(e *Engine) { e.system = handler }
}

// WithMetrics wires instrumentation.
func WithMetrics(metrics Metrics) Option {
	return func(e *Engine) { e.metrics = metrics }
}

// WithTick sets the fire-loop interval.
func WithTick(tick time.Duration) Option {
	return func(e *Engine) {
		if tick > 0 {
			e.tick = tick
		}
	}
}

// WithLock sets the single-runner lease parameters.
func WithLock(ttl, heartbeat time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 && heartbeat > 0 && heartbeat < ttl {
			e.lockTTL, e.heartbeatInterval = ttl, heartbeat
		}
	}
}

// WithWorkerPool bounds concurrent task executions.
func WithWorkerPool(size int) Option {
	return func(e *Engine) {
		if size > 0 {
			e.sem = make(chan struct{}, size)
		}
	}
}

// WithFetchPolicy sets the workflow source fetch deadline and retries.
func WithFetchPolicy(timeout time.Duration, retries int) Option {
	return func(e *Engine) {
		if timeout > 0 {
			e.fetchTimeout = timeout
		}
		if retries >= 0 {
			e.fetchRetries = retries
		}
	}
}

// WithStepTimeout sets the per-step deadline for tool calls.
func WithStepTimeout(timeout time.Duration) Option {
	return func(e *Engine) {
		if timeout > 0 {
			e.stepTimeout = timeout
		}
	}
}

// WithOverlay sets the YAML overlay seeded at boot.
func WithOverlay(path string) Option {
	return func(e *Engine) { e.overlayPath = path }
}

// New creates an engine; Run starts it.
func New(gateway Gateway, clockSvc *clock.Service, opts ...Option) *Engine {
	e := &Engine{
		gateway:           gateway,
		clock:             clockSvc,
		logger:            slog.Default().With("component", "scheduler"),
		holder:            fmt.Sprintf("scheduler-%s", uuid.NewString()[:8]),
		tick:              defaultTick,
		lockTTL:           defaultLockTTL,
		heartbeatInterval: defaultHeartbeatInterval,
		fetchTimeout:      12 * time.Second,
		fetchRetries:      2,
		stepTimeout:       30 * time.Second,
		tasks:             map[string]*store.Task{},
		sem:               make(chan struct{}, defaultWorkerPoolSize),
		notifications:     make(chan Notification, defaultNotificationCap),
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.fetcher = newSourceFetcher(e.fetchTimeout, e.fetchRetries, e.logger)
	return e
}

// Notifications is the bounded outbound channel consumed by the
// transport. The engine never closes it.
func (e *Engine) Notifications() <-chan Notification { return e.notifications }

// Holder identifies this runner in lock and snapshot records.
func (e *Engine) Holder() string { return e.holder }

// Run seeds tasks and drives the fire loop until ctx is canceled. Only
// the lock holder fires; a runner that loses the lease suspends firing
// and competes for reacquisition.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Seed(ctx); err != nil {
		return fmt.Errorf("seed tasks: %w", err)
	}
	defer e.wg.Wait()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		acquired, err := e.gateway.AcquireLock(ctx, lockName, e.holder, e.lockTTL)
		if err != nil {
			e.logger.Warn("lock acquisition failed", "error", err)
		}
		if !acquired {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.heartbeatInterval):
			}
			continue
		}
		e.logger.Info("acquired scheduler lock", "holder", e.holder)
		err = e.lead(ctx)
		if ctx.Err() != nil {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if relErr := e.gateway.ReleaseLock(releaseCtx, lockName, e.holder); relErr != nil {
				e.logger.Warn("lock release failed", "error", relErr)
			}
			cancel()
			return ctx.Err()
		}
		e.logger.Warn("lost scheduler lock, suspending firing", "error", err)
	}
}

// lead runs the fire and heartbeat loops while the lease is held. The
// task set is reloaded from the durable store on every acquisition: a
// standby's in-memory copies are stale the moment the previous leader
// advanced a row, and firing from them would only produce version
// conflicts.
func (e *Engine) lead(ctx context.Context) error {
	if err := e.reload(ctx); err != nil {
		return fmt.Errorf("reload tasks: %w", err)
	}
	heartbeat := time.NewTicker(e.heartbeatInterval)
	defer heartbeat.Stop()
	fire := time.NewTicker(e.tick)
	defer fire.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-heartbeat.C:
			if err := e.gateway.HeartbeatLock(ctx, lockName, e.holder); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		case <-fire.C:
			e.tickOnce(ctx)
		}
	}
}

// reload replaces the in-memory task set with the durable rows.
func (e *Engine) reload(ctx context.Context) error {
	tasks, err := e.gateway.LoadTasks(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tasks = make(map[string]*store.Task, len(tasks))
	for _, task := range tasks {
		e.tasks[task.ID] = cloneTask(task)
	}
	return nil
}

// tickOnce fires every due task. next_run_at is advanced and persisted
// before execution is enqueued, so a crash mid-tick loses at most the
// enqueue, never duplicates a fire.
func (e *Engine) tickOnce(ctx context.Context) {
	now := e.now().UTC()
	due := e.dueTasks(now)
	for _, task := range due {
		if err := e.advance(ctx, task, now); err != nil {
			e.logger.Error("advance failed, skipping fire", "task", task.ID, "error", err)
			continue
		}
		e.enqueue(ctx, task.ID)
	}
	e.publishSnapshot(ctx, now)
}

func (e *Engine) dueTasks(now time.Time) []*store.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	var due []*store.Task
	for _, task := range e.tasks {
		if task.Enabled && !task.NextRunAt.IsZero() && !task.NextRunAt.After(now) {
			due = append(due, task)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRunAt.Before(due[j].NextRunAt) })
	return due
}

// advance moves next_run_at past now and persists. A trigger with no
// further fire (one-shot) disables the task.
func (e *Engine) advance(ctx context.Context, task *store.Task, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	next, ok, err := e.clock.NextFire(task.Trigger, now)
	if err != nil {
		return fmt.Errorf("next fire for %s: %w", task.ID, err)
	}
	task.LastRunAt = now
	if ok {
		task.NextRunAt = next
	} else {
		task.NextRunAt = time.Time{}
		task.Enabled = false
	}
	return e.gateway.SaveTask(ctx, task)
}

func (e *Engine) enqueue(ctx context.Context, taskID string) {
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() { <-e.sem }()
		e.execute(ctx, taskID)
	}()
}

// execute runs one fire of the task and records the outcome.
func (e *Engine) execute(ctx context.Context, taskID string) {
	e.mu.Lock()
	task, ok := e.tasks[taskID]
	if !ok {
		e.mu.Unlock()
		return
	}
	snapshot := cloneTask(task)
	e.mu.Unlock()

	started := time.Now()
	firedAt := e.now().UTC()
	newState, err := e.executeBody(ctx, snapshot)

	entry := &store.JobLogEntry{
		TaskID:     taskID,
		FiredAt:    firedAt,
		DurationMs: time.Since(started).Milliseconds(),
		Result:     "ok",
	}
	if err != nil {
		entry.Result = "error"
		entry.Error = err.Error()
	}
	e.gateway.AppendJobLog(ctx, entry)
	if e.metrics != nil {
		e.metrics.TaskFired(string(snapshot.Kind), err == nil)
	}
	e.settle(ctx, taskID, newState, err)
}

// settle folds an execution outcome back into the canonical task:
// persisted workflow state, the failure budget, last_result.
func (e *Engine) settle(ctx context.Context, taskID string, newState map[string]any, execErr error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	task, ok := e.tasks[taskID]
	if !ok {
		return
	}
	if newState != nil {
		task.State = newState
	}
	if execErr == nil {
		task.LastResult = "ok"
		task.FailureCount = 0
	} else {
		task.LastResult = execErr.Error()
		task.FailureCount++
		if e.events != nil {
			e.events.Decision(&store.DecisionEvent{
				EventType: "workflow_step_failed",
				UserID:    task.OwnerUser,
				Source:    "scheduler",
				Summary:   fmt.Sprintf("task %s failed (%d/%d)", task.ID, task.FailureCount, failureBudget),
				Details:   map[string]any{"task_id": task.ID, "error": execErr.Error()},
			})
		}
		if task.FailureCount > failureBudget {
			task.Enabled = false
			task.DisabledBy = disabledByBudget
			e.logger.Warn("task exceeded failure budget, disabling", "task", task.ID)
		}
	}
	if err := e.gateway.SaveTask(ctx, task); err != nil {
		e.logger.Error("persist after execution failed", "task", task.ID, "error", err)
	}
}

// executeBody dispatches on kind. It works on a clone and returns the
// new persistent state for workflows.
func (e *Engine) executeBody(ctx context.Context, task *store.Task) (map[string]any, error) {
	if name, ok := task.Payload["system"].(string); ok && name != "" {
		if e.system == nil {
			return nil, errkind.Newf(errkind.KindDomain, "This task is not runnable here.", "no system handler for %q", name)
		}
		return nil, e.system(ctx, name, task)
	}
	switch task.Kind {
	case store.TaskWorkflow:
		return e.runWorkflow(ctx, task)
	case store.TaskInterval, store.TaskCron, store.TaskReminder, store.TaskOneShot:
		e.deliver(Notification{UserID: task.OwnerUser, Text: payloadMessage(task)})
		return nil, nil
	default:
		return nil, errkind.Newf(errkind.KindDomain, "Unknown task kind.", "task %s has kind %q", task.ID, task.Kind)
	}
}

// deliver pushes to the bounded outbound channel; a full channel drops
// the notification rather than stalling the fire loop.
func (e *Engine) deliver(n Notification) {
	select {
	case e.notifications <- n:
	default:
		e.logger.Warn("notification channel full, dropping", "user", n.UserID)
		if e.metrics != nil {
			e.metrics.NotificationDropped()
		}
	}
}

func (e *Engine) publishSnapshot(ctx context.Context, now time.Time) {
	e.mu.Lock()
	upcoming := make([]store.UpcomingJob, 0, len(e.tasks))
	for _, task := range e.tasks {
		if task.Enabled && !task.NextRunAt.IsZero() {
			upcoming = append(upcoming, store.UpcomingJob{
				TaskID:    task.ID,
				Kind:      task.Kind,
				NextRunAt: task.NextRunAt,
				Enabled:   task.Enabled,
			})
		}
	}
	total := len(e.tasks)
	e.mu.Unlock()

	sort.Slice(upcoming, func(i, j int) bool { return upcoming[i].NextRunAt.Before(upcoming[j].NextRunAt) })
	if len(upcoming) > 10 {
		upcoming = upcoming[:10]
	}
	if _, err := e.gateway.PublishState(ctx, &store.SchedulerSnapshot{
		PublishedAt: now,
		Holder:      e.holder,
		TaskCount:   total,
		Upcoming:    upcoming,
	}); err != nil {
		e.logger.Warn("snapshot publish failed", "error", err)
	}
}

func payloadMessage(task *store.Task) string {
	if msg, ok := task.Payload["message"].(string); ok && msg != "" {
		return msg
	}
	return fmt.Sprintf("Task %s fired.", task.ID)
}

func cloneTask(task *store.Task) *store.Task {
	c := *task
	c.Payload = cloneMap(task.Payload)
	c.State = cloneMap(task.State)
	c.Steps = append([]store.WorkflowStep(nil), task.Steps...)
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
