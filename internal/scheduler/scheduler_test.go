package scheduler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vaheed/HER-Ai/internal/clock"
	"github.com/vaheed/HER-Ai/internal/store"
)

type fakeGateway struct {
	mu        sync.Mutex
	tasks     map[string]*store.Task
	saveOrder []string
	locks     map[string]string
	snapshots int
	jobLogs   []store.JobLogEntry
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{tasks: map[string]*store.Task{}, locks: map[string]string{}}
}

func (g *fakeGateway) SaveTask(ctx context.Context, task *store.Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	saved := cloneTask(task)
	g.tasks[task.ID] = saved
	g.saveOrder = append(g.saveOrder, fmt.Sprintf("save:%s:%s", task.ID, saved.NextRunAt.UTC().Format(time.RFC3339)))
	return nil
}

func (g *fakeGateway) LoadTasks(ctx context.Context) ([]*store.Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*store.Task
	for _, task := range g.tasks {
		out = append(out, cloneTask(task))
	}
	return out, nil
}

func (g *fakeGateway) DeleteTask(ctx context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.tasks, id)
	return nil
}

func (g *fakeGateway) AcquireLock(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if current, held := g.locks[name]; held && current != holder {
		return false, nil
	}
	g.locks[name] = holder
	return true, nil
}

func (g *fakeGateway) HeartbeatLock(ctx context.Context, name, holder string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.locks[name] != holder {
		return store.ErrLockLost
	}
	return nil
}

func (g *fakeGateway) ReleaseLock(ctx context.Context, name, holder string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.locks[name] == holder {
		delete(g.locks, name)
	}
	return nil
}

func (g *fakeGateway) PublishState(ctx context.Context, snapshot *store.SchedulerSnapshot) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.snapshots++
	return true, nil
}

func (g *fakeGateway) PublishTasksOverride(ctx context.Context, tasks []*store.Task) error {
	return nil
}

func (g *fakeGateway) AppendJobLog(ctx context.Context, entry *store.JobLogEntry) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.jobLogs = append(g.jobLogs, *entry)
}

func (g *fakeGateway) task(t *testing.T, id string) *store.Task {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	task, ok := g.tasks[id]
	if !ok {
		t.Fatalf("task %s not persisted", id)
	}
	return cloneTask(task)
}

type testEngine struct {
	*Engine
	gateway *fakeGateway
	now     *time.Time
}

func newTestEngine(t *testing.T, opts ...Option) *testEngine {
	t.Helper()
	gateway := newFakeGateway()
	current := time.Date(2025, 3, 10, 8, 59, 59, 0, time.UTC)
	all := append([]Option{WithNow(func() time.Time { return current })}, opts...)
	engine := New(gateway, clock.NewService(), all...)
	return &testEngine{Engine: engine, gateway: gateway, now: &current}
}

// fireAt moves the clock and runs one synchronous tick.
func (te *testEngine) fireAt(ctx context.Context, at time.Time) {
	*te.now = at
	te.tickOnce(ctx)
	te.wg.Wait()
}

func drainNotifications(e *Engine) []Notification {
	var out []Notification
	for {
		select {
		case n := <-e.Notifications():
			out = append(out, n)
		default:
			return out
		}
	}
}

func TestThresholdWorkflow(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			fmt.Fprint(w, `{"bitcoin":{"usd":50000.0}}`)
			return
		}
		fmt.Fprint(w, `{"bitcoin":{"usd":51500.0}}`)
	}))
	defer server.Close()

	te := newTestEngine(t)
	ctx := context.Background()
	task := &store.Task{
		ID:        "btc_rule",
		OwnerUser: "u1",
		Kind:      store.TaskWorkflow,
		Trigger:   clock.Trigger{Kind: clock.KindInterval, IntervalSeconds: 300},
		Enabled:   true,
		Payload:   map[string]any{"source_url": server.URL},
		Steps: []store.WorkflowStep{
			{Action: store.StepSet, Key: "price", Expr: `float(source["bitcoin"]["usd"])`},
			{
				Action:  store.StepNotify,
				When:    `state.get("last_price") and ((price - float(state["last_price"])) / float(state["last_price"]) * 100) >= 2`,
				Message: "BTC up >=2%, price={price}",
			},
			{Action: store.StepSetState, Key: "last_price", Expr: "price"},
		},
	}
	if err := te.AddTask(ctx, task); err != nil {
		t.Fatalf("AddTask() error = %v", err)
	}

	first := te.now.Add(301 * time.Second)
	te.fireAt(ctx, first)
	if n := drainNotifications(te.Engine); len(n) != 0 {
		t.Fatalf("first fire produced notifications: %v", n)
	}

	te.fireAt(ctx, first.Add(301*time.Second))
	notes := drainNotifications(te.Engine)
	if len(notes) != 1 {
		t.Fatalf("second fire produced %d notifications, want 1", len(notes))
	}
	if notes[0].Text != "BTC up >=2%, price=51500.0" {
		t.Errorf("notification = %q", notes[0].Text)
	}

	persisted := te.gateway.task(t, "btc_rule")
	if got := persisted.State["last_price"]; got != 51500.0 {
		t.Errorf("state.last_price = %v (%T), want 51500.0", got, got)
	}
	if persisted.FailureCount != 0 {
		t.Errorf("failure_count = %d", persisted.FailureCount)
	}
}

func TestDailyReminderAdvancesAcrossDays(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	task := &store.Task{
		ID:        "hydrate",
		OwnerUser: "u1",
		Kind:      store.TaskReminder,
		Trigger:   clock.Trigger{Kind: clock.KindDailyAt, DailyAt: "09:00", Timezone: "UTC"},
		Enabled:   true,
		Payload:   map[string]any{"message": "drink water"},
	}
	if err := te.AddTask(ctx, task); err != nil {
		t.Fatalf("AddTask() error = %v", err)
	}

	want := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	if got, _ := te.Task("hydrate"); !got.NextRunAt.Equal(want) {
		t.Fatalf("next_run_at = %v, want %v", got.NextRunAt, want)
	}

	te.fireAt(ctx, want)
	notes := drainNotifications(te.Engine)
	if len(notes) != 1 || notes[0].Text != "drink water" {
		t.Fatalf("notifications = %v", notes)
	}

	wantNext := time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC)
	if got, _ := te.Task("hydrate"); !got.NextRunAt.Equal(wantNext) {
		t.Errorf("next_run_at after fire = %v, want %v", got.NextRunAt, wantNext)
	}
}

func TestOneShotDisablesAfterFire(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	t0 := *te.now
	task := &store.Task{
		ID:        "stretch",
		OwnerUser: "u1",
		Kind:      store.TaskOneShot,
		Trigger:   clock.Trigger{Kind: clock.KindOneShot, At: t0.Add(15 * time.Minute)},
		Enabled:   true,
		Payload:   map[string]any{"message": "stretch"},
	}
	if err := te.AddTask(ctx, task); err != nil {
		t.Fatalf("AddTask() error = %v", err)
	}

	te.fireAt(ctx, t0.Add(15*time.Minute))
	notes := drainNotifications(te.Engine)
	if len(notes) != 1 || notes[0].Text != "stretch" {
		t.Fatalf("notifications = %v", notes)
	}
	got, _ := te.Task("stretch")
	if got.Enabled {
		t.Error("one-shot must be disabled after firing")
	}

	// A later tick must not fire it again.
	te.fireAt(ctx, t0.Add(30*time.Minute))
	if notes := drainNotifications(te.Engine); len(notes) != 0 {
		t.Errorf("disabled one-shot fired again: %v", notes)
	}
}

func TestPersistBeforeExecute(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	task := &store.Task{
		ID:        "ping",
		OwnerUser: "u1",
		Kind:      store.TaskInterval,
		Trigger:   clock.Trigger{Kind: clock.KindInterval, IntervalSeconds: 60},
		Enabled:   true,
		Payload:   map[string]any{"message": "ping"},
	}
	if err := te.AddTask(ctx, task); err != nil {
		t.Fatalf("AddTask() error = %v", err)
	}
	fireTime := te.now.Add(61 * time.Second)
	te.fireAt(ctx, fireTime)

	te.gateway.mu.Lock()
	order := append([]string(nil), te.gateway.saveOrder...)
	te.gateway.mu.Unlock()
	// saveOrder[0] is AddTask; [1] must be the pre-execution advance
	// carrying a next_run_at in the future of the fire time.
	if len(order) < 2 {
		t.Fatalf("saves = %v", order)
	}
	if !strings.Contains(order[1], fireTime.Add(60*time.Second).Format(time.RFC3339)) {
		t.Errorf("advance save = %q, want next_run_at past fire time", order[1])
	}
}

func TestFailureBudgetDisablesTask(t *testing.T) {
	events := &recordingSink{}
	te := newTestEngine(t, WithEvents(events))
	ctx := context.Background()
	task := &store.Task{
		ID:        "broken",
		OwnerUser: "u1",
		Kind:      store.TaskWorkflow,
		Trigger:   clock.Trigger{Kind: clock.KindInterval, IntervalSeconds: 10},
		Enabled:   true,
		Steps:     []store.WorkflowStep{{Action: store.StepSet, Key: "x", Expr: "unknown_name + 1"}},
	}
	if err := te.AddTask(ctx, task); err != nil {
		t.Fatalf("AddTask() error = %v", err)
	}

	at := *te.now
	for i := 0; i < failureBudget+1; i++ {
		at = at.Add(11 * time.Second)
		te.fireAt(ctx, at)
	}

	got, _ := te.Task("broken")
	if got.Enabled {
		t.Fatal("task should be disabled after exhausting the failure budget")
	}
	if got.DisabledBy != "failure_budget_exhausted" {
		t.Errorf("disabled_by = %q", got.DisabledBy)
	}
	if got.FailureCount != failureBudget+1 {
		t.Errorf("failure_count = %d, want %d", got.FailureCount, failureBudget+1)
	}
	if len(events.events) != failureBudget+1 {
		t.Errorf("decision events = %d, want %d", len(events.events), failureBudget+1)
	}
	if events.events[0].EventType != "workflow_step_failed" {
		t.Errorf("event_type = %q", events.events[0].EventType)
	}
}

func TestNonJSONSourceWrappedAsText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "plain body")
	}))
	defer server.Close()

	te := newTestEngine(t)
	ctx := context.Background()
	task := &store.Task{
		ID:        "texty",
		OwnerUser: "u1",
		Kind:      store.TaskWorkflow,
		Trigger:   clock.Trigger{Kind: clock.KindInterval, IntervalSeconds: 10},
		Enabled:   true,
		Payload:   map[string]any{"source_url": server.URL},
		Steps: []store.WorkflowStep{
			{Action: store.StepSet, Key: "body", Expr: `source["text"]`},
			{Action: store.StepNotify, Message: "got {body}"},
		},
	}
	if err := te.AddTask(ctx, task); err != nil {
		t.Fatalf("AddTask() error = %v", err)
	}
	te.fireAt(ctx, te.now.Add(11*time.Second))
	notes := drainNotifications(te.Engine)
	if len(notes) != 1 || notes[0].Text != "got plain body" {
		t.Fatalf("notifications = %v", notes)
	}
}

type recordingRouter struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingRouter) Call(ctx context.Context, server, tool string, args map[string]any, deadline time.Duration) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf("%s:%s:%v", server, tool, args["q"]))
	return "routed", nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []*store.DecisionEvent
}

func (r *recordingSink) Decision(event *store.DecisionEvent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return true
}

func TestToolCallStepBindsResult(t *testing.T) {
	router := &recordingRouter{}
	te := newTestEngine(t, WithRouter(router))
	ctx := context.Background()
	task := &store.Task{
		ID:        "tooled",
		OwnerUser: "u1",
		Kind:      store.TaskWorkflow,
		Trigger:   clock.Trigger{Kind: clock.KindInterval, IntervalSeconds: 10},
		Enabled:   true,
		Steps: []store.WorkflowStep{
			{Action: store.StepSet, Key: "q", Expr: `"weather"`},
			{Action: store.StepToolCall, Server: "search", Tool: "lookup", Target: "answer", Args: map[string]any{"q": "{q}"}},
			{Action: store.StepNotify, Message: "answer={answer}"},
		},
	}
	if err := te.AddTask(ctx, task); err != nil {
		t.Fatalf("AddTask() error = %v", err)
	}
	te.fireAt(ctx, te.now.Add(11*time.Second))

	if len(router.calls) != 1 || router.calls[0] != "search:lookup:weather" {
		t.Fatalf("router calls = %v", router.calls)
	}
	notes := drainNotifications(te.Engine)
	if len(notes) != 1 || notes[0].Text != "answer=routed" {
		t.Fatalf("notifications = %v", notes)
	}
	got, _ := te.Task("tooled")
	if got.State["answer"] != "routed" {
		t.Errorf("state.answer = %v", got.State["answer"])
	}
}

func TestRunNowDoesNotAdvanceSchedule(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	task := &store.Task{
		ID:        "adhoc",
		OwnerUser: "u1",
		Kind:      store.TaskReminder,
		Trigger:   clock.Trigger{Kind: clock.KindDailyAt, DailyAt: "23:00", Timezone: "UTC"},
		Enabled:   true,
		Payload:   map[string]any{"message": "adhoc run"},
	}
	if err := te.AddTask(ctx, task); err != nil {
		t.Fatalf("AddTask() error = %v", err)
	}
	before, _ := te.Task("adhoc")

	if err := te.RunNow(ctx, "adhoc"); err != nil {
		t.Fatalf("RunNow() error = %v", err)
	}
	notes := drainNotifications(te.Engine)
	if len(notes) != 1 || notes[0].Text != "adhoc run" {
		t.Fatalf("notifications = %v", notes)
	}
	after, _ := te.Task("adhoc")
	if !after.NextRunAt.Equal(before.NextRunAt) {
		t.Errorf("RunNow changed next_run_at: %v -> %v", before.NextRunAt, after.NextRunAt)
	}
}

func TestSetEnabledReschedules(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	task := &store.Task{
		ID:        "toggle",
		OwnerUser: "u1",
		Kind:      store.TaskInterval,
		Trigger:   clock.Trigger{Kind: clock.KindInterval, IntervalSeconds: 60},
		Enabled:   true,
		Payload:   map[string]any{"message": "x"},
	}
	if err := te.AddTask(ctx, task); err != nil {
		t.Fatalf("AddTask() error = %v", err)
	}
	if err := te.SetEnabled(ctx, "toggle", false); err != nil {
		t.Fatalf("SetEnabled(false) error = %v", err)
	}
	te.fireAt(ctx, te.now.Add(2*time.Minute))
	if notes := drainNotifications(te.Engine); len(notes) != 0 {
		t.Fatalf("disabled task fired: %v", notes)
	}

	if err := te.SetEnabled(ctx, "toggle", true); err != nil {
		t.Fatalf("SetEnabled(true) error = %v", err)
	}
	got, _ := te.Task("toggle")
	if !got.NextRunAt.After(*te.now) {
		t.Errorf("re-enable must schedule a future fire, got %v", got.NextRunAt)
	}
	if got.FailureCount != 0 || got.DisabledBy != "" {
		t.Errorf("re-enable must clear budget state: %+v", got)
	}
}

func TestAddTaskRejectsDuplicatesAndBadTriggers(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	task := &store.Task{
		ID:      "dup",
		Kind:    store.TaskInterval,
		Trigger: clock.Trigger{Kind: clock.KindInterval, IntervalSeconds: 60},
		Enabled: true,
	}
	if err := te.AddTask(ctx, task); err != nil {
		t.Fatalf("AddTask() error = %v", err)
	}
	if err := te.AddTask(ctx, cloneTask(task)); err == nil {
		t.Error("duplicate id must be rejected")
	}
	bad := &store.Task{
		ID:      "bad",
		Kind:    store.TaskInterval,
		Trigger: clock.Trigger{Kind: clock.KindInterval, IntervalSeconds: 0},
	}
	if err := te.AddTask(ctx, bad); err == nil {
		t.Error("sub-second interval must be rejected")
	}
}
