package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/vaheed/HER-Ai/internal/backoff"
	"github.com/vaheed/HER-Ai/internal/clock"
	"github.com/vaheed/HER-Ai/internal/errkind"
)

// fastPolicy keeps retry sleeps out of the test run.
var fastPolicy = backoff.Policy{InitialMs: 1, MaxMs: 2, Factor: 2, Jitter: 0, MaxAttempts: 2}

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock, *miniredis.Miniredis) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)

	kv := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := New(sqlx.NewDb(db, "sqlmock"), kv, WithRetryPolicy(fastPolicy))
	return s, mock, mr
}

func TestSaveTask_InsertsNew(t *testing.T) {
	s, mock, _ := newTestStore(t)

	mock.ExpectExec("INSERT INTO scheduler_tasks").
		WillReturnResult(sqlmock.NewResult(0, 1))

	task := &Task{
		ID:        "hydrate",
		OwnerUser: "u1",
		Kind:      TaskReminder,
		Trigger:   clock.Trigger{Kind: clock.KindDailyAt, DailyAt: "09:00", Timezone: "UTC"},
		Enabled:   true,
	}
	if err := s.SaveTask(context.Background(), task); err != nil {
		t.Fatalf("SaveTask() error = %v", err)
	}
	if task.UpdatedAt.IsZero() {
		t.Error("SaveTask must advance UpdatedAt")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSaveTask_StaleConflictNotRetried(t *testing.T) {
	s, mock, _ := newTestStore(t)

	// Zero rows affected means the stored updated_at moved on. Exactly
	// one exec: conflicts are domain errors and must not be retried.
	mock.ExpectExec("INSERT INTO scheduler_tasks").
		WillReturnResult(sqlmock.NewResult(0, 0))

	task := &Task{
		ID:        "hydrate",
		Kind:      TaskReminder,
		Trigger:   clock.Trigger{Kind: clock.KindInterval, IntervalSeconds: 60},
		UpdatedAt: time.Now(),
	}
	err := s.SaveTask(context.Background(), task)
	if !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("expected ErrTaskConflict, got %v", err)
	}
	if errkind.KindOf(err) != errkind.KindDomain {
		t.Errorf("conflict kind = %v, want domain", errkind.KindOf(err))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestAcquireLock(t *testing.T) {
	s, mock, _ := newTestStore(t)

	mock.ExpectQuery("INSERT INTO scheduler_job_locks").
		WillReturnRows(sqlmock.NewRows([]string{"holder"}).AddRow("engine-1"))

	ok, err := s.AcquireLock(context.Background(), "scheduler_main", "engine-1", 30*time.Second)
	if err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}
	if !ok {
		t.Error("expected lock acquired")
	}
}

func TestAcquireLock_HeldByOther(t *testing.T) {
	s, mock, _ := newTestStore(t)

	// No row returned: the conflicting update predicate did not match.
	mock.ExpectQuery("INSERT INTO scheduler_job_locks").
		WillReturnRows(sqlmock.NewRows([]string{"holder"}))

	ok, err := s.AcquireLock(context.Background(), "scheduler_main", "engine-2", 30*time.Second)
	if err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}
	if ok {
		t.Error("lock must not be acquired while another holder's lease is live")
	}
}

func TestHeartbeatLock_Lost(t *testing.T) {
	s, mock, _ := newTestStore(t)

	mock.ExpectExec("UPDATE scheduler_job_locks").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.HeartbeatLock(context.Background(), "scheduler_main", "engine-1")
	if !errors.Is(err, ErrLockLost) {
		t.Fatalf("expected ErrLockLost, got %v", err)
	}
}

func TestAppendDecision_MirrorsToRing(t *testing.T) {
	s, mock, mr := newTestStore(t)

	for i := 0; i < 3; i++ {
		mock.ExpectExec("INSERT INTO decision_logs").
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	for i := 0; i < 3; i++ {
		event := &DecisionEvent{
			EventType: "timezone_conversion",
			Source:    "intent",
			Summary:   "resolved tz",
		}
		if err := s.AppendDecision(context.Background(), event); err != nil {
			t.Fatalf("AppendDecision() error = %v", err)
		}
		if event.ID == "" {
			t.Error("AppendDecision must assign an id")
		}
	}

	if got, _ := mr.List(keyDecisionLogs); len(got) != 3 {
		t.Errorf("ring length = %d, want 3", len(got))
	}

	events, err := s.RecentDecisions(context.Background(), 10)
	if err != nil {
		t.Fatalf("RecentDecisions() error = %v", err)
	}
	if len(events) != 3 {
		t.Errorf("recent decisions = %d, want 3", len(events))
	}
}

func TestPublishState_RateLimited(t *testing.T) {
	current := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	s, _, mr := newTestStore(t)
	s.now = func() time.Time { return current }
	s.publishInterval = 10 * time.Second

	snapshot := &SchedulerSnapshot{Holder: "engine-1", TaskCount: 2}
	published, err := s.PublishState(context.Background(), snapshot)
	if err != nil || !published {
		t.Fatalf("first publish = (%v, %v), want (true, nil)", published, err)
	}
	if !mr.Exists(keySchedulerState) {
		t.Fatal("snapshot key missing")
	}

	// Within the floor: suppressed, not an error.
	current = current.Add(5 * time.Second)
	published, err = s.PublishState(context.Background(), snapshot)
	if err != nil || published {
		t.Fatalf("suppressed publish = (%v, %v), want (false, nil)", published, err)
	}

	current = current.Add(6 * time.Second)
	published, err = s.PublishState(context.Background(), snapshot)
	if err != nil || !published {
		t.Fatalf("third publish = (%v, %v), want (true, nil)", published, err)
	}
}

func TestClaimProactiveSlot_Duplicate(t *testing.T) {
	s, mock, _ := newTestStore(t)

	mock.ExpectExec("INSERT INTO proactive_daily_slots").
		WillReturnResult(sqlmock.NewResult(0, 1))

	claimed, err := s.ClaimProactiveSlot(context.Background(), "u1", "2025-03-10", 1)
	if err != nil {
		t.Fatalf("ClaimProactiveSlot() error = %v", err)
	}
	if !claimed {
		t.Error("first claim should win")
	}
}

func TestUserContext_MissingYieldsEmpty(t *testing.T) {
	s, _, _ := newTestStore(t)

	got, err := s.UserContext(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("UserContext() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty context, got %v", got)
	}
}

func TestListProfiles(t *testing.T) {
	s, mock, _ := newTestStore(t)

	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"user_id", "engagement_score", "initiative_level", "last_proactive_at",
		"messages_sent_today", "to_char", "error_count_today",
		"last_user_message_at", "updated_at",
	}).
		AddRow("u1", 0.7, 0.5, now, 1, "2025-03-10", 0, now, now).
		AddRow("u2", 0.4, 0.3, nil, 0, nil, 2, nil, now)
	mock.ExpectQuery("SELECT (.+) FROM autonomy_profiles ORDER BY user_id").
		WillReturnRows(rows)

	profiles, err := s.ListProfiles(context.Background())
	if err != nil {
		t.Fatalf("ListProfiles() error = %v", err)
	}
	if len(profiles) != 2 {
		t.Fatalf("profiles = %d, want 2", len(profiles))
	}
	if profiles[0].UserID != "u1" || profiles[0].ProactiveDay != "2025-03-10" {
		t.Errorf("first profile = %+v", profiles[0])
	}
	if !profiles[1].LastProactiveAt.IsZero() {
		t.Errorf("null last_proactive_at must stay zero, got %v", profiles[1].LastProactiveAt)
	}
	if profiles[1].ErrorCountToday != 2 {
		t.Errorf("error_count_today = %d, want 2", profiles[1].ErrorCountToday)
	}
}
