package store

import (
	"time"

	"github.com/vaheed/HER-Ai/internal/clock"
)

// TaskKind discriminates scheduled task bodies.
type TaskKind string

const (
	TaskInterval TaskKind = "interval"
	TaskCron     TaskKind = "cron"
	TaskOneShot  TaskKind = "one_shot"
	TaskWorkflow TaskKind = "workflow"
	TaskReminder TaskKind = "reminder"
)

// StepAction is the closed set of workflow step actions.
type StepAction string

const (
	StepFetch    StepAction = "fetch"
	StepSet      StepAction = "set"
	StepSetState StepAction = "set_state"
	StepNotify   StepAction = "notify"
	StepToolCall StepAction = "tool_call"
)

// WorkflowStep is one step of a workflow task body. Expr and When are
// sources in the closed expression language; they are parsed, never
// executed as code.
type WorkflowStep struct {
	Action  StepAction     `json:"action" yaml:"action"`
	Key     string         `json:"key,omitempty" yaml:"key,omitempty"`
	Expr    string         `json:"expr,omitempty" yaml:"expr,omitempty"`
	When    string         `json:"when,omitempty" yaml:"when,omitempty"`
	Message string         `json:"message,omitempty" yaml:"message,omitempty"`
	Target  string         `json:"target,omitempty" yaml:"target,omitempty"`
	Server  string         `json:"server,omitempty" yaml:"server,omitempty"`
	Tool    string         `json:"tool,omitempty" yaml:"tool,omitempty"`
	Args    map[string]any `json:"args,omitempty" yaml:"args,omitempty"`
}

// Task is the durable scheduler record. The gateway holds the canonical
// bytes; the scheduler is the only mutator.
type Task struct {
	ID           string         `json:"id"`
	OwnerUser    string         `json:"owner_user"`
	Kind         TaskKind       `json:"kind"`
	Trigger      clock.Trigger  `json:"trigger"`
	Enabled      bool           `json:"enabled"`
	Payload      map[string]any `json:"payload,omitempty"`
	Steps        []WorkflowStep `json:"steps,omitempty"`
	State        map[string]any `json:"state,omitempty"`
	LastRunAt    time.Time      `json:"last_run_at,omitempty"`
	NextRunAt    time.Time      `json:"next_run_at,omitempty"`
	LastResult   string         `json:"last_result,omitempty"`
	DisabledBy   string         `json:"disabled_by,omitempty"`
	FailureCount int            `json:"failure_count"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// DecisionEvent is one append-only audit record.
type DecisionEvent struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	UserID    string         `json:"user_id,omitempty"`
	Source    string         `json:"source"`
	Summary   string         `json:"summary"`
	Details   map[string]any `json:"details,omitempty"`
}

// ReinforcementFlags are the independent outcome booleans scored after
// each autonomous interaction.
type ReinforcementFlags struct {
	TaskSucceeded      bool `json:"task_succeeded"`
	Concise            bool `json:"concise"`
	Helpful            bool `json:"helpful"`
	EmotionallyAligned bool `json:"emotionally_aligned"`
}

// ReinforcementEvent is one append-only reinforcement record with a
// total-ordered score in [-1, 1].
type ReinforcementEvent struct {
	ID        string             `json:"id"`
	Timestamp time.Time          `json:"timestamp"`
	UserID    string             `json:"user_id"`
	Score     float64            `json:"score"`
	Label     string             `json:"label,omitempty"`
	Flags     ReinforcementFlags `json:"flags"`
	Reasoning string             `json:"reasoning,omitempty"`
}

// PersonalityState is one versioned snapshot of the trait vector. Rows
// are append-only; the highest version is the current personality.
type PersonalityState struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	Warmth         float64        `json:"warmth"`
	Curiosity      float64        `json:"curiosity"`
	Assertiveness  float64        `json:"assertiveness"`
	Humor          float64        `json:"humor"`
	EmotionalDepth float64        `json:"emotional_depth"`
	Version        int            `json:"version"`
	CreatedAt      time.Time      `json:"created_at"`
	Changes        map[string]any `json:"changes,omitempty"`
}

// ConversationLog is one persisted chat turn.
type ConversationLog struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Role      string         `json:"role"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// EmotionalState tracks the current mood per user, one row per user.
type EmotionalState struct {
	UserID        string    `json:"user_id"`
	CurrentMood   string    `json:"current_mood"`
	MoodIntensity float64   `json:"mood_intensity"`
	LastUpdated   time.Time `json:"last_updated"`
	ShiftDate     string    `json:"shift_date,omitempty"` // YYYY-MM-DD
	ShiftsToday   int       `json:"shifts_today"`
}

// AutonomyProfile tracks per-user engagement for proactive behavior.
// Engagement and initiative are clamped to [0.1, 1.0] at every write.
type AutonomyProfile struct {
	UserID            string    `json:"user_id"`
	EngagementScore   float64   `json:"engagement_score"`
	InitiativeLevel   float64   `json:"initiative_level"`
	LastProactiveAt   time.Time `json:"last_proactive_at,omitempty"`
	MessagesSentToday int       `json:"messages_sent_today"`
	ProactiveDay      string    `json:"proactive_day,omitempty"` // YYYY-MM-DD
	ErrorCountToday   int       `json:"error_count_today"`
	LastUserMessageAt time.Time `json:"last_user_message_at,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Reflection is the daily autonomy reflection row, unique per
// (user_id, reflection_date).
type Reflection struct {
	ID                   string    `json:"id"`
	UserID               string    `json:"user_id"`
	ReflectionDate       string    `json:"reflection_date"` // YYYY-MM-DD
	EngagementTrend      string    `json:"engagement_trend"`
	InitiativeAdjustment float64   `json:"initiative_adjustment"`
	Notes                string    `json:"notes,omitempty"`
	Confidence           float64   `json:"confidence"`
	CreatedAt            time.Time `json:"created_at"`
}

// ProactiveAudit records one proactive message attempt.
type ProactiveAudit struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	SentAt      time.Time `json:"sent_at,omitempty"`
	MessageKind string    `json:"message_kind"`
	Mood        string    `json:"mood,omitempty"`
	Success     bool      `json:"success"`
	DayBucket   string    `json:"day_bucket"` // YYYY-MM-DD
	DailySlot   int       `json:"daily_slot"`
}

// UpcomingJob is one entry of the published scheduler snapshot.
type UpcomingJob struct {
	TaskID    string    `json:"task_id"`
	Kind      TaskKind  `json:"kind"`
	NextRunAt time.Time `json:"next_run_at"`
	Enabled   bool      `json:"enabled"`
}

// SchedulerSnapshot is the state document published to the KV store.
type SchedulerSnapshot struct {
	PublishedAt time.Time     `json:"published_at"`
	Holder      string        `json:"holder"`
	TaskCount   int           `json:"task_count"`
	Upcoming    []UpcomingJob `json:"upcoming"`
}

// JobLogEntry is one per-execution record pushed to the bounded job ring.
type JobLogEntry struct {
	TaskID     string    `json:"task_id"`
	FiredAt    time.Time `json:"fired_at"`
	DurationMs int64     `json:"duration_ms"`
	Result     string    `json:"result"`
	Error      string    `json:"error,omitempty"`
}
