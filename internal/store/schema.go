package store

import (
	"context"
	"fmt"

	"github.com/vaheed/HER-Ai/internal/errkind"
)

// schemaDDL provisions every table the gateway touches. Statements are
// idempotent so EnsureSchema can run on every boot.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT,
		mode TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_interaction TIMESTAMPTZ,
		preferences JSONB NOT NULL DEFAULT '{}'::jsonb
	)`,
	`CREATE TABLE IF NOT EXISTS scheduler_tasks (
		task_id TEXT PRIMARY KEY,
		owner_user TEXT NOT NULL,
		kind TEXT NOT NULL,
		trigger JSONB NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT true,
		payload JSONB NOT NULL DEFAULT '{}'::jsonb,
		steps JSONB NOT NULL DEFAULT '[]'::jsonb,
		state JSONB NOT NULL DEFAULT '{}'::jsonb,
		last_run_at TIMESTAMPTZ,
		next_run_at TIMESTAMPTZ,
		last_result TEXT,
		disabled_by TEXT,
		failure_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS personality_states (
		state_id UUID PRIMARY KEY,
		user_id TEXT NOT NULL,
		warmth DOUBLE PRECISION NOT NULL,
		curiosity DOUBLE PRECISION NOT NULL,
		assertiveness DOUBLE PRECISION NOT NULL,
		humor DOUBLE PRECISION NOT NULL,
		emotional_depth DOUBLE PRECISION NOT NULL,
		version INTEGER NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		changes JSONB NOT NULL DEFAULT '{}'::jsonb,
		UNIQUE (user_id, version)
	)`,
	`CREATE TABLE IF NOT EXISTS conversation_logs (
		log_id UUID PRIMARY KEY,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		message TEXT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}'::jsonb
	)`,
	`CREATE INDEX IF NOT EXISTS conversation_logs_user_ts_idx
		ON conversation_logs (user_id, timestamp DESC)`,
	`CREATE TABLE IF NOT EXISTS emotional_states (
		user_id TEXT PRIMARY KEY,
		current_mood TEXT NOT NULL,
		mood_intensity DOUBLE PRECISION NOT NULL DEFAULT 0,
		last_updated TIMESTAMPTZ NOT NULL,
		shift_date DATE,
		shifts_today INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS scheduler_job_locks (
		lock_name TEXT PRIMARY KEY,
		holder TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS decision_logs (
		decision_id UUID PRIMARY KEY,
		timestamp TIMESTAMPTZ NOT NULL,
		event_type TEXT NOT NULL,
		user_id TEXT,
		source TEXT NOT NULL,
		summary TEXT NOT NULL,
		details JSONB NOT NULL DEFAULT '{}'::jsonb
	)`,
	`CREATE TABLE IF NOT EXISTS reinforcement_events (
		reinforcement_id UUID PRIMARY KEY,
		timestamp TIMESTAMPTZ NOT NULL,
		user_id TEXT NOT NULL,
		score DOUBLE PRECISION NOT NULL,
		label TEXT,
		task_succeeded BOOLEAN NOT NULL DEFAULT false,
		concise BOOLEAN NOT NULL DEFAULT false,
		helpful BOOLEAN NOT NULL DEFAULT false,
		emotionally_aligned BOOLEAN NOT NULL DEFAULT false,
		reasoning JSONB NOT NULL DEFAULT '{}'::jsonb
	)`,
	`CREATE TABLE IF NOT EXISTS autonomy_profiles (
		user_id TEXT PRIMARY KEY,
		engagement_score DOUBLE PRECISION NOT NULL CHECK (engagement_score BETWEEN 0.1 AND 1.0),
		initiative_level DOUBLE PRECISION NOT NULL CHECK (initiative_level BETWEEN 0.1 AND 1.0),
		last_proactive_at TIMESTAMPTZ,
		messages_sent_today INTEGER NOT NULL DEFAULT 0,
		proactive_day DATE,
		error_count_today INTEGER NOT NULL DEFAULT 0,
		last_user_message_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS autonomy_reflections (
		reflection_id UUID PRIMARY KEY,
		user_id TEXT NOT NULL,
		reflection_date DATE NOT NULL,
		engagement_trend TEXT,
		initiative_adjustment DOUBLE PRECISION NOT NULL DEFAULT 0,
		notes TEXT,
		confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (user_id, reflection_date)
	)`,
	`CREATE TABLE IF NOT EXISTS proactive_daily_slots (
		user_id TEXT NOT NULL,
		day_bucket DATE NOT NULL,
		slot SMALLINT NOT NULL CHECK (slot BETWEEN 1 AND 3),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, day_bucket, slot)
	)`,
	`CREATE TABLE IF NOT EXISTS proactive_message_audit (
		proactive_id UUID PRIMARY KEY,
		user_id TEXT NOT NULL,
		scheduled_at TIMESTAMPTZ NOT NULL,
		sent_at TIMESTAMPTZ,
		message_kind TEXT NOT NULL,
		mood TEXT,
		success BOOLEAN NOT NULL DEFAULT false,
		day_bucket DATE NOT NULL,
		daily_slot SMALLINT
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS proactive_audit_slot_idx
		ON proactive_message_audit (user_id, day_bucket, daily_slot)
		WHERE daily_slot IS NOT NULL`,
}

// EnsureSchema provisions all tables. A failure here is fatal: the
// process must not accept writes against an unknown schema.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, ddl := range schemaDDL {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return errkind.New(errkind.KindFatal, "Storage is not ready.", fmt.Errorf("ensure schema: %w", err))
		}
	}
	return nil
}
