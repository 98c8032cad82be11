package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vaheed/HER-Ai/internal/clock"
)

// SaveTask upserts a task with optimistic concurrency on updated_at.
// A new task (zero UpdatedAt) inserts; an existing task updates only
// when the stored updated_at matches the one the caller loaded.
// A stale save returns ErrTaskConflict wrapped as a domain error and is
// never retried.
func (s *Store) SaveTask(ctx context.Context, task *Task) error {
	if task == nil || task.ID == "" {
		return classify("save_task", fmt.Errorf("task id is required: %w", ErrNotFound))
	}
	triggerJSON, err := json.Marshal(task.Trigger)
	if err != nil {
		return fmt.Errorf("marshal trigger: %w", err)
	}
	payloadJSON, err := marshalMap(task.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	stepsJSON, err := json.Marshal(stepsOrEmpty(task.Steps))
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	stateJSON, err := marshalMap(task.State)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	expected := task.UpdatedAt
	now := s.now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}

	return s.retry(ctx, "save_task", func() error {
		result, err := s.db.ExecContext(ctx, `
			INSERT INTO scheduler_tasks
				(task_id, owner_user, kind, trigger, enabled, payload, steps, state,
				 last_run_at, next_run_at, last_result, disabled_by, failure_count,
				 created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
			ON CONFLICT (task_id) DO UPDATE SET
				owner_user = EXCLUDED.owner_user,
				kind = EXCLUDED.kind,
				trigger = EXCLUDED.trigger,
				enabled = EXCLUDED.enabled,
				payload = EXCLUDED.payload,
				steps = EXCLUDED.steps,
				state = EXCLUDED.state,
				last_run_at = EXCLUDED.last_run_at,
				next_run_at = EXCLUDED.next_run_at,
				last_result = EXCLUDED.last_result,
				disabled_by = EXCLUDED.disabled_by,
				failure_count = EXCLUDED.failure_count,
				updated_at = EXCLUDED.updated_at
			WHERE scheduler_tasks.updated_at = $16
		`,
			task.ID, task.OwnerUser, string(task.Kind), triggerJSON, task.Enabled,
			payloadJSON, stepsJSON, stateJSON,
			nullTime(task.LastRunAt), nullTime(task.NextRunAt),
			nullString(task.LastResult), nullString(task.DisabledBy),
			task.FailureCount, task.CreatedAt, now, nullTime(expected),
		)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrTaskConflict
		}
		task.UpdatedAt = now
		return nil
	})
}

// LoadTasks returns the full task set.
func (s *Store) LoadTasks(ctx context.Context) ([]*Task, error) {
	var tasks []*Task
	err := s.retry(ctx, "load_tasks", func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT task_id, owner_user, kind, trigger, enabled, payload, steps, state,
			       last_run_at, next_run_at, last_result, disabled_by, failure_count,
			       created_at, updated_at
			FROM scheduler_tasks
			ORDER BY task_id
		`)
		if err != nil {
			return err
		}
		defer rows.Close()

		tasks = tasks[:0]
		for rows.Next() {
			task, err := scanTask(rows)
			if err != nil {
				return fmt.Errorf("scan task: %w", err)
			}
			tasks = append(tasks, task)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// DeleteTask removes a task; deleting a missing task is not an error.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	return s.retry(ctx, "delete_task", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM scheduler_tasks WHERE task_id = $1`, id)
		return err
	})
}

type taskScanner interface {
	Scan(dest ...any) error
}

func scanTask(scanner taskScanner) (*Task, error) {
	var (
		task        Task
		kind        string
		triggerJSON []byte
		payloadJSON []byte
		stepsJSON   []byte
		stateJSON   []byte
		lastRunAt   sql.NullTime
		nextRunAt   sql.NullTime
		lastResult  sql.NullString
		disabledBy  sql.NullString
	)
	if err := scanner.Scan(
		&task.ID, &task.OwnerUser, &kind, &triggerJSON, &task.Enabled,
		&payloadJSON, &stepsJSON, &stateJSON,
		&lastRunAt, &nextRunAt, &lastResult, &disabledBy,
		&task.FailureCount, &task.CreatedAt, &task.UpdatedAt,
	); err != nil {
		return nil, err
	}
	task.Kind = TaskKind(kind)
	var trigger clock.Trigger
	if err := json.Unmarshal(triggerJSON, &trigger); err != nil {
		return nil, fmt.Errorf("unmarshal trigger: %w", err)
	}
	task.Trigger = trigger
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &task.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if len(stepsJSON) > 0 {
		if err := json.Unmarshal(stepsJSON, &task.Steps); err != nil {
			return nil, fmt.Errorf("unmarshal steps: %w", err)
		}
	}
	if len(stateJSON) > 0 {
		if err := json.Unmarshal(stateJSON, &task.State); err != nil {
			return nil, fmt.Errorf("unmarshal state: %w", err)
		}
	}
	if lastRunAt.Valid {
		task.LastRunAt = lastRunAt.Time
	}
	if nextRunAt.Valid {
		task.NextRunAt = nextRunAt.Time
	}
	if lastResult.Valid {
		task.LastResult = lastResult.String
	}
	if disabledBy.Valid {
		task.DisabledBy = disabledBy.String
	}
	return &task, nil
}

func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func stepsOrEmpty(steps []WorkflowStep) []WorkflowStep {
	if steps == nil {
		return []WorkflowStep{}
	}
	return steps
}

func nullString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func nullTime(value time.Time) sql.NullTime {
	if value.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: value, Valid: true}
}
