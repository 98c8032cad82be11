package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// SavePersonalityState appends a new trait snapshot. The version is
// assigned inside the insert so concurrent writers never race on it;
// the assigned value is written back into state.
func (s *Store) SavePersonalityState(ctx context.Context, state *PersonalityState) error {
	if state == nil || state.UserID == "" {
		return nil
	}
	if state.ID == "" {
		state.ID = uuid.NewString()
	}
	if state.CreatedAt.IsZero() {
		state.CreatedAt = s.now().UTC()
	}
	changesJSON, err := marshalMap(state.Changes)
	if err != nil {
		return fmt.Errorf("marshal changes: %w", err)
	}
	return s.retry(ctx, "save_personality", func() error {
		return s.db.QueryRowContext(ctx, `
			INSERT INTO personality_states
				(state_id, user_id, warmth, curiosity, assertiveness, humor,
				 emotional_depth, version, created_at, changes)
			VALUES ($1,$2,$3,$4,$5,$6,$7,
				(SELECT COALESCE(MAX(version), 0) + 1 FROM personality_states WHERE user_id = $2),
				$8,$9)
			RETURNING version
		`, state.ID, state.UserID, state.Warmth, state.Curiosity,
			state.Assertiveness, state.Humor, state.EmotionalDepth,
			state.CreatedAt, changesJSON).Scan(&state.Version)
	})
}

// LoadPersonality returns the newest trait snapshot for a user, or
// (nil, nil) when no snapshot exists yet.
func (s *Store) LoadPersonality(ctx context.Context, userID string) (*PersonalityState, error) {
	var state *PersonalityState
	err := s.retry(ctx, "load_personality", func() error {
		var p PersonalityState
		err := s.db.QueryRowContext(ctx, `
			SELECT state_id, user_id, warmth, curiosity, assertiveness, humor,
			       emotional_depth, version, created_at
			FROM personality_states
			WHERE user_id = $1
			ORDER BY version DESC
			LIMIT 1
		`, userID).Scan(
			&p.ID, &p.UserID, &p.Warmth, &p.Curiosity, &p.Assertiveness,
			&p.Humor, &p.EmotionalDepth, &p.Version, &p.CreatedAt,
		)
		if errors.Is(err, sql.ErrNoRows) {
			state = nil
			return nil
		}
		if err != nil {
			return err
		}
		state = &p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// AppendConversation persists one chat turn.
func (s *Store) AppendConversation(ctx context.Context, entry *ConversationLog) error {
	if entry == nil || entry.UserID == "" {
		return nil
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now().UTC()
	}
	metadataJSON, err := marshalMap(entry.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	return s.retry(ctx, "append_conversation", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO conversation_logs (log_id, user_id, role, message, timestamp, metadata)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, entry.ID, entry.UserID, entry.Role, entry.Message, entry.Timestamp, metadataJSON)
		return err
	})
}

// ClearConversation deletes every persisted turn for a user and reports
// how many rows went away.
func (s *Store) ClearConversation(ctx context.Context, userID string) (int64, error) {
	var deleted int64
	err := s.retry(ctx, "clear_conversation", func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM conversation_logs WHERE user_id = $1`, userID)
		if err != nil {
			return err
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return deleted, err
}

// SaveEmotionalState upserts the per-user mood row.
func (s *Store) SaveEmotionalState(ctx context.Context, state *EmotionalState) error {
	if state == nil || state.UserID == "" {
		return nil
	}
	state.LastUpdated = s.now().UTC()
	return s.retry(ctx, "save_emotional_state", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO emotional_states
				(user_id, current_mood, mood_intensity, last_updated, shift_date, shifts_today)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (user_id) DO UPDATE SET
				current_mood = EXCLUDED.current_mood,
				mood_intensity = EXCLUDED.mood_intensity,
				last_updated = EXCLUDED.last_updated,
				shift_date = EXCLUDED.shift_date,
				shifts_today = EXCLUDED.shifts_today
		`, state.UserID, state.CurrentMood, state.MoodIntensity,
			state.LastUpdated, nullString(state.ShiftDate), state.ShiftsToday)
		return err
	})
}

// LoadEmotionalState returns the mood row, or (nil, nil) when the user
// has no recorded mood.
func (s *Store) LoadEmotionalState(ctx context.Context, userID string) (*EmotionalState, error) {
	var state *EmotionalState
	err := s.retry(ctx, "load_emotional_state", func() error {
		var (
			e         EmotionalState
			shiftDate sql.NullString
		)
		err := s.db.QueryRowContext(ctx, `
			SELECT user_id, current_mood, mood_intensity, last_updated,
			       to_char(shift_date, 'YYYY-MM-DD'), shifts_today
			FROM emotional_states WHERE user_id = $1
		`, userID).Scan(
			&e.UserID, &e.CurrentMood, &e.MoodIntensity, &e.LastUpdated,
			&shiftDate, &e.ShiftsToday,
		)
		if errors.Is(err, sql.ErrNoRows) {
			state = nil
			return nil
		}
		if err != nil {
			return err
		}
		if shiftDate.Valid {
			e.ShiftDate = shiftDate.String
		}
		state = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}
