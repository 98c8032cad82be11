package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vaheed/HER-Ai/internal/errkind"
)

// clampScore bounds engagement and initiative to the profile range.
func clampScore(v float64) float64 {
	if v < 0.1 {
		return 0.1
	}
	if v > 1.0 {
		return 1.0
	}
	return v
}

// SaveProfile upserts the autonomy profile, clamping scores on the way
// in so the CHECK constraints can never fire.
func (s *Store) SaveProfile(ctx context.Context, profile *AutonomyProfile) error {
	if profile == nil || profile.UserID == "" {
		return errkind.Newf(errkind.KindDomain, "I could not store that profile.", "profile without user id")
	}
	profile.EngagementScore = clampScore(profile.EngagementScore)
	profile.InitiativeLevel = clampScore(profile.InitiativeLevel)
	profile.UpdatedAt = s.now().UTC()

	return s.retry(ctx, "save_profile", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO autonomy_profiles
				(user_id, engagement_score, initiative_level, last_proactive_at,
				 messages_sent_today, proactive_day, error_count_today,
				 last_user_message_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (user_id) DO UPDATE SET
				engagement_score = EXCLUDED.engagement_score,
				initiative_level = EXCLUDED.initiative_level,
				last_proactive_at = EXCLUDED.last_proactive_at,
				messages_sent_today = EXCLUDED.messages_sent_today,
				proactive_day = EXCLUDED.proactive_day,
				error_count_today = EXCLUDED.error_count_today,
				last_user_message_at = EXCLUDED.last_user_message_at,
				updated_at = EXCLUDED.updated_at
		`, profile.UserID, profile.EngagementScore, profile.InitiativeLevel,
			nullTime(profile.LastProactiveAt), profile.MessagesSentToday,
			nullString(profile.ProactiveDay), profile.ErrorCountToday,
			nullTime(profile.LastUserMessageAt), profile.UpdatedAt)
		return err
	})
}

// LoadProfile returns the profile for a user, or (nil, nil) when the
// user has never interacted.
func (s *Store) LoadProfile(ctx context.Context, userID string) (*AutonomyProfile, error) {
	var profile *AutonomyProfile
	err := s.retry(ctx, "load_profile", func() error {
		var (
			p             AutonomyProfile
			lastProactive sql.NullTime
			proactiveDay  sql.NullString
			lastMessage   sql.NullTime
		)
		err := s.db.QueryRowContext(ctx, `
			SELECT user_id, engagement_score, initiative_level, last_proactive_at,
			       messages_sent_today, to_char(proactive_day, 'YYYY-MM-DD'),
			       error_count_today, last_user_message_at, updated_at
			FROM autonomy_profiles WHERE user_id = $1
		`, userID).Scan(
			&p.UserID, &p.EngagementScore, &p.InitiativeLevel, &lastProactive,
			&p.MessagesSentToday, &proactiveDay, &p.ErrorCountToday,
			&lastMessage, &p.UpdatedAt,
		)
		if errors.Is(err, sql.ErrNoRows) {
			profile = nil
			return nil
		}
		if err != nil {
			return err
		}
		if lastProactive.Valid {
			p.LastProactiveAt = lastProactive.Time
		}
		if proactiveDay.Valid {
			p.ProactiveDay = proactiveDay.String
		}
		if lastMessage.Valid {
			p.LastUserMessageAt = lastMessage.Time
		}
		profile = &p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return profile, nil
}

// ListProfiles returns every known autonomy profile, ordered by user
// id. The proactive dispatcher iterates this set.
func (s *Store) ListProfiles(ctx context.Context) ([]*AutonomyProfile, error) {
	var profiles []*AutonomyProfile
	err := s.retry(ctx, "list_profiles", func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT user_id, engagement_score, initiative_level, last_proactive_at,
			       messages_sent_today, to_char(proactive_day, 'YYYY-MM-DD'),
			       error_count_today, last_user_message_at, updated_at
			FROM autonomy_profiles ORDER BY user_id
		`)
		if err != nil {
			return err
		}
		defer rows.Close()
		profiles = profiles[:0]
		for rows.Next() {
			var (
				p             AutonomyProfile
				lastProactive sql.NullTime
				proactiveDay  sql.NullString
				lastMessage   sql.NullTime
			)
			if err := rows.Scan(
				&p.UserID, &p.EngagementScore, &p.InitiativeLevel, &lastProactive,
				&p.MessagesSentToday, &proactiveDay, &p.ErrorCountToday,
				&lastMessage, &p.UpdatedAt,
			); err != nil {
				return err
			}
			if lastProactive.Valid {
				p.LastProactiveAt = lastProactive.Time
			}
			if proactiveDay.Valid {
				p.ProactiveDay = proactiveDay.String
			}
			if lastMessage.Valid {
				p.LastUserMessageAt = lastMessage.Time
			}
			profiles = append(profiles, &p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return profiles, nil
}

// ClaimProactiveSlot inserts into proactive_daily_slots. The unique
// primary key is the source of truth for slot ownership: a duplicate
// key means another worker already claimed it and the caller must not
// send. Returns (claimed, error).
func (s *Store) ClaimProactiveSlot(ctx context.Context, userID, dayBucket string, slot int) (bool, error) {
	var claimed bool
	err := s.retry(ctx, "claim_proactive_slot", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO proactive_daily_slots (user_id, day_bucket, slot, created_at)
			VALUES ($1, $2, $3, $4)
		`, userID, dayBucket, slot, s.now().UTC())
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				claimed = false
				return nil // already claimed is the expected "not me" signal
			}
			return err
		}
		claimed = true
		return nil
	})
	return claimed, err
}

// RecordProactiveAudit appends to the proactive message audit trail.
func (s *Store) RecordProactiveAudit(ctx context.Context, audit *ProactiveAudit) error {
	if audit == nil {
		return nil
	}
	if audit.ID == "" {
		audit.ID = uuid.NewString()
	}
	var slot sql.NullInt64
	if audit.DailySlot > 0 {
		slot = sql.NullInt64{Int64: int64(audit.DailySlot), Valid: true}
	}
	return s.retry(ctx, "record_proactive_audit", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO proactive_message_audit
				(proactive_id, user_id, scheduled_at, sent_at, message_kind,
				 mood, success, day_bucket, daily_slot)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, audit.ID, audit.UserID, audit.ScheduledAt, nullTime(audit.SentAt),
			audit.MessageKind, nullString(audit.Mood), audit.Success,
			audit.DayBucket, slot)
		return err
	})
}

// SaveReflection stores the daily reflection. The (user_id, date)
// uniqueness makes re-running the reflection job a no-op.
func (s *Store) SaveReflection(ctx context.Context, reflection *Reflection) error {
	if reflection == nil {
		return nil
	}
	if reflection.ID == "" {
		reflection.ID = uuid.NewString()
	}
	if reflection.CreatedAt.IsZero() {
		reflection.CreatedAt = s.now().UTC()
	}
	return s.retry(ctx, "save_reflection", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO autonomy_reflections
				(reflection_id, user_id, reflection_date, engagement_trend,
				 initiative_adjustment, notes, confidence, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT (user_id, reflection_date) DO NOTHING
		`, reflection.ID, reflection.UserID, reflection.ReflectionDate,
			nullString(reflection.EngagementTrend), reflection.InitiativeAdjustment,
			nullString(reflection.Notes), reflection.Confidence, reflection.CreatedAt)
		return err
	})
}
