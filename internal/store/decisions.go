package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// AppendDecision durably appends a decision event and mirrors it to the
// bounded KV ring for the dashboard. A missing ID or timestamp is
// filled in here so callers can stay terse.
func (s *Store) AppendDecision(ctx context.Context, event *DecisionEvent) error {
	if event == nil {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now().UTC()
	}
	detailsJSON, err := marshalMap(event.Details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}

	if err := s.retry(ctx, "append_decision", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO decision_logs (decision_id, timestamp, event_type, user_id, source, summary, details)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, event.ID, event.Timestamp, event.EventType, nullString(event.UserID),
			event.Source, event.Summary, detailsJSON)
		return err
	}); err != nil {
		return err
	}

	s.mirrorToRing(ctx, keyDecisionLogs, decisionRingSize, event)
	return nil
}

// AppendReinforcement durably appends a reinforcement event and mirrors
// it to its KV ring.
func (s *Store) AppendReinforcement(ctx context.Context, event *ReinforcementEvent) error {
	if event == nil {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now().UTC()
	}
	reasoningJSON, err := json.Marshal(map[string]string{"reasoning": event.Reasoning})
	if err != nil {
		return fmt.Errorf("marshal reasoning: %w", err)
	}

	if err := s.retry(ctx, "append_reinforcement", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO reinforcement_events
				(reinforcement_id, timestamp, user_id, score, label,
				 task_succeeded, concise, helpful, emotionally_aligned, reasoning)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, event.ID, event.Timestamp, event.UserID, event.Score, nullString(event.Label),
			event.Flags.TaskSucceeded, event.Flags.Concise, event.Flags.Helpful,
			event.Flags.EmotionallyAligned, reasoningJSON)
		return err
	}); err != nil {
		return err
	}

	s.mirrorToRing(ctx, keyReinforcement, decisionRingSize, event)
	return nil
}

// RecentDecisions returns the newest entries of the KV decision ring.
func (s *Store) RecentDecisions(ctx context.Context, limit int) ([]DecisionEvent, error) {
	if limit <= 0 || limit > decisionRingSize {
		limit = decisionRingSize
	}
	raw, err := s.kv.LRange(ctx, keyDecisionLogs, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, classify("recent_decisions", err)
	}
	events := make([]DecisionEvent, 0, len(raw))
	for _, item := range raw {
		var event DecisionEvent
		if err := json.Unmarshal([]byte(item), &event); err != nil {
			continue // a malformed ring entry never breaks the read path
		}
		events = append(events, event)
	}
	return events, nil
}

// mirrorToRing LPUSHes the JSON encoding and trims the list to size.
// Mirror failures are logged, never surfaced: the relational row is the
// durable copy.
func (s *Store) mirrorToRing(ctx context.Context, key string, size int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("ring mirror encode failed", "key", key, "error", err)
		return
	}
	pipe := s.kv.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, int64(size-1))
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("ring mirror write failed", "key", key, "error", err)
	}
}
