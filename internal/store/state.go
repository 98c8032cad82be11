package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// PublishState writes the scheduler snapshot to the KV store, rate
// limited by the configured min interval. A suppressed publish is not
// an error; the next eligible call carries the fresher snapshot.
func (s *Store) PublishState(ctx context.Context, snapshot *SchedulerSnapshot) (published bool, err error) {
	if snapshot == nil {
		return false, nil
	}
	s.publishMu.Lock()
	now := s.now()
	if !s.lastStatePublish.IsZero() && now.Sub(s.lastStatePublish) < s.publishInterval {
		s.publishMu.Unlock()
		return false, nil
	}
	s.lastStatePublish = now
	s.publishMu.Unlock()

	snapshot.PublishedAt = now.UTC()
	data, err := json.Marshal(snapshot)
	if err != nil {
		return false, fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := s.kv.Set(ctx, keySchedulerState, data, 0).Err(); err != nil {
		return false, classify("publish_state", err)
	}
	return true, nil
}

// PublishTasksOverride snapshots the full runtime task set to the KV
// override key so deployments with read-only config mounts pick up
// runtime mutations.
func (s *Store) PublishTasksOverride(ctx context.Context, tasks []*Task) error {
	data, err := json.Marshal(tasks)
	if err != nil {
		return fmt.Errorf("marshal tasks override: %w", err)
	}
	if err := s.kv.Set(ctx, keyTasksOverride, data, 0).Err(); err != nil {
		return classify("publish_tasks_override", err)
	}
	return nil
}

// LoadTasksOverride reads the override snapshot; missing key yields an
// empty set.
func (s *Store) LoadTasksOverride(ctx context.Context) ([]*Task, error) {
	data, err := s.kv.Get(ctx, keyTasksOverride).Bytes()
	if err != nil {
		if isRedisNil(err) {
			return nil, nil
		}
		return nil, classify("load_tasks_override", err)
	}
	var tasks []*Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("unmarshal tasks override: %w", err)
	}
	return tasks, nil
}

// AppendJobLog pushes one execution record onto the bounded job ring.
func (s *Store) AppendJobLog(ctx context.Context, entry *JobLogEntry) {
	if entry == nil {
		return
	}
	s.mirrorToRing(ctx, keySchedulerJobs, jobRingSize, entry)
}

// RecentJobLogs returns the newest execution records.
func (s *Store) RecentJobLogs(ctx context.Context, limit int) ([]JobLogEntry, error) {
	if limit <= 0 || limit > jobRingSize {
		limit = jobRingSize
	}
	raw, err := s.kv.LRange(ctx, keySchedulerJobs, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, classify("recent_job_logs", err)
	}
	entries := make([]JobLogEntry, 0, len(raw))
	for _, item := range raw {
		var entry JobLogEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// SetUserContext stores per-user conversational context with a TTL.
func (s *Store) SetUserContext(ctx context.Context, userID string, payload map[string]any, ttl time.Duration) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal user context: %w", err)
	}
	if err := s.kv.Set(ctx, keyContextPrefix+userID, data, ttl).Err(); err != nil {
		return classify("set_user_context", err)
	}
	return nil
}

// UserContext loads per-user conversational context; missing keys yield
// an empty map.
func (s *Store) UserContext(ctx context.Context, userID string) (map[string]any, error) {
	data, err := s.kv.Get(ctx, keyContextPrefix+userID).Bytes()
	if err != nil {
		if isRedisNil(err) {
			return map[string]any{}, nil
		}
		return nil, classify("user_context", err)
	}
	payload := map[string]any{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal user context: %w", err)
	}
	return payload, nil
}

func isRedisNil(err error) bool {
	return errors.Is(err, redis.Nil)
}
