package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "her:memory:"

// RedisStore keeps memories in one hash per user with naive lexical
// scoring. It is deliberately simple: the heavy semantic search lives
// in an external service when one is configured.
type RedisStore struct {
	kv  redis.UniversalClient
	now func() time.Time
}

type record struct {
	ID        string         `json:"id"`
	Text      string         `json:"text"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewRedisStore wraps a Redis client.
func NewRedisStore(kv redis.UniversalClient) *RedisStore {
	return &RedisStore{kv: kv, now: time.Now}
}

func userKey(userID string) string { return keyPrefix + userID }

// Add stores one memory and returns its id.
func (s *RedisStore) Add(ctx context.Context, userID, text string, metadata map[string]any) (string, error) {
	rec := record{
		ID:        uuid.NewString(),
		Text:      text,
		Metadata:  metadata,
		CreatedAt: s.now().UTC(),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal memory: %w", err)
	}
	if err := s.kv.HSet(ctx, userKey(userID), rec.ID, payload).Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return rec.ID, nil
}

// Search scores memories by query term overlap and returns the top k.
func (s *RedisStore) Search(ctx context.Context, userID, query string, k int) ([]Hit, error) {
	raw, err := s.kv.HGetAll(ctx, userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	terms := strings.Fields(strings.ToLower(query))
	var hits []Hit
	for _, payload := range raw {
		var rec record
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			continue
		}
		score := lexicalScore(strings.ToLower(rec.Text), terms)
		if score <= 0 {
			continue
		}
		hits = append(hits, Hit{
			ID:        rec.ID,
			Text:      rec.Text,
			Score:     score,
			Metadata:  rec.Metadata,
			CreatedAt: rec.CreatedAt,
		})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].CreatedAt.After(hits[j].CreatedAt)
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Delete removes one memory; deleting an unknown id is a no-op.
func (s *RedisStore) Delete(ctx context.Context, userID, id string) error {
	if err := s.kv.HDel(ctx, userKey(userID), id).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func lexicalScore(text string, terms []string) float64 {
	if len(terms) == 0 {
		return 1
	}
	matched := 0
	for _, term := range terms {
		if strings.Contains(text, term) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}
