// Package memory is the long-term memory collaborator. The canonical
// implementation keeps per-user memories in Redis; Guard wraps any
// implementation with the strict-mode degradation policy.
package memory

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable marks a memory backend failure. Outside strict mode
// it degrades to empty results.
var ErrUnavailable = errors.New("memory unavailable")

// Hit is one search result.
type Hit struct {
	ID        string         `json:"id"`
	Text      string         `json:"text"`
	Score     float64        `json:"score"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Store is the memory collaborator contract.
type Store interface {
	Add(ctx context.Context, userID, text string, metadata map[string]any) (string, error)
	Search(ctx context.Context, userID, query string, k int) ([]Hit, error)
	Delete(ctx context.Context, userID, id string) error
}
