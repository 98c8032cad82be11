package memory

import (
	"context"
	"errors"
	"log/slog"
)

// Guard applies the strict-mode policy around any Store: when strict
// is off, backend failures are logged and treated as empty results;
// when strict is on, they surface to the caller.
type Guard struct {
	inner  Store
	strict bool
	logger *slog.Logger
}

// NewGuard wraps a store. inner may be nil, which behaves like a
// permanently unavailable backend.
func NewGuard(inner Store, strict bool, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{inner: inner, strict: strict, logger: logger.With("component", "memory")}
}

func (g *Guard) Add(ctx context.Context, userID, text string, metadata map[string]any) (string, error) {
	if g.inner == nil {
		return "", g.degrade("add", ErrUnavailable)
	}
	id, err := g.inner.Add(ctx, userID, text, metadata)
	if err != nil && errors.Is(err, ErrUnavailable) {
		return "", g.degrade("add", err)
	}
	return id, err
}

func (g *Guard) Search(ctx context.Context, userID, query string, k int) ([]Hit, error) {
	if g.inner == nil {
		return nil, g.degrade("search", ErrUnavailable)
	}
	hits, err := g.inner.Search(ctx, userID, query, k)
	if err != nil && errors.Is(err, ErrUnavailable) {
		return nil, g.degrade("search", err)
	}
	return hits, err
}

func (g *Guard) Delete(ctx context.Context, userID, id string) error {
	if g.inner == nil {
		return g.degrade("delete", ErrUnavailable)
	}
	err := g.inner.Delete(ctx, userID, id)
	if err != nil && errors.Is(err, ErrUnavailable) {
		return g.degrade("delete", err)
	}
	return err
}

// degrade returns nil outside strict mode so callers see an empty
// result instead of a failure.
func (g *Guard) degrade(op string, err error) error {
	if g.strict {
		return err
	}
	g.logger.Warn("memory backend unavailable, degrading", "op", op, "error", err)
	return nil
}
