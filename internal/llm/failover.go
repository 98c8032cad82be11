package llm

import (
	"context"
	"errors"
	"log/slog"
)

// Failover tries the primary provider and falls back to the secondary
// when the primary reports overload. Rate limits and invalid requests
// do not fail over: they carry the same meaning on both providers.
type Failover struct {
	primary   Client
	secondary Client
	logger    *slog.Logger
}

// NewFailover builds the failover client. secondary may be nil, in
// which case this is a pass-through.
func NewFailover(primary, secondary Client, logger *slog.Logger) *Failover {
	if logger == nil {
		logger = slog.Default()
	}
	return &Failover{
		primary:   primary,
		secondary: secondary,
		logger:    logger.With("component", "llm"),
	}
}

// Complete runs a blocking completion with failover.
func (f *Failover) Complete(ctx context.Context, req Request) (string, Usage, error) {
	text, usage, err := f.primary.Complete(ctx, req)
	if f.shouldFailover(err) {
		f.logger.Warn("primary provider overloaded, trying secondary", "error", err)
		return f.secondary.Complete(ctx, req)
	}
	return text, usage, err
}

// Stream runs a streaming completion with failover. Failover only
// happens when no delta has been delivered yet, so the consumer never
// sees a mixed stream.
func (f *Failover) Stream(ctx context.Context, req Request, onDelta func(string)) (string, Usage, error) {
	delivered := false
	wrapped := func(delta string) {
		delivered = true
		if onDelta != nil {
			onDelta(delta)
		}
	}
	text, usage, err := f.primary.Stream(ctx, req, wrapped)
	if f.shouldFailover(err) && !delivered {
		f.logger.Warn("primary provider overloaded, streaming from secondary", "error", err)
		return f.secondary.Stream(ctx, req, onDelta)
	}
	return text, usage, err
}

func (f *Failover) shouldFailover(err error) bool {
	return err != nil && f.secondary != nil && errors.Is(err, ErrOverloaded)
}
