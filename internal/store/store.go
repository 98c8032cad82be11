// Package store is the persistence gateway: typed access to the
// relational store (Postgres) and the KV store (Redis), with bounded
// retry for transient failures. Domain conflicts are never retried.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/vaheed/HER-Ai/internal/backoff"
	"github.com/vaheed/HER-Ai/internal/errkind"
)

// KV namespaces. These keys are shared with the dashboard and must not
// change shape.
const (
	keySchedulerState = "her:scheduler:state"
	keyTasksOverride  = "her:scheduler:tasks_override"
	keySchedulerJobs  = "her:scheduler:jobs"
	keyDecisionLogs   = "her:decision:logs"
	keyReinforcement  = "her:reinforcement:events"
	keyContextPrefix  = "her:context:"
)

// Ring sizes for the bounded KV mirrors.
const (
	decisionRingSize = 500
	jobRingSize      = 100
)

// ErrTaskConflict reports a stale-updated_at save; the caller must
// reload before retrying.
var ErrTaskConflict = errors.New("task version conflict")

// ErrLockLost reports a heartbeat on a lock held by someone else.
var ErrLockLost = errors.New("lock lost")

// ErrNotFound reports a missing row.
var ErrNotFound = errors.New("not found")

// Store is the persistence gateway.
type Store struct {
	db     *sqlx.DB
	kv     redis.UniversalClient
	logger *slog.Logger
	policy backoff.Policy
	now    func() time.Time

	publishMu        sync.Mutex
	lastStatePublish time.Time
	publishInterval  time.Duration
}

// Option configures the store.
type Option func(*Store)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger.With("component", "store")
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRetryPolicy overrides the transient-retry policy.
func WithRetryPolicy(policy backoff.Policy) Option {
	return func(s *Store) { s.policy = policy }
}

// WithStatePublishInterval sets the floor between scheduler state
// snapshots.
func WithStatePublishInterval(interval time.Duration) Option {
	return func(s *Store) {
		if interval > 0 {
			s.publishInterval = interval
		}
	}
}

// New wraps an existing database handle and KV client.
func New(db *sqlx.DB, kv redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		db:              db,
		kv:              kv,
		logger:          slog.Default().With("component", "store"),
		policy:          backoff.GatewayPolicy(),
		now:             time.Now,
		publishInterval: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to Postgres (pgx stdlib driver) and Redis and verifies
// both before returning.
func Open(ctx context.Context, postgresURL, redisAddr, redisPassword string, redisDB int, opts ...Option) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", postgresURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	kv := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: redisPassword,
		DB:       redisDB,
	})
	if err := kv.Ping(ctx).Err(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(db, kv, opts...), nil
}

// Close releases both backends.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	var first error
	if s.db != nil {
		first = s.db.Close()
	}
	if s.kv != nil {
		if err := s.kv.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// DB exposes the underlying handle for schema provisioning and tests.
func (s *Store) DB() *sqlx.DB { return s.db }

// retry runs fn under the gateway retry policy. Errors are classified
// first so that domain conflicts surface immediately.
func (s *Store) retry(ctx context.Context, op string, fn func() error) error {
	_, err := backoff.Retry(ctx, s.policy, func(attempt int) (struct{}, error) {
		if attempt > 1 {
			s.logger.Debug("retrying operation", "op", op, "attempt", attempt)
		}
		if err := fn(); err != nil {
			return struct{}{}, classify(op, err)
		}
		return struct{}{}, nil
	})
	return err
}

// classify maps backend failures onto the error taxonomy: integrity and
// syntax violations are domain errors (never retried); connection-class
// failures are transient.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var kinded *errkind.Error
	if errors.As(err, &kinded) {
		return err
	}
	if errors.Is(err, ErrTaskConflict) || errors.Is(err, ErrLockLost) || errors.Is(err, ErrNotFound) {
		return errkind.New(errkind.KindDomain, "That change collided with a newer one.", fmt.Errorf("%s: %w", op, err))
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "23", "42", "22": // integrity, syntax/access, data exception
			return errkind.New(errkind.KindDomain, "I could not store that.", fmt.Errorf("%s: %w", op, err))
		case "08", "53", "57": // connection, insufficient resources, operator intervention
			return errkind.New(errkind.KindTransient, "", fmt.Errorf("%s: %w", op, err))
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, context.DeadlineExceeded) {
		return errkind.New(errkind.KindTransient, "", fmt.Errorf("%s: %w", op, err))
	}
	// Unknown backend failures default to transient; the retry budget
	// bounds the damage.
	return errkind.New(errkind.KindTransient, "", fmt.Errorf("%s: %w", op, err))
}
