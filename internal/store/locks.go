package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// AcquireLock takes the named lease when it is free, expired, or
// already held by the same holder. Re-acquire by the current holder is
// idempotent and refreshes the lease.
func (s *Store) AcquireLock(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	var acquired bool
	err := s.retry(ctx, "acquire_lock", func() error {
		now := s.now().UTC()
		cutoff := now.Add(-ttl)
		var owner string
		err := s.db.QueryRowContext(ctx, `
			INSERT INTO scheduler_job_locks (lock_name, holder, updated_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (lock_name) DO UPDATE
			SET holder = EXCLUDED.holder,
				updated_at = EXCLUDED.updated_at
			WHERE scheduler_job_locks.updated_at < $4
			   OR scheduler_job_locks.holder = EXCLUDED.holder
			RETURNING holder
		`, name, holder, now, cutoff).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) {
			acquired = false
			return nil
		}
		if err != nil {
			return err
		}
		acquired = owner == holder
		return nil
	})
	return acquired, err
}

// HeartbeatLock refreshes the lease. Returning ErrLockLost means the
// lock expired and another holder took it; the caller must suspend
// firing and re-acquire.
func (s *Store) HeartbeatLock(ctx context.Context, name, holder string) error {
	return s.retry(ctx, "heartbeat_lock", func() error {
		result, err := s.db.ExecContext(ctx, `
			UPDATE scheduler_job_locks
			SET updated_at = $1
			WHERE lock_name = $2 AND holder = $3
		`, s.now().UTC(), name, holder)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrLockLost
		}
		return nil
	})
}

// ReleaseLock drops the lease if this holder still owns it. Best
// effort: a lost release expires via TTL.
func (s *Store) ReleaseLock(ctx context.Context, name, holder string) error {
	return s.retry(ctx, "release_lock", func() error {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM scheduler_job_locks
			WHERE lock_name = $1 AND holder = $2
		`, name, holder)
		return err
	})
}
