package db

import (
	"context"
	"fmt"
	"time"

	"github.com/buildtall-systems/ticketstock/internal/lock"
	"github.com/google/uuid"
)

// Locker leases named locks through rows in ticket_locks, so separate
// processes sharing the database exclude each other. Expired leases are
// taken over by the next acquirer.
type Locker struct {
	db         *DB
	retry      time.Duration
	maxBackoff time.Duration
	now        func() time.Time
}

// NewLocker returns a database-backed locker.
func NewLocker(db *DB) *Locker {
	return &Locker{
		db:         db,
		retry:      5 * time.Millisecond,
		maxBackoff: 100 * time.Millisecond,
		now:        time.Now,
	}
}

// Acquire polls with capped exponential backoff until the lease is taken or
// ctx is done.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (lock.Lease, error) {
	owner := uuid.NewString()
	backoff := l.retry

	for {
		ok, err := l.tryAcquire(ctx, key, owner, ttl)
		if err != nil {
			if ctx.Err() != nil {
				return nil, lock.ErrTimeout
			}
			return nil, err
		}
		if ok {
			return &rowLease{db: l.db, key: key, owner: owner}, nil
		}

		select {
		case <-ctx.Done():
			return nil, lock.ErrTimeout
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > l.maxBackoff {
			backoff = l.maxBackoff
		}
	}
}

func (l *Locker) tryAcquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := l.now()
	result, err := l.db.ExecContext(ctx, `
		INSERT INTO ticket_locks (lock_key, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (lock_key) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE ticket_locks.expires_at <= ?
	`, key, owner, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("acquiring lock %s: %w", key, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return rows == 1, nil
}

type rowLease struct {
	db    *DB
	key   string
	owner string
}

// Release deletes the lease row if this holder still owns it.
func (l *rowLease) Release(ctx context.Context) error {
	_, err := l.db.ExecContext(context.WithoutCancel(ctx), `
		DELETE FROM ticket_locks WHERE lock_key = ? AND owner = ?
	`, l.key, l.owner)
	if err != nil {
		return fmt.Errorf("releasing lock %s: %w", l.key, err)
	}
	return nil
}
