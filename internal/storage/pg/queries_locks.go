package pg

import (
	"context"
	"time"
)

// InsertLock attempts to create a lock row. A unique-key violation means the
// resource is already held; callers detect it with IsUniqueViolation.
func (q *Queries) InsertLock(ctx context.Context, resourceID, lockID string, expiresAt time.Time) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO locks (resource_id, lock_id, expires_at) VALUES ($1, $2, $3)`,
		resourceID, lockID, expiresAt)
	return err
}

func (q *Queries) GetLock(ctx context.Context, resourceID string) (Lock, error) {
	var l Lock
	err := q.db.QueryRowContext(ctx,
		`SELECT resource_id, lock_id, expires_at FROM locks WHERE resource_id = $1`,
		resourceID).Scan(&l.ResourceID, &l.LockID, &l.ExpiresAt)
	return l, err
}

// DeleteExpiredLock removes the row only while it is still expired, so a
// freshly re-acquired lock is never stolen.
func (q *Queries) DeleteExpiredLock(ctx context.Context, resourceID string, now time.Time) (int64, error) {
	result, err := q.db.ExecContext(ctx,
		`DELETE FROM locks WHERE resource_id = $1 AND expires_at < $2`, resourceID, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteLockFenced removes the row only when lock_id matches the held lease.
func (q *Queries) DeleteLockFenced(ctx context.Context, resourceID, lockID string) (int64, error) {
	result, err := q.db.ExecContext(ctx,
		`DELETE FROM locks WHERE resource_id = $1 AND lock_id = $2`, resourceID, lockID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteExpiredLocks is the periodic sweep.
func (q *Queries) DeleteExpiredLocks(ctx context.Context, now time.Time) (int64, error) {
	result, err := q.db.ExecContext(ctx, `DELETE FROM locks WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
