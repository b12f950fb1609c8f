package meta

import (
	"context"
	"fmt"
	"time"
)

// AcquireLock attempts to take the exclusive write lock for (parent, name).
// It returns false on live contention; there is no queueing or waiting, the
// caller must surface a conflict and let the client retry.
//
// Locks carry a lease so that a crashed holder does not pin the object
// forever: the conditional insert loses to an existing row, but a second
// guarded update takes over a row whose lease has expired.
func (d *DB) AcquireLock(ctx context.Context, parent, name, holder string, lease time.Duration) (bool, error) {
	now := time.Now().UTC()
	expires := now.Add(lease)

	const ins = `INSERT INTO locks (parent, name, holder, expires_at) VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`
	ok, err := applied(d.db.ExecContext(ctx, ins, parent, name, holder, expires))
	if err != nil {
		return false, fmt.Errorf("insert lock: %w", err)
	}
	if ok {
		return true, nil
	}

	const takeover = `UPDATE locks SET holder = ?, expires_at = ? WHERE parent = ? AND name = ? AND expires_at <= ?`
	ok, err = applied(d.db.ExecContext(ctx, takeover, holder, expires, parent, name, now))
	if err != nil {
		return false, fmt.Errorf("take over expired lock: %w", err)
	}
	return ok, nil
}

// ReleaseLock removes the lock for (parent, name). The delete is guarded by
// the holder token so a deferred release cannot clobber a lock that was
// taken over after the holder's lease expired.
func (d *DB) ReleaseLock(ctx context.Context, parent, name, holder string) error {
	const q = `DELETE FROM locks WHERE parent = ? AND name = ? AND holder = ?`
	if _, err := d.db.ExecContext(ctx, q, parent, name, holder); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// LockHeld reports whether a lock row currently exists for (parent, name).
func (d *DB) LockHeld(ctx context.Context, parent, name string) (bool, error) {
	const q = `SELECT COUNT(*) FROM locks WHERE parent = ? AND name = ?`
	var n int
	if err := d.db.QueryRowContext(ctx, q, parent, name).Scan(&n); err != nil {
		return false, fmt.Errorf("query lock: %w", err)
	}
	return n > 0, nil
}

// SweepExpiredLocks deletes every lock whose lease expired at or before now
// and returns how many were removed.
func (d *DB) SweepExpiredLocks(ctx context.Context, now time.Time) (int64, error) {
	const q = `DELETE FROM locks WHERE expires_at <= ?`
	res, err := d.db.ExecContext(ctx, q, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("sweep locks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting affected rows: %w", err)
	}
	return n, nil
}
