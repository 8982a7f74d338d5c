package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/devflow/devflow/internal/db"
)

// DBTreeLock implements TreeLock on a tree_locks table using an atomic
// conditional upsert (set-if-absent-or-expired). The database is already the
// shared infrastructure of every orchestrator instance, so it doubles as the
// lock store.
type DBTreeLock struct {
	pool *db.Pool
}

// NewDBTreeLock creates the lock table if needed and returns the lock.
func NewDBTreeLock(pool *db.Pool) (*DBTreeLock, error) {
	l := &DBTreeLock{pool: pool}

	_, err := pool.Writer().Exec(`CREATE TABLE IF NOT EXISTS tree_locks (
		root_workflow_id BIGINT PRIMARY KEY,
		holder TEXT NOT NULL,
		expires_at TIMESTAMP NOT NULL
	)`)
	if err != nil {
		return nil, fmt.Errorf("failed to create tree_locks table: %w", err)
	}
	return l, nil
}

// Acquire takes or renews the lock in a single statement. The conditional
// upsert only overwrites a row whose lease expired or that the same holder
// already owns, so contention resolves atomically in the database.
func (l *DBTreeLock) Acquire(ctx context.Context, rootID int64, holder string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	query := l.pool.Writer().Rebind(`INSERT INTO tree_locks (root_workflow_id, holder, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT (root_workflow_id) DO UPDATE
		SET holder = excluded.holder, expires_at = excluded.expires_at
		WHERE tree_locks.expires_at <= ? OR tree_locks.holder = excluded.holder`)

	res, err := l.pool.Writer().ExecContext(ctx, query, rootID, holder, expiresAt, now)
	if err != nil {
		return false, fmt.Errorf("failed to acquire tree lock %d: %w", rootID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read tree lock result for %d: %w", rootID, err)
	}
	return n > 0, nil
}

// Release drops the lock if held by holder.
func (l *DBTreeLock) Release(ctx context.Context, rootID int64, holder string) error {
	_, err := l.pool.Writer().ExecContext(ctx,
		l.pool.Writer().Rebind(`DELETE FROM tree_locks WHERE root_workflow_id = ? AND holder = ?`),
		rootID, holder)
	if err != nil {
		return fmt.Errorf("failed to release tree lock %d: %w", rootID, err)
	}
	return nil
}

// Clear removes every lock.
func (l *DBTreeLock) Clear(ctx context.Context) error {
	_, err := l.pool.Writer().ExecContext(ctx, `DELETE FROM tree_locks`)
	if err != nil {
		return fmt.Errorf("failed to clear tree locks: %w", err)
	}
	return nil
}
