package lock

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/devflow/devflow/internal/db"
)

func testLocks(t *testing.T) map[string]TreeLock {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "locks.db")
	writer, err := db.OpenSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = writer.Close() })

	dbLock, err := NewDBTreeLock(db.NewPool(writer, writer))
	require.NoError(t, err)

	return map[string]TreeLock{
		"memory": NewMemoryTreeLock(),
		"db":     dbLock,
	}
}

func TestAcquireExcludesOtherHolders(t *testing.T) {
	for name, l := range testLocks(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			ok, err := l.Acquire(ctx, 1, "scheduler-a", time.Minute)
			require.NoError(t, err)
			require.True(t, ok)

			ok, err = l.Acquire(ctx, 1, "scheduler-b", time.Minute)
			require.NoError(t, err)
			require.False(t, ok)

			// A different tree is independent.
			ok, err = l.Acquire(ctx, 2, "scheduler-b", time.Minute)
			require.NoError(t, err)
			require.True(t, ok)
		})
	}
}

func TestAcquireIsReentrantForSameHolder(t *testing.T) {
	for name, l := range testLocks(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			ok, err := l.Acquire(ctx, 1, "scheduler-a", time.Minute)
			require.NoError(t, err)
			require.True(t, ok)

			// Re-acquisition renews the lease rather than failing.
			ok, err = l.Acquire(ctx, 1, "scheduler-a", time.Minute)
			require.NoError(t, err)
			require.True(t, ok)
		})
	}
}

func TestExpiredLockIsReclaimable(t *testing.T) {
	for name, l := range testLocks(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			ok, err := l.Acquire(ctx, 1, "scheduler-a", -time.Second)
			require.NoError(t, err)
			require.True(t, ok)

			ok, err = l.Acquire(ctx, 1, "scheduler-b", time.Minute)
			require.NoError(t, err)
			require.True(t, ok)
		})
	}
}

func TestReleaseIsIdempotentAndHolderScoped(t *testing.T) {
	for name, l := range testLocks(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			ok, err := l.Acquire(ctx, 1, "scheduler-a", time.Minute)
			require.NoError(t, err)
			require.True(t, ok)

			// Another holder's release is a no-op.
			require.NoError(t, l.Release(ctx, 1, "scheduler-b"))
			ok, err = l.Acquire(ctx, 1, "scheduler-b", time.Minute)
			require.NoError(t, err)
			require.False(t, ok)

			require.NoError(t, l.Release(ctx, 1, "scheduler-a"))
			require.NoError(t, l.Release(ctx, 1, "scheduler-a"))

			ok, err = l.Acquire(ctx, 1, "scheduler-b", time.Minute)
			require.NoError(t, err)
			require.True(t, ok)
		})
	}
}

func TestClearRemovesAllLocks(t *testing.T) {
	for name, l := range testLocks(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for id := int64(1); id <= 3; id++ {
				ok, err := l.Acquire(ctx, id, "scheduler-a", time.Minute)
				require.NoError(t, err)
				require.True(t, ok)
			}

			require.NoError(t, l.Clear(ctx))

			for id := int64(1); id <= 3; id++ {
				ok, err := l.Acquire(ctx, id, "scheduler-b", time.Minute)
				require.NoError(t, err)
				require.True(t, ok)
			}
		})
	}
}
