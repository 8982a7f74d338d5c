// Package lock provides the TTL'd exclusive lock serializing all execution
// within one workflow tree.
package lock

import (
	"context"
	"time"
)

// TreeLock is a keyed, TTL'd exclusive lock. The key is always the root
// workflow id of a tree, giving one serialization point per tree across all
// process instances.
//
// Acquire is re-entrant per holder: a holder that already owns the lock
// acquires again and renews the TTL. This is how a scheduler keeps its lock
// alive between leaf executions. Stale locks expire via TTL; startup
// recovery additionally clears all keys from prior processes.
type TreeLock interface {
	// Acquire atomically takes the lock for holder, returning true iff the
	// lock was free, expired, or already owned by the same holder.
	Acquire(ctx context.Context, rootID int64, holder string, ttl time.Duration) (bool, error)

	// Release drops the lock if held by holder. Idempotent; releasing a lock
	// that is not held is not an error.
	Release(ctx context.Context, rootID int64, holder string) error

	// Clear removes every lock regardless of holder. Used by startup recovery.
	Clear(ctx context.Context) error
}
