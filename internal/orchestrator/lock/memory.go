package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryTreeLock is an in-process TreeLock used by tests and single-node
// deployments without a database lock table.
type MemoryTreeLock struct {
	mu    sync.Mutex
	locks map[int64]memoryLease
}

type memoryLease struct {
	holder    string
	expiresAt time.Time
}

// NewMemoryTreeLock creates an empty in-memory lock.
func NewMemoryTreeLock() *MemoryTreeLock {
	return &MemoryTreeLock{locks: make(map[int64]memoryLease)}
}

// Acquire takes or renews the lock.
func (l *MemoryTreeLock) Acquire(ctx context.Context, rootID int64, holder string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	lease, held := l.locks[rootID]
	if held && lease.holder != holder && lease.expiresAt.After(now) {
		return false, nil
	}

	l.locks[rootID] = memoryLease{holder: holder, expiresAt: now.Add(ttl)}
	return true, nil
}

// Release drops the lock if held by holder.
func (l *MemoryTreeLock) Release(ctx context.Context, rootID int64, holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lease, held := l.locks[rootID]; held && lease.holder == holder {
		delete(l.locks, rootID)
	}
	return nil
}

// Clear removes every lock.
func (l *MemoryTreeLock) Clear(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.locks = make(map[int64]memoryLease)
	return nil
}
