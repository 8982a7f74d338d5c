// Package queue implements dependency-aware queue advancement for workflow
// trees: next-executable selection, failure propagation, and the completion
// cascade.
package queue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/devflow/devflow/internal/common/constants"
	apperrors "github.com/devflow/devflow/internal/common/errors"
	"github.com/devflow/devflow/internal/common/logger"
	"github.com/devflow/devflow/internal/orchestrator/lock"
	"github.com/devflow/devflow/internal/workflow/models"
	"github.com/devflow/devflow/internal/workflow/store"
)

// Engine decides what runs next in a parent's queue, propagates failures up
// the tree, and detects subtree completion. Every Advance call runs under
// the TreeLock of the tree's root.
type Engine struct {
	store   store.Store
	locks   lock.TreeLock
	lockTTL time.Duration
	log     *logger.Logger
}

// New creates a queue engine.
func New(st store.Store, locks lock.TreeLock, lockTTL time.Duration, log *logger.Logger) *Engine {
	if lockTTL <= 0 {
		lockTTL = constants.TreeLockTTL
	}
	return &Engine{
		store:   st,
		locks:   locks,
		lockTTL: lockTTL,
		log:     log.WithFields(zap.String("component", "queue-engine")),
	}
}

// NextExecutable returns the next queue entry of parentID ready to run, or
// nil when nothing can start right now. Nothing starts while any workflow in
// the tree (excluding the root) is mid agent step.
func (e *Engine) NextExecutable(ctx context.Context, parentID int64) (*models.QueueEntry, error) {
	rootID, err := e.store.RootOf(ctx, parentID)
	if err != nil {
		return nil, err
	}

	active, err := e.store.HasActiveExecuting(ctx, rootID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, nil
	}

	next, err := e.store.GetNextExecutableChild(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if next != nil {
		return next, nil
	}

	entries, err := e.store.ListQueueEntries(ctx, parentID)
	if err != nil {
		return nil, err
	}

	pending, inProgress := 0, 0
	for _, entry := range entries {
		switch entry.Status {
		case models.QueuePending:
			pending++
		case models.QueueInProgress:
			inProgress++
		}
	}

	// Pending entries that can never become executable (their dependencies
	// ended failed, skipped, or cancelled) are a suspected deadlock. Status
	// is left alone; an operator resolves it via retry or skip.
	if pending > 0 && inProgress == 0 {
		e.log.Warn("queue has pending entries with unsatisfiable dependencies",
			zap.Int64("parent_workflow_id", parentID),
			zap.Int("pending", pending))
	}

	return nil, nil
}

// Advance drives the queue of parentID one step under the tree lock.
//
// If a child is ready it is marked in_progress and its workflow id is
// returned with the lock retained, so the caller can execute it. Otherwise
// the engine checks for failed children (propagating failure upward) or
// subtree completion (cascading completion upward), releases the lock, and
// recursively advances the grandparent. Returns 0 when nothing runs next.
func (e *Engine) Advance(ctx context.Context, parentID int64, holder string) (int64, error) {
	rootID, err := e.store.RootOf(ctx, parentID)
	if err != nil {
		return 0, err
	}

	acquired, err := e.locks.Acquire(ctx, rootID, holder, e.lockTTL)
	if err != nil {
		return 0, err
	}
	if !acquired {
		// Another executor owns this tree; it will advance the queue.
		e.log.Debug("tree lock busy",
			zap.Int64("root_workflow_id", rootID),
			zap.Int64("parent_workflow_id", parentID))
		return 0, nil
	}

	childID, err := e.advanceLocked(ctx, parentID, rootID, holder)
	if err != nil {
		_ = e.locks.Release(ctx, rootID, holder)
		return 0, err
	}
	if childID == 0 {
		_ = e.locks.Release(ctx, rootID, holder)
	}
	return childID, nil
}

func (e *Engine) advanceLocked(ctx context.Context, parentID, rootID int64, holder string) (int64, error) {
	// A failed child halts the queue: siblings after a failure never run.
	failedID, err := e.findFailedDescendant(ctx, parentID)
	if err != nil {
		return 0, err
	}
	if failedID != 0 {
		return e.propagateFailure(ctx, parentID, rootID, failedID, holder)
	}

	next, err := e.NextExecutable(ctx, parentID)
	if err != nil {
		return 0, err
	}

	if next != nil {
		if err := e.store.UpdateQueueEntryStatus(ctx, next.ID, models.QueueInProgress, nil); err != nil {
			return 0, err
		}
		if err := e.markParentRunning(ctx, parentID); err != nil {
			return 0, err
		}
		e.log.Debug("dispatching child workflow",
			zap.Int64("parent_workflow_id", parentID),
			zap.Int64("child_workflow_id", next.ChildWorkflowID),
			zap.Int("execution_order", next.ExecutionOrder))
		return next.ChildWorkflowID, nil
	}

	completed, err := e.isSubtreeCompleted(ctx, parentID)
	if err != nil {
		return 0, err
	}
	if completed {
		return e.cascadeCompletion(ctx, parentID, rootID, holder)
	}

	return 0, nil
}

// markParentRunning moves a dispatching parent into the waiting-for-children
// status. pending_fix and terminal statuses are left alone.
func (e *Engine) markParentRunning(ctx context.Context, parentID int64) error {
	parent, err := e.store.GetWorkflow(ctx, parentID)
	if err != nil {
		return err
	}
	if parent.Status == models.StatusPending {
		return e.store.UpdateWorkflowStatus(ctx, parentID, models.StatusRunning)
	}
	return nil
}

// findFailedDescendant returns the id of the first failed workflow or queue
// entry below parentID, or 0.
func (e *Engine) findFailedDescendant(ctx context.Context, parentID int64) (int64, error) {
	entries, err := e.store.ListQueueEntries(ctx, parentID)
	if err != nil {
		return 0, err
	}
	for _, entry := range entries {
		if entry.Status == models.QueueFailed {
			return entry.ChildWorkflowID, nil
		}
	}

	descendants, err := e.store.Descendants(ctx, parentID)
	if err != nil {
		return 0, err
	}
	for _, d := range descendants {
		if d.Status == models.StatusFailed {
			return d.ID, nil
		}
	}
	return 0, nil
}

// propagateFailure marks the parent failed, fails its own queue entry, and
// continues advancement at the grandparent so the failure cascades to the
// root.
func (e *Engine) propagateFailure(ctx context.Context, parentID, rootID, failedID int64, holder string) (int64, error) {
	parent, err := e.store.GetWorkflow(ctx, parentID)
	if err != nil {
		return 0, err
	}

	if !parent.Status.IsTerminal() {
		if err := e.store.UpdateWorkflowStatus(ctx, parentID, models.StatusFailed); err != nil {
			return 0, err
		}
		e.log.Info("workflow failed via child failure",
			zap.Int64("workflow_id", parentID),
			zap.Int64("failed_descendant_id", failedID))
	}

	entry, err := e.store.GetQueueEntryByChild(ctx, parentID)
	switch {
	case apperrors.IsNotFound(err):
		// The root has no queue entry of its own.
	case err != nil:
		return 0, err
	case !entry.Status.IsTerminal():
		msg := fmt.Sprintf("sub-workflow %d failed", failedID)
		if err := e.store.UpdateQueueEntryStatus(ctx, entry.ID, models.QueueFailed, &msg); err != nil {
			return 0, err
		}
	}

	if parent.ParentWorkflowID == nil {
		return 0, nil
	}

	if err := e.locks.Release(ctx, rootID, holder); err != nil {
		return 0, err
	}
	return e.Advance(ctx, *parent.ParentWorkflowID, holder)
}

// isSubtreeCompleted reports whether every entry of parentID's queue is
// completed or skipped, and every completed child with a queue of its own is
// recursively completed.
func (e *Engine) isSubtreeCompleted(ctx context.Context, parentID int64) (bool, error) {
	entries, err := e.store.ListQueueEntries(ctx, parentID)
	if err != nil {
		return false, err
	}
	if len(entries) == 0 {
		return false, nil
	}

	for _, entry := range entries {
		switch entry.Status {
		case models.QueueCompleted:
			childEntries, err := e.store.ListQueueEntries(ctx, entry.ChildWorkflowID)
			if err != nil {
				return false, err
			}
			if len(childEntries) > 0 {
				done, err := e.isSubtreeCompleted(ctx, entry.ChildWorkflowID)
				if err != nil {
					return false, err
				}
				if !done {
					return false, nil
				}
			}
		case models.QueueSkipped:
			// Skipped entries do not block completion.
		default:
			return false, nil
		}
	}
	return true, nil
}

// cascadeCompletion marks the parent completed, completes its own queue
// entry, and continues advancement at the grandparent. Completing a child
// may unblock siblings that depend on it, so the returned id can be a newly
// dispatched workflow further up the tree.
func (e *Engine) cascadeCompletion(ctx context.Context, parentID, rootID int64, holder string) (int64, error) {
	parent, err := e.store.GetWorkflow(ctx, parentID)
	if err != nil {
		return 0, err
	}

	if !parent.Status.IsTerminal() {
		if err := e.store.UpdateWorkflowStatus(ctx, parentID, models.StatusCompleted); err != nil {
			return 0, err
		}
		e.log.Info("workflow completed, all children terminal",
			zap.Int64("workflow_id", parentID))
	}

	entry, err := e.store.GetQueueEntryByChild(ctx, parentID)
	switch {
	case apperrors.IsNotFound(err):
	case err != nil:
		return 0, err
	case !entry.Status.IsTerminal():
		if err := e.store.UpdateQueueEntryStatus(ctx, entry.ID, models.QueueCompleted, nil); err != nil {
			return 0, err
		}
	}

	if parent.ParentWorkflowID == nil {
		return 0, nil
	}

	if err := e.locks.Release(ctx, rootID, holder); err != nil {
		return 0, err
	}
	return e.Advance(ctx, *parent.ParentWorkflowID, holder)
}

// ReleaseTree drops the tree lock for a root, used by schedulers when a run
// ends while the lock is still retained.
func (e *Engine) ReleaseTree(ctx context.Context, rootID int64, holder string) error {
	return e.locks.Release(ctx, rootID, holder)
}
