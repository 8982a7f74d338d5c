// Package recovery restores a consistent workflow state after a process
// restart. Statuses describing in-process activity cannot survive a crash,
// so anything claiming to be mid-execution is rolled back to a resumable
// state before the scheduler starts.
package recovery

import (
	"context"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/devflow/devflow/internal/common/errors"
	"github.com/devflow/devflow/internal/common/logger"
	"github.com/devflow/devflow/internal/orchestrator/lock"
	"github.com/devflow/devflow/internal/workflow/models"
	"github.com/devflow/devflow/internal/workflow/store"
)

// Report summarizes one recovery pass.
type Report struct {
	ResetWorkflowIDs []int64
	SkippedEntryIDs  []int64
	AffectedRootIDs  []int64
	FailedExecutions int
}

// Recoverer rolls interrupted workflows back to a resumable state.
type Recoverer struct {
	store     store.Store
	locks     lock.TreeLock
	freshness time.Duration
	log       *logger.Logger
}

// New creates a recoverer. Workflows whose last update is older than
// freshness are treated as abandoned by a dead process.
func New(st store.Store, locks lock.TreeLock, freshness time.Duration, log *logger.Logger) *Recoverer {
	return &Recoverer{
		store:     st,
		locks:     locks,
		freshness: freshness,
		log:       log.WithFields(zap.String("component", "recovery")),
	}
}

// Run performs one recovery pass. It is idempotent: a second pass over an
// already-recovered database finds nothing to do.
//
// Three repairs happen, in order: stale tree locks are cleared, workflows
// stuck in an active-executing status are reset to pending with their
// running executions failed, and pending queue entries whose parent already
// reached a terminal status are skipped.
func (r *Recoverer) Run(ctx context.Context) (*Report, error) {
	report := &Report{}

	if err := r.locks.Clear(ctx); err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-r.freshness)
	stale, err := r.store.ListStaleActiveWorkflows(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	roots := make(map[int64]struct{})
	for _, w := range stale {
		failed, err := r.store.FailRunningExecutions(ctx, w.ID, "recovered-from-interrupt")
		if err != nil {
			return nil, err
		}
		report.FailedExecutions += failed

		if err := r.store.ResetWorkflow(ctx, w.ID); err != nil {
			return nil, err
		}
		report.ResetWorkflowIDs = append(report.ResetWorkflowIDs, w.ID)

		// The entry dispatched for this workflow goes back to pending so
		// the scheduler re-dispatches it.
		entry, err := r.store.GetQueueEntryByChild(ctx, w.ID)
		switch {
		case apperrors.IsNotFound(err):
			// Root workflows have no queue entry.
		case err != nil:
			return nil, err
		case entry.Status == models.QueueInProgress:
			if err := r.store.ResetQueueEntry(ctx, entry.ID); err != nil {
				return nil, err
			}
		}

		rootID, err := r.store.RootOf(ctx, w.ID)
		if err != nil {
			return nil, err
		}
		roots[rootID] = struct{}{}

		r.log.Info("reset interrupted workflow",
			zap.Int64("workflow_id", w.ID),
			zap.String("previous_status", string(w.Status)),
			zap.Int64("root_id", rootID))
	}

	orphans, err := r.store.ListOrphanPendingEntries(ctx)
	if err != nil {
		return nil, err
	}
	for _, entry := range orphans {
		reason := "parent workflow reached a terminal status"
		if err := r.store.UpdateQueueEntryStatus(ctx, entry.ID, models.QueueSkipped, &reason); err != nil {
			return nil, err
		}
		report.SkippedEntryIDs = append(report.SkippedEntryIDs, entry.ID)
		r.log.Info("skipped orphaned queue entry",
			zap.Int64("entry_id", entry.ID),
			zap.Int64("child_workflow_id", entry.ChildWorkflowID))
	}

	for rootID := range roots {
		report.AffectedRootIDs = append(report.AffectedRootIDs, rootID)
	}

	r.log.Info("recovery pass finished",
		zap.Int("reset_workflows", len(report.ResetWorkflowIDs)),
		zap.Int("skipped_entries", len(report.SkippedEntryIDs)),
		zap.Int("failed_executions", report.FailedExecutions))
	return report, nil
}
