// Package rewind truncates a workflow tree at a committed checkpoint,
// removing everything that executed after it so the tree can resume from a
// known-good state.
package rewind

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/devflow/devflow/internal/common/errors"
	"github.com/devflow/devflow/internal/common/logger"
	"github.com/devflow/devflow/internal/workflow/models"
	"github.com/devflow/devflow/internal/workflow/store"
)

// Result reports what a rewind did. The caller owns the source-control
// reset to CheckpointCommit.
type Result struct {
	CheckpointWorkflowID int64   `json:"checkpoint_workflow_id"`
	CheckpointCommit     string  `json:"checkpoint_commit"`
	TargetModule         string  `json:"target_module"`
	ResetWorkflowIDs     []int64 `json:"reset_workflow_ids"`
	RemovedWorkflowIDs   []int64 `json:"removed_workflow_ids"`
}

// Rewinder removes post-checkpoint work from a tree.
type Rewinder struct {
	store store.Store
	grace time.Duration
	log   *logger.Logger
}

// New creates a rewinder. The grace period lets in-flight executors observe
// cancellation before their rows are deleted.
func New(st store.Store, grace time.Duration, log *logger.Logger) *Rewinder {
	return &Rewinder{
		store: st,
		grace: grace,
		log:   log.WithFields(zap.String("component", "rewind")),
	}
}

// Rewind truncates the tree under rootID at a checkpoint. When
// checkpointWorkflowID is nil the most recent completed checkpoint in the
// subtree is used; otherwise the named workflow must carry a checkpoint
// commit.
//
// Everything strictly after the checkpoint is removed: the checkpoint
// node's descendants, its later siblings by (execution_order, id), and
// those siblings' descendants. The checkpoint workflow itself goes back to
// pending with its checkpoint commit preserved.
func (r *Rewinder) Rewind(ctx context.Context, rootID int64, checkpointWorkflowID *int64) (*Result, error) {
	checkpoint, err := r.resolveCheckpoint(ctx, rootID, checkpointWorkflowID)
	if err != nil {
		return nil, err
	}

	removal, err := r.removalSet(ctx, checkpoint)
	if err != nil {
		return nil, err
	}

	r.log.Info("rewinding tree to checkpoint",
		zap.Int64("root_id", rootID),
		zap.Int64("checkpoint_workflow_id", checkpoint.ID),
		zap.String("checkpoint_commit", *checkpoint.CheckpointCommit),
		zap.Int("removal_count", len(removal)))

	// Cancellation first, so cooperative executors stop before rows vanish.
	for _, id := range removal {
		if err := r.store.UpdateWorkflowStatus(ctx, id, models.StatusCancelled); err != nil {
			return nil, err
		}
		if err := r.cancelQueueEntry(ctx, id); err != nil {
			return nil, err
		}
	}
	if len(removal) > 0 && r.grace > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.grace):
		}
	}

	if err := r.store.DeleteWorkflows(ctx, removal); err != nil {
		return nil, err
	}

	if err := r.store.ResetWorkflow(ctx, checkpoint.ID); err != nil {
		return nil, err
	}
	entry, err := r.store.GetQueueEntryByChild(ctx, checkpoint.ID)
	switch {
	case apperrors.IsNotFound(err):
	case err != nil:
		return nil, err
	default:
		if err := r.store.ResetQueueEntry(ctx, entry.ID); err != nil {
			return nil, err
		}
	}

	return &Result{
		CheckpointWorkflowID: checkpoint.ID,
		CheckpointCommit:     *checkpoint.CheckpointCommit,
		TargetModule:         checkpoint.TargetModule,
		ResetWorkflowIDs:     []int64{checkpoint.ID},
		RemovedWorkflowIDs:   removal,
	}, nil
}

func (r *Rewinder) resolveCheckpoint(ctx context.Context, rootID int64, checkpointWorkflowID *int64) (*models.Workflow, error) {
	if checkpointWorkflowID != nil {
		w, err := r.store.GetWorkflow(ctx, *checkpointWorkflowID)
		if err != nil {
			return nil, err
		}
		if w.CheckpointCommit == nil || *w.CheckpointCommit == "" {
			return nil, apperrors.BadRequest(fmt.Sprintf("workflow %d has no checkpoint commit", w.ID))
		}
		return w, nil
	}

	cp, err := r.store.LatestCheckpoint(ctx, rootID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, apperrors.BadRequest(fmt.Sprintf("no checkpoint found under workflow %d", rootID))
	}
	return r.store.GetWorkflow(ctx, cp.WorkflowID)
}

// removalSet returns the checkpoint's descendants plus its later siblings
// and their descendants, deduplicated and sorted.
func (r *Rewinder) removalSet(ctx context.Context, checkpoint *models.Workflow) ([]int64, error) {
	set := make(map[int64]struct{})

	descendants, err := r.store.Descendants(ctx, checkpoint.ID)
	if err != nil {
		return nil, err
	}
	for _, d := range descendants {
		set[d.ID] = struct{}{}
	}

	if checkpoint.ParentWorkflowID != nil {
		siblings, err := r.store.ListChildren(ctx, *checkpoint.ParentWorkflowID)
		if err != nil {
			return nil, err
		}
		for _, sib := range siblings {
			if sib.ID == checkpoint.ID {
				continue
			}
			after := sib.ExecutionOrder > checkpoint.ExecutionOrder ||
				(sib.ExecutionOrder == checkpoint.ExecutionOrder && sib.ID > checkpoint.ID)
			if !after {
				continue
			}
			set[sib.ID] = struct{}{}
			sibDescendants, err := r.store.Descendants(ctx, sib.ID)
			if err != nil {
				return nil, err
			}
			for _, d := range sibDescendants {
				set[d.ID] = struct{}{}
			}
		}
	}

	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (r *Rewinder) cancelQueueEntry(ctx context.Context, workflowID int64) error {
	entry, err := r.store.GetQueueEntryByChild(ctx, workflowID)
	if apperrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if entry.Status.IsTerminal() {
		return nil
	}
	reason := "removed by checkpoint rewind"
	return r.store.UpdateQueueEntryStatus(ctx, entry.ID, models.QueueCancelled, &reason)
}
