// Package reaper is the background sweep that fails timed-out agent
// executions and stalled workflows, and skips queue entries orphaned by a
// terminal parent.
package reaper

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devflow/devflow/internal/common/constants"
	apperrors "github.com/devflow/devflow/internal/common/errors"
	"github.com/devflow/devflow/internal/common/logger"
	"github.com/devflow/devflow/internal/workflow/models"
	"github.com/devflow/devflow/internal/workflow/store"
)

// Config bounds reaper timing. Zero values fall back to the defaults.
type Config struct {
	Interval        time.Duration
	AgentTimeout    time.Duration
	WorkflowTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = constants.ReaperInterval
	}
	if c.AgentTimeout <= 0 {
		c.AgentTimeout = constants.AgentTimeout
	}
	if c.WorkflowTimeout <= 0 {
		c.WorkflowTimeout = constants.WorkflowStallTimeout
	}
}

// Reaper periodically sweeps the database for work that stopped making
// progress.
type Reaper struct {
	store  store.Store
	cfg    Config
	log    *logger.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a reaper.
func New(st store.Store, cfg Config, log *logger.Logger) *Reaper {
	cfg.applyDefaults()
	return &Reaper{
		store:  st,
		cfg:    cfg,
		log:    log.WithFields(zap.String("component", "reaper")),
		stopCh: make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (r *Reaper) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()

		r.log.Info("reaper started", zap.Duration("interval", r.cfg.Interval))
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				if err := r.Sweep(ctx); err != nil {
					r.log.Error("reaper sweep failed", zap.Error(err))
				}
				cancel()
			}
		}
	}()
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
func (r *Reaper) Stop() {
	close(r.stopCh)
	r.wg.Wait()
	r.log.Info("reaper stopped")
}

// Sweep runs one pass: timed-out executions, stalled workflows, orphaned
// queue entries.
func (r *Reaper) Sweep(ctx context.Context) error {
	now := time.Now()

	timedOut, err := r.store.ListTimedOutExecutions(ctx, now.Add(-r.cfg.AgentTimeout))
	if err != nil {
		return err
	}
	for _, exec := range timedOut {
		if err := r.store.FailAgentExecution(ctx, exec.ID, "timeout"); err != nil {
			return err
		}
		if err := r.failWorkflow(ctx, exec.WorkflowID, "agent execution timed out"); err != nil {
			return err
		}
		r.log.Warn("reaped timed-out agent execution",
			zap.Int64("agent_execution_id", exec.ID),
			zap.Int64("workflow_id", exec.WorkflowID),
			zap.String("agent_type", string(exec.AgentType)))
	}

	stallCutoff := now.Add(-r.cfg.WorkflowTimeout)
	stalled, err := r.store.ListStaleActiveWorkflows(ctx, stallCutoff)
	if err != nil {
		return err
	}
	for _, w := range stalled {
		// A workflow with a recent execution is still making progress even
		// if its own row went quiet.
		activity, err := r.store.LatestExecutionActivity(ctx, w.ID)
		if err != nil {
			return err
		}
		if activity != nil && activity.After(stallCutoff) {
			continue
		}
		if err := r.failWorkflow(ctx, w.ID, "workflow stalled"); err != nil {
			return err
		}
		r.log.Warn("reaped stalled workflow",
			zap.Int64("workflow_id", w.ID),
			zap.String("previous_status", string(w.Status)))
	}

	orphans, err := r.store.ListOrphanPendingEntries(ctx)
	if err != nil {
		return err
	}
	for _, entry := range orphans {
		reason := "parent workflow reached a terminal status"
		if err := r.store.UpdateQueueEntryStatus(ctx, entry.ID, models.QueueSkipped, &reason); err != nil {
			return err
		}
		r.log.Info("skipped orphaned queue entry", zap.Int64("entry_id", entry.ID))
	}

	return nil
}

// failWorkflow marks a workflow failed and fails its queue entry, skipping
// workflows that already reached a terminal status.
func (r *Reaper) failWorkflow(ctx context.Context, workflowID int64, reason string) error {
	w, err := r.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil
		}
		return err
	}
	if w.Status.IsTerminal() {
		return nil
	}

	if err := r.store.UpdateWorkflowStatus(ctx, workflowID, models.StatusFailed); err != nil {
		return err
	}

	entry, err := r.store.GetQueueEntryByChild(ctx, workflowID)
	switch {
	case apperrors.IsNotFound(err):
		return nil
	case err != nil:
		return err
	case entry.Status.IsTerminal():
		return nil
	}
	msg := reason
	return r.store.UpdateQueueEntryStatus(ctx, entry.ID, models.QueueFailed, &msg)
}
