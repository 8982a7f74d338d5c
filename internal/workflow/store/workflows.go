package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/devflow/devflow/internal/common/constants"
	apperrors "github.com/devflow/devflow/internal/common/errors"
	"github.com/devflow/devflow/internal/workflow/models"
)

// CreateWorkflow inserts a workflow and populates its ID and timestamps.
func (s *SQLStore) CreateWorkflow(ctx context.Context, w *models.Workflow) error {
	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now
	if w.Status == "" {
		w.Status = models.StatusPending
	}

	id, err := s.insertReturningID(ctx,
		`INSERT INTO workflows (type, target_module, status, payload, plan_json, branch_name,
			parent_workflow_id, workflow_depth, execution_order, auto_execute_children,
			is_paused, pause_reason, checkpoint_commit, checkpoint_created_at,
			created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.Type, w.TargetModule, w.Status, w.Payload, w.PlanJSON, w.BranchName,
		w.ParentWorkflowID, w.WorkflowDepth, w.ExecutionOrder, w.AutoExecuteChildren,
		w.IsPaused, w.PauseReason, w.CheckpointCommit, w.CheckpointCreatedAt,
		w.CreatedAt, w.UpdatedAt, w.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to create workflow: %w", err)
	}
	w.ID = id
	return nil
}

// GetWorkflow fetches a workflow by id.
func (s *SQLStore) GetWorkflow(ctx context.Context, id int64) (*models.Workflow, error) {
	var w models.Workflow
	err := s.reader().GetContext(ctx, &w,
		s.reader().Rebind(`SELECT * FROM workflows WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("workflow", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow %d: %w", id, err)
	}
	return &w, nil
}

// ListRootWorkflows lists workflows with no parent, newest first. An empty
// status matches all statuses.
func (s *SQLStore) ListRootWorkflows(ctx context.Context, status string, limit, offset int) ([]*models.Workflow, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT * FROM workflows WHERE parent_workflow_id IS NULL`
	args := []any{}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	var out []*models.Workflow
	if err := s.reader().SelectContext(ctx, &out, s.reader().Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list root workflows: %w", err)
	}
	return out, nil
}

// ListChildren lists a workflow's immediate children in execution order.
func (s *SQLStore) ListChildren(ctx context.Context, parentID int64) ([]*models.Workflow, error) {
	var out []*models.Workflow
	err := s.reader().SelectContext(ctx, &out,
		s.reader().Rebind(`SELECT * FROM workflows WHERE parent_workflow_id = ? ORDER BY execution_order ASC, id ASC`),
		parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list children of workflow %d: %w", parentID, err)
	}
	return out, nil
}

// UpdateWorkflowStatus sets the workflow status. completed_at is set iff the
// target status is terminal and cleared otherwise.
func (s *SQLStore) UpdateWorkflowStatus(ctx context.Context, id int64, status models.WorkflowStatus) error {
	now := time.Now().UTC()
	var completedAt *time.Time
	if status.IsTerminal() {
		completedAt = &now
	}

	res, err := s.writer().ExecContext(ctx,
		s.writer().Rebind(`UPDATE workflows SET status = ?, updated_at = ?, completed_at = ? WHERE id = ?`),
		status, now, completedAt, id)
	if err != nil {
		return fmt.Errorf("failed to update workflow %d status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("workflow", id)
	}
	return nil
}

// SetPaused toggles the pause flag and reason.
func (s *SQLStore) SetPaused(ctx context.Context, id int64, paused bool, reason *string) error {
	_, err := s.writer().ExecContext(ctx,
		s.writer().Rebind(`UPDATE workflows SET is_paused = ?, pause_reason = ?, updated_at = ? WHERE id = ?`),
		paused, reason, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set paused on workflow %d: %w", id, err)
	}
	return nil
}

// SetPlanJSON stores (or clears) the structured plan.
func (s *SQLStore) SetPlanJSON(ctx context.Context, id int64, planJSON *string) error {
	_, err := s.writer().ExecContext(ctx,
		s.writer().Rebind(`UPDATE workflows SET plan_json = ?, updated_at = ? WHERE id = ?`),
		planJSON, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set plan on workflow %d: %w", id, err)
	}
	return nil
}

// SetBranchName records the working branch for a workflow.
func (s *SQLStore) SetBranchName(ctx context.Context, id int64, branch string) error {
	_, err := s.writer().ExecContext(ctx,
		s.writer().Rebind(`UPDATE workflows SET branch_name = ?, updated_at = ? WHERE id = ?`),
		branch, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set branch on workflow %d: %w", id, err)
	}
	return nil
}

// SetCheckpoint promotes a commit to the workflow's checkpoint.
func (s *SQLStore) SetCheckpoint(ctx context.Context, id int64, commit string, at time.Time) error {
	_, err := s.writer().ExecContext(ctx,
		s.writer().Rebind(`UPDATE workflows SET checkpoint_commit = ?, checkpoint_created_at = ?, updated_at = ? WHERE id = ?`),
		commit, at.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set checkpoint on workflow %d: %w", id, err)
	}
	return nil
}

// ResetWorkflow returns a workflow to pending for re-execution. The plan and
// completion timestamp are cleared; checkpoint_commit is preserved so callers
// can reset source control.
func (s *SQLStore) ResetWorkflow(ctx context.Context, id int64) error {
	_, err := s.writer().ExecContext(ctx,
		s.writer().Rebind(`UPDATE workflows
			SET status = ?, plan_json = NULL, completed_at = NULL, is_paused = FALSE, pause_reason = NULL, updated_at = ?
			WHERE id = ?`),
		models.StatusPending, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to reset workflow %d: %w", id, err)
	}
	return nil
}

// RootOf walks parent_workflow_id to the tree root. The walk is capped at
// MaxTreeDepth; if the cap is reached the node reached is returned rather
// than failing, so a corrupt tree cannot wedge the orchestrator.
func (s *SQLStore) RootOf(ctx context.Context, id int64) (int64, error) {
	current := id
	for depth := 0; depth < constants.MaxTreeDepth; depth++ {
		var parent sql.NullInt64
		err := s.reader().GetContext(ctx, &parent,
			s.reader().Rebind(`SELECT parent_workflow_id FROM workflows WHERE id = ?`), current)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, apperrors.NotFound("workflow", current)
		}
		if err != nil {
			return 0, fmt.Errorf("failed to walk to root of workflow %d: %w", id, err)
		}
		if !parent.Valid {
			return current, nil
		}
		current = parent.Int64
	}
	return current, nil
}

// Descendants returns every workflow strictly below rootID in the tree.
func (s *SQLStore) Descendants(ctx context.Context, rootID int64) ([]*models.Workflow, error) {
	query := `WITH RECURSIVE subtree(id) AS (
			SELECT id FROM workflows WHERE parent_workflow_id = ?
			UNION ALL
			SELECT w.id FROM workflows w JOIN subtree s ON w.parent_workflow_id = s.id
		)
		SELECT * FROM workflows WHERE id IN (SELECT id FROM subtree)
		ORDER BY workflow_depth ASC, execution_order ASC, id ASC`

	var out []*models.Workflow
	if err := s.reader().SelectContext(ctx, &out, s.reader().Rebind(query), rootID); err != nil {
		return nil, fmt.Errorf("failed to list descendants of workflow %d: %w", rootID, err)
	}
	return out, nil
}

// HasActiveExecuting reports whether any workflow in the subtree of rootID,
// excluding the root itself, is in an active-executing status.
func (s *SQLStore) HasActiveExecuting(ctx context.Context, rootID int64) (bool, error) {
	query := `WITH RECURSIVE subtree(id) AS (
			SELECT id FROM workflows WHERE parent_workflow_id = ?
			UNION ALL
			SELECT w.id FROM workflows w JOIN subtree s ON w.parent_workflow_id = s.id
		)
		SELECT COUNT(*) FROM workflows
		WHERE id IN (SELECT id FROM subtree)
		AND status IN (?, ?, ?, ?, ?, ?)`

	args := []any{rootID}
	for _, st := range models.ActiveExecutingStatuses {
		args = append(args, st)
	}

	var count int
	if err := s.reader().GetContext(ctx, &count, s.reader().Rebind(query), args...); err != nil {
		return false, fmt.Errorf("failed to check active executors under workflow %d: %w", rootID, err)
	}
	return count > 0, nil
}

// ListStaleActiveWorkflows returns workflows in an active-executing status
// whose updated_at is older than the cutoff.
func (s *SQLStore) ListStaleActiveWorkflows(ctx context.Context, cutoff time.Time) ([]*models.Workflow, error) {
	query := `SELECT * FROM workflows WHERE status IN (?, ?, ?, ?, ?, ?) AND updated_at < ? ORDER BY id ASC`
	args := make([]any, 0, 7)
	for _, st := range models.ActiveExecutingStatuses {
		args = append(args, st)
	}
	args = append(args, cutoff.UTC())

	var out []*models.Workflow
	if err := s.reader().SelectContext(ctx, &out, s.reader().Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list stale workflows: %w", err)
	}
	return out, nil
}

// ListResumableRoots returns root workflows that have not reached a terminal
// status, used at startup to resume interrupted trees.
func (s *SQLStore) ListResumableRoots(ctx context.Context) ([]*models.Workflow, error) {
	query := `SELECT * FROM workflows
		WHERE parent_workflow_id IS NULL AND status NOT IN (?, ?, ?)
		ORDER BY created_at ASC`

	var out []*models.Workflow
	err := s.reader().SelectContext(ctx, &out, s.reader().Rebind(query),
		models.StatusCompleted, models.StatusFailed, models.StatusCancelled)
	if err != nil {
		return nil, fmt.Errorf("failed to list resumable roots: %w", err)
	}
	return out, nil
}

// DeleteWorkflows removes the given workflows and all their dependent rows.
// Dependents go first to satisfy foreign keys; workflow rows are deleted
// deepest-first so children never outlive their parents mid-transaction.
func (s *SQLStore) DeleteWorkflows(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.writer().BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	dependents := []string{
		`DELETE FROM artifacts WHERE workflow_id IN (?)`,
		`DELETE FROM agent_executions WHERE workflow_id IN (?)`,
		`DELETE FROM execution_logs WHERE workflow_id IN (?)`,
		`DELETE FROM workflow_messages WHERE workflow_id IN (?)`,
		`DELETE FROM workflow_queue WHERE child_workflow_id IN (?) OR parent_workflow_id IN (?)`,
	}
	for _, stmt := range dependents {
		var query string
		var args []any
		if stmt == dependents[len(dependents)-1] {
			query, args, err = sqlx.In(stmt, ids, ids)
		} else {
			query, args, err = sqlx.In(stmt, ids)
		}
		if err != nil {
			return fmt.Errorf("failed to expand delete statement: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return fmt.Errorf("failed to delete dependent rows: %w", err)
		}
	}

	// Deepest first so the self-referencing FK holds per row.
	orderQuery, orderArgs, err := sqlx.In(
		`SELECT id FROM workflows WHERE id IN (?) ORDER BY workflow_depth DESC, id DESC`, ids)
	if err != nil {
		return fmt.Errorf("failed to expand workflow order query: %w", err)
	}
	var ordered []int64
	if err := tx.SelectContext(ctx, &ordered, tx.Rebind(orderQuery), orderArgs...); err != nil {
		return fmt.Errorf("failed to order workflows for deletion: %w", err)
	}
	for _, id := range ordered {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM workflows WHERE id = ?`), id); err != nil {
			return fmt.Errorf("failed to delete workflow %d: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit workflow deletion: %w", err)
	}
	return nil
}
