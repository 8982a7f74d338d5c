package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/devflow/devflow/internal/common/errors"
	"github.com/devflow/devflow/internal/workflow/models"
)

// CreateQueueEntry inserts a queue entry and populates its ID.
func (s *SQLStore) CreateQueueEntry(ctx context.Context, e *models.QueueEntry) error {
	e.CreatedAt = time.Now().UTC()
	if e.Status == "" {
		e.Status = models.QueuePending
	}
	if e.DependsOn == nil {
		e.DependsOn = models.IntList{}
	}

	id, err := s.insertReturningID(ctx,
		`INSERT INTO workflow_queue (parent_workflow_id, child_workflow_id, execution_order,
			status, depends_on, created_at, started_at, completed_at, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ParentWorkflowID, e.ChildWorkflowID, e.ExecutionOrder,
		e.Status, e.DependsOn, e.CreatedAt, e.StartedAt, e.CompletedAt, e.ErrorMessage)
	if err != nil {
		return fmt.Errorf("failed to create queue entry: %w", err)
	}
	e.ID = id
	return nil
}

// GetQueueEntry fetches a queue entry by id.
func (s *SQLStore) GetQueueEntry(ctx context.Context, id int64) (*models.QueueEntry, error) {
	var e models.QueueEntry
	err := s.reader().GetContext(ctx, &e,
		s.reader().Rebind(`SELECT * FROM workflow_queue WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("queue entry", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue entry %d: %w", id, err)
	}
	return &e, nil
}

// GetQueueEntryByChild fetches the entry linking a child workflow into its
// parent's queue. Root workflows have no entry and yield a not-found error.
func (s *SQLStore) GetQueueEntryByChild(ctx context.Context, childWorkflowID int64) (*models.QueueEntry, error) {
	var e models.QueueEntry
	err := s.reader().GetContext(ctx, &e,
		s.reader().Rebind(`SELECT * FROM workflow_queue WHERE child_workflow_id = ?`), childWorkflowID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("queue entry", childWorkflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue entry for child %d: %w", childWorkflowID, err)
	}
	return &e, nil
}

// ListQueueEntries lists a parent's queue in execution order.
func (s *SQLStore) ListQueueEntries(ctx context.Context, parentID int64) ([]*models.QueueEntry, error) {
	var out []*models.QueueEntry
	err := s.reader().SelectContext(ctx, &out,
		s.reader().Rebind(`SELECT * FROM workflow_queue WHERE parent_workflow_id = ? ORDER BY execution_order ASC, id ASC`),
		parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue entries of workflow %d: %w", parentID, err)
	}
	return out, nil
}

// UpdateQueueEntryStatus advances a queue entry. started_at is stamped the
// first time the entry leaves pending; completed_at when it turns terminal.
func (s *SQLStore) UpdateQueueEntryStatus(ctx context.Context, id int64, status models.QueueEntryStatus, errorMessage *string) error {
	now := time.Now().UTC()

	query := `UPDATE workflow_queue SET status = ?`
	args := []any{status}

	if status != models.QueuePending {
		query += `, started_at = COALESCE(started_at, ?)`
		args = append(args, now)
	}
	if status.IsTerminal() {
		query += `, completed_at = ?`
		args = append(args, now)
	}
	if errorMessage != nil {
		query += `, error_message = ?`
		args = append(args, *errorMessage)
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	res, err := s.writer().ExecContext(ctx, s.writer().Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to update queue entry %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NotFound("queue entry", id)
	}
	return nil
}

// ResetQueueEntry returns an entry to pending for retry or resume.
func (s *SQLStore) ResetQueueEntry(ctx context.Context, id int64) error {
	_, err := s.writer().ExecContext(ctx,
		s.writer().Rebind(`UPDATE workflow_queue
			SET status = ?, started_at = NULL, completed_at = NULL, error_message = NULL
			WHERE id = ?`),
		models.QueuePending, id)
	if err != nil {
		return fmt.Errorf("failed to reset queue entry %d: %w", id, err)
	}
	return nil
}

// GetNextExecutableChild returns the pending entry with the lowest execution
// order whose dependencies are all completed, or nil. A dependency is met
// only by a completed entry; skipped does not count.
func (s *SQLStore) GetNextExecutableChild(ctx context.Context, parentID int64) (*models.QueueEntry, error) {
	entries, err := s.ListQueueEntries(ctx, parentID)
	if err != nil {
		return nil, err
	}

	completedOrders := make(map[int]bool)
	for _, e := range entries {
		if e.Status == models.QueueCompleted {
			completedOrders[e.ExecutionOrder] = true
		}
	}

	for _, e := range entries {
		if e.Status != models.QueuePending {
			continue
		}
		ready := true
		for _, dep := range e.DependsOn {
			if !completedOrders[dep] {
				ready = false
				break
			}
		}
		if ready {
			return e, nil
		}
	}
	return nil, nil
}

// GetQueueStatus summarizes a parent's queue by entry status.
func (s *SQLStore) GetQueueStatus(ctx context.Context, parentID int64) (*models.QueueStatusCounts, error) {
	entries, err := s.ListQueueEntries(ctx, parentID)
	if err != nil {
		return nil, err
	}

	counts := &models.QueueStatusCounts{Total: len(entries)}
	for _, e := range entries {
		switch e.Status {
		case models.QueuePending:
			counts.Pending++
		case models.QueueInProgress:
			counts.InProgress++
		case models.QueueCompleted:
			counts.Completed++
		case models.QueueFailed:
			counts.Failed++
		case models.QueueSkipped:
			counts.Skipped++
		}
	}
	return counts, nil
}

// ListOrphanPendingEntries returns pending entries whose parent workflow is
// already failed or cancelled. These can never run and are reaped to skipped.
func (s *SQLStore) ListOrphanPendingEntries(ctx context.Context) ([]*models.QueueEntry, error) {
	query := `SELECT q.* FROM workflow_queue q
		JOIN workflows p ON p.id = q.parent_workflow_id
		WHERE q.status = ? AND p.status IN (?, ?)
		ORDER BY q.id ASC`

	var out []*models.QueueEntry
	err := s.reader().SelectContext(ctx, &out, s.reader().Rebind(query),
		models.QueuePending, models.StatusFailed, models.StatusCancelled)
	if err != nil {
		return nil, fmt.Errorf("failed to list orphan queue entries: %w", err)
	}
	return out, nil
}
