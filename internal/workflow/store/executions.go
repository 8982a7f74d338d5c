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

// CreateAgentExecution inserts an agent execution and populates its ID.
func (s *SQLStore) CreateAgentExecution(ctx context.Context, e *models.AgentExecution) error {
	if e.Status == "" {
		e.Status = models.ExecPending
	}

	id, err := s.insertReturningID(ctx,
		`INSERT INTO agent_executions (workflow_id, agent_type, status, input, output,
			error_message, retry_count, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.WorkflowID, e.AgentType, e.Status, e.Input, e.Output,
		e.ErrorMessage, e.RetryCount, e.StartedAt, e.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to create agent execution: %w", err)
	}
	e.ID = id
	return nil
}

// GetAgentExecution fetches an agent execution by id.
func (s *SQLStore) GetAgentExecution(ctx context.Context, id int64) (*models.AgentExecution, error) {
	var e models.AgentExecution
	err := s.reader().GetContext(ctx, &e,
		s.reader().Rebind(`SELECT * FROM agent_executions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("agent execution", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent execution %d: %w", id, err)
	}
	return &e, nil
}

// ListAgentExecutions lists a workflow's executions in creation order.
func (s *SQLStore) ListAgentExecutions(ctx context.Context, workflowID int64) ([]*models.AgentExecution, error) {
	var out []*models.AgentExecution
	err := s.reader().SelectContext(ctx, &out,
		s.reader().Rebind(`SELECT * FROM agent_executions WHERE workflow_id = ? ORDER BY id ASC`),
		workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent executions of workflow %d: %w", workflowID, err)
	}
	return out, nil
}

// StartAgentExecution transitions an execution to running. The transition is
// guarded so at most one execution per workflow can be running.
func (s *SQLStore) StartAgentExecution(ctx context.Context, id int64) error {
	query := `UPDATE agent_executions SET status = ?, started_at = ?
		WHERE id = ? AND status = ?
		AND NOT EXISTS (
			SELECT 1 FROM agent_executions other
			WHERE other.workflow_id = agent_executions.workflow_id
			AND other.status = ? AND other.id != agent_executions.id
		)`

	res, err := s.writer().ExecContext(ctx, s.writer().Rebind(query),
		models.ExecRunning, time.Now().UTC(), id, models.ExecPending, models.ExecRunning)
	if err != nil {
		return fmt.Errorf("failed to start agent execution %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Conflict(fmt.Sprintf("agent execution %d is not startable", id))
	}
	return nil
}

// CompleteAgentExecution marks an execution completed with its output.
func (s *SQLStore) CompleteAgentExecution(ctx context.Context, id int64, output models.JSONMap) error {
	_, err := s.writer().ExecContext(ctx,
		s.writer().Rebind(`UPDATE agent_executions SET status = ?, output = ?, completed_at = ? WHERE id = ?`),
		models.ExecCompleted, output, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to complete agent execution %d: %w", id, err)
	}
	return nil
}

// FailAgentExecution marks an execution failed with an error message.
func (s *SQLStore) FailAgentExecution(ctx context.Context, id int64, errorMessage string) error {
	_, err := s.writer().ExecContext(ctx,
		s.writer().Rebind(`UPDATE agent_executions SET status = ?, error_message = ?, completed_at = ? WHERE id = ?`),
		models.ExecFailed, errorMessage, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to fail agent execution %d: %w", id, err)
	}
	return nil
}

// FailRunningExecutions fails every running execution of a workflow with the
// given reason, returning the number affected.
func (s *SQLStore) FailRunningExecutions(ctx context.Context, workflowID int64, reason string) (int, error) {
	res, err := s.writer().ExecContext(ctx,
		s.writer().Rebind(`UPDATE agent_executions SET status = ?, error_message = ?, completed_at = ?
			WHERE workflow_id = ? AND status = ?`),
		models.ExecFailed, reason, time.Now().UTC(), workflowID, models.ExecRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to fail running executions of workflow %d: %w", workflowID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ListTimedOutExecutions returns running executions started before the cutoff.
func (s *SQLStore) ListTimedOutExecutions(ctx context.Context, cutoff time.Time) ([]*models.AgentExecution, error) {
	var out []*models.AgentExecution
	err := s.reader().SelectContext(ctx, &out,
		s.reader().Rebind(`SELECT * FROM agent_executions WHERE status = ? AND started_at < ? ORDER BY id ASC`),
		models.ExecRunning, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list timed-out executions: %w", err)
	}
	return out, nil
}

// LatestExecutionActivity returns the most recent started_at or completed_at
// across a workflow's executions, or nil if it has none.
func (s *SQLStore) LatestExecutionActivity(ctx context.Context, workflowID int64) (*time.Time, error) {
	var latest sql.NullTime
	query := `SELECT MAX(ts) FROM (
			SELECT started_at AS ts FROM agent_executions WHERE workflow_id = ? AND started_at IS NOT NULL
			UNION ALL
			SELECT completed_at AS ts FROM agent_executions WHERE workflow_id = ? AND completed_at IS NOT NULL
		) activity`

	err := s.reader().GetContext(ctx, &latest, s.reader().Rebind(query), workflowID, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to get execution activity of workflow %d: %w", workflowID, err)
	}
	if !latest.Valid {
		return nil, nil
	}
	t := latest.Time.UTC()
	return &t, nil
}
