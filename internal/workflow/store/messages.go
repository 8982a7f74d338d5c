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

// CreateArtifact appends an artifact.
func (s *SQLStore) CreateArtifact(ctx context.Context, a *models.Artifact) error {
	a.CreatedAt = time.Now().UTC()
	if a.Type == "" {
		a.Type = models.ArtifactOther
	}

	id, err := s.insertReturningID(ctx,
		`INSERT INTO artifacts (workflow_id, agent_execution_id, type, file_path, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.WorkflowID, a.AgentExecutionID, a.Type, a.FilePath, a.Content, a.Metadata, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create artifact: %w", err)
	}
	a.ID = id
	return nil
}

// ListArtifacts lists a workflow's artifacts oldest first.
func (s *SQLStore) ListArtifacts(ctx context.Context, workflowID int64) ([]*models.Artifact, error) {
	var out []*models.Artifact
	err := s.reader().SelectContext(ctx, &out,
		s.reader().Rebind(`SELECT * FROM artifacts WHERE workflow_id = ? ORDER BY id ASC`),
		workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts of workflow %d: %w", workflowID, err)
	}
	return out, nil
}

// CreateMessage appends a message to a workflow's conversation thread.
func (s *SQLStore) CreateMessage(ctx context.Context, m *models.WorkflowMessage) error {
	m.CreatedAt = time.Now().UTC()
	if m.ActionType == "" {
		m.ActionType = models.ActionComment
	}
	if m.ActionStatus == "" {
		// Interrupt actions from users start pending; everything else needs
		// no processing.
		if m.MessageType == models.MessageUser && m.ActionType.IsInterrupt() {
			m.ActionStatus = models.ActionPending
		} else {
			m.ActionStatus = models.ActionProcessed
		}
	}

	id, err := s.insertReturningID(ctx,
		`INSERT INTO workflow_messages (workflow_id, agent_execution_id, message_type, agent_type,
			content, metadata, action_type, action_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.WorkflowID, m.AgentExecutionID, m.MessageType, m.AgentType,
		m.Content, m.Metadata, m.ActionType, m.ActionStatus, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create workflow message: %w", err)
	}
	m.ID = id
	return nil
}

// GetMessage returns one message by id.
func (s *SQLStore) GetMessage(ctx context.Context, id int64) (*models.WorkflowMessage, error) {
	var m models.WorkflowMessage
	err := s.reader().GetContext(ctx, &m,
		s.reader().Rebind(`SELECT * FROM workflow_messages WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("message", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message %d: %w", id, err)
	}
	return &m, nil
}

// ListMessages lists a workflow's conversation thread oldest first.
func (s *SQLStore) ListMessages(ctx context.Context, workflowID int64) ([]*models.WorkflowMessage, error) {
	var out []*models.WorkflowMessage
	err := s.reader().SelectContext(ctx, &out,
		s.reader().Rebind(`SELECT * FROM workflow_messages WHERE workflow_id = ? ORDER BY created_at ASC, id ASC`),
		workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages of workflow %d: %w", workflowID, err)
	}
	return out, nil
}

// NextPendingInterrupt returns the earliest pending user message carrying an
// interrupt action, or nil.
func (s *SQLStore) NextPendingInterrupt(ctx context.Context, workflowID int64) (*models.WorkflowMessage, error) {
	query := `SELECT * FROM workflow_messages
		WHERE workflow_id = ? AND message_type = ? AND action_status = ?
		AND action_type IN (?, ?, ?, ?)
		ORDER BY created_at ASC, id ASC LIMIT 1`

	var m models.WorkflowMessage
	err := s.reader().GetContext(ctx, &m, s.reader().Rebind(query),
		workflowID, models.MessageUser, models.ActionPending,
		models.ActionPause, models.ActionCancel, models.ActionRedirect, models.ActionInstruction)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending interrupt for workflow %d: %w", workflowID, err)
	}
	return &m, nil
}

// UpdateMessageActionStatus transitions an actionable message. Only pending
// messages transition, so each interrupt is consumed exactly once.
func (s *SQLStore) UpdateMessageActionStatus(ctx context.Context, id int64, status models.ActionStatus) error {
	res, err := s.writer().ExecContext(ctx,
		s.writer().Rebind(`UPDATE workflow_messages SET action_status = ? WHERE id = ? AND action_status = ?`),
		status, id, models.ActionPending)
	if err != nil {
		return fmt.Errorf("failed to update message %d action status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Conflict(fmt.Sprintf("message %d is not pending", id))
	}
	return nil
}

// AppendLog appends an execution log line.
func (s *SQLStore) AppendLog(ctx context.Context, l *models.ExecutionLog) error {
	if l.Timestamp.IsZero() {
		l.Timestamp = time.Now().UTC()
	}
	if l.LogLevel == "" {
		l.LogLevel = "info"
	}

	id, err := s.insertReturningID(ctx,
		`INSERT INTO execution_logs (workflow_id, agent_execution_id, log_level, message, timestamp, metadata)
		VALUES (?, ?, ?, ?, ?, ?)`,
		l.WorkflowID, l.AgentExecutionID, l.LogLevel, l.Message, l.Timestamp, l.Metadata)
	if err != nil {
		return fmt.Errorf("failed to append execution log: %w", err)
	}
	l.ID = id
	return nil
}

// ListLogs lists a workflow's execution logs, newest last. An optional agent
// execution id narrows the result.
func (s *SQLStore) ListLogs(ctx context.Context, workflowID int64, agentExecutionID *int64, limit int) ([]*models.ExecutionLog, error) {
	if limit <= 0 {
		limit = 200
	}

	query := `SELECT * FROM execution_logs WHERE workflow_id = ?`
	args := []any{workflowID}
	if agentExecutionID != nil {
		query += ` AND agent_execution_id = ?`
		args = append(args, *agentExecutionID)
	}
	query += ` ORDER BY timestamp ASC, id ASC LIMIT ?`
	args = append(args, limit)

	var out []*models.ExecutionLog
	if err := s.reader().SelectContext(ctx, &out, s.reader().Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list logs of workflow %d: %w", workflowID, err)
	}
	return out, nil
}

// ListCheckpoints returns every checkpoint in the subtree of rootID,
// including the root itself, newest first.
func (s *SQLStore) ListCheckpoints(ctx context.Context, rootID int64) ([]*models.Checkpoint, error) {
	query := `WITH RECURSIVE subtree(id) AS (
			SELECT id FROM workflows WHERE id = ?
			UNION ALL
			SELECT w.id FROM workflows w JOIN subtree s ON w.parent_workflow_id = s.id
		)
		SELECT id, checkpoint_commit, checkpoint_created_at, target_module FROM workflows
		WHERE id IN (SELECT id FROM subtree)
		AND checkpoint_commit IS NOT NULL
		ORDER BY checkpoint_created_at DESC, id DESC`

	rows, err := s.reader().QueryxContext(ctx, s.reader().Rebind(query), rootID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints under workflow %d: %w", rootID, err)
	}
	defer rows.Close()

	var out []*models.Checkpoint
	for rows.Next() {
		var cp models.Checkpoint
		if err := rows.Scan(&cp.WorkflowID, &cp.CheckpointCommit, &cp.CheckpointCreatedAt, &cp.TargetModule); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		out = append(out, &cp)
	}
	return out, rows.Err()
}

// LatestCheckpoint returns the most recent checkpoint in the subtree of
// rootID belonging to a completed workflow, or nil.
func (s *SQLStore) LatestCheckpoint(ctx context.Context, rootID int64) (*models.Checkpoint, error) {
	query := `WITH RECURSIVE subtree(id) AS (
			SELECT id FROM workflows WHERE id = ?
			UNION ALL
			SELECT w.id FROM workflows w JOIN subtree s ON w.parent_workflow_id = s.id
		)
		SELECT id, checkpoint_commit, checkpoint_created_at, target_module FROM workflows
		WHERE id IN (SELECT id FROM subtree)
		AND checkpoint_commit IS NOT NULL AND status = ?
		ORDER BY checkpoint_created_at DESC, id DESC LIMIT 1`

	var cp models.Checkpoint
	err := s.reader().QueryRowxContext(ctx, s.reader().Rebind(query), rootID, models.StatusCompleted).
		Scan(&cp.WorkflowID, &cp.CheckpointCommit, &cp.CheckpointCreatedAt, &cp.TargetModule)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest checkpoint under workflow %d: %w", rootID, err)
	}
	return &cp, nil
}
