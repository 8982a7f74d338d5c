// Package store provides typed persistence for workflow trees, queue
// entries, agent executions, artifacts, messages, and logs.
package store

import (
	"context"
	"time"

	"github.com/devflow/devflow/internal/workflow/models"
)

// Store is the persistence façade used by the orchestrator. All mutations
// are single-row atomic; multi-row operations run inside a transaction.
type Store interface {
	// Workflows
	CreateWorkflow(ctx context.Context, w *models.Workflow) error
	GetWorkflow(ctx context.Context, id int64) (*models.Workflow, error)
	ListRootWorkflows(ctx context.Context, status string, limit, offset int) ([]*models.Workflow, error)
	ListChildren(ctx context.Context, parentID int64) ([]*models.Workflow, error)
	UpdateWorkflowStatus(ctx context.Context, id int64, status models.WorkflowStatus) error
	SetPaused(ctx context.Context, id int64, paused bool, reason *string) error
	SetPlanJSON(ctx context.Context, id int64, planJSON *string) error
	SetBranchName(ctx context.Context, id int64, branch string) error
	SetCheckpoint(ctx context.Context, id int64, commit string, at time.Time) error
	ResetWorkflow(ctx context.Context, id int64) error

	// Tree traversal
	RootOf(ctx context.Context, id int64) (int64, error)
	Descendants(ctx context.Context, rootID int64) ([]*models.Workflow, error)
	HasActiveExecuting(ctx context.Context, rootID int64) (bool, error)
	ListStaleActiveWorkflows(ctx context.Context, cutoff time.Time) ([]*models.Workflow, error)
	ListResumableRoots(ctx context.Context) ([]*models.Workflow, error)
	DeleteWorkflows(ctx context.Context, ids []int64) error

	// Queue entries
	CreateQueueEntry(ctx context.Context, e *models.QueueEntry) error
	GetQueueEntry(ctx context.Context, id int64) (*models.QueueEntry, error)
	GetQueueEntryByChild(ctx context.Context, childWorkflowID int64) (*models.QueueEntry, error)
	ListQueueEntries(ctx context.Context, parentID int64) ([]*models.QueueEntry, error)
	UpdateQueueEntryStatus(ctx context.Context, id int64, status models.QueueEntryStatus, errorMessage *string) error
	ResetQueueEntry(ctx context.Context, id int64) error
	GetNextExecutableChild(ctx context.Context, parentID int64) (*models.QueueEntry, error)
	GetQueueStatus(ctx context.Context, parentID int64) (*models.QueueStatusCounts, error)
	ListOrphanPendingEntries(ctx context.Context) ([]*models.QueueEntry, error)

	// Agent executions
	CreateAgentExecution(ctx context.Context, e *models.AgentExecution) error
	GetAgentExecution(ctx context.Context, id int64) (*models.AgentExecution, error)
	ListAgentExecutions(ctx context.Context, workflowID int64) ([]*models.AgentExecution, error)
	StartAgentExecution(ctx context.Context, id int64) error
	CompleteAgentExecution(ctx context.Context, id int64, output models.JSONMap) error
	FailAgentExecution(ctx context.Context, id int64, errorMessage string) error
	FailRunningExecutions(ctx context.Context, workflowID int64, reason string) (int, error)
	ListTimedOutExecutions(ctx context.Context, cutoff time.Time) ([]*models.AgentExecution, error)
	LatestExecutionActivity(ctx context.Context, workflowID int64) (*time.Time, error)

	// Artifacts
	CreateArtifact(ctx context.Context, a *models.Artifact) error
	ListArtifacts(ctx context.Context, workflowID int64) ([]*models.Artifact, error)

	// Messages
	CreateMessage(ctx context.Context, m *models.WorkflowMessage) error
	GetMessage(ctx context.Context, id int64) (*models.WorkflowMessage, error)
	ListMessages(ctx context.Context, workflowID int64) ([]*models.WorkflowMessage, error)
	NextPendingInterrupt(ctx context.Context, workflowID int64) (*models.WorkflowMessage, error)
	UpdateMessageActionStatus(ctx context.Context, id int64, status models.ActionStatus) error

	// Execution logs
	AppendLog(ctx context.Context, l *models.ExecutionLog) error
	ListLogs(ctx context.Context, workflowID int64, agentExecutionID *int64, limit int) ([]*models.ExecutionLog, error)

	// Checkpoints
	ListCheckpoints(ctx context.Context, rootID int64) ([]*models.Checkpoint, error)
	LatestCheckpoint(ctx context.Context, rootID int64) (*models.Checkpoint, error)

	Close() error
}
