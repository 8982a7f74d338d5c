// Package models defines the workflow domain entities and their status
// machines.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// WorkflowType identifies the kind of development task a workflow performs.
type WorkflowType string

const (
	WorkflowTypeFeature       WorkflowType = "feature"
	WorkflowTypeBugfix        WorkflowType = "bugfix"
	WorkflowTypeRefactor      WorkflowType = "refactor"
	WorkflowTypeDocumentation WorkflowType = "documentation"
	WorkflowTypeReview        WorkflowType = "review"
	WorkflowTypeNewModule     WorkflowType = "new_module"
	WorkflowTypeDockerize     WorkflowType = "dockerize"
)

// IsValid reports whether the type is one of the known workflow types.
func (t WorkflowType) IsValid() bool {
	switch t {
	case WorkflowTypeFeature, WorkflowTypeBugfix, WorkflowTypeRefactor,
		WorkflowTypeDocumentation, WorkflowTypeReview, WorkflowTypeNewModule,
		WorkflowTypeDockerize:
		return true
	}
	return false
}

// WorkflowStatus is the lifecycle status of a workflow.
//
// The six agent-phase statuses (planning through security_linting) mean an
// agent is executing right now. "running" means the workflow is waiting on
// its children. "pending_fix" means it is waiting on a bugfix subtree.
type WorkflowStatus string

const (
	StatusPending         WorkflowStatus = "pending"
	StatusPlanning        WorkflowStatus = "planning"
	StatusCoding          WorkflowStatus = "coding"
	StatusTesting         WorkflowStatus = "testing"
	StatusReviewing       WorkflowStatus = "reviewing"
	StatusDocumenting     WorkflowStatus = "documenting"
	StatusSecurityLinting WorkflowStatus = "security_linting"
	StatusRunning         WorkflowStatus = "running"
	StatusPendingFix      WorkflowStatus = "pending_fix"
	StatusCompleted       WorkflowStatus = "completed"
	StatusFailed          WorkflowStatus = "failed"
	StatusCancelled       WorkflowStatus = "cancelled"
)

// ActiveExecutingStatuses are the statuses meaning an agent is mid-step.
var ActiveExecutingStatuses = []WorkflowStatus{
	StatusPlanning,
	StatusCoding,
	StatusTesting,
	StatusReviewing,
	StatusDocumenting,
	StatusSecurityLinting,
}

// IsActiveExecuting reports whether an agent is (or should be) executing.
func (s WorkflowStatus) IsActiveExecuting() bool {
	switch s {
	case StatusPlanning, StatusCoding, StatusTesting, StatusReviewing,
		StatusDocumenting, StatusSecurityLinting:
		return true
	}
	return false
}

// IsTerminal reports whether the status is final.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// QueueEntryStatus is the lifecycle status of a queue entry.
type QueueEntryStatus string

const (
	QueuePending    QueueEntryStatus = "pending"
	QueueInProgress QueueEntryStatus = "in_progress"
	QueueCompleted  QueueEntryStatus = "completed"
	QueueFailed     QueueEntryStatus = "failed"
	QueueSkipped    QueueEntryStatus = "skipped"
	QueueCancelled  QueueEntryStatus = "cancelled"
)

// IsTerminal reports whether the entry can no longer transition.
func (s QueueEntryStatus) IsTerminal() bool {
	switch s {
	case QueueCompleted, QueueFailed, QueueSkipped, QueueCancelled:
		return true
	}
	return false
}

// AgentType identifies an agent in a workflow's execution sequence.
type AgentType string

const (
	AgentPlan         AgentType = "plan"
	AgentCode         AgentType = "code"
	AgentTest         AgentType = "test"
	AgentReview       AgentType = "review"
	AgentDocument     AgentType = "document"
	AgentSecurityLint AgentType = "security_lint"
	AgentScaffold     AgentType = "scaffold"
	AgentModuleImport AgentType = "module_import"
	AgentOrchestrator AgentType = "orchestrator"
)

// agentSequences maps each workflow type to its ordered agent sequence.
var agentSequences = map[WorkflowType][]AgentType{
	WorkflowTypeFeature:       {AgentPlan, AgentCode, AgentSecurityLint, AgentTest, AgentReview, AgentDocument},
	WorkflowTypeBugfix:        {AgentPlan, AgentCode, AgentTest, AgentReview},
	WorkflowTypeRefactor:      {AgentPlan, AgentCode, AgentTest, AgentReview, AgentDocument},
	WorkflowTypeDocumentation: {AgentDocument},
	WorkflowTypeReview:        {AgentReview},
	WorkflowTypeNewModule:     {AgentScaffold, AgentModuleImport, AgentPlan, AgentCode, AgentTest, AgentReview, AgentDocument},
	WorkflowTypeDockerize:     {AgentPlan, AgentCode, AgentReview},
}

// AgentSequence returns the ordered agent sequence for a workflow type.
func AgentSequence(t WorkflowType) ([]AgentType, error) {
	seq, ok := agentSequences[t]
	if !ok {
		return nil, fmt.Errorf("no agent sequence for workflow type %q", t)
	}
	out := make([]AgentType, len(seq))
	copy(out, seq)
	return out, nil
}

// StatusForAgent returns the active-executing workflow status corresponding
// to an agent step. Scaffolding and module import happen during the coding
// phase.
func StatusForAgent(a AgentType) WorkflowStatus {
	switch a {
	case AgentPlan:
		return StatusPlanning
	case AgentCode, AgentScaffold, AgentModuleImport:
		return StatusCoding
	case AgentTest:
		return StatusTesting
	case AgentReview:
		return StatusReviewing
	case AgentDocument:
		return StatusDocumenting
	case AgentSecurityLint:
		return StatusSecurityLinting
	default:
		return StatusRunning
	}
}

// AgentExecutionStatus is the lifecycle status of an agent execution.
type AgentExecutionStatus string

const (
	ExecPending   AgentExecutionStatus = "pending"
	ExecRunning   AgentExecutionStatus = "running"
	ExecCompleted AgentExecutionStatus = "completed"
	ExecFailed    AgentExecutionStatus = "failed"
)

// ArtifactType classifies a persisted artifact.
type ArtifactType string

const (
	ArtifactCode   ArtifactType = "code"
	ArtifactTest   ArtifactType = "test"
	ArtifactDoc    ArtifactType = "doc"
	ArtifactPlan   ArtifactType = "plan"
	ArtifactReview ArtifactType = "review"
	ArtifactOther  ArtifactType = "other"
)

// MessageType identifies who authored a workflow message.
type MessageType string

const (
	MessageUser   MessageType = "user"
	MessageAgent  MessageType = "agent"
	MessageSystem MessageType = "system"
)

// ActionType is the action a message carries.
type ActionType string

const (
	ActionComment     ActionType = "comment"
	ActionInstruction ActionType = "instruction"
	ActionPause       ActionType = "pause"
	ActionResume      ActionType = "resume"
	ActionCancel      ActionType = "cancel"
	ActionRedirect    ActionType = "redirect"
)

// IsInterrupt reports whether the action requires orchestrator processing.
func (a ActionType) IsInterrupt() bool {
	switch a {
	case ActionPause, ActionCancel, ActionRedirect, ActionInstruction:
		return true
	}
	return false
}

// ActionStatus is the processing lifecycle of an actionable message.
type ActionStatus string

const (
	ActionPending      ActionStatus = "pending"
	ActionAcknowledged ActionStatus = "acknowledged"
	ActionProcessed    ActionStatus = "processed"
	ActionIgnored      ActionStatus = "ignored"
)

// JSONMap is a map stored as a JSON column.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONMap", src)
	}
	if len(data) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(data, m)
}

// IntList is an ordered list of integers stored as a JSON column, used for
// queue entry dependencies (execution orders of same-parent siblings).
type IntList []int

// Value implements driver.Valuer.
func (l IntList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner.
func (l *IntList) Scan(src any) error {
	if src == nil {
		*l = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into IntList", src)
	}
	if len(data) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(data, l)
}

// Workflow is a node in a workflow tree. A workflow with no children is a
// leaf executed by the agent runner; a workflow with children is advanced
// through its queue entries.
type Workflow struct {
	ID                  int64          `db:"id" json:"id"`
	Type                WorkflowType   `db:"type" json:"type"`
	TargetModule        string         `db:"target_module" json:"target_module"`
	Status              WorkflowStatus `db:"status" json:"status"`
	Payload             JSONMap        `db:"payload" json:"payload,omitempty"`
	PlanJSON            *string        `db:"plan_json" json:"plan_json,omitempty"`
	BranchName          *string        `db:"branch_name" json:"branch_name,omitempty"`
	ParentWorkflowID    *int64         `db:"parent_workflow_id" json:"parent_workflow_id,omitempty"`
	WorkflowDepth       int            `db:"workflow_depth" json:"workflow_depth"`
	ExecutionOrder      int            `db:"execution_order" json:"execution_order"`
	AutoExecuteChildren bool           `db:"auto_execute_children" json:"auto_execute_children"`
	IsPaused            bool           `db:"is_paused" json:"is_paused"`
	PauseReason         *string        `db:"pause_reason" json:"pause_reason,omitempty"`
	CheckpointCommit    *string        `db:"checkpoint_commit" json:"checkpoint_commit,omitempty"`
	CheckpointCreatedAt *time.Time     `db:"checkpoint_created_at" json:"checkpoint_created_at,omitempty"`
	CreatedAt           time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at" json:"updated_at"`
	CompletedAt         *time.Time     `db:"completed_at" json:"completed_at,omitempty"`
}

// IsRoot reports whether the workflow has no parent.
func (w *Workflow) IsRoot() bool {
	return w.ParentWorkflowID == nil
}

// TaskDescription extracts the task description from the payload.
func (w *Workflow) TaskDescription() string {
	if w.Payload == nil {
		return ""
	}
	if desc, ok := w.Payload["task_description"].(string); ok {
		return desc
	}
	return ""
}

// QueueEntry links a child workflow into its parent's execution queue.
type QueueEntry struct {
	ID               int64            `db:"id" json:"id"`
	ParentWorkflowID int64            `db:"parent_workflow_id" json:"parent_workflow_id"`
	ChildWorkflowID  int64            `db:"child_workflow_id" json:"child_workflow_id"`
	ExecutionOrder   int              `db:"execution_order" json:"execution_order"`
	Status           QueueEntryStatus `db:"status" json:"status"`
	DependsOn        IntList          `db:"depends_on" json:"depends_on"`
	CreatedAt        time.Time        `db:"created_at" json:"created_at"`
	StartedAt        *time.Time       `db:"started_at" json:"started_at,omitempty"`
	CompletedAt      *time.Time       `db:"completed_at" json:"completed_at,omitempty"`
	ErrorMessage     *string          `db:"error_message" json:"error_message,omitempty"`
}

// AgentExecution records one agent step against a workflow.
type AgentExecution struct {
	ID           int64                `db:"id" json:"id"`
	WorkflowID   int64                `db:"workflow_id" json:"workflow_id"`
	AgentType    AgentType            `db:"agent_type" json:"agent_type"`
	Status       AgentExecutionStatus `db:"status" json:"status"`
	Input        JSONMap              `db:"input" json:"input,omitempty"`
	Output       JSONMap              `db:"output" json:"output,omitempty"`
	ErrorMessage *string              `db:"error_message" json:"error_message,omitempty"`
	RetryCount   int                  `db:"retry_count" json:"retry_count"`
	StartedAt    *time.Time           `db:"started_at" json:"started_at,omitempty"`
	CompletedAt  *time.Time           `db:"completed_at" json:"completed_at,omitempty"`
}

// Artifact is an append-only output produced by an agent execution.
type Artifact struct {
	ID               int64        `db:"id" json:"id"`
	WorkflowID       int64        `db:"workflow_id" json:"workflow_id"`
	AgentExecutionID int64        `db:"agent_execution_id" json:"agent_execution_id"`
	Type             ArtifactType `db:"type" json:"type"`
	FilePath         *string      `db:"file_path" json:"file_path,omitempty"`
	Content          string       `db:"content" json:"content"`
	Metadata         JSONMap      `db:"metadata" json:"metadata,omitempty"`
	CreatedAt        time.Time    `db:"created_at" json:"created_at"`
}

// WorkflowMessage is one entry in a workflow's conversation thread. User
// messages with an interrupt action type start pending and are transitioned
// to a terminal action status exactly once by the orchestrator.
type WorkflowMessage struct {
	ID               int64        `db:"id" json:"id"`
	WorkflowID       int64        `db:"workflow_id" json:"workflow_id"`
	AgentExecutionID *int64       `db:"agent_execution_id" json:"agent_execution_id,omitempty"`
	MessageType      MessageType  `db:"message_type" json:"message_type"`
	AgentType        *string      `db:"agent_type" json:"agent_type,omitempty"`
	Content          string       `db:"content" json:"content"`
	Metadata         JSONMap      `db:"metadata" json:"metadata,omitempty"`
	ActionType       ActionType   `db:"action_type" json:"action_type"`
	ActionStatus     ActionStatus `db:"action_status" json:"action_status"`
	CreatedAt        time.Time    `db:"created_at" json:"created_at"`
}

// ExecutionLog is an append-only log line attached to a workflow, used for
// UI streaming.
type ExecutionLog struct {
	ID               int64      `db:"id" json:"id"`
	WorkflowID       int64      `db:"workflow_id" json:"workflow_id"`
	AgentExecutionID *int64     `db:"agent_execution_id" json:"agent_execution_id,omitempty"`
	LogLevel         string     `db:"log_level" json:"log_level"`
	Message          string     `db:"message" json:"message"`
	Timestamp        time.Time  `db:"timestamp" json:"timestamp"`
	Metadata         JSONMap    `db:"metadata" json:"metadata,omitempty"`
}

// Checkpoint is the rewind target extracted from a completed workflow.
type Checkpoint struct {
	WorkflowID          int64     `json:"workflow_id"`
	CheckpointCommit    string    `json:"checkpoint_commit"`
	CheckpointCreatedAt time.Time `json:"checkpoint_created_at"`
	TargetModule        string    `json:"target_module"`
}

// QueueStatusCounts summarizes a parent's queue by entry status.
type QueueStatusCounts struct {
	Total      int `db:"total" json:"total"`
	Pending    int `db:"pending" json:"pending"`
	InProgress int `db:"in_progress" json:"in_progress"`
	Completed  int `db:"completed" json:"completed"`
	Failed     int `db:"failed" json:"failed"`
	Skipped    int `db:"skipped" json:"skipped"`
}
