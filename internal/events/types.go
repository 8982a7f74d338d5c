// Package events provides event types and utilities for the Devflow event system.
package events

import "fmt"

// Event types for workflows
const (
	WorkflowCreated  = "workflow.created"
	WorkflowUpdated  = "workflow.updated"
	WorkflowPaused   = "workflow.paused"
	WorkflowUnpaused = "workflow.unpaused"
	WorkflowFailed   = "workflow.failed"
)

// Event types for agent executions
const (
	AgentUpdated = "agent.updated"
)

// Event types for artifacts
const (
	ArtifactCreated = "artifact.created"
)

// Event types for workflow messages
const (
	MessageNew = "message.new"
)

// Event types for execution logs
const (
	LogAppended = "log.appended"
)

// BuildWorkflowSubject returns the per-workflow subject for lifecycle events.
func BuildWorkflowSubject(workflowID int64) string {
	return fmt.Sprintf("workflow.%d", workflowID)
}

// BuildWorkflowWildcardSubject returns the subject matching all workflow events.
func BuildWorkflowWildcardSubject() string {
	return "workflow.*"
}
