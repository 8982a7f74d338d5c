// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts and cadences for workflow execution.
const (
	// AgentTimeout is the maximum time a single agent step may run before the
	// reaper marks it failed.
	AgentTimeout = 60 * time.Minute

	// WorkflowStallTimeout is the maximum time a workflow may sit in an
	// active-executing status without agent-execution progress.
	WorkflowStallTimeout = 2 * time.Hour

	// PauseWaitTimeout is the maximum time the agent runner waits for a paused
	// workflow to be unpaused before giving up on the current step.
	PauseWaitTimeout = 30 * time.Minute

	// InterruptPollInterval is how often the runner re-checks interrupt
	// messages while waiting in a paused state.
	InterruptPollInterval = 5 * time.Second

	// ReaperInterval is how often the stuck-work reaper runs.
	ReaperInterval = 15 * time.Minute

	// TreeLockTTL is the expiry on a workflow tree lock. Re-acquisition
	// between leaf executions renews it.
	TreeLockTTL = 300 * time.Second

	// RecoveryFreshness is how stale an active-executing workflow's updated_at
	// must be before startup recovery resets it to pending.
	RecoveryFreshness = 30 * time.Minute

	// RewindGracePeriod is how long checkpoint rewind waits after cancelling
	// the removal set so active executors can observe the cancellation.
	RewindGracePeriod = 2 * time.Second
)

// MaxTreeDepth caps parent-chain walks; a walk that reaches it is treated as
// a cycle and stops at the node reached.
const MaxTreeDepth = 20
