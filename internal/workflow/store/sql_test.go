package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/devflow/devflow/internal/common/errors"
	"github.com/devflow/devflow/internal/db"
	"github.com/devflow/devflow/internal/workflow/models"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "devflow-test.db")
	writer, err := db.OpenSQLite(dbPath)
	require.NoError(t, err)

	s, err := New(db.NewPool(writer, writer))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createWorkflow(t *testing.T, s *SQLStore, parent *int64, order int) *models.Workflow {
	t.Helper()

	depth := 0
	if parent != nil {
		p, err := s.GetWorkflow(context.Background(), *parent)
		require.NoError(t, err)
		depth = p.WorkflowDepth + 1
	}

	w := &models.Workflow{
		Type:             models.WorkflowTypeFeature,
		TargetModule:     "billing",
		Payload:          models.JSONMap{"task_description": "add invoice export"},
		ParentWorkflowID: parent,
		WorkflowDepth:    depth,
		ExecutionOrder:   order,
	}
	require.NoError(t, s.CreateWorkflow(context.Background(), w))
	return w
}

func TestWorkflowLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w := createWorkflow(t, s, nil, 0)
	require.NotZero(t, w.ID)
	require.Equal(t, models.StatusPending, w.Status)

	got, err := s.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, "billing", got.TargetModule)
	require.Equal(t, "add invoice export", got.TaskDescription())
	require.Nil(t, got.CompletedAt)

	require.NoError(t, s.UpdateWorkflowStatus(ctx, w.ID, models.StatusCoding))
	got, err = s.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	require.Nil(t, got.CompletedAt)

	require.NoError(t, s.UpdateWorkflowStatus(ctx, w.ID, models.StatusCompleted))
	got, err = s.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)

	// Reset clears completion but keeps the workflow.
	require.NoError(t, s.ResetWorkflow(ctx, w.ID))
	got, err = s.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, got.Status)
	require.Nil(t, got.CompletedAt)
}

func TestGetWorkflowNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetWorkflow(context.Background(), 9999)
	require.Error(t, err)
	require.True(t, errors.IsNotFound(err))
}

func TestRootOfAndDescendants(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	root := createWorkflow(t, s, nil, 0)
	child := createWorkflow(t, s, &root.ID, 0)
	grandchild := createWorkflow(t, s, &child.ID, 0)

	rootID, err := s.RootOf(ctx, grandchild.ID)
	require.NoError(t, err)
	require.Equal(t, root.ID, rootID)

	rootID, err = s.RootOf(ctx, root.ID)
	require.NoError(t, err)
	require.Equal(t, root.ID, rootID)

	desc, err := s.Descendants(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, desc, 2)
	require.Equal(t, child.ID, desc[0].ID)
	require.Equal(t, grandchild.ID, desc[1].ID)
}

func TestHasActiveExecutingExcludesRoot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	root := createWorkflow(t, s, nil, 0)
	child := createWorkflow(t, s, &root.ID, 0)

	// Root in an agent phase does not count.
	require.NoError(t, s.UpdateWorkflowStatus(ctx, root.ID, models.StatusPlanning))
	active, err := s.HasActiveExecuting(ctx, root.ID)
	require.NoError(t, err)
	require.False(t, active)

	require.NoError(t, s.UpdateWorkflowStatus(ctx, child.ID, models.StatusCoding))
	active, err = s.HasActiveExecuting(ctx, root.ID)
	require.NoError(t, err)
	require.True(t, active)
}

func TestNextExecutableChildRespectsDependencies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	parent := createWorkflow(t, s, nil, 0)
	c0 := createWorkflow(t, s, &parent.ID, 0)
	c1 := createWorkflow(t, s, &parent.ID, 1)

	e0 := &models.QueueEntry{ParentWorkflowID: parent.ID, ChildWorkflowID: c0.ID, ExecutionOrder: 0}
	require.NoError(t, s.CreateQueueEntry(ctx, e0))
	e1 := &models.QueueEntry{ParentWorkflowID: parent.ID, ChildWorkflowID: c1.ID, ExecutionOrder: 1, DependsOn: models.IntList{0}}
	require.NoError(t, s.CreateQueueEntry(ctx, e1))

	next, err := s.GetNextExecutableChild(ctx, parent.ID)
	require.NoError(t, err)
	require.NotNil(t, next)
	require.Equal(t, c0.ID, next.ChildWorkflowID)

	// c1 is blocked until c0's entry completes.
	require.NoError(t, s.UpdateQueueEntryStatus(ctx, e0.ID, models.QueueInProgress, nil))
	next, err = s.GetNextExecutableChild(ctx, parent.ID)
	require.NoError(t, err)
	require.Nil(t, next)

	require.NoError(t, s.UpdateQueueEntryStatus(ctx, e0.ID, models.QueueCompleted, nil))
	next, err = s.GetNextExecutableChild(ctx, parent.ID)
	require.NoError(t, err)
	require.NotNil(t, next)
	require.Equal(t, c1.ID, next.ChildWorkflowID)
}

func TestSkippedDependencyDoesNotUnblock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	parent := createWorkflow(t, s, nil, 0)
	c0 := createWorkflow(t, s, &parent.ID, 0)
	c1 := createWorkflow(t, s, &parent.ID, 1)

	e0 := &models.QueueEntry{ParentWorkflowID: parent.ID, ChildWorkflowID: c0.ID, ExecutionOrder: 0}
	require.NoError(t, s.CreateQueueEntry(ctx, e0))
	e1 := &models.QueueEntry{ParentWorkflowID: parent.ID, ChildWorkflowID: c1.ID, ExecutionOrder: 1, DependsOn: models.IntList{0}}
	require.NoError(t, s.CreateQueueEntry(ctx, e1))

	require.NoError(t, s.UpdateQueueEntryStatus(ctx, e0.ID, models.QueueSkipped, nil))

	next, err := s.GetNextExecutableChild(ctx, parent.ID)
	require.NoError(t, err)
	require.Nil(t, next)
}

func TestQueueEntryTimestamps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	parent := createWorkflow(t, s, nil, 0)
	child := createWorkflow(t, s, &parent.ID, 0)
	e := &models.QueueEntry{ParentWorkflowID: parent.ID, ChildWorkflowID: child.ID, ExecutionOrder: 0}
	require.NoError(t, s.CreateQueueEntry(ctx, e))

	require.NoError(t, s.UpdateQueueEntryStatus(ctx, e.ID, models.QueueInProgress, nil))
	got, err := s.GetQueueEntry(ctx, e.ID)
	require.NoError(t, err)
	require.NotNil(t, got.StartedAt)
	require.Nil(t, got.CompletedAt)

	msg := "agent reported failure"
	require.NoError(t, s.UpdateQueueEntryStatus(ctx, e.ID, models.QueueFailed, &msg))
	got, err = s.GetQueueEntry(ctx, e.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)
	require.Equal(t, msg, *got.ErrorMessage)

	require.NoError(t, s.ResetQueueEntry(ctx, e.ID))
	got, err = s.GetQueueEntry(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, models.QueuePending, got.Status)
	require.Nil(t, got.StartedAt)
	require.Nil(t, got.ErrorMessage)
}

func TestGetQueueEntryByChildRootHasNoEntry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	root := createWorkflow(t, s, nil, 0)
	child := createWorkflow(t, s, &root.ID, 0)
	e := &models.QueueEntry{ParentWorkflowID: root.ID, ChildWorkflowID: child.ID, ExecutionOrder: 0}
	require.NoError(t, s.CreateQueueEntry(ctx, e))

	got, err := s.GetQueueEntryByChild(ctx, child.ID)
	require.NoError(t, err)
	require.Equal(t, e.ID, got.ID)

	// A root workflow sits in no queue; callers rely on a not-found error
	// rather than a nil entry.
	_, err = s.GetQueueEntryByChild(ctx, root.ID)
	require.Error(t, err)
	require.True(t, errors.IsNotFound(err))
}

func TestSingleRunningExecutionPerWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w := createWorkflow(t, s, nil, 0)

	first := &models.AgentExecution{WorkflowID: w.ID, AgentType: models.AgentPlan}
	require.NoError(t, s.CreateAgentExecution(ctx, first))
	second := &models.AgentExecution{WorkflowID: w.ID, AgentType: models.AgentCode}
	require.NoError(t, s.CreateAgentExecution(ctx, second))

	require.NoError(t, s.StartAgentExecution(ctx, first.ID))
	err := s.StartAgentExecution(ctx, second.ID)
	require.Error(t, err)

	require.NoError(t, s.CompleteAgentExecution(ctx, first.ID, models.JSONMap{"summary": "done"}))
	require.NoError(t, s.StartAgentExecution(ctx, second.ID))
}

func TestFailRunningExecutions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w := createWorkflow(t, s, nil, 0)
	e := &models.AgentExecution{WorkflowID: w.ID, AgentType: models.AgentCode}
	require.NoError(t, s.CreateAgentExecution(ctx, e))
	require.NoError(t, s.StartAgentExecution(ctx, e.ID))

	n, err := s.FailRunningExecutions(ctx, w.ID, "recovered-from-interrupt")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := s.GetAgentExecution(ctx, e.ID)
	require.NoError(t, err)
	require.Equal(t, models.ExecFailed, got.Status)
	require.Equal(t, "recovered-from-interrupt", *got.ErrorMessage)

	// Second pass finds nothing to fail.
	n, err = s.FailRunningExecutions(ctx, w.ID, "recovered-from-interrupt")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestInterruptConsumedExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w := createWorkflow(t, s, nil, 0)

	comment := &models.WorkflowMessage{WorkflowID: w.ID, MessageType: models.MessageUser, Content: "looks good", ActionType: models.ActionComment}
	require.NoError(t, s.CreateMessage(ctx, comment))
	pause := &models.WorkflowMessage{WorkflowID: w.ID, MessageType: models.MessageUser, Content: "hold on", ActionType: models.ActionPause}
	require.NoError(t, s.CreateMessage(ctx, pause))

	// Comments never surface as interrupts.
	next, err := s.NextPendingInterrupt(ctx, w.ID)
	require.NoError(t, err)
	require.NotNil(t, next)
	require.Equal(t, models.ActionPause, next.ActionType)

	require.NoError(t, s.UpdateMessageActionStatus(ctx, next.ID, models.ActionProcessed))

	next, err = s.NextPendingInterrupt(ctx, w.ID)
	require.NoError(t, err)
	require.Nil(t, next)

	// A processed message cannot transition again.
	err = s.UpdateMessageActionStatus(ctx, pause.ID, models.ActionIgnored)
	require.Error(t, err)
}

func TestCheckpointQueries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	root := createWorkflow(t, s, nil, 0)
	child := createWorkflow(t, s, &root.ID, 0)

	older := time.Now().UTC().Add(-time.Hour)
	newer := time.Now().UTC()
	require.NoError(t, s.SetCheckpoint(ctx, root.ID, "aaa111", older))
	require.NoError(t, s.SetCheckpoint(ctx, child.ID, "bbb222", newer))
	require.NoError(t, s.UpdateWorkflowStatus(ctx, child.ID, models.StatusCompleted))

	all, err := s.ListCheckpoints(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "bbb222", all[0].CheckpointCommit)

	// Latest only considers completed workflows; root is still pending.
	latest, err := s.LatestCheckpoint(ctx, root.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	require.Equal(t, child.ID, latest.WorkflowID)
}

func TestDeleteWorkflowsCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	root := createWorkflow(t, s, nil, 0)
	child := createWorkflow(t, s, &root.ID, 0)
	grandchild := createWorkflow(t, s, &child.ID, 0)

	entry := &models.QueueEntry{ParentWorkflowID: root.ID, ChildWorkflowID: child.ID, ExecutionOrder: 0}
	require.NoError(t, s.CreateQueueEntry(ctx, entry))
	entry2 := &models.QueueEntry{ParentWorkflowID: child.ID, ChildWorkflowID: grandchild.ID, ExecutionOrder: 0}
	require.NoError(t, s.CreateQueueEntry(ctx, entry2))

	exec := &models.AgentExecution{WorkflowID: child.ID, AgentType: models.AgentPlan}
	require.NoError(t, s.CreateAgentExecution(ctx, exec))
	require.NoError(t, s.CreateArtifact(ctx, &models.Artifact{WorkflowID: child.ID, AgentExecutionID: exec.ID, Type: models.ArtifactPlan, Content: "plan"}))
	require.NoError(t, s.AppendLog(ctx, &models.ExecutionLog{WorkflowID: child.ID, Message: "started"}))
	require.NoError(t, s.CreateMessage(ctx, &models.WorkflowMessage{WorkflowID: child.ID, MessageType: models.MessageSystem, Content: "created"}))

	require.NoError(t, s.DeleteWorkflows(ctx, []int64{child.ID, grandchild.ID}))

	_, err := s.GetWorkflow(ctx, child.ID)
	require.True(t, errors.IsNotFound(err))
	_, err = s.GetWorkflow(ctx, grandchild.ID)
	require.True(t, errors.IsNotFound(err))

	// Root survives with an empty queue.
	entries, err := s.ListQueueEntries(ctx, root.ID)
	require.NoError(t, err)
	require.Empty(t, entries)

	arts, err := s.ListArtifacts(ctx, child.ID)
	require.NoError(t, err)
	require.Empty(t, arts)
	logs, err := s.ListLogs(ctx, child.ID, nil, 0)
	require.NoError(t, err)
	require.Empty(t, logs)
	msgs, err := s.ListMessages(ctx, child.ID)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestOrphanPendingEntries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	parent := createWorkflow(t, s, nil, 0)
	child := createWorkflow(t, s, &parent.ID, 0)
	e := &models.QueueEntry{ParentWorkflowID: parent.ID, ChildWorkflowID: child.ID, ExecutionOrder: 0}
	require.NoError(t, s.CreateQueueEntry(ctx, e))

	orphans, err := s.ListOrphanPendingEntries(ctx)
	require.NoError(t, err)
	require.Empty(t, orphans)

	require.NoError(t, s.UpdateWorkflowStatus(ctx, parent.ID, models.StatusFailed))

	orphans, err = s.ListOrphanPendingEntries(ctx)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	require.Equal(t, e.ID, orphans[0].ID)
}

func TestQueueStatusCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	parent := createWorkflow(t, s, nil, 0)
	statuses := []models.QueueEntryStatus{models.QueuePending, models.QueueInProgress, models.QueueCompleted, models.QueueFailed, models.QueueSkipped}
	for i, st := range statuses {
		c := createWorkflow(t, s, &parent.ID, i)
		e := &models.QueueEntry{ParentWorkflowID: parent.ID, ChildWorkflowID: c.ID, ExecutionOrder: i}
		require.NoError(t, s.CreateQueueEntry(ctx, e))
		if st != models.QueuePending {
			require.NoError(t, s.UpdateQueueEntryStatus(ctx, e.ID, st, nil))
		}
	}

	counts, err := s.GetQueueStatus(ctx, parent.ID)
	require.NoError(t, err)
	require.Equal(t, 5, counts.Total)
	require.Equal(t, 1, counts.Pending)
	require.Equal(t, 1, counts.InProgress)
	require.Equal(t, 1, counts.Completed)
	require.Equal(t, 1, counts.Failed)
	require.Equal(t, 1, counts.Skipped)
}
