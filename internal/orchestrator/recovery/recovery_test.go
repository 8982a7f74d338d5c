package recovery

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/devflow/devflow/internal/common/logger"
	"github.com/devflow/devflow/internal/db"
	"github.com/devflow/devflow/internal/orchestrator/lock"
	"github.com/devflow/devflow/internal/workflow/models"
	"github.com/devflow/devflow/internal/workflow/store"
)

type fixture struct {
	store     *store.SQLStore
	locks     *lock.MemoryTreeLock
	recoverer *Recoverer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "recovery-test.db")
	writer, err := db.OpenSQLite(dbPath)
	require.NoError(t, err)

	st, err := store.New(db.NewPool(writer, writer))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	locks := lock.NewMemoryTreeLock()
	return &fixture{
		store: st,
		locks: locks,
		// Zero freshness: every active workflow counts as stale.
		recoverer: New(st, locks, 0, logger.Default()),
	}
}

func (f *fixture) workflow(t *testing.T, parent *int64, status models.WorkflowStatus) *models.Workflow {
	t.Helper()

	ctx := context.Background()
	depth := 0
	if parent != nil {
		p, err := f.store.GetWorkflow(ctx, *parent)
		require.NoError(t, err)
		depth = p.WorkflowDepth + 1
	}
	w := &models.Workflow{
		Type:             models.WorkflowTypeFeature,
		TargetModule:     "core",
		ParentWorkflowID: parent,
		WorkflowDepth:    depth,
	}
	require.NoError(t, f.store.CreateWorkflow(ctx, w))
	if status != models.StatusPending {
		require.NoError(t, f.store.UpdateWorkflowStatus(ctx, w.ID, status))
	}
	return w
}

func TestRunResetsInterruptedWorkflows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root := f.workflow(t, nil, models.StatusRunning)
	child := f.workflow(t, &root.ID, models.StatusCoding)

	entry := &models.QueueEntry{ParentWorkflowID: root.ID, ChildWorkflowID: child.ID}
	require.NoError(t, f.store.CreateQueueEntry(ctx, entry))
	require.NoError(t, f.store.UpdateQueueEntryStatus(ctx, entry.ID, models.QueueInProgress, nil))

	exec := &models.AgentExecution{WorkflowID: child.ID, AgentType: models.AgentCode}
	require.NoError(t, f.store.CreateAgentExecution(ctx, exec))
	require.NoError(t, f.store.StartAgentExecution(ctx, exec.ID))

	report, err := f.recoverer.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{child.ID}, report.ResetWorkflowIDs)
	require.Equal(t, []int64{root.ID}, report.AffectedRootIDs)
	require.Equal(t, 1, report.FailedExecutions)

	got, err := f.store.GetWorkflow(ctx, child.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, got.Status)
	require.False(t, got.IsPaused)

	gotEntry, err := f.store.GetQueueEntry(ctx, entry.ID)
	require.NoError(t, err)
	require.Equal(t, models.QueuePending, gotEntry.Status)

	gotExec, err := f.store.GetAgentExecution(ctx, exec.ID)
	require.NoError(t, err)
	require.Equal(t, models.ExecFailed, gotExec.Status)
	require.NotNil(t, gotExec.ErrorMessage)
	require.Equal(t, "recovered-from-interrupt", *gotExec.ErrorMessage)
}

func TestRunLeavesRunningParentsAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// running means waiting for children, which survives a restart.
	root := f.workflow(t, nil, models.StatusRunning)

	report, err := f.recoverer.Run(ctx)
	require.NoError(t, err)
	require.Empty(t, report.ResetWorkflowIDs)

	got, err := f.store.GetWorkflow(ctx, root.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusRunning, got.Status)
}

func TestRunSkipsOrphanedEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root := f.workflow(t, nil, models.StatusFailed)
	child := f.workflow(t, &root.ID, models.StatusPending)
	entry := &models.QueueEntry{ParentWorkflowID: root.ID, ChildWorkflowID: child.ID}
	require.NoError(t, f.store.CreateQueueEntry(ctx, entry))

	report, err := f.recoverer.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{entry.ID}, report.SkippedEntryIDs)

	got, err := f.store.GetQueueEntry(ctx, entry.ID)
	require.NoError(t, err)
	require.Equal(t, models.QueueSkipped, got.Status)
}

func TestRunClearsLocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ok, err := f.locks.Acquire(ctx, 42, "dead-process", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.recoverer.Run(ctx)
	require.NoError(t, err)

	ok, err = f.locks.Acquire(ctx, 42, "new-process", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRunIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root := f.workflow(t, nil, models.StatusRunning)
	f.workflow(t, &root.ID, models.StatusTesting)

	first, err := f.recoverer.Run(ctx)
	require.NoError(t, err)
	require.Len(t, first.ResetWorkflowIDs, 1)

	second, err := f.recoverer.Run(ctx)
	require.NoError(t, err)
	require.Empty(t, second.ResetWorkflowIDs)
	require.Empty(t, second.SkippedEntryIDs)
	require.Zero(t, second.FailedExecutions)
}
