package queue

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
	store  *store.SQLStore
	locks  *lock.MemoryTreeLock
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "queue-test.db")
	writer, err := db.OpenSQLite(dbPath)
	require.NoError(t, err)

	st, err := store.New(db.NewPool(writer, writer))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	locks := lock.NewMemoryTreeLock()
	return &fixture{
		store:  st,
		locks:  locks,
		engine: New(st, locks, time.Minute, logger.Default()),
	}
}

func (f *fixture) workflow(t *testing.T, parent *int64, order int) *models.Workflow {
	t.Helper()

	depth := 0
	if parent != nil {
		p, err := f.store.GetWorkflow(context.Background(), *parent)
		require.NoError(t, err)
		depth = p.WorkflowDepth + 1
	}
	w := &models.Workflow{
		Type:             models.WorkflowTypeFeature,
		TargetModule:     "core",
		ParentWorkflowID: parent,
		WorkflowDepth:    depth,
		ExecutionOrder:   order,
	}
	require.NoError(t, f.store.CreateWorkflow(context.Background(), w))
	return w
}

func (f *fixture) enqueue(t *testing.T, parentID, childID int64, order int, deps ...int) *models.QueueEntry {
	t.Helper()

	e := &models.QueueEntry{
		ParentWorkflowID: parentID,
		ChildWorkflowID:  childID,
		ExecutionOrder:   order,
		DependsOn:        models.IntList(deps),
	}
	require.NoError(t, f.store.CreateQueueEntry(context.Background(), e))
	return e
}

func TestAdvanceDispatchesInOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	parent := f.workflow(t, nil, 0)
	c0 := f.workflow(t, &parent.ID, 0)
	c1 := f.workflow(t, &parent.ID, 1)
	f.enqueue(t, parent.ID, c0.ID, 0)
	f.enqueue(t, parent.ID, c1.ID, 1)

	next, err := f.engine.Advance(ctx, parent.ID, "worker-1")
	require.NoError(t, err)
	require.Equal(t, c0.ID, next)

	// Parent is now waiting on children.
	p, err := f.store.GetWorkflow(ctx, parent.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusRunning, p.Status)

	entry, err := f.store.GetQueueEntryByChild(ctx, c0.ID)
	require.NoError(t, err)
	require.Equal(t, models.QueueInProgress, entry.Status)
}

func TestAdvanceRespectsDependencies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	parent := f.workflow(t, nil, 0)
	c0 := f.workflow(t, &parent.ID, 0)
	c1 := f.workflow(t, &parent.ID, 1)
	e0 := f.enqueue(t, parent.ID, c0.ID, 0)
	f.enqueue(t, parent.ID, c1.ID, 1, 0)

	next, err := f.engine.Advance(ctx, parent.ID, "worker-1")
	require.NoError(t, err)
	require.Equal(t, c0.ID, next)

	// c0 is in progress, so nothing else may start.
	next, err = f.engine.Advance(ctx, parent.ID, "worker-1")
	require.NoError(t, err)
	require.Zero(t, next)

	require.NoError(t, f.store.UpdateQueueEntryStatus(ctx, e0.ID, models.QueueCompleted, nil))
	require.NoError(t, f.store.UpdateWorkflowStatus(ctx, c0.ID, models.StatusCompleted))

	next, err = f.engine.Advance(ctx, parent.ID, "worker-1")
	require.NoError(t, err)
	require.Equal(t, c1.ID, next)
}

func TestAdvanceBlockedByOtherHolder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	parent := f.workflow(t, nil, 0)
	c0 := f.workflow(t, &parent.ID, 0)
	f.enqueue(t, parent.ID, c0.ID, 0)

	ok, err := f.locks.Acquire(ctx, parent.ID, "other-worker", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	next, err := f.engine.Advance(ctx, parent.ID, "worker-1")
	require.NoError(t, err)
	require.Zero(t, next)

	// Entry untouched while another holder drives the tree.
	entry, err := f.store.GetQueueEntryByChild(ctx, c0.ID)
	require.NoError(t, err)
	require.Equal(t, models.QueuePending, entry.Status)
}

func TestAdvanceBlockedByActiveExecutingDescendant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	parent := f.workflow(t, nil, 0)
	c0 := f.workflow(t, &parent.ID, 0)
	c1 := f.workflow(t, &parent.ID, 1)
	f.enqueue(t, parent.ID, c0.ID, 0)
	f.enqueue(t, parent.ID, c1.ID, 1)

	// Another executor is mid agent step somewhere in the tree.
	require.NoError(t, f.store.UpdateWorkflowStatus(ctx, c0.ID, models.StatusCoding))

	next, err := f.engine.Advance(ctx, parent.ID, "worker-1")
	require.NoError(t, err)
	require.Zero(t, next)
}

func TestFailurePropagatesToRoot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root := f.workflow(t, nil, 0)
	mid := f.workflow(t, &root.ID, 0)
	leaf := f.workflow(t, &mid.ID, 0)
	f.enqueue(t, root.ID, mid.ID, 0)
	leafEntry := f.enqueue(t, mid.ID, leaf.ID, 0)

	msg := "agent reported failure"
	require.NoError(t, f.store.UpdateWorkflowStatus(ctx, leaf.ID, models.StatusFailed))
	require.NoError(t, f.store.UpdateQueueEntryStatus(ctx, leafEntry.ID, models.QueueFailed, &msg))

	next, err := f.engine.Advance(ctx, mid.ID, "worker-1")
	require.NoError(t, err)
	require.Zero(t, next)

	midW, err := f.store.GetWorkflow(ctx, mid.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, midW.Status)

	midEntry, err := f.store.GetQueueEntryByChild(ctx, mid.ID)
	require.NoError(t, err)
	require.Equal(t, models.QueueFailed, midEntry.Status)
	require.NotNil(t, midEntry.ErrorMessage)

	rootW, err := f.store.GetWorkflow(ctx, root.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, rootW.Status)
}

func TestCompletionCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root := f.workflow(t, nil, 0)
	mid := f.workflow(t, &root.ID, 0)
	leaf := f.workflow(t, &mid.ID, 0)
	f.enqueue(t, root.ID, mid.ID, 0)
	leafEntry := f.enqueue(t, mid.ID, leaf.ID, 0)

	require.NoError(t, f.store.UpdateWorkflowStatus(ctx, leaf.ID, models.StatusCompleted))
	require.NoError(t, f.store.UpdateQueueEntryStatus(ctx, leafEntry.ID, models.QueueCompleted, nil))

	next, err := f.engine.Advance(ctx, mid.ID, "worker-1")
	require.NoError(t, err)
	require.Zero(t, next)

	midW, err := f.store.GetWorkflow(ctx, mid.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, midW.Status)

	rootW, err := f.store.GetWorkflow(ctx, root.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, rootW.Status)

	// Idle tree: a second advance is a no-op.
	next, err = f.engine.Advance(ctx, mid.ID, "worker-1")
	require.NoError(t, err)
	require.Zero(t, next)
}

func TestAdvanceRootWithCompletedQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root := f.workflow(t, nil, 0)
	leaf := f.workflow(t, &root.ID, 0)
	leafEntry := f.enqueue(t, root.ID, leaf.ID, 0)

	require.NoError(t, f.store.UpdateWorkflowStatus(ctx, leaf.ID, models.StatusCompleted))
	require.NoError(t, f.store.UpdateQueueEntryStatus(ctx, leafEntry.ID, models.QueueCompleted, nil))

	// The root sits in no queue of its own; completing its queue must stop
	// the cascade there instead of erroring.
	next, err := f.engine.Advance(ctx, root.ID, "worker-1")
	require.NoError(t, err)
	require.Zero(t, next)

	rootW, err := f.store.GetWorkflow(ctx, root.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, rootW.Status)
	require.NotNil(t, rootW.CompletedAt)
}

func TestAdvanceRootWithFailedChild(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root := f.workflow(t, nil, 0)
	leaf := f.workflow(t, &root.ID, 0)
	leafEntry := f.enqueue(t, root.ID, leaf.ID, 0)

	msg := "agent reported failure"
	require.NoError(t, f.store.UpdateWorkflowStatus(ctx, leaf.ID, models.StatusFailed))
	require.NoError(t, f.store.UpdateQueueEntryStatus(ctx, leafEntry.ID, models.QueueFailed, &msg))

	next, err := f.engine.Advance(ctx, root.ID, "worker-1")
	require.NoError(t, err)
	require.Zero(t, next)

	rootW, err := f.store.GetWorkflow(ctx, root.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, rootW.Status)
}

func TestCompletionUnblocksDependentSibling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root := f.workflow(t, nil, 0)
	mid := f.workflow(t, &root.ID, 0)
	sibling := f.workflow(t, &root.ID, 1)
	leaf := f.workflow(t, &mid.ID, 0)
	f.enqueue(t, root.ID, mid.ID, 0)
	f.enqueue(t, root.ID, sibling.ID, 1, 0)
	leafEntry := f.enqueue(t, mid.ID, leaf.ID, 0)

	require.NoError(t, f.store.UpdateWorkflowStatus(ctx, leaf.ID, models.StatusCompleted))
	require.NoError(t, f.store.UpdateQueueEntryStatus(ctx, leafEntry.ID, models.QueueCompleted, nil))

	// mid completes, which completes its entry in root's queue, which makes
	// the dependent sibling dispatchable; advance surfaces it.
	next, err := f.engine.Advance(ctx, mid.ID, "worker-1")
	require.NoError(t, err)
	require.Equal(t, sibling.ID, next)
}

func TestSkippedEntriesDoNotBlockCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	parent := f.workflow(t, nil, 0)
	c0 := f.workflow(t, &parent.ID, 0)
	c1 := f.workflow(t, &parent.ID, 1)
	e0 := f.enqueue(t, parent.ID, c0.ID, 0)
	e1 := f.enqueue(t, parent.ID, c1.ID, 1)

	require.NoError(t, f.store.UpdateWorkflowStatus(ctx, c0.ID, models.StatusCompleted))
	require.NoError(t, f.store.UpdateQueueEntryStatus(ctx, e0.ID, models.QueueCompleted, nil))
	require.NoError(t, f.store.UpdateQueueEntryStatus(ctx, e1.ID, models.QueueSkipped, nil))

	next, err := f.engine.Advance(ctx, parent.ID, "worker-1")
	require.NoError(t, err)
	require.Zero(t, next)

	p, err := f.store.GetWorkflow(ctx, parent.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, p.Status)
}

func TestDeadlockedQueueStaysPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	parent := f.workflow(t, nil, 0)
	c0 := f.workflow(t, &parent.ID, 0)
	c1 := f.workflow(t, &parent.ID, 1)
	e0 := f.enqueue(t, parent.ID, c0.ID, 0)
	f.enqueue(t, parent.ID, c1.ID, 1, 0)

	// The dependency was skipped, not completed, so c1 can never start.
	require.NoError(t, f.store.UpdateQueueEntryStatus(ctx, e0.ID, models.QueueSkipped, nil))

	next, err := f.engine.Advance(ctx, parent.ID, "worker-1")
	require.NoError(t, err)
	require.Zero(t, next)

	// No status changed: the operator resolves via retry or skip.
	entry, err := f.store.GetQueueEntryByChild(ctx, c1.ID)
	require.NoError(t, err)
	require.Equal(t, models.QueuePending, entry.Status)
	p, err := f.store.GetWorkflow(ctx, parent.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, p.Status)
}
