package rewind

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apperrors "github.com/devflow/devflow/internal/common/errors"
	"github.com/devflow/devflow/internal/common/logger"
	"github.com/devflow/devflow/internal/db"
	"github.com/devflow/devflow/internal/workflow/models"
	"github.com/devflow/devflow/internal/workflow/store"
)

type fixture struct {
	store    *store.SQLStore
	rewinder *Rewinder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "rewind-test.db")
	writer, err := db.OpenSQLite(dbPath)
	require.NoError(t, err)

	st, err := store.New(db.NewPool(writer, writer))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	return &fixture{
		store:    st,
		rewinder: New(st, 0, logger.Default()),
	}
}

func (f *fixture) workflow(t *testing.T, parent *int64, order int) *models.Workflow {
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
		ExecutionOrder:   order,
	}
	require.NoError(t, f.store.CreateWorkflow(ctx, w))
	if parent != nil {
		e := &models.QueueEntry{ParentWorkflowID: *parent, ChildWorkflowID: w.ID, ExecutionOrder: order}
		require.NoError(t, f.store.CreateQueueEntry(ctx, e))
	}
	return w
}

func (f *fixture) checkpoint(t *testing.T, id int64, commit string) {
	t.Helper()

	ctx := context.Background()
	require.NoError(t, f.store.UpdateWorkflowStatus(ctx, id, models.StatusCompleted))
	require.NoError(t, f.store.SetCheckpoint(ctx, id, commit, time.Now().UTC()))
}

// Tree: root A with children B, C, D in order; B has B1, B2; C has C1;
// D has D1, D2, D3. Rewinding to B removes everything after B.
func TestRewindTruncatesAfterCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.workflow(t, nil, 0)
	b := f.workflow(t, &a.ID, 0)
	c := f.workflow(t, &a.ID, 1)
	d := f.workflow(t, &a.ID, 2)
	b1 := f.workflow(t, &b.ID, 0)
	b2 := f.workflow(t, &b.ID, 1)
	c1 := f.workflow(t, &c.ID, 0)
	d1 := f.workflow(t, &d.ID, 0)
	d2 := f.workflow(t, &d.ID, 1)
	d3 := f.workflow(t, &d.ID, 2)

	f.checkpoint(t, b.ID, "commit-b")

	result, err := f.rewinder.Rewind(ctx, a.ID, &b.ID)
	require.NoError(t, err)
	require.Equal(t, b.ID, result.CheckpointWorkflowID)
	require.Equal(t, "commit-b", result.CheckpointCommit)
	require.Equal(t, "core", result.TargetModule)
	require.Equal(t, []int64{b.ID}, result.ResetWorkflowIDs)
	require.ElementsMatch(t,
		[]int64{b1.ID, b2.ID, c.ID, c1.ID, d.ID, d1.ID, d2.ID, d3.ID},
		result.RemovedWorkflowIDs)

	// A is untouched.
	gotA, err := f.store.GetWorkflow(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, gotA.Status)

	// B is pending again with its commit preserved, entry reset.
	gotB, err := f.store.GetWorkflow(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, gotB.Status)
	require.Nil(t, gotB.CompletedAt)
	require.NotNil(t, gotB.CheckpointCommit)
	require.Equal(t, "commit-b", *gotB.CheckpointCommit)

	entryB, err := f.store.GetQueueEntryByChild(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, models.QueuePending, entryB.Status)

	// Everything after B is gone, dependent rows included.
	for _, removed := range result.RemovedWorkflowIDs {
		_, err := f.store.GetWorkflow(ctx, removed)
		require.True(t, apperrors.IsNotFound(err))
		_, err = f.store.GetQueueEntryByChild(ctx, removed)
		require.True(t, apperrors.IsNotFound(err))
	}
}

func TestRewindResolvesLatestCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root := f.workflow(t, nil, 0)
	older := f.workflow(t, &root.ID, 0)
	newer := f.workflow(t, &root.ID, 1)

	require.NoError(t, f.store.UpdateWorkflowStatus(ctx, older.ID, models.StatusCompleted))
	require.NoError(t, f.store.SetCheckpoint(ctx, older.ID, "commit-1", time.Now().UTC().Add(-time.Hour)))
	require.NoError(t, f.store.UpdateWorkflowStatus(ctx, newer.ID, models.StatusCompleted))
	require.NoError(t, f.store.SetCheckpoint(ctx, newer.ID, "commit-2", time.Now().UTC()))

	result, err := f.rewinder.Rewind(ctx, root.ID, nil)
	require.NoError(t, err)
	require.Equal(t, newer.ID, result.CheckpointWorkflowID)
	require.Equal(t, "commit-2", result.CheckpointCommit)
	require.Empty(t, result.RemovedWorkflowIDs)

	// The older sibling executed before the checkpoint and survives.
	gotOlder, err := f.store.GetWorkflow(ctx, older.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, gotOlder.Status)
}

func TestRewindRejectsNodeWithoutCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root := f.workflow(t, nil, 0)
	child := f.workflow(t, &root.ID, 0)

	_, err := f.rewinder.Rewind(ctx, root.ID, &child.ID)
	require.Error(t, err)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, apperrors.ErrCodeBadRequest, appErr.Code)
}

func TestRewindWithoutAnyCheckpointFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root := f.workflow(t, nil, 0)
	_, err := f.rewinder.Rewind(ctx, root.ID, nil)
	require.Error(t, err)
}
