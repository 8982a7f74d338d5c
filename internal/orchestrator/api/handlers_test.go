package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/devflow/devflow/internal/common/config"
	"github.com/devflow/devflow/internal/common/logger"
	"github.com/devflow/devflow/internal/db"
	"github.com/devflow/devflow/internal/events/bus"
	"github.com/devflow/devflow/internal/orchestrator"
	"github.com/devflow/devflow/internal/orchestrator/agent"
	"github.com/devflow/devflow/internal/orchestrator/lock"
	"github.com/devflow/devflow/internal/workflow/models"
	"github.com/devflow/devflow/internal/workflow/store"
	"github.com/devflow/devflow/internal/workspace"
)

type stubSCM struct{}

func (s *stubSCM) Clone(ctx context.Context, repoURL, dir, branch string) error { return nil }
func (s *stubSCM) Head(ctx context.Context, dir string) (string, error)        { return "head-1", nil }
func (s *stubSCM) ResetHard(ctx context.Context, dir, commit string) error     { return nil }
func (s *stubSCM) CreateBranch(ctx context.Context, dir, name string) error    { return nil }

type fixture struct {
	store  *store.SQLStore
	router *gin.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "api-test.db")
	writer, err := db.OpenSQLite(dbPath)
	require.NoError(t, err)

	st, err := store.New(db.NewPool(writer, writer))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	log := logger.Default()
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	cfg := &config.Config{
		Orchestrator: config.OrchestratorConfig{
			AgentTimeoutMinutes:    1,
			WorkflowTimeoutMinutes: 120,
			PauseWaitMinutes:       1,
			PollIntervalSeconds:    1,
			ReaperIntervalMinutes:  15,
			LockTTLSeconds:         60,
			MaxConcurrentTrees:     2,
		},
		Workspace: config.WorkspaceConfig{BasePath: t.TempDir(), DefaultBranch: "main"},
	}

	registry := agent.NewRegistry()
	registry.Register(models.AgentReview, agent.NewScriptedAgent())
	registry.Register(models.AgentDocument, agent.NewScriptedAgent())

	workspaces := workspace.NewManager(cfg.Workspace, &stubSCM{}, log)
	svc := orchestrator.New(st, lock.NewMemoryTreeLock(), eventBus, registry, workspaces, cfg, log)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(svc.Stop)

	return &fixture{store: st, router: NewRouter(svc, log)}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func (f *fixture) workflow(t *testing.T) *models.Workflow {
	t.Helper()

	w := &models.Workflow{
		Type:         models.WorkflowTypeReview,
		TargetModule: "core",
		Payload:      models.JSONMap{"task_description": "look at it"},
	}
	require.NoError(t, f.store.CreateWorkflow(context.Background(), w))
	return w
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, decode(t, rec).Success)
}

func TestCreateManualWorkflow(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/workflows/manual", gin.H{
		"workflowType":    "review",
		"targetModule":    "core",
		"taskDescription": "look at it",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	env := decode(t, rec)
	require.True(t, env.Success)
	var w models.Workflow
	require.NoError(t, json.Unmarshal(env.Data, &w))
	require.NotZero(t, w.ID)
	require.Equal(t, models.WorkflowTypeReview, w.Type)
}

func TestCreateManualWorkflowValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/workflows/manual", gin.H{
		"workflowType": "not-a-type",
		"targetModule": "core",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	env := decode(t, rec)
	require.False(t, env.Success)
	require.NotEmpty(t, env.Error)

	rec = f.do(t, http.MethodPost, "/workflows/manual", gin.H{
		"workflowType":    "feature",
		"taskDescription": "no module",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetWorkflowDetail(t *testing.T) {
	f := newFixture(t)
	w := f.workflow(t)

	rec := f.do(t, http.MethodGet, fmt.Sprintf("/workflows/%d", w.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var detail orchestrator.WorkflowDetail
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &detail))
	require.Equal(t, w.ID, detail.Workflow.ID)
	require.Equal(t, "in_progress", detail.EffectiveStatus)
}

func TestGetWorkflowNotFound(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/workflows/9999", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.False(t, decode(t, rec).Success)
}

func TestPauseUnpauseRoundTrip(t *testing.T) {
	f := newFixture(t)
	w := f.workflow(t)
	ctx := context.Background()

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/workflows/%d/pause", w.ID), gin.H{"reason": "hold"})
	require.Equal(t, http.StatusOK, rec.Code)
	got, err := f.store.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	require.True(t, got.IsPaused)

	rec = f.do(t, http.MethodPost, fmt.Sprintf("/workflows/%d/unpause", w.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got, err = f.store.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	require.False(t, got.IsPaused)
}

func TestCancelTwiceConflicts(t *testing.T) {
	f := newFixture(t)
	w := f.workflow(t)

	rec := f.do(t, http.MethodDelete, fmt.Sprintf("/workflows/%d", w.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodDelete, fmt.Sprintf("/workflows/%d", w.ID), nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestSkipRootRejected(t *testing.T) {
	f := newFixture(t)
	w := f.workflow(t)

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/workflows/%d/skip", w.ID), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMessagesRoundTrip(t *testing.T) {
	f := newFixture(t)
	w := f.workflow(t)

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/workflows/%d/messages", w.ID), gin.H{
		"content":    "please pause",
		"actionType": "pause",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/workflows/%d/messages", w.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var msgs []*models.WorkflowMessage
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &msgs))
	require.Len(t, msgs, 1)
	require.Equal(t, models.ActionPause, msgs[0].ActionType)
	require.Equal(t, models.ActionPending, msgs[0].ActionStatus)
}

func TestResumeStateEndpoint(t *testing.T) {
	f := newFixture(t)
	w := f.workflow(t)
	require.NoError(t, f.store.UpdateWorkflowStatus(context.Background(), w.ID, models.StatusFailed))

	rec := f.do(t, http.MethodGet, fmt.Sprintf("/workflows/%d/resume-state", w.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var state orchestrator.ResumeState
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &state))
	require.True(t, state.Resumable)
	require.NotNil(t, state.NextStep)
	require.Equal(t, models.AgentReview, *state.NextStep)
}

func TestCheckpointEndpoints(t *testing.T) {
	f := newFixture(t)
	w := f.workflow(t)
	ctx := context.Background()

	require.NoError(t, f.store.UpdateWorkflowStatus(ctx, w.ID, models.StatusCompleted))
	require.NoError(t, f.store.SetCheckpoint(ctx, w.ID, "abc123", time.Now().UTC()))

	rec := f.do(t, http.MethodGet, fmt.Sprintf("/workflows/%d/checkpoints", w.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cps []*models.Checkpoint
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &cps))
	require.Len(t, cps, 1)

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/workflows/%d/last-checkpoint", w.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cp models.Checkpoint
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &cp))
	require.Equal(t, "abc123", cp.CheckpointCommit)
}

func TestResumeFromCheckpointEndpoint(t *testing.T) {
	f := newFixture(t)
	w := f.workflow(t)
	ctx := context.Background()

	require.NoError(t, f.store.UpdateWorkflowStatus(ctx, w.ID, models.StatusCompleted))
	require.NoError(t, f.store.SetCheckpoint(ctx, w.ID, "abc123", time.Now().UTC()))

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/workflows/%d/resume-from-checkpoint", w.ID), gin.H{})
	require.Equal(t, http.StatusOK, rec.Code)

	var result struct {
		CheckpointCommit string `json:"checkpoint_commit"`
	}
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &result))
	require.Equal(t, "abc123", result.CheckpointCommit)
}

func TestLogsEndpoint(t *testing.T) {
	f := newFixture(t)
	w := f.workflow(t)
	ctx := context.Background()

	require.NoError(t, f.store.AppendLog(ctx, &models.ExecutionLog{
		WorkflowID: w.ID,
		LogLevel:   "info",
		Message:    "something happened",
	}))

	rec := f.do(t, http.MethodGet, fmt.Sprintf("/workflows/%d/logs", w.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var logs []*models.ExecutionLog
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &logs))
	require.Len(t, logs, 1)

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/workflows/%d/logs?agentExecutionId=zzz", w.ID), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListWorkflows(t *testing.T) {
	f := newFixture(t)
	f.workflow(t)
	f.workflow(t)

	rec := f.do(t, http.MethodGet, "/workflows?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var roots []*models.Workflow
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &roots))
	require.Len(t, roots, 2)
}
