// Package orchestrator drives workflow trees to termination: one scheduler
// goroutine per tree, serialized by the tree lock, plus the lifecycle
// operations the HTTP handlers call.
package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/devflow/devflow/internal/common/config"
	"github.com/devflow/devflow/internal/common/constants"
	apperrors "github.com/devflow/devflow/internal/common/errors"
	"github.com/devflow/devflow/internal/common/logger"
	"github.com/devflow/devflow/internal/events"
	"github.com/devflow/devflow/internal/events/bus"
	"github.com/devflow/devflow/internal/orchestrator/agent"
	"github.com/devflow/devflow/internal/orchestrator/interrupts"
	"github.com/devflow/devflow/internal/orchestrator/lock"
	"github.com/devflow/devflow/internal/orchestrator/queue"
	"github.com/devflow/devflow/internal/orchestrator/reaper"
	"github.com/devflow/devflow/internal/orchestrator/recovery"
	"github.com/devflow/devflow/internal/orchestrator/rewind"
	"github.com/devflow/devflow/internal/orchestrator/runner"
	"github.com/devflow/devflow/internal/workflow/models"
	"github.com/devflow/devflow/internal/workflow/store"
	"github.com/devflow/devflow/internal/workspace"
)

// Service owns the scheduler workers and exposes the workflow lifecycle
// operations consumed by the API layer.
type Service struct {
	store      store.Store
	locks      lock.TreeLock
	engine     *queue.Engine
	runner     *runner.Runner
	interrupts *interrupts.Service
	rewinder   *rewind.Rewinder
	recoverer  *recovery.Recoverer
	reaper     *reaper.Reaper
	workspaces *workspace.Manager
	bus        bus.EventBus
	cfg        *config.Config
	log        *logger.Logger

	sem     *semaphore.Weighted
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	running map[int64]bool
	started bool
}

// New wires the orchestrator from its infrastructure: store, tree lock,
// event bus, agent registry, and workspace manager.
func New(st store.Store, locks lock.TreeLock, eventBus bus.EventBus, registry *agent.Registry, workspaces *workspace.Manager, cfg *config.Config, log *logger.Logger) *Service {
	ints := interrupts.New(st, eventBus, log)

	s := &Service{
		store:      st,
		locks:      locks,
		engine:     queue.New(st, locks, cfg.Orchestrator.LockTTL(), log),
		interrupts: ints,
		rewinder:   rewind.New(st, constants.RewindGracePeriod, log),
		recoverer:  recovery.New(st, locks, constants.RecoveryFreshness, log),
		reaper: reaper.New(st, reaper.Config{
			Interval:        cfg.Orchestrator.ReaperInterval(),
			AgentTimeout:    cfg.Orchestrator.AgentTimeout(),
			WorkflowTimeout: cfg.Orchestrator.WorkflowTimeout(),
		}, log),
		workspaces: workspaces,
		bus:        eventBus,
		cfg:        cfg,
		log:        log.WithFields(zap.String("component", "orchestrator")),
		sem:        semaphore.NewWeighted(int64(cfg.Orchestrator.MaxConcurrentTrees)),
		running:    make(map[int64]bool),
	}

	s.runner = runner.New(st, registry, ints, eventBus, workspaces.Head, runner.Config{
		AgentTimeout: cfg.Orchestrator.AgentTimeout(),
		PauseWait:    cfg.Orchestrator.PauseWait(),
		PollInterval: cfg.Orchestrator.PollInterval(),
	}, log)
	s.runner.SetRedirectHandler(s.handleRedirect)
	return s
}

// Interrupts exposes the interrupt service to the API layer.
func (s *Service) Interrupts() *interrupts.Service { return s.interrupts }

// Store exposes the persistence layer to the API layer.
func (s *Service) Store() store.Store { return s.store }

// Start runs startup recovery, resumes interrupted trees, and launches the
// reaper. Must be called once before any lifecycle operation.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.baseCtx, s.cancel = context.WithCancel(context.Background())

	report, err := s.recoverer.Run(ctx)
	if err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	}

	roots, err := s.store.ListResumableRoots(ctx)
	if err != nil {
		return fmt.Errorf("failed to list resumable roots: %w", err)
	}
	resumed := 0
	for _, root := range roots {
		if !s.autoResumable(root.TargetModule) {
			s.log.Info("skipping auto-resume for module without auto-load",
				zap.Int64("workflow_id", root.ID),
				zap.String("target_module", root.TargetModule))
			continue
		}
		s.StartTree(root.ID)
		resumed++
	}

	s.reaper.Start()
	s.log.Info("orchestrator started",
		zap.Int("recovered_workflows", len(report.ResetWorkflowIDs)),
		zap.Int("resumed_trees", resumed))
	return nil
}

// Stop halts the reaper, cancels tree workers, and waits for them.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	s.reaper.Stop()
	s.cancel()
	s.wg.Wait()
	s.log.Info("orchestrator stopped")
}

// autoResumable reports whether a module's trees resume at startup. Modules
// absent from the registry resume by default; listed modules follow their
// autoLoad flag.
func (s *Service) autoResumable(targetModule string) bool {
	for _, m := range s.cfg.Modules.Registry {
		if m.Name == targetModule {
			return m.AutoLoad
		}
	}
	return true
}

// CreateWorkflowRequest is the input for a manually created root workflow.
type CreateWorkflowRequest struct {
	WorkflowType    models.WorkflowType `json:"workflowType"`
	TargetModule    string              `json:"targetModule"`
	TaskDescription string              `json:"taskDescription"`
	Metadata        models.JSONMap      `json:"metadata,omitempty"`
}

// CreateManualWorkflow creates a root workflow and starts driving its tree.
func (s *Service) CreateManualWorkflow(ctx context.Context, req *CreateWorkflowRequest) (*models.Workflow, error) {
	if !req.WorkflowType.IsValid() {
		return nil, apperrors.BadRequest(fmt.Sprintf("unknown workflow type %q", req.WorkflowType))
	}
	if req.TargetModule == "" {
		return nil, apperrors.BadRequest("targetModule is required")
	}
	if req.TaskDescription == "" && req.WorkflowType != models.WorkflowTypeReview {
		return nil, apperrors.BadRequest("taskDescription is required")
	}

	payload := models.JSONMap{"task_description": req.TaskDescription}
	for k, v := range req.Metadata {
		if k != "task_description" {
			payload[k] = v
		}
	}

	w := &models.Workflow{
		Type:         req.WorkflowType,
		TargetModule: req.TargetModule,
		Payload:      payload,
	}
	if err := s.store.CreateWorkflow(ctx, w); err != nil {
		return nil, err
	}

	s.emit(ctx, events.WorkflowCreated, w.ID, map[string]any{
		"workflow_id":   w.ID,
		"workflow_type": w.Type,
		"target_module": w.TargetModule,
		"status":        w.Status,
	})
	s.log.Info("created manual workflow",
		zap.Int64("workflow_id", w.ID),
		zap.String("workflow_type", string(w.Type)),
		zap.String("target_module", w.TargetModule))

	s.StartTree(w.ID)
	return w, nil
}

// handleRedirect services a redirect interrupt by spawning a fresh root
// workflow from the redirected task description.
func (s *Service) handleRedirect(ctx context.Context, taskDescription string, metadata models.JSONMap) (int64, error) {
	req := &CreateWorkflowRequest{
		WorkflowType:    models.WorkflowTypeFeature,
		TaskDescription: taskDescription,
		Metadata:        metadata,
	}
	if v, ok := metadata["workflow_type"].(string); ok && v != "" {
		req.WorkflowType = models.WorkflowType(v)
	}
	if v, ok := metadata["target_module"].(string); ok && v != "" {
		req.TargetModule = v
	}
	if req.TargetModule == "" {
		return 0, apperrors.BadRequest("redirect metadata is missing target_module")
	}

	w, err := s.CreateManualWorkflow(ctx, req)
	if err != nil {
		return 0, err
	}
	return w.ID, nil
}

// StartTree launches a scheduler worker for the tree rooted at rootID. A
// tree already being driven is left alone.
func (s *Service) StartTree(rootID int64) {
	s.mu.Lock()
	if !s.started || s.running[rootID] {
		s.mu.Unlock()
		return
	}
	s.running[rootID] = true
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, rootID)
			s.mu.Unlock()
		}()

		if err := s.sem.Acquire(s.baseCtx, 1); err != nil {
			return
		}
		defer s.sem.Release(1)

		if err := s.runTree(s.baseCtx, rootID); err != nil {
			s.log.Error("tree execution failed",
				zap.Int64("root_id", rootID),
				zap.Error(err))
		}
	}()
}

// runTree is the scheduler loop: starting at the root, repeatedly run a
// leaf or advance a parent queue until the tree has no more work. One
// holder token serializes the whole run against other processes.
func (s *Service) runTree(ctx context.Context, rootID int64) error {
	holder := uuid.NewString()
	log := s.log.WithFields(zap.Int64("root_id", rootID), zap.String("holder", holder))
	log.Info("driving workflow tree")

	// The loop may end early on error; never leave the tree locked.
	defer func() {
		if err := s.engine.ReleaseTree(context.Background(), rootID, holder); err != nil {
			log.Warn("failed to release tree lock", zap.Error(err))
		}
	}()

	currentID := rootID
	for currentID != 0 {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		w, err := s.store.GetWorkflow(ctx, currentID)
		if err != nil {
			return err
		}
		if w.Status == models.StatusCancelled {
			log.Info("stopping at cancelled workflow", zap.Int64("workflow_id", currentID))
			return nil
		}

		entries, err := s.store.ListQueueEntries(ctx, currentID)
		if err != nil {
			return err
		}

		var nextID int64
		if len(entries) == 0 {
			nextID, err = s.runLeaf(ctx, w, rootID, holder, log)
		} else {
			nextID, err = s.engine.Advance(ctx, currentID, holder)
		}
		if err != nil {
			return err
		}
		currentID = nextID
	}

	log.Info("workflow tree idle")
	return nil
}

// runLeaf executes a leaf workflow under the tree lock, records its outcome
// on its queue entry, and advances the parent queue.
func (s *Service) runLeaf(ctx context.Context, w *models.Workflow, rootID int64, holder string, log *logger.Logger) (int64, error) {
	acquired, err := s.locks.Acquire(ctx, rootID, holder, s.cfg.Orchestrator.LockTTL())
	if err != nil {
		return 0, err
	}
	if !acquired {
		log.Info("tree is locked by another executor", zap.Int64("workflow_id", w.ID))
		return 0, nil
	}

	dir, err := s.workspaces.Provision(ctx, w.ID, s.repoURLFor(w))
	if err != nil {
		return 0, fmt.Errorf("failed to provision working directory: %w", err)
	}

	if _, err := s.runner.Run(ctx, w, dir); err != nil {
		return 0, err
	}

	final, err := s.store.GetWorkflow(ctx, w.ID)
	if err != nil {
		return 0, err
	}
	if err := s.recordLeafOutcome(ctx, final); err != nil {
		return 0, err
	}
	if !final.Status.IsTerminal() {
		// Parked (for example a pause that outlived its wait); release and
		// let a later resume re-drive the tree.
		if err := s.locks.Release(ctx, rootID, holder); err != nil {
			return 0, err
		}
		return 0, nil
	}

	if final.ParentWorkflowID == nil {
		if err := s.locks.Release(ctx, rootID, holder); err != nil {
			return 0, err
		}
		return 0, nil
	}
	return s.engine.Advance(ctx, *final.ParentWorkflowID, holder)
}

// recordLeafOutcome mirrors a finished leaf's status onto its queue entry.
func (s *Service) recordLeafOutcome(ctx context.Context, w *models.Workflow) error {
	entry, err := s.store.GetQueueEntryByChild(ctx, w.ID)
	if apperrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if entry.Status.IsTerminal() {
		return nil
	}

	switch w.Status {
	case models.StatusCompleted:
		return s.store.UpdateQueueEntryStatus(ctx, entry.ID, models.QueueCompleted, nil)
	case models.StatusFailed:
		reason := "agent sequence failed"
		return s.store.UpdateQueueEntryStatus(ctx, entry.ID, models.QueueFailed, &reason)
	case models.StatusCancelled:
		reason := "cancelled"
		return s.store.UpdateQueueEntryStatus(ctx, entry.ID, models.QueueCancelled, &reason)
	default:
		// Non-terminal leaf goes back to pending for a later re-dispatch.
		return s.store.ResetQueueEntry(ctx, entry.ID)
	}
}

func (s *Service) repoURLFor(w *models.Workflow) string {
	if w.Payload != nil {
		if v, ok := w.Payload["repo_url"].(string); ok && v != "" {
			return v
		}
	}
	for _, m := range s.cfg.Modules.Registry {
		if m.Name == w.TargetModule {
			return m.RepoURL
		}
	}
	return ""
}

// Cancel marks a workflow and its non-terminal descendants cancelled.
// Cooperative: in-flight agents finish their current step first.
func (s *Service) Cancel(ctx context.Context, id int64) error {
	w, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if w.Status.IsTerminal() {
		return apperrors.Conflict(fmt.Sprintf("workflow %d is already %s", id, w.Status))
	}

	targets := []*models.Workflow{w}
	descendants, err := s.store.Descendants(ctx, id)
	if err != nil {
		return err
	}
	targets = append(targets, descendants...)

	for _, t := range targets {
		if t.Status.IsTerminal() {
			continue
		}
		if err := s.store.UpdateWorkflowStatus(ctx, t.ID, models.StatusCancelled); err != nil {
			return err
		}
		entry, err := s.store.GetQueueEntryByChild(ctx, t.ID)
		if apperrors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		if !entry.Status.IsTerminal() {
			reason := "cancelled"
			if err := s.store.UpdateQueueEntryStatus(ctx, entry.ID, models.QueueCancelled, &reason); err != nil {
				return err
			}
		}
	}

	s.emit(ctx, events.WorkflowUpdated, id, map[string]any{
		"workflow_id": id,
		"status":      models.StatusCancelled,
	})
	return nil
}

// Pause sets the pause flag; the runner parks before its next step.
func (s *Service) Pause(ctx context.Context, id int64, reason string) error {
	return s.interrupts.Pause(ctx, id, reason)
}

// Unpause clears the pause flag and re-drives the tree in case the runner
// already gave up waiting.
func (s *Service) Unpause(ctx context.Context, id int64) error {
	if err := s.interrupts.Unpause(ctx, id); err != nil {
		return err
	}
	rootID, err := s.store.RootOf(ctx, id)
	if err != nil {
		return err
	}
	s.StartTree(rootID)
	return nil
}

// ForceFail marks a wedged workflow failed and propagates through the tree.
// Operator escape hatch for suspected queue deadlocks.
func (s *Service) ForceFail(ctx context.Context, id int64, reason string) error {
	w, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if w.Status.IsTerminal() {
		return apperrors.Conflict(fmt.Sprintf("workflow %d is already %s", id, w.Status))
	}

	if _, err := s.store.FailRunningExecutions(ctx, id, reason); err != nil {
		return err
	}
	if err := s.store.UpdateWorkflowStatus(ctx, id, models.StatusFailed); err != nil {
		return err
	}
	entry, err := s.store.GetQueueEntryByChild(ctx, id)
	switch {
	case apperrors.IsNotFound(err):
	case err != nil:
		return err
	case !entry.Status.IsTerminal():
		msg := reason
		if msg == "" {
			msg = "force-failed by operator"
		}
		if err := s.store.UpdateQueueEntryStatus(ctx, entry.ID, models.QueueFailed, &msg); err != nil {
			return err
		}
	}

	s.emit(ctx, events.WorkflowFailed, id, map[string]any{
		"workflow_id": id,
		"status":      models.StatusFailed,
		"error":       reason,
	})

	rootID, err := s.store.RootOf(ctx, id)
	if err != nil {
		return err
	}
	s.StartTree(rootID)
	return nil
}

// Resume resets a terminal workflow to pending and re-drives its tree.
func (s *Service) Resume(ctx context.Context, id int64) error {
	w, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if !w.Status.IsTerminal() && w.Status != models.StatusPending {
		return apperrors.Conflict(fmt.Sprintf("workflow %d is %s and cannot be resumed", id, w.Status))
	}
	return s.reset(ctx, w)
}

// Retry resets a workflow regardless of its state and re-executes it.
func (s *Service) Retry(ctx context.Context, id int64) error {
	w, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	return s.reset(ctx, w)
}

func (s *Service) reset(ctx context.Context, w *models.Workflow) error {
	if err := s.store.ResetWorkflow(ctx, w.ID); err != nil {
		return err
	}
	entry, err := s.store.GetQueueEntryByChild(ctx, w.ID)
	switch {
	case apperrors.IsNotFound(err):
	case err != nil:
		return err
	default:
		if err := s.store.ResetQueueEntry(ctx, entry.ID); err != nil {
			return err
		}
	}

	s.emit(ctx, events.WorkflowUpdated, w.ID, map[string]any{
		"workflow_id": w.ID,
		"status":      models.StatusPending,
	})

	rootID, err := s.store.RootOf(ctx, w.ID)
	if err != nil {
		return err
	}
	s.StartTree(rootID)
	return nil
}

// Skip marks a non-root workflow's queue entry skipped and advances the
// parent queue. Skipped entries do not satisfy dependencies.
func (s *Service) Skip(ctx context.Context, id int64) error {
	w, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if w.IsRoot() {
		return apperrors.BadRequest("a root workflow cannot be skipped")
	}

	entry, err := s.store.GetQueueEntryByChild(ctx, id)
	if err != nil {
		return err
	}
	if entry.Status.IsTerminal() {
		return apperrors.Conflict(fmt.Sprintf("queue entry for workflow %d is already %s", id, entry.Status))
	}

	reason := "skipped by operator"
	if err := s.store.UpdateQueueEntryStatus(ctx, entry.ID, models.QueueSkipped, &reason); err != nil {
		return err
	}
	if !w.Status.IsTerminal() {
		if err := s.store.UpdateWorkflowStatus(ctx, id, models.StatusCancelled); err != nil {
			return err
		}
	}

	s.emit(ctx, events.WorkflowUpdated, id, map[string]any{
		"workflow_id": id,
		"status":      models.StatusCancelled,
	})

	rootID, err := s.store.RootOf(ctx, id)
	if err != nil {
		return err
	}
	s.StartTree(rootID)
	return nil
}

// ResumeFromCheckpoint rewinds the tree containing id to a checkpoint,
// resets the working directory, and re-drives the tree.
func (s *Service) ResumeFromCheckpoint(ctx context.Context, id int64, checkpointWorkflowID *int64) (*rewind.Result, error) {
	rootID, err := s.store.RootOf(ctx, id)
	if err != nil {
		return nil, err
	}

	result, err := s.rewinder.Rewind(ctx, rootID, checkpointWorkflowID)
	if err != nil {
		return nil, err
	}

	// Source-control reset is best effort; a missing working directory just
	// means the next provision starts fresh.
	if err := s.workspaces.ResetToCommit(ctx, result.CheckpointWorkflowID, result.CheckpointCommit); err != nil {
		s.log.Warn("failed to reset working directory to checkpoint",
			zap.Int64("workflow_id", result.CheckpointWorkflowID),
			zap.String("commit", result.CheckpointCommit),
			zap.Error(err))
	}

	s.emit(ctx, events.WorkflowUpdated, rootID, map[string]any{
		"workflow_id":            rootID,
		"checkpoint_workflow_id": result.CheckpointWorkflowID,
		"checkpoint_commit":      result.CheckpointCommit,
	})

	s.StartTree(rootID)
	return result, nil
}

// EffectiveStatus rolls a workflow's status up from its descendants: failed
// if any descendant failed, in_progress while any is incomplete, otherwise
// the stored status.
func (s *Service) EffectiveStatus(ctx context.Context, id int64) (string, error) {
	w, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return "", err
	}
	descendants, err := s.store.Descendants(ctx, id)
	if err != nil {
		return "", err
	}

	anyFailed := w.Status == models.StatusFailed
	anyIncomplete := !w.Status.IsTerminal()
	for _, d := range descendants {
		if d.Status == models.StatusFailed {
			anyFailed = true
		}
		if !d.Status.IsTerminal() {
			anyIncomplete = true
		}
	}

	switch {
	case anyFailed:
		return string(models.StatusFailed), nil
	case anyIncomplete:
		return "in_progress", nil
	default:
		return string(w.Status), nil
	}
}

// ResumeState describes whether and where a workflow can resume.
type ResumeState struct {
	Resumable      bool                  `json:"resumable"`
	Status         models.WorkflowStatus `json:"status"`
	CompletedSteps []models.AgentType    `json:"completed_steps"`
	NextStep       *models.AgentType     `json:"next_step,omitempty"`
	Reason         string                `json:"reason,omitempty"`
}

// GetResumeState reports resumability and the next agent step for a
// workflow based on its recorded executions.
func (s *Service) GetResumeState(ctx context.Context, id int64) (*ResumeState, error) {
	w, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}

	state := &ResumeState{Status: w.Status}
	switch {
	case w.Status.IsTerminal() || w.Status == models.StatusPending:
		state.Resumable = true
	default:
		state.Reason = fmt.Sprintf("workflow is %s", w.Status)
	}

	sequence, err := models.AgentSequence(w.Type)
	if err != nil {
		return nil, err
	}
	execs, err := s.store.ListAgentExecutions(ctx, id)
	if err != nil {
		return nil, err
	}
	completed := make(map[models.AgentType]bool)
	for _, e := range execs {
		if e.Status == models.ExecCompleted {
			completed[e.AgentType] = true
		}
	}
	for _, at := range sequence {
		if completed[at] {
			state.CompletedSteps = append(state.CompletedSteps, at)
			continue
		}
		next := at
		state.NextStep = &next
		break
	}
	return state, nil
}

// WorkflowDetail aggregates one workflow with its executions, artifacts,
// and immediate sub-workflows for the API.
type WorkflowDetail struct {
	Workflow        *models.Workflow          `json:"workflow"`
	EffectiveStatus string                    `json:"effective_status"`
	AgentExecutions []*models.AgentExecution  `json:"agent_executions"`
	Artifacts       []*models.Artifact        `json:"artifacts"`
	Children        []*models.Workflow        `json:"children"`
	QueueStatus     *models.QueueStatusCounts `json:"queue_status,omitempty"`
}

// GetWorkflowDetail loads the aggregate view of a workflow.
func (s *Service) GetWorkflowDetail(ctx context.Context, id int64) (*WorkflowDetail, error) {
	w, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	effective, err := s.EffectiveStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	execs, err := s.store.ListAgentExecutions(ctx, id)
	if err != nil {
		return nil, err
	}
	artifacts, err := s.store.ListArtifacts(ctx, id)
	if err != nil {
		return nil, err
	}
	children, err := s.store.ListChildren(ctx, id)
	if err != nil {
		return nil, err
	}

	detail := &WorkflowDetail{
		Workflow:        w,
		EffectiveStatus: effective,
		AgentExecutions: execs,
		Artifacts:       artifacts,
		Children:        children,
	}
	if len(children) > 0 {
		counts, err := s.store.GetQueueStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		detail.QueueStatus = counts
	}
	return detail, nil
}

// PostMessage appends a user message; interrupt actions are picked up by
// the runner between steps.
func (s *Service) PostMessage(ctx context.Context, workflowID int64, content string, actionType models.ActionType, metadata models.JSONMap) (*models.WorkflowMessage, error) {
	if _, err := s.store.GetWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	if content == "" {
		return nil, apperrors.BadRequest("content is required")
	}
	if actionType == "" {
		actionType = models.ActionComment
	}

	m := &models.WorkflowMessage{
		WorkflowID:  workflowID,
		MessageType: models.MessageUser,
		Content:     content,
		ActionType:  actionType,
		Metadata:    metadata,
	}
	if err := s.store.CreateMessage(ctx, m); err != nil {
		return nil, err
	}

	s.emit(ctx, events.MessageNew, workflowID, map[string]any{
		"workflow_id": workflowID,
		"message_id":  m.ID,
		"action_type": actionType,
	})
	return m, nil
}

func (s *Service) emit(ctx context.Context, eventType string, workflowID int64, data map[string]any) {
	event := bus.NewEvent(eventType, "orchestrator", data)
	if err := s.bus.Publish(ctx, events.BuildWorkflowSubject(workflowID), event); err != nil {
		s.log.Warn("failed to publish event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
