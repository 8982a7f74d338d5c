// Package runner executes the fixed per-type agent sequence for a leaf
// workflow, persisting artifacts, logs, and checkpoint commits, and
// consulting interrupts between steps.
package runner

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/devflow/devflow/internal/common/constants"
	"github.com/devflow/devflow/internal/common/logger"
	"github.com/devflow/devflow/internal/events"
	"github.com/devflow/devflow/internal/events/bus"
	"github.com/devflow/devflow/internal/orchestrator/agent"
	"github.com/devflow/devflow/internal/orchestrator/interrupts"
	"github.com/devflow/devflow/internal/workflow/models"
	"github.com/devflow/devflow/internal/workflow/store"
)

// HeadFunc reports the current source-control commit of a workflow's
// working directory, or an empty string when none is available.
type HeadFunc func(ctx context.Context, workflowID int64) (string, error)

// RedirectFunc creates a new root workflow from a redirect instruction.
type RedirectFunc func(ctx context.Context, taskDescription string, metadata models.JSONMap) (int64, error)

// Config bounds runner timing. Zero values fall back to the defaults.
type Config struct {
	AgentTimeout time.Duration
	PauseWait    time.Duration
	PollInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.AgentTimeout <= 0 {
		c.AgentTimeout = constants.AgentTimeout
	}
	if c.PauseWait <= 0 {
		c.PauseWait = constants.PauseWaitTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = constants.InterruptPollInterval
	}
}

// Runner drives one leaf workflow through its agent sequence.
type Runner struct {
	store      store.Store
	registry   *agent.Registry
	interrupts *interrupts.Service
	bus        bus.EventBus
	head       HeadFunc
	redirect   RedirectFunc
	cfg        Config
	log        *logger.Logger
}

// New creates a runner.
func New(st store.Store, registry *agent.Registry, ints *interrupts.Service, eventBus bus.EventBus, head HeadFunc, cfg Config, log *logger.Logger) *Runner {
	cfg.applyDefaults()
	return &Runner{
		store:      st,
		registry:   registry,
		interrupts: ints,
		bus:        eventBus,
		head:       head,
		cfg:        cfg,
		log:        log.WithFields(zap.String("component", "agent-runner")),
	}
}

// SetRedirectHandler installs the callback used for redirect interrupts.
func (r *Runner) SetRedirectHandler(fn RedirectFunc) {
	r.redirect = fn
}

// Run executes the workflow's agent sequence in its working directory. The
// outcome is written to the workflow status: completed, failed, or
// cancelled. Returns true when every step completed.
func (r *Runner) Run(ctx context.Context, w *models.Workflow, workingDir string) (bool, error) {
	sequence, err := models.AgentSequence(w.Type)
	if err != nil {
		return false, err
	}

	log := r.log.WithWorkflowID(w.ID)
	log.Info("starting agent sequence",
		zap.String("workflow_type", string(w.Type)),
		zap.Int("steps", len(sequence)))

	var (
		instructions        []string
		checkpointCandidate string
	)

	for _, agentType := range sequence {
		// Suspension point one: interrupts, consumed in created_at order.
		proceed, newInstructions, err := r.handleInterrupts(ctx, w, log)
		if err != nil {
			return false, err
		}
		if !proceed {
			return false, nil
		}
		instructions = append(instructions, newInstructions...)

		output, execID, err := r.runStep(ctx, w, agentType, workingDir, instructions, log)
		if err != nil {
			r.failWorkflow(ctx, w, execID, err.Error(), log)
			return false, nil
		}
		if !output.Success {
			reason := output.Error
			if reason == "" {
				reason = fmt.Sprintf("%s agent reported failure", agentType)
			}
			r.failWorkflow(ctx, w, execID, reason, log)
			return false, nil
		}
		instructions = nil

		// A new commit after the code or test step is a checkpoint candidate.
		if agentType == models.AgentCode || agentType == models.AgentTest {
			if commit := r.currentHead(ctx, w.ID); commit != "" {
				checkpointCandidate = commit
			}
		}
	}

	if err := r.store.UpdateWorkflowStatus(ctx, w.ID, models.StatusCompleted); err != nil {
		return false, err
	}
	if checkpointCandidate != "" {
		if err := r.store.SetCheckpoint(ctx, w.ID, checkpointCandidate, time.Now().UTC()); err != nil {
			return false, err
		}
	}
	r.emit(ctx, events.WorkflowUpdated, w.ID, map[string]any{
		"workflow_id": w.ID,
		"status":      models.StatusCompleted,
	})
	log.Info("agent sequence completed", zap.String("checkpoint_commit", checkpointCandidate))
	return true, nil
}

// handleInterrupts drains pending signals before a step. Returns false when
// the sequence must stop (cancel, redirect, or pause-wait timeout), plus any
// instructions to attach to the next agent input.
func (r *Runner) handleInterrupts(ctx context.Context, w *models.Workflow, log *logger.Logger) (bool, []string, error) {
	var instructions []string

	for {
		sig, err := r.interrupts.Check(ctx, w.ID)
		if err != nil {
			return false, nil, err
		}
		if sig == nil {
			return true, instructions, nil
		}

		switch sig.Action {
		case models.ActionPause:
			if sig.MessageID != 0 {
				// A pause message sets the flag, then behaves like the flag.
				if err := r.interrupts.Pause(ctx, w.ID, sig.Content); err != nil {
					return false, nil, err
				}
				if err := r.interrupts.MarkProcessed(ctx, sig.MessageID); err != nil {
					return false, nil, err
				}
			}
			resumed, err := r.waitForUnpause(ctx, w.ID, log)
			if err != nil {
				return false, nil, err
			}
			if !resumed {
				// Pause-wait exhausted: park the workflow for a later resume.
				log.Warn("pause wait timed out, parking workflow")
				if err := r.store.UpdateWorkflowStatus(ctx, w.ID, models.StatusPending); err != nil {
					return false, nil, err
				}
				return false, nil, nil
			}

		case models.ActionCancel:
			if err := r.interrupts.MarkProcessed(ctx, sig.MessageID); err != nil {
				return false, nil, err
			}
			if err := r.store.UpdateWorkflowStatus(ctx, w.ID, models.StatusCancelled); err != nil {
				return false, nil, err
			}
			r.emit(ctx, events.WorkflowUpdated, w.ID, map[string]any{
				"workflow_id": w.ID,
				"status":      models.StatusCancelled,
			})
			log.Info("workflow cancelled by user")
			return false, nil, nil

		case models.ActionRedirect:
			if err := r.interrupts.MarkProcessed(ctx, sig.MessageID); err != nil {
				return false, nil, err
			}
			if r.redirect != nil {
				newRootID, err := r.redirect(ctx, sig.Content, sig.Metadata)
				if err != nil {
					log.Error("failed to create redirect workflow", zap.Error(err))
				} else {
					log.Info("redirected to new workflow", zap.Int64("new_root_id", newRootID))
				}
			}
			if err := r.store.UpdateWorkflowStatus(ctx, w.ID, models.StatusCancelled); err != nil {
				return false, nil, err
			}
			return false, nil, nil

		case models.ActionInstruction:
			if err := r.interrupts.MarkProcessed(ctx, sig.MessageID); err != nil {
				return false, nil, err
			}
			instructions = append(instructions, sig.Content)
			log.Info("instruction attached to next agent input")

		default:
			if err := r.interrupts.MarkProcessed(ctx, sig.MessageID); err != nil {
				return false, nil, err
			}
		}
	}
}

// waitForUnpause polls the pause flag until it clears or the wait budget is
// spent. A cancel message arriving mid-pause also ends the wait.
func (r *Runner) waitForUnpause(ctx context.Context, workflowID int64, log *logger.Logger) (bool, error) {
	deadline := time.Now().Add(r.cfg.PauseWait)
	log.Info("workflow paused, waiting for unpause")

	for time.Now().Before(deadline) {
		w, err := r.store.GetWorkflow(ctx, workflowID)
		if err != nil {
			return false, err
		}
		if !w.IsPaused {
			log.Info("workflow unpaused, resuming")
			return true, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(r.cfg.PollInterval):
		}
	}
	return false, nil
}

// runStep executes one agent. Returns the agent output and the execution id
// for failure bookkeeping; a non-nil error means the step failed outright.
func (r *Runner) runStep(ctx context.Context, w *models.Workflow, agentType models.AgentType, workingDir string, instructions []string, log *logger.Logger) (*agent.Output, int64, error) {
	impl, err := r.registry.Get(agentType)
	if err != nil {
		return nil, 0, err
	}

	priorArtifacts, err := r.store.ListArtifacts(ctx, w.ID)
	if err != nil {
		return nil, 0, err
	}

	input := &agent.Input{
		WorkflowID:      w.ID,
		AgentType:       agentType,
		WorkingDir:      workingDir,
		TargetModule:    w.TargetModule,
		TaskDescription: w.TaskDescription(),
		PriorArtifacts:  priorArtifacts,
		Instructions:    instructions,
		Payload:         w.Payload,
	}

	exec := &models.AgentExecution{
		WorkflowID: w.ID,
		AgentType:  agentType,
		Input:      models.JSONMap{"task_description": input.TaskDescription, "instructions": instructions},
	}
	if err := r.store.CreateAgentExecution(ctx, exec); err != nil {
		return nil, 0, err
	}
	if err := r.store.StartAgentExecution(ctx, exec.ID); err != nil {
		return nil, exec.ID, err
	}
	if err := r.store.UpdateWorkflowStatus(ctx, w.ID, models.StatusForAgent(agentType)); err != nil {
		return nil, exec.ID, err
	}
	r.emit(ctx, events.WorkflowUpdated, w.ID, map[string]any{
		"workflow_id": w.ID,
		"status":      models.StatusForAgent(agentType),
	})
	r.emit(ctx, events.AgentUpdated, w.ID, map[string]any{
		"workflow_id":        w.ID,
		"agent_execution_id": exec.ID,
		"agent_type":         agentType,
		"status":             models.ExecRunning,
	})
	r.appendLog(ctx, w.ID, &exec.ID, "info", fmt.Sprintf("%s agent started", agentType))

	log.Info("executing agent step", zap.String("agent_type", string(agentType)))

	// Suspension point two: the agent invocation, bounded by its timeout.
	stepCtx, cancel := context.WithTimeout(ctx, r.cfg.AgentTimeout)
	output, execErr := impl.Execute(stepCtx, input)
	cancel()

	if execErr != nil {
		msg := execErr.Error()
		if stepCtx.Err() != nil {
			msg = "timeout"
		}
		if err := r.store.FailAgentExecution(ctx, exec.ID, msg); err != nil {
			return nil, exec.ID, err
		}
		r.appendLog(ctx, w.ID, &exec.ID, "error", fmt.Sprintf("%s agent failed: %s", agentType, msg))
		return nil, exec.ID, fmt.Errorf("%s agent: %s", agentType, msg)
	}

	for _, spec := range output.Artifacts {
		art := &models.Artifact{
			WorkflowID:       w.ID,
			AgentExecutionID: exec.ID,
			Type:             spec.Type,
			Content:          spec.Content,
			Metadata:         spec.Metadata,
		}
		if spec.FilePath != "" {
			art.FilePath = &spec.FilePath
		}
		if err := r.store.CreateArtifact(ctx, art); err != nil {
			return nil, exec.ID, err
		}
		r.emit(ctx, events.ArtifactCreated, w.ID, map[string]any{
			"workflow_id": w.ID,
			"artifact_id": art.ID,
			"type":        art.Type,
		})
	}

	if !output.Success {
		reason := output.Error
		if reason == "" {
			reason = "agent reported failure"
		}
		if err := r.store.FailAgentExecution(ctx, exec.ID, reason); err != nil {
			return nil, exec.ID, err
		}
		r.appendLog(ctx, w.ID, &exec.ID, "error", fmt.Sprintf("%s agent failed: %s", agentType, reason))
		return output, exec.ID, nil
	}

	if err := r.store.CompleteAgentExecution(ctx, exec.ID, models.JSONMap{"summary": output.Summary}); err != nil {
		return nil, exec.ID, err
	}
	r.appendLog(ctx, w.ID, &exec.ID, "info", fmt.Sprintf("%s agent completed: %s", agentType, output.Summary))

	// The agent's summary joins the conversation thread.
	agentName := string(agentType)
	comment := &models.WorkflowMessage{
		WorkflowID:       w.ID,
		AgentExecutionID: &exec.ID,
		MessageType:      models.MessageAgent,
		AgentType:        &agentName,
		Content:          output.Summary,
		ActionType:       models.ActionComment,
	}
	if err := r.store.CreateMessage(ctx, comment); err != nil {
		return nil, exec.ID, err
	}
	r.emit(ctx, events.MessageNew, w.ID, map[string]any{
		"workflow_id": w.ID,
		"message_id":  comment.ID,
	})
	r.emit(ctx, events.AgentUpdated, w.ID, map[string]any{
		"workflow_id":        w.ID,
		"agent_execution_id": exec.ID,
		"agent_type":         agentType,
		"status":             models.ExecCompleted,
	})

	return output, exec.ID, nil
}

// failWorkflow records a step failure on the workflow and any executions
// still marked running.
func (r *Runner) failWorkflow(ctx context.Context, w *models.Workflow, execID int64, reason string, log *logger.Logger) {
	if _, err := r.store.FailRunningExecutions(ctx, w.ID, reason); err != nil {
		log.Error("failed to fail running executions", zap.Error(err))
	}
	if err := r.store.UpdateWorkflowStatus(ctx, w.ID, models.StatusFailed); err != nil {
		log.Error("failed to mark workflow failed", zap.Error(err))
	}
	r.appendLog(ctx, w.ID, nil, "error", "workflow failed: "+reason)
	r.emit(ctx, events.WorkflowFailed, w.ID, map[string]any{
		"workflow_id": w.ID,
		"status":      models.StatusFailed,
		"error":       reason,
	})
	log.Warn("workflow failed", zap.Int64("agent_execution_id", execID), zap.String("reason", reason))
}

func (r *Runner) currentHead(ctx context.Context, workflowID int64) string {
	if r.head == nil {
		return ""
	}
	commit, err := r.head(ctx, workflowID)
	if err != nil {
		r.log.Debug("failed to read working directory head",
			zap.Int64("workflow_id", workflowID),
			zap.Error(err))
		return ""
	}
	return commit
}

func (r *Runner) appendLog(ctx context.Context, workflowID int64, execID *int64, level, message string) {
	entry := &models.ExecutionLog{
		WorkflowID:       workflowID,
		AgentExecutionID: execID,
		LogLevel:         level,
		Message:          message,
	}
	if err := r.store.AppendLog(ctx, entry); err != nil {
		r.log.Warn("failed to append execution log", zap.Error(err))
		return
	}
	r.emit(ctx, events.LogAppended, workflowID, map[string]any{
		"workflow_id": workflowID,
		"log_id":      entry.ID,
		"level":       level,
		"message":     message,
	})
}

func (r *Runner) emit(ctx context.Context, eventType string, workflowID int64, data map[string]any) {
	event := bus.NewEvent(eventType, "orchestrator", data)
	if err := r.bus.Publish(ctx, events.BuildWorkflowSubject(workflowID), event); err != nil {
		r.log.Warn("failed to publish event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
