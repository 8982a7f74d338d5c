// Package interrupts implements the polled pause/cancel/redirect/instruction
// protocol woven into agent execution.
package interrupts

import (
	"context"

	"go.uber.org/zap"

	"github.com/devflow/devflow/internal/common/logger"
	"github.com/devflow/devflow/internal/events"
	"github.com/devflow/devflow/internal/events/bus"
	"github.com/devflow/devflow/internal/workflow/models"
	"github.com/devflow/devflow/internal/workflow/store"
)

// Signal is an interrupt delivered to the agent runner between steps.
// MessageID 0 marks a signal synthesized from the workflow's pause flag
// rather than a stored message.
type Signal struct {
	MessageID int64
	Action    models.ActionType
	Content   string
	Metadata  models.JSONMap
}

// Service reads interrupt signals from the message thread and manages the
// pause flag.
type Service struct {
	store store.Store
	bus   bus.EventBus
	log   *logger.Logger
}

// New creates the interrupt service.
func New(st store.Store, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		store: st,
		bus:   eventBus,
		log:   log.WithFields(zap.String("component", "interrupts")),
	}
}

// Check returns the earliest unprocessed interrupt for a workflow, or nil.
// Signals are consumed in created_at order. When no message is pending but
// the workflow's pause flag is set, a pause signal is synthesized so the
// runner keeps waiting.
func (s *Service) Check(ctx context.Context, workflowID int64) (*Signal, error) {
	msg, err := s.store.NextPendingInterrupt(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if msg != nil {
		return &Signal{
			MessageID: msg.ID,
			Action:    msg.ActionType,
			Content:   msg.Content,
			Metadata:  msg.Metadata,
		}, nil
	}

	w, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if w.IsPaused {
		reason := ""
		if w.PauseReason != nil {
			reason = *w.PauseReason
		}
		return &Signal{MessageID: 0, Action: models.ActionPause, Content: reason}, nil
	}

	return nil, nil
}

// Pause sets the pause flag, records a system message, and notifies
// subscribers. The running agent step is not aborted; the runner observes
// the flag before the next step.
func (s *Service) Pause(ctx context.Context, workflowID int64, reason string) error {
	var reasonPtr *string
	if reason != "" {
		reasonPtr = &reason
	}
	if err := s.store.SetPaused(ctx, workflowID, true, reasonPtr); err != nil {
		return err
	}

	content := "Workflow paused"
	if reason != "" {
		content = "Workflow paused: " + reason
	}
	if err := s.store.CreateMessage(ctx, &models.WorkflowMessage{
		WorkflowID:  workflowID,
		MessageType: models.MessageSystem,
		Content:     content,
		ActionType:  models.ActionPause,
	}); err != nil {
		return err
	}

	s.emit(ctx, events.WorkflowPaused, workflowID, map[string]any{
		"workflow_id": workflowID,
		"is_paused":   true,
		"reason":      reason,
	})
	s.log.Info("workflow paused", zap.Int64("workflow_id", workflowID), zap.String("reason", reason))
	return nil
}

// Unpause clears the pause flag, records a system message, and notifies
// subscribers.
func (s *Service) Unpause(ctx context.Context, workflowID int64) error {
	if err := s.store.SetPaused(ctx, workflowID, false, nil); err != nil {
		return err
	}

	if err := s.store.CreateMessage(ctx, &models.WorkflowMessage{
		WorkflowID:  workflowID,
		MessageType: models.MessageSystem,
		Content:     "Workflow resumed",
		ActionType:  models.ActionResume,
	}); err != nil {
		return err
	}

	s.emit(ctx, events.WorkflowUnpaused, workflowID, map[string]any{
		"workflow_id": workflowID,
		"is_paused":   false,
	})
	s.log.Info("workflow unpaused", zap.Int64("workflow_id", workflowID))
	return nil
}

// MarkProcessed transitions a consumed interrupt message. Synthesized
// signals (message id 0) have no stored row and are skipped.
func (s *Service) MarkProcessed(ctx context.Context, messageID int64) error {
	if messageID == 0 {
		return nil
	}
	return s.store.UpdateMessageActionStatus(ctx, messageID, models.ActionProcessed)
}

func (s *Service) emit(ctx context.Context, eventType string, workflowID int64, data map[string]any) {
	event := bus.NewEvent(eventType, "orchestrator", data)
	if err := s.bus.Publish(ctx, events.BuildWorkflowSubject(workflowID), event); err != nil {
		s.log.Warn("failed to publish interrupt event",
			zap.String("event_type", eventType),
			zap.Int64("workflow_id", workflowID),
			zap.Error(err))
	}
}
