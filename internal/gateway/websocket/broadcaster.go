package websocket

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/devflow/devflow/internal/common/logger"
	"github.com/devflow/devflow/internal/events"
	"github.com/devflow/devflow/internal/events/bus"
)

// Broadcaster bridges the event bus to the hub: every event published on a
// workflow subject is forwarded to that workflow's subscribers.
type Broadcaster struct {
	hub          *Hub
	subscription bus.Subscription
	logger       *logger.Logger
}

// RegisterWorkflowNotifications subscribes to all workflow subjects and
// routes events to hub subscribers. The subscription is torn down when ctx
// is cancelled.
func RegisterWorkflowNotifications(ctx context.Context, eventBus bus.EventBus, hub *Hub, log *logger.Logger) *Broadcaster {
	b := &Broadcaster{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws_broadcaster")),
	}
	if eventBus == nil {
		return b
	}

	sub, err := eventBus.Subscribe(events.BuildWorkflowWildcardSubject(), b.handleEvent)
	if err != nil {
		b.logger.Error("failed to subscribe to workflow events", zap.Error(err))
		return b
	}
	b.subscription = sub

	go func() {
		<-ctx.Done()
		b.Close()
	}()

	return b
}

// Close tears down the bus subscription
func (b *Broadcaster) Close() {
	if b.subscription != nil && b.subscription.IsValid() {
		_ = b.subscription.Unsubscribe()
	}
	b.subscription = nil
}

func (b *Broadcaster) handleEvent(ctx context.Context, event *bus.Event) error {
	msg, err := NewNotification(event.Type, event.Data)
	if err != nil {
		b.logger.Error("failed to build websocket notification",
			zap.String("event_type", event.Type),
			zap.Error(err))
		return nil
	}

	workflowID := workflowIDFromEvent(event)
	if workflowID <= 0 {
		b.hub.Broadcast(msg)
		return nil
	}

	// Newly created workflows have no subscribers yet, so creation events go
	// to every client.
	if event.Type == events.WorkflowCreated {
		b.hub.Broadcast(msg)
		return nil
	}

	b.hub.BroadcastToWorkflow(workflowID, msg)
	return nil
}

// workflowIDFromEvent extracts the workflow id from event data. NATS
// round-trips numbers as float64; the in-memory bus preserves int64.
func workflowIDFromEvent(event *bus.Event) int64 {
	raw, ok := event.Data["workflow_id"]
	if !ok {
		return 0
	}
	switch v := raw.(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		id, err := v.Int64()
		if err != nil {
			return 0
		}
		return id
	default:
		return 0
	}
}
