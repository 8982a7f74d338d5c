package websocket

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/devflow/devflow/internal/common/logger"
	"github.com/devflow/devflow/internal/events/bus"
)

// Gateway bundles the hub, the HTTP upgrade handler and the bus
// broadcaster behind one startup surface.
type Gateway struct {
	Hub         *Hub
	Handler     *Handler
	broadcaster *Broadcaster
	logger      *logger.Logger
}

// NewGateway creates the WebSocket gateway with all components initialized
func NewGateway(log *logger.Logger) *Gateway {
	hub := NewHub(log)
	return &Gateway{
		Hub:     hub,
		Handler: NewHandler(hub, log),
		logger:  log,
	}
}

// Start runs the hub loop and bridges bus events to subscribers until ctx
// is cancelled.
func (g *Gateway) Start(ctx context.Context, eventBus bus.EventBus) {
	go g.Hub.Run(ctx)
	g.broadcaster = RegisterWorkflowNotifications(ctx, eventBus, g.Hub, g.logger)
}

// SetupRoutes adds the WebSocket route to the Gin engine
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.Handler.HandleConnection)
}
