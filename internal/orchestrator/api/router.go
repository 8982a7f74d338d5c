// Package api exposes the workflow control surface over HTTP.
package api

import (
	"github.com/gin-gonic/gin"

	"github.com/devflow/devflow/internal/common/httpmw"
	"github.com/devflow/devflow/internal/common/logger"
	"github.com/devflow/devflow/internal/orchestrator"
)

// NewRouter builds the gin engine with all workflow routes mounted.
func NewRouter(svc *orchestrator.Service, log *logger.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "devflow-api"))
	router.Use(httpmw.OtelTracing("devflow-api"))

	h := newHandler(svc, log)

	router.GET("/health", h.Health)

	workflows := router.Group("/workflows")
	{
		workflows.POST("/manual", h.CreateManual)
		workflows.GET("", h.List)
		workflows.GET("/:id", h.Get)
		workflows.DELETE("/:id", h.Cancel)

		workflows.POST("/:id/pause", h.Pause)
		workflows.POST("/:id/unpause", h.Unpause)
		workflows.POST("/:id/force-fail", h.ForceFail)
		workflows.POST("/:id/resume", h.Resume)
		workflows.POST("/:id/retry", h.Retry)
		workflows.POST("/:id/skip", h.Skip)

		workflows.GET("/:id/messages", h.ListMessages)
		workflows.POST("/:id/messages", h.PostMessage)

		workflows.GET("/:id/checkpoints", h.ListCheckpoints)
		workflows.GET("/:id/last-checkpoint", h.LastCheckpoint)
		workflows.POST("/:id/resume-from-checkpoint", h.ResumeFromCheckpoint)
		workflows.GET("/:id/resume-state", h.ResumeState)

		workflows.GET("/:id/logs", h.ListLogs)
		workflows.GET("/:id/queue", h.QueueStatus)
	}

	return router
}
