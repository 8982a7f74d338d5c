package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/devflow/devflow/internal/common/errors"
	"github.com/devflow/devflow/internal/common/logger"
	"github.com/devflow/devflow/internal/orchestrator"
	"github.com/devflow/devflow/internal/workflow/models"
)

type handler struct {
	svc *orchestrator.Service
	log *logger.Logger
}

func newHandler(svc *orchestrator.Service, log *logger.Logger) *handler {
	return &handler{
		svc: svc,
		log: log.WithFields(zap.String("component", "api")),
	}
}

// respond writes the {success, data} envelope.
func respond(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"success": true, "data": data})
}

// respondError writes the {success, error} envelope with the status derived
// from the error kind.
func (h *handler) respondError(c *gin.Context, err error) {
	status := apperrors.GetHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"success": false, "error": err.Error()})
}

func workflowID(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperrors.BadRequest("invalid workflow id")
	}
	return id, nil
}

// Health reports liveness.
func (h *handler) Health(c *gin.Context) {
	respond(c, http.StatusOK, gin.H{"status": "ok"})
}

// CreateManual creates and starts a root workflow.
func (h *handler) CreateManual(c *gin.Context) {
	var req orchestrator.CreateWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	w, err := h.svc.CreateManualWorkflow(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	respond(c, http.StatusCreated, w)
}

// List returns root workflows, optionally filtered by status.
func (h *handler) List(c *gin.Context) {
	status := c.Query("status")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	includeChildren := c.Query("include_children") == "true"

	roots, err := h.svc.Store().ListRootWorkflows(c.Request.Context(), status, limit, offset)
	if err != nil {
		h.respondError(c, err)
		return
	}

	if !includeChildren {
		respond(c, http.StatusOK, roots)
		return
	}

	type rootWithChildren struct {
		*models.Workflow
		Children []*models.Workflow `json:"children"`
	}
	out := make([]*rootWithChildren, 0, len(roots))
	for _, root := range roots {
		children, err := h.svc.Store().ListChildren(c.Request.Context(), root.ID)
		if err != nil {
			h.respondError(c, err)
			return
		}
		out = append(out, &rootWithChildren{Workflow: root, Children: children})
	}
	respond(c, http.StatusOK, out)
}

// Get returns the aggregate view of one workflow.
func (h *handler) Get(c *gin.Context) {
	id, err := workflowID(c)
	if err != nil {
		h.respondError(c, err)
		return
	}

	detail, err := h.svc.GetWorkflowDetail(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	respond(c, http.StatusOK, detail)
}

// Cancel marks a workflow and its subtree cancelled.
func (h *handler) Cancel(c *gin.Context) {
	id, err := workflowID(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.svc.Cancel(c.Request.Context(), id); err != nil {
		h.respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"workflow_id": id, "status": models.StatusCancelled})
}

// Pause sets the pause flag.
func (h *handler) Pause(c *gin.Context) {
	id, err := workflowID(c)
	if err != nil {
		h.respondError(c, err)
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)

	if err := h.svc.Pause(c.Request.Context(), id, body.Reason); err != nil {
		h.respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"workflow_id": id, "is_paused": true})
}

// Unpause clears the pause flag and re-drives the tree.
func (h *handler) Unpause(c *gin.Context) {
	id, err := workflowID(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.svc.Unpause(c.Request.Context(), id); err != nil {
		h.respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"workflow_id": id, "is_paused": false})
}

// ForceFail fails a wedged workflow and propagates.
func (h *handler) ForceFail(c *gin.Context) {
	id, err := workflowID(c)
	if err != nil {
		h.respondError(c, err)
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)
	if body.Reason == "" {
		body.Reason = "force-failed by operator"
	}

	if err := h.svc.ForceFail(c.Request.Context(), id, body.Reason); err != nil {
		h.respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"workflow_id": id, "status": models.StatusFailed})
}

// Resume resets a terminal workflow and re-drives its tree.
func (h *handler) Resume(c *gin.Context) {
	id, err := workflowID(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.svc.Resume(c.Request.Context(), id); err != nil {
		h.respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"workflow_id": id, "status": models.StatusPending})
}

// Retry resets a workflow and re-executes it.
func (h *handler) Retry(c *gin.Context) {
	id, err := workflowID(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.svc.Retry(c.Request.Context(), id); err != nil {
		h.respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"workflow_id": id, "status": models.StatusPending})
}

// Skip marks a non-root workflow's queue entry skipped.
func (h *handler) Skip(c *gin.Context) {
	id, err := workflowID(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.svc.Skip(c.Request.Context(), id); err != nil {
		h.respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"workflow_id": id, "status": "skipped"})
}

// ListMessages returns the conversation thread.
func (h *handler) ListMessages(c *gin.Context) {
	id, err := workflowID(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if _, err := h.svc.Store().GetWorkflow(c.Request.Context(), id); err != nil {
		h.respondError(c, err)
		return
	}
	msgs, err := h.svc.Store().ListMessages(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	respond(c, http.StatusOK, msgs)
}

// PostMessage appends a user message; interrupt actions take effect between
// agent steps.
func (h *handler) PostMessage(c *gin.Context) {
	id, err := workflowID(c)
	if err != nil {
		h.respondError(c, err)
		return
	}

	var body struct {
		Content    string            `json:"content"`
		ActionType models.ActionType `json:"actionType"`
		Metadata   models.JSONMap    `json:"metadata"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		h.respondError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	m, err := h.svc.PostMessage(c.Request.Context(), id, body.Content, body.ActionType, body.Metadata)
	if err != nil {
		h.respondError(c, err)
		return
	}
	respond(c, http.StatusCreated, m)
}

// ListCheckpoints returns every checkpoint in the workflow's subtree.
func (h *handler) ListCheckpoints(c *gin.Context) {
	id, err := workflowID(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if _, err := h.svc.Store().GetWorkflow(c.Request.Context(), id); err != nil {
		h.respondError(c, err)
		return
	}
	cps, err := h.svc.Store().ListCheckpoints(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	respond(c, http.StatusOK, cps)
}

// LastCheckpoint returns the most recent completed checkpoint in the
// subtree, or null.
func (h *handler) LastCheckpoint(c *gin.Context) {
	id, err := workflowID(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if _, err := h.svc.Store().GetWorkflow(c.Request.Context(), id); err != nil {
		h.respondError(c, err)
		return
	}
	cp, err := h.svc.Store().LatestCheckpoint(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	respond(c, http.StatusOK, cp)
}

// ResumeFromCheckpoint rewinds the tree to a checkpoint and re-drives it.
func (h *handler) ResumeFromCheckpoint(c *gin.Context) {
	id, err := workflowID(c)
	if err != nil {
		h.respondError(c, err)
		return
	}

	var body struct {
		CheckpointWorkflowID *int64 `json:"checkpointWorkflowId"`
	}
	_ = c.ShouldBindJSON(&body)

	result, err := h.svc.ResumeFromCheckpoint(c.Request.Context(), id, body.CheckpointWorkflowID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	respond(c, http.StatusOK, result)
}

// ResumeState reports whether the workflow can resume and from which step.
func (h *handler) ResumeState(c *gin.Context) {
	id, err := workflowID(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	state, err := h.svc.GetResumeState(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	respond(c, http.StatusOK, state)
}

// ListLogs returns execution logs, optionally narrowed to one execution.
func (h *handler) ListLogs(c *gin.Context) {
	id, err := workflowID(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if _, err := h.svc.Store().GetWorkflow(c.Request.Context(), id); err != nil {
		h.respondError(c, err)
		return
	}

	var execID *int64
	if raw := c.Query("agentExecutionId"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.respondError(c, apperrors.BadRequest("invalid agentExecutionId"))
			return
		}
		execID = &v
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))

	logs, err := h.svc.Store().ListLogs(c.Request.Context(), id, execID, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	respond(c, http.StatusOK, logs)
}

// QueueStatus returns queue entry counts for a parent workflow.
func (h *handler) QueueStatus(c *gin.Context) {
	id, err := workflowID(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if _, err := h.svc.Store().GetWorkflow(c.Request.Context(), id); err != nil {
		h.respondError(c, err)
		return
	}
	counts, err := h.svc.Store().GetQueueStatus(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	respond(c, http.StatusOK, counts)
}
