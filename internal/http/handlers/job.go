package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/labstream/workplan-backend/internal/http/response"
	"github.com/labstream/workplan-backend/internal/services"
)

type JobHandler struct {
	forward  services.ForwardService
	complete services.CompleteJobService
}

func NewJobHandler(forward services.ForwardService, complete services.CompleteJobService) *JobHandler {
	return &JobHandler{forward: forward, complete: complete}
}

// POST /api/jobs/forward
func (h *JobHandler) Forward(c *gin.Context) {
	var body struct {
		JobIDs []uuid.UUID `json:"job_ids"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	response.RespondResult(c, h.forward.ForwardJobs(c.Request.Context(), body.JobIDs))
}

// POST /api/jobs/:id/start (LIMS callback)
func (h *JobHandler) Start(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	response.RespondResult(c, h.complete.StartJob(c.Request.Context(), jobID))
}

// POST /api/jobs/:id/complete (LIMS callback)
func (h *JobHandler) Complete(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	var body services.JobCompletion
	if err := c.ShouldBindJSON(&body); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	response.RespondResult(c, h.complete.CompleteJob(c.Request.Context(), jobID, &body))
}

// POST /api/jobs/:id/cancel (LIMS callback)
func (h *JobHandler) Cancel(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_job_id", err)
		return
	}
	response.RespondResult(c, h.complete.CancelJob(c.Request.Context(), jobID))
}
