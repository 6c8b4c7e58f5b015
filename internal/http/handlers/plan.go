package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/labstream/workplan-backend/internal/http/response"
	"github.com/labstream/workplan-backend/internal/services"
)

type PlanHandler struct {
	plans    services.PlanService
	dispatch services.DispatchService
	cancel   services.CancelPlanService
	revise   services.ReviseOptionsService
}

func NewPlanHandler(
	plans services.PlanService,
	dispatch services.DispatchService,
	cancel services.CancelPlanService,
	revise services.ReviseOptionsService,
) *PlanHandler {
	return &PlanHandler{plans: plans, dispatch: dispatch, cancel: cancel, revise: revise}
}

// planUpdateBody is the wizard's wire shape; absent fields leave the plan
// untouched.
type planUpdateBody struct {
	WorkPlan struct {
		OriginalSetUUID       *uuid.UUID                   `json:"original_set_uuid"`
		ProjectID             *int64                       `json:"project_id"`
		ProductID             *uuid.UUID                   `json:"product_id"`
		ProductOptions        [][]services.ModuleSelection `json:"product_options"`
		DataReleaseStrategyID *uuid.UUID                   `json:"data_release_strategy_id"`
		Priority              *string                      `json:"priority"`
		Comment               *string                      `json:"comment"`
	} `json:"work_plan"`
}

// POST /api/work_plans
func (h *PlanHandler) Create(c *gin.Context) {
	plan, res := h.plans.CreatePlan(c.Request.Context())
	if !res.OK {
		response.RespondResult(c, res)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"work_plan": plan, "messages": res.Messages})
}

// PUT /api/work_plans/:id
func (h *PlanHandler) Update(c *gin.Context) {
	planID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_work_plan_id", err)
		return
	}
	var body planUpdateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	upd := &services.PlanUpdate{
		SetUUID:               body.WorkPlan.OriginalSetUUID,
		ProjectID:             body.WorkPlan.ProjectID,
		ProductID:             body.WorkPlan.ProductID,
		ProductOptions:        body.WorkPlan.ProductOptions,
		DataReleaseStrategyID: body.WorkPlan.DataReleaseStrategyID,
		Priority:              body.WorkPlan.Priority,
		Comment:               body.WorkPlan.Comment,
	}
	response.RespondResult(c, h.plans.UpdatePlan(c.Request.Context(), planID, upd))
}

// GET /api/work_plans
func (h *PlanHandler) List(c *gin.Context) {
	plans, err := h.plans.ListOwnPlans(c.Request.Context())
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "list_work_plans_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"work_plans": plans})
}

// GET /api/work_plans/:id
func (h *PlanHandler) Get(c *gin.Context) {
	planID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_work_plan_id", err)
		return
	}
	plan, err := h.plans.GetPlan(c.Request.Context(), planID)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "get_work_plan_failed", err)
		return
	}
	if plan == nil {
		response.RespondError(c, http.StatusNotFound, "work_plan_not_found", nil)
		return
	}
	response.RespondOK(c, gin.H{"work_plan": plan, "status": plan.Status()})
}

// DELETE /api/work_plans/:id
func (h *PlanHandler) Delete(c *gin.Context) {
	planID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_work_plan_id", err)
		return
	}
	response.RespondResult(c, h.plans.DeletePlan(c.Request.Context(), planID))
}

// POST /api/work_plans/:id/dispatch
func (h *PlanHandler) Dispatch(c *gin.Context) {
	planID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_work_plan_id", err)
		return
	}
	response.RespondResult(c, h.dispatch.DispatchPlan(c.Request.Context(), planID))
}

// POST /api/work_plans/:id/cancel
func (h *PlanHandler) Cancel(c *gin.Context) {
	planID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_work_plan_id", err)
		return
	}
	response.RespondResult(c, h.cancel.CancelPlan(c.Request.Context(), planID))
}

// PUT /api/work_plans/:id/processes/:process_id/options
func (h *PlanHandler) ReviseOptions(c *gin.Context) {
	planID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_work_plan_id", err)
		return
	}
	processID, err := uuid.Parse(c.Param("process_id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_process_id", err)
		return
	}
	var body struct {
		Modules []services.ModuleSelection `json:"modules"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
		return
	}
	response.RespondResult(c, h.revise.ReviseStageOptions(c.Request.Context(), planID, processID, body.Modules))
}
