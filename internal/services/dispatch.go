package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/labstream/workplan-backend/internal/clients/lims"
	"github.com/labstream/workplan-backend/internal/clients/sets"
	"github.com/labstream/workplan-backend/internal/data/repos/orders"
	"github.com/labstream/workplan-backend/internal/data/repos/plans"
	"github.com/labstream/workplan-backend/internal/data/repos/products"
	"github.com/labstream/workplan-backend/internal/domain"
	"github.com/labstream/workplan-backend/internal/platform/ctxutil"
	"github.com/labstream/workplan-backend/internal/platform/dbctx"
	"github.com/labstream/workplan-backend/internal/platform/logger"
)

// DispatchService turns a fully specified plan into its first work order:
// one last validation pass, a locked snapshot of the input set, frozen
// module choices, per-container jobs and a POST to the owning LIMS. The
// database writes and the LIMS send succeed or fail together; sets created
// along the way are destroyed on failure.
type DispatchService interface {
	DispatchPlan(ctx context.Context, planID uuid.UUID) Result
}

type dispatchService struct {
	log       *logger.Logger
	db        *gorm.DB
	planRepo  plans.WorkPlanRepo
	orderRepo orders.WorkOrderRepo
	jobRepo   orders.JobRepo
	catalogue products.CatalogueRepo
	sets      sets.Client
	lims      lims.Client
	validator PlanValidator
	quotes    QuoteService
	splitter  SplitService
	events    EventService
}

func NewDispatchService(
	baseLog *logger.Logger,
	db *gorm.DB,
	planRepo plans.WorkPlanRepo,
	orderRepo orders.WorkOrderRepo,
	jobRepo orders.JobRepo,
	catalogueRepo products.CatalogueRepo,
	setsClient sets.Client,
	limsClient lims.Client,
	validator PlanValidator,
	quotes QuoteService,
	splitter SplitService,
	events EventService,
) DispatchService {
	return &dispatchService{
		log:       baseLog.With("service", "DispatchService"),
		db:        db,
		planRepo:  planRepo,
		orderRepo: orderRepo,
		jobRepo:   jobRepo,
		catalogue: catalogueRepo,
		sets:      setsClient,
		lims:      limsClient,
		validator: validator,
		quotes:    quotes,
		splitter:  splitter,
		events:    events,
	}
}

func (s *dispatchService) DispatchPlan(ctx context.Context, planID uuid.UUID) Result {
	rd := ctxutil.GetRequestData(ctx)
	if rd == nil || rd.UserEmail == "" {
		return failure("You must be signed in to dispatch a work plan.")
	}

	dbc := dbctx.Context{Ctx: ctx}
	plan, err := s.planRepo.GetByID(dbc, planID)
	if err != nil {
		s.log.Error("load plan for dispatch failed", "work_plan_id", planID.String(), "error", err)
		return failure(genericFailureMessage)
	}
	if plan == nil {
		return failure("This work plan does not exist.")
	}
	if plan.OwnerEmail != rd.UserEmail {
		return failure("Only the owner of a work plan may dispatch it.")
	}

	costCode, sampleCount, err := s.validator.ValidateForDispatch(ctx, plan, rd.Principals())
	if err != nil {
		return failure(err.Error())
	}

	processes, err := s.catalogue.ProcessesForProduct(dbc, *plan.ProductID)
	if err != nil || len(processes) == 0 {
		s.log.Error("load product processes failed", "product_id", plan.ProductID.String(), "error", err)
		return failure(genericFailureMessage)
	}
	firstStage := processes[0]

	product, err := s.catalogue.GetProductByID(dbc, *plan.ProductID)
	if err != nil || product == nil {
		s.log.Error("load product failed", "product_id", plan.ProductID.String(), "error", err)
		return failure(genericFailureMessage)
	}
	cat, err := s.catalogue.GetCatalogueByID(dbc, product.CatalogueID)
	if err != nil || cat == nil || cat.URL == "" {
		s.log.Error("no LIMS url for product", "product_id", product.ID.String(), "error", err)
		return failure("The selected product's execution system is not reachable.")
	}

	costPerSample, err := s.stageUnitPriceFor(ctx, plan, firstStage.ID, costCode)
	if err != nil {
		return failure(err.Error())
	}
	estimatedCost, err := s.quotes.EstimatePlanCost(ctx, plan, costCode, sampleCount)
	if err != nil {
		return failure(err.Error())
	}

	// Snapshot the input set before touching the database. The clone is
	// locked at birth, so the order's input can never drift under it.
	orderSet, err := s.sets.CloneAndLock(ctx, *plan.OriginalSetUUID, fmt.Sprintf("Work order %s stage 1", plan.ID))
	if err != nil {
		s.log.Error("clone input set failed", "work_plan_id", plan.ID.String(), "error", err)
		return failure("The set service is unavailable. Please try again later.")
	}
	createdSets := []uuid.UUID{orderSet.UUID}

	_, materials, err := s.sets.FindWithMaterials(ctx, orderSet.UUID)
	if err != nil {
		s.splitter.DestroySets(ctx, createdSets)
		s.log.Error("read cloned set failed", "set_uuid", orderSet.UUID.String(), "error", err)
		return failure("The set service is unavailable. Please try again later.")
	}

	now := time.Now().UTC()
	totalCost := costPerSample * float64(sampleCount)
	order := &domain.WorkOrder{
		ID:            uuid.New(),
		WorkPlanID:    plan.ID,
		ProcessID:     firstStage.ID,
		OrderIndex:    0,
		Status:        domain.OrderStatusActive,
		SetUUID:       &orderSet.UUID,
		CostPerSample: &costPerSample,
		TotalCost:     &totalCost,
		DispatchDate:  &now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var dispatchedJobs []*domain.Job
	var consumedMaterials []string
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txc := dbctx.Context{Ctx: ctx, Tx: tx}

		locked, err := s.planRepo.LockByID(txc, plan.ID)
		if err != nil {
			return err
		}
		if locked == nil || locked.CancelledAt != nil {
			return fmt.Errorf("plan no longer dispatchable")
		}
		existing, err := s.orderRepo.CountByPlanID(txc, plan.ID)
		if err != nil {
			return err
		}
		if existing > 0 {
			return fmt.Errorf("plan already dispatched")
		}

		if _, err := s.orderRepo.Create(txc, []*domain.WorkOrder{order}); err != nil {
			return err
		}
		stageChoices := plan.ChoicesForProcess(firstStage.ID)
		frozen := freezeChoices(order.ID, stageChoices, now)
		if err := s.orderRepo.CreateModuleChoices(txc, frozen); err != nil {
			return err
		}
		order.ModuleChoices = choicesForPayload(frozen, stageChoices)

		jobs, splitSets, err := s.splitter.SplitOrderSet(ctx, order, materials, fmt.Sprintf("Work order %s", order.ID))
		if err != nil {
			return err
		}
		createdSets = append(createdSets, splitSets...)
		if _, err := s.jobRepo.Create(txc, jobs); err != nil {
			return err
		}
		dispatchedJobs = jobs

		if err := s.planRepo.UpdateFields(txc, plan.ID, map[string]interface{}{
			"estimated_cost": estimatedCost,
			"updated_at":     now,
		}); err != nil {
			return err
		}

		materialIDs := make([]string, 0, len(materials))
		for _, m := range materials {
			materialIDs = append(materialIDs, m.ID)
		}
		if err := s.sets.SetMaterialAvailability(ctx, materialIDs, false); err != nil {
			return fmt.Errorf("consume materials: %w", err)
		}
		consumedMaterials = materialIDs

		payload := SerializeOrder(plan, order, &firstStage, cat, costCode, sampleCount, jobs)
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if err := s.orderRepo.UpdateFields(txc, order.ID, map[string]interface{}{
			"lims_payload": datatypes.JSON(raw),
		}); err != nil {
			return err
		}
		return s.lims.PostOrder(ctx, cat.URL, payload)
	})
	if txErr != nil {
		s.splitter.DestroySets(ctx, createdSets)
		if len(consumedMaterials) > 0 {
			if err := s.sets.SetMaterialAvailability(ctx, consumedMaterials, true); err != nil {
				s.log.Error("material availability reset failed after rejected dispatch", "work_plan_id", plan.ID.String(), "error", err)
			}
		}
		s.log.Error("dispatch failed", "work_plan_id", plan.ID.String(), "error", txErr)
		return failure("The work plan could not be dispatched. Please try again later.")
	}

	s.events.PublishOrderDispatched(ctx, plan, order, sampleCount)
	s.log.Info("plan dispatched",
		"work_plan_id", plan.ID.String(),
		"work_order_id", order.ID.String(),
		"num_jobs", len(dispatchedJobs),
		"num_samples", sampleCount)
	return success("Your work plan has been dispatched to the laboratory.")
}

// stageUnitPriceFor prices the plan's stored choices for one stage.
func (s *dispatchService) stageUnitPriceFor(ctx context.Context, plan *domain.WorkPlan, processID uuid.UUID, costCode string) (float64, error) {
	choices := plan.ChoicesForProcess(processID)
	names := make([]string, 0, len(choices))
	for _, c := range choices {
		if c.ProcessModule == nil {
			return 0, fmt.Errorf("module choice %s has no module loaded", c.ID)
		}
		names = append(names, c.ProcessModule.Name)
	}
	return s.quotes.StageUnitPrice(ctx, names, costCode)
}

// freezeChoices copies a plan's stage choices onto an order so later plan
// edits cannot alter the dispatched selection. Rows are kept free of
// associations so the insert touches only the choice table.
func freezeChoices(orderID uuid.UUID, choices []domain.ProcessModuleChoice, now time.Time) []*domain.WorkOrderModuleChoice {
	out := make([]*domain.WorkOrderModuleChoice, 0, len(choices))
	for _, c := range choices {
		out = append(out, &domain.WorkOrderModuleChoice{
			ID:              uuid.New(),
			WorkOrderID:     orderID,
			ProcessModuleID: c.ProcessModuleID,
			Position:        c.Position,
			SelectedValue:   c.SelectedValue,
			CreatedAt:       now,
		})
	}
	return out
}

// choicesForPayload rehydrates frozen choices with the plan's loaded
// modules so serialization can name them without another query.
func choicesForPayload(frozen []*domain.WorkOrderModuleChoice, source []domain.ProcessModuleChoice) []domain.WorkOrderModuleChoice {
	modules := map[uuid.UUID]*domain.ProcessModule{}
	for i := range source {
		if source[i].ProcessModule != nil {
			modules[source[i].ProcessModuleID] = source[i].ProcessModule
		}
	}
	out := make([]domain.WorkOrderModuleChoice, 0, len(frozen))
	for _, c := range frozen {
		copied := *c
		copied.ProcessModule = modules[c.ProcessModuleID]
		out = append(out, copied)
	}
	return out
}
