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

// ForwardService moves the surviving materials of concluded jobs into the
// plan's next stage: it combines the jobs' output sets, creates the next
// work order with the plan's frozen choices for that stage, splits the
// combined set into new jobs and posts the order to the LIMS. The whole
// batch forwards atomically or not at all; jobs already forwarded refuse a
// second pass.
type ForwardService interface {
	ForwardJobs(ctx context.Context, jobIDs []uuid.UUID) Result
}

type forwardService struct {
	log       *logger.Logger
	db        *gorm.DB
	planRepo  plans.WorkPlanRepo
	orderRepo orders.WorkOrderRepo
	jobRepo   orders.JobRepo
	catalogue products.CatalogueRepo
	sets      sets.Client
	lims      lims.Client
	quotes    QuoteService
	splitter  SplitService
	events    EventService
}

func NewForwardService(
	baseLog *logger.Logger,
	db *gorm.DB,
	planRepo plans.WorkPlanRepo,
	orderRepo orders.WorkOrderRepo,
	jobRepo orders.JobRepo,
	catalogueRepo products.CatalogueRepo,
	setsClient sets.Client,
	limsClient lims.Client,
	quotes QuoteService,
	splitter SplitService,
	events EventService,
) ForwardService {
	return &forwardService{
		log:       baseLog.With("service", "ForwardService"),
		db:        db,
		planRepo:  planRepo,
		orderRepo: orderRepo,
		jobRepo:   jobRepo,
		catalogue: catalogueRepo,
		sets:      setsClient,
		lims:      limsClient,
		quotes:    quotes,
		splitter:  splitter,
		events:    events,
	}
}

func (s *forwardService) ForwardJobs(ctx context.Context, jobIDs []uuid.UUID) Result {
	rd := ctxutil.GetRequestData(ctx)
	if rd == nil || rd.UserEmail == "" {
		return failure("You must be signed in to forward jobs.")
	}
	if len(jobIDs) == 0 {
		return failure("No jobs were selected for forwarding.")
	}
	// Forwarding announces a new order downstream; without a working event
	// bus the rest of the pipeline would never hear about it.
	if !s.events.BusWorking(ctx) {
		return failure("The event service is unavailable. Please try again later.")
	}

	dbc := dbctx.Context{Ctx: ctx}
	jobs, err := s.jobRepo.GetByIDs(dbc, jobIDs)
	if err != nil {
		s.log.Error("load jobs for forwarding failed", "error", err)
		return failure(genericFailureMessage)
	}
	if err := checkForwardable(jobs, jobIDs); err != nil {
		return failure(err.Error())
	}

	sourceOrder := jobs[0].WorkOrder
	plan, err := s.planRepo.GetByID(dbc, sourceOrder.WorkPlanID)
	if err != nil {
		s.log.Error("load plan for forwarding failed", "work_plan_id", sourceOrder.WorkPlanID.String(), "error", err)
		return failure(genericFailureMessage)
	}
	if plan == nil {
		return failure("The work plan these jobs belong to no longer exists.")
	}
	if plan.OwnerEmail != rd.UserEmail {
		return failure("Only the owner of a work plan may forward its jobs.")
	}
	if plan.CancelledAt != nil {
		return failure("This work plan has been cancelled; its jobs cannot be forwarded.")
	}
	if plan.Broken() {
		return failure("This work plan is broken; its jobs cannot be forwarded.")
	}

	maxIndex, found, err := s.orderRepo.MaxOrderIndex(dbc, plan.ID)
	if err != nil {
		s.log.Error("resolve latest order failed", "work_plan_id", plan.ID.String(), "error", err)
		return failure(genericFailureMessage)
	}
	if !found || sourceOrder.OrderIndex != maxIndex {
		return failure("Only jobs from the most recent work order can be forwarded.")
	}

	nextProcess, cat, err := s.resolveNextStage(dbc, plan, sourceOrder)
	if err != nil {
		return failure(err.Error())
	}

	materials, err := s.collectSurvivors(ctx, jobs)
	if err != nil {
		return failure(err.Error())
	}
	materialIDs := make([]string, 0, len(materials))
	for _, m := range materials {
		materialIDs = append(materialIDs, m.ID)
	}

	costCode, err := s.quotes.ResolveCostCode(ctx, *plan.ProjectID)
	if err != nil {
		s.log.Error("cost code resolution failed during forwarding", "project_id", *plan.ProjectID, "error", err)
		return failure("The selected project does not have a cost code assigned.")
	}
	costPerSample, err := s.stageUnitPriceFor(ctx, plan, nextProcess.ID, costCode)
	if err != nil {
		return failure(err.Error())
	}

	// The combined set is filled before the transaction and handed over
	// only after the LIMS accepts, so a failure part-way leaves nothing
	// locked behind.
	combined, err := s.sets.Create(ctx, fmt.Sprintf("Work plan %s stage %d input", plan.ID, sourceOrder.OrderIndex+2))
	if err != nil {
		s.log.Error("create combined set failed", "work_plan_id", plan.ID.String(), "error", err)
		return failure("The set service is unavailable. Please try again later.")
	}
	createdSets := []uuid.UUID{combined.UUID}
	if err := s.sets.SetMaterials(ctx, combined.UUID, materialIDs); err != nil {
		s.splitter.DestroySets(ctx, createdSets)
		s.log.Error("fill combined set failed", "set_uuid", combined.UUID.String(), "error", err)
		return failure("The set service is unavailable. Please try again later.")
	}

	now := time.Now().UTC()
	sampleCount := len(materialIDs)
	totalCost := costPerSample * float64(sampleCount)
	nextOrder := &domain.WorkOrder{
		ID:            uuid.New(),
		WorkPlanID:    plan.ID,
		ProcessID:     nextProcess.ID,
		OrderIndex:    sourceOrder.OrderIndex + 1,
		Status:        domain.OrderStatusActive,
		SetUUID:       &combined.UUID,
		CostPerSample: &costPerSample,
		TotalCost:     &totalCost,
		DispatchDate:  &now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txc := dbctx.Context{Ctx: ctx, Tx: tx}

		locked, err := s.planRepo.LockByID(txc, plan.ID)
		if err != nil {
			return err
		}
		if locked == nil || locked.CancelledAt != nil {
			return fmt.Errorf("plan no longer forwardable")
		}

		// Reload under the lock: a concurrent forward of the same jobs
		// must be caught here, not trusted to the earlier read.
		current, err := s.jobRepo.GetByIDs(txc, jobIDs)
		if err != nil {
			return err
		}
		if err := checkForwardable(current, jobIDs); err != nil {
			return err
		}

		// A revision supersedes the reported output; lock it so its
		// materials cannot change once they move on.
		lockedFlag := true
		for _, j := range current {
			if j.RevisedOutputSetUUID == nil {
				continue
			}
			if err := s.sets.Update(ctx, *j.RevisedOutputSetUUID, sets.Update{Locked: &lockedFlag}); err != nil {
				return fmt.Errorf("lock revised output set %s: %w", *j.RevisedOutputSetUUID, err)
			}
		}

		if _, err := s.orderRepo.Create(txc, []*domain.WorkOrder{nextOrder}); err != nil {
			return err
		}
		stageChoices := plan.ChoicesForProcess(nextProcess.ID)
		frozen := freezeChoices(nextOrder.ID, stageChoices, now)
		if err := s.orderRepo.CreateModuleChoices(txc, frozen); err != nil {
			return err
		}
		nextOrder.ModuleChoices = choicesForPayload(frozen, stageChoices)

		newJobs, splitSets, err := s.splitter.SplitOrderSet(ctx, nextOrder, materials, fmt.Sprintf("Work order %s", nextOrder.ID))
		if err != nil {
			return err
		}
		createdSets = append(createdSets, splitSets...)
		if _, err := s.jobRepo.Create(txc, newJobs); err != nil {
			return err
		}

		if err := s.jobRepo.StampForwarded(txc, jobIDs, now); err != nil {
			return err
		}

		payload := SerializeOrder(plan, nextOrder, nextProcess, cat, costCode, sampleCount, newJobs)
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if err := s.orderRepo.UpdateFields(txc, nextOrder.ID, map[string]interface{}{
			"lims_payload": datatypes.JSON(raw),
		}); err != nil {
			return err
		}
		if err := s.lims.PostOrder(ctx, cat.URL, payload); err != nil {
			return err
		}

		// Lock and hand the combined set to the plan owner last: the
		// handover is irreversible, so it follows the LIMS accept.
		owner := plan.OwnerEmail
		if err := s.sets.Update(ctx, combined.UUID, sets.Update{Owner: &owner, Locked: &lockedFlag}); err != nil {
			return fmt.Errorf("lock combined set %s: %w", combined.UUID, err)
		}
		return nil
	})
	if txErr != nil {
		s.splitter.DestroySets(ctx, createdSets)
		s.log.Error("forwarding failed", "work_plan_id", plan.ID.String(), "error", txErr)
		return failure("The selected jobs could not be forwarded. Please try again later.")
	}

	s.events.PublishOrderDispatched(ctx, plan, nextOrder, sampleCount)
	s.log.Info("jobs forwarded",
		"work_plan_id", plan.ID.String(),
		"from_order_id", sourceOrder.ID.String(),
		"to_order_id", nextOrder.ID.String(),
		"num_materials", sampleCount)
	return success("The surviving materials have been forwarded to the next stage.")
}

// checkForwardable validates the batch: every requested job must exist,
// share one work order, be completed, carry an output set and not already
// be forwarded.
func checkForwardable(jobs []*domain.Job, requested []uuid.UUID) error {
	if len(jobs) != len(requested) {
		return fmt.Errorf("Some of the selected jobs do not exist.")
	}
	var orderID uuid.UUID
	for i, j := range jobs {
		if j.WorkOrder == nil {
			return fmt.Errorf("Some of the selected jobs do not belong to a work order.")
		}
		if i == 0 {
			orderID = j.WorkOrderID
		} else if j.WorkOrderID != orderID {
			return fmt.Errorf("All jobs in a forwarding batch must belong to the same work order.")
		}
		if !j.Completed() {
			return fmt.Errorf("Only completed jobs can be forwarded.")
		}
		if j.Forwarded() {
			return fmt.Errorf("Some of the selected jobs have already been forwarded.")
		}
		if j.EffectiveOutputSetUUID() == nil {
			return fmt.Errorf("Some of the selected jobs have no output set to forward.")
		}
	}
	return nil
}

// resolveNextStage finds the stage after the source order's process, plus
// the catalogue carrying the LIMS url.
func (s *forwardService) resolveNextStage(dbc dbctx.Context, plan *domain.WorkPlan, sourceOrder *domain.WorkOrder) (*domain.Process, *domain.Catalogue, error) {
	if plan.ProductID == nil {
		return nil, nil, fmt.Errorf("The work plan has no product; jobs cannot be forwarded.")
	}
	stage, err := s.catalogue.StageOfProcess(dbc, *plan.ProductID, sourceOrder.ProcessID)
	if err != nil {
		s.log.Error("resolve stage failed", "work_order_id", sourceOrder.ID.String(), "error", err)
		return nil, nil, fmt.Errorf("%s", genericFailureMessage)
	}
	processes, err := s.catalogue.ProcessesForProduct(dbc, *plan.ProductID)
	if err != nil {
		s.log.Error("load product processes failed", "product_id", plan.ProductID.String(), "error", err)
		return nil, nil, fmt.Errorf("%s", genericFailureMessage)
	}
	if stage+1 >= len(processes) {
		return nil, nil, fmt.Errorf("These jobs belong to the final stage; there is nothing to forward to.")
	}

	product, err := s.catalogue.GetProductByID(dbc, *plan.ProductID)
	if err != nil || product == nil {
		return nil, nil, fmt.Errorf("%s", genericFailureMessage)
	}
	cat, err := s.catalogue.GetCatalogueByID(dbc, product.CatalogueID)
	if err != nil || cat == nil || cat.URL == "" {
		return nil, nil, fmt.Errorf("The product's execution system is not reachable.")
	}
	return &processes[stage+1], cat, nil
}

// collectSurvivors unions the materials of every job's effective output
// set, preserving job order then set order. Containers travel with the
// materials so the splitter can group the next stage's jobs. A revised
// output set must be a strict subset of the job's reported output; a
// revision that adds materials is rejected.
func (s *forwardService) collectSurvivors(ctx context.Context, jobs []*domain.Job) ([]sets.Material, error) {
	var out []sets.Material
	seen := map[string]bool{}
	for _, j := range jobs {
		effective := j.EffectiveOutputSetUUID()
		_, materials, err := s.sets.FindWithMaterials(ctx, *effective)
		if err != nil {
			s.log.Error("read output set failed", "set_uuid", effective.String(), "job_id", j.ID.String(), "error", err)
			return nil, fmt.Errorf("The set service is unavailable. Please try again later.")
		}
		// Every job must contribute something: an empty output (or an
		// empty revision, which supersedes the output) blocks the batch.
		if len(materials) == 0 {
			return nil, fmt.Errorf("Some of the selected jobs have an empty output set and cannot be forwarded.")
		}

		if j.RevisedOutputSetUUID != nil && j.OutputSetUUID != nil {
			if err := s.checkRevisionSubset(ctx, j, materials); err != nil {
				return nil, err
			}
		}

		for _, m := range materials {
			if !seen[m.ID] {
				seen[m.ID] = true
				out = append(out, m)
			}
		}
	}
	return out, nil
}

// checkRevisionSubset verifies the revised output only removes materials
// from the reported output, never introduces new ones.
func (s *forwardService) checkRevisionSubset(ctx context.Context, j *domain.Job, revised []sets.Material) error {
	_, reported, err := s.sets.FindWithMaterials(ctx, *j.OutputSetUUID)
	if err != nil {
		s.log.Error("read reported output set failed", "set_uuid", j.OutputSetUUID.String(), "job_id", j.ID.String(), "error", err)
		return fmt.Errorf("The set service is unavailable. Please try again later.")
	}
	reportedIDs := map[string]bool{}
	for _, m := range reported {
		reportedIDs[m.ID] = true
	}
	for _, m := range revised {
		if !reportedIDs[m.ID] {
			return fmt.Errorf("A revised output set may only remove materials, not add them.")
		}
	}
	if len(revised) == len(reported) {
		return fmt.Errorf("A revised output set must remove at least one material.")
	}
	return nil
}

// stageUnitPriceFor prices the plan's stored choices for one stage.
func (s *forwardService) stageUnitPriceFor(ctx context.Context, plan *domain.WorkPlan, processID uuid.UUID, costCode string) (float64, error) {
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
