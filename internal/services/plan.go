package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/labstream/workplan-backend/internal/catalogue"
	"github.com/labstream/workplan-backend/internal/clients/sets"
	"github.com/labstream/workplan-backend/internal/data/repos/plans"
	"github.com/labstream/workplan-backend/internal/data/repos/products"
	"github.com/labstream/workplan-backend/internal/domain"
	"github.com/labstream/workplan-backend/internal/platform/ctxutil"
	"github.com/labstream/workplan-backend/internal/platform/dbctx"
	"github.com/labstream/workplan-backend/internal/platform/logger"
)

// PlanService owns the plan wizard: create an empty plan, walk it through
// set, project, product and data release strategy, and keep the estimated
// cost current. Updates are gated by the validation pipeline and stop
// being possible once the plan leaves construction.
type PlanService interface {
	CreatePlan(ctx context.Context) (*domain.WorkPlan, Result)
	UpdatePlan(ctx context.Context, planID uuid.UUID, upd *PlanUpdate) Result
	DeletePlan(ctx context.Context, planID uuid.UUID) Result
	GetPlan(ctx context.Context, planID uuid.UUID) (*domain.WorkPlan, error)
	ListOwnPlans(ctx context.Context) ([]*domain.WorkPlan, error)
}

type planService struct {
	log        *logger.Logger
	db         *gorm.DB
	planRepo   plans.WorkPlanRepo
	choiceRepo plans.ProcessModuleChoiceRepo
	catalogue  products.CatalogueRepo
	sets       sets.Client
	validator  PlanValidator
	quotes     QuoteService
}

func NewPlanService(
	baseLog *logger.Logger,
	db *gorm.DB,
	planRepo plans.WorkPlanRepo,
	choiceRepo plans.ProcessModuleChoiceRepo,
	catalogueRepo products.CatalogueRepo,
	setsClient sets.Client,
	validator PlanValidator,
	quotes QuoteService,
) PlanService {
	return &planService{
		log:        baseLog.With("service", "PlanService"),
		db:         db,
		planRepo:   planRepo,
		choiceRepo: choiceRepo,
		catalogue:  catalogueRepo,
		sets:       setsClient,
		validator:  validator,
		quotes:     quotes,
	}
}

func (s *planService) CreatePlan(ctx context.Context) (*domain.WorkPlan, Result) {
	rd := ctxutil.GetRequestData(ctx)
	if rd == nil || rd.UserEmail == "" {
		return nil, failure("You must be signed in to create a work plan.")
	}

	now := time.Now().UTC()
	plan := &domain.WorkPlan{
		ID:         uuid.New(),
		OwnerEmail: rd.UserEmail,
		Priority:   domain.PriorityStandard,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if _, err := s.planRepo.Create(dbctx.Context{Ctx: ctx}, []*domain.WorkPlan{plan}); err != nil {
		s.log.Error("create plan failed", "owner_email", rd.UserEmail, "error", err)
		return nil, failure(genericFailureMessage)
	}
	s.log.Info("plan created", "work_plan_id", plan.ID.String(), "owner_email", rd.UserEmail)
	return plan, success("Work plan created.")
}

func (s *planService) UpdatePlan(ctx context.Context, planID uuid.UUID, upd *PlanUpdate) Result {
	rd := ctxutil.GetRequestData(ctx)
	if rd == nil || rd.UserEmail == "" {
		return failure("You must be signed in to update a work plan.")
	}
	if upd == nil {
		return failure("No changes were supplied.")
	}

	dbc := dbctx.Context{Ctx: ctx}
	plan, err := s.planRepo.GetByID(dbc, planID)
	if err != nil {
		s.log.Error("load plan for update failed", "work_plan_id", planID.String(), "error", err)
		return failure(genericFailureMessage)
	}
	if plan == nil {
		return failure("This work plan does not exist.")
	}
	if plan.OwnerEmail != rd.UserEmail {
		return failure("Only the owner of a work plan may update it.")
	}

	if err := s.validator.ValidateForUpdate(ctx, plan, upd, rd.Principals()); err != nil {
		return failure(err.Error())
	}

	choices, err := s.buildChoices(dbc, plan, upd)
	if err != nil {
		return failure(err.Error())
	}

	now := time.Now().UTC()
	updates := planFieldUpdates(upd, now)

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txc := dbctx.Context{Ctx: ctx, Tx: tx}

		locked, err := s.planRepo.LockByID(txc, plan.ID)
		if err != nil {
			return err
		}
		if locked == nil || locked.CancelledAt != nil {
			return fmt.Errorf("plan no longer updatable")
		}

		if err := s.planRepo.UpdateFields(txc, plan.ID, updates); err != nil {
			return err
		}
		if choices != nil {
			if err := s.choiceRepo.DeleteByPlanID(txc, plan.ID); err != nil {
				return err
			}
			for processID, rows := range choices {
				if err := s.choiceRepo.ReplaceForProcess(txc, plan.ID, processID, rows); err != nil {
					return err
				}
			}
		}
		return recostPlan(txc, s.planRepo, s.sets, s.quotes, plan.ID)
	})
	if txErr != nil {
		s.log.Error("plan update failed", "work_plan_id", plan.ID.String(), "error", txErr)
		return failure(genericFailureMessage)
	}

	s.log.Info("plan updated", "work_plan_id", plan.ID.String())
	return success("Work plan updated.")
}

// buildChoices turns a product selection into stored choice rows: the
// caller's explicit options when given, otherwise each stage's default
// path. Nil means the update does not touch choices.
func (s *planService) buildChoices(dbc dbctx.Context, plan *domain.WorkPlan, upd *PlanUpdate) (map[uuid.UUID][]*domain.ProcessModuleChoice, error) {
	if upd.ProductID == nil {
		return nil, nil
	}
	processes, err := s.catalogue.ProcessesForProduct(dbc, *upd.ProductID)
	if err != nil {
		s.log.Error("load product processes failed", "product_id", upd.ProductID.String(), "error", err)
		return nil, fmt.Errorf("%s", genericFailureMessage)
	}

	now := time.Now().UTC()
	out := make(map[uuid.UUID][]*domain.ProcessModuleChoice, len(processes))
	for i, proc := range processes {
		var selection []ModuleSelection
		if len(upd.ProductOptions) > 0 {
			selection = upd.ProductOptions[i]
		} else {
			path, err := catalogue.BuildDefaultPath(proc.Pairings, proc.Modules)
			if err != nil {
				s.log.Error("malformed default path", "process_id", proc.ID.String(), "error", err)
				return nil, fmt.Errorf("The selected product's catalogue is malformed.")
			}
			for _, m := range path {
				selection = append(selection, ModuleSelection{ModuleID: m.ID})
			}
		}

		rows := make([]*domain.ProcessModuleChoice, 0, len(selection))
		for pos, sel := range selection {
			rows = append(rows, &domain.ProcessModuleChoice{
				ID:              uuid.New(),
				WorkPlanID:      plan.ID,
				ProcessID:       proc.ID,
				ProcessModuleID: sel.ModuleID,
				Position:        pos,
				SelectedValue:   sel.SelectedValue,
				CreatedAt:       now,
				UpdatedAt:       now,
			})
		}
		out[proc.ID] = rows
	}
	return out, nil
}

func planFieldUpdates(upd *PlanUpdate, now time.Time) map[string]interface{} {
	updates := map[string]interface{}{"updated_at": now}
	if upd.SetUUID != nil {
		updates["original_set_uuid"] = *upd.SetUUID
	}
	if upd.ProjectID != nil {
		updates["project_id"] = *upd.ProjectID
	}
	if upd.ProductID != nil {
		updates["product_id"] = *upd.ProductID
	}
	if upd.DataReleaseStrategyID != nil {
		updates["data_release_strategy_id"] = *upd.DataReleaseStrategyID
	}
	if upd.Priority != nil {
		updates["priority"] = *upd.Priority
	}
	if upd.Comment != nil {
		updates["comment"] = *upd.Comment
	}
	return updates
}

// recostPlan recomputes the estimated cost from stored state after an
// update. A plan still missing its set, project or product keeps a nil
// estimate.
func recostPlan(txc dbctx.Context, planRepo plans.WorkPlanRepo, setsClient sets.Client, quotes QuoteService, planID uuid.UUID) error {
	plan, err := planRepo.GetByID(txc, planID)
	if err != nil || plan == nil {
		return err
	}
	if plan.OriginalSetUUID == nil || plan.ProjectID == nil || plan.ProductID == nil || len(plan.ModuleChoices) == 0 {
		return planRepo.UpdateFields(txc, planID, map[string]interface{}{"estimated_cost": nil})
	}

	set, err := setsClient.Find(txc.Ctx, *plan.OriginalSetUUID)
	if err != nil {
		return fmt.Errorf("read set for costing: %w", err)
	}
	costCode, err := quotes.ResolveCostCode(txc.Ctx, *plan.ProjectID)
	if err != nil {
		return fmt.Errorf("resolve cost code: %w", err)
	}
	estimate, err := quotes.EstimatePlanCost(txc.Ctx, plan, costCode, set.Size)
	if err != nil {
		return err
	}
	return planRepo.UpdateFields(txc, planID, map[string]interface{}{"estimated_cost": estimate})
}

func (s *planService) DeletePlan(ctx context.Context, planID uuid.UUID) Result {
	rd := ctxutil.GetRequestData(ctx)
	if rd == nil || rd.UserEmail == "" {
		return failure("You must be signed in to delete a work plan.")
	}

	dbc := dbctx.Context{Ctx: ctx}
	plan, err := s.planRepo.GetByID(dbc, planID)
	if err != nil {
		s.log.Error("load plan for delete failed", "work_plan_id", planID.String(), "error", err)
		return failure(genericFailureMessage)
	}
	if plan == nil {
		return failure("This work plan does not exist.")
	}
	if plan.OwnerEmail != rd.UserEmail {
		return failure("Only the owner of a work plan may delete it.")
	}
	if !plan.InConstruction() {
		return failure("Only work plans still under construction can be deleted.")
	}

	if err := s.planRepo.Delete(dbc, plan.ID); err != nil {
		s.log.Error("delete plan failed", "work_plan_id", plan.ID.String(), "error", err)
		return failure(genericFailureMessage)
	}
	s.log.Info("plan deleted", "work_plan_id", plan.ID.String())
	return success("Work plan deleted.")
}

func (s *planService) GetPlan(ctx context.Context, planID uuid.UUID) (*domain.WorkPlan, error) {
	rd := ctxutil.GetRequestData(ctx)
	if rd == nil || rd.UserEmail == "" {
		return nil, fmt.Errorf("no request identity")
	}
	plan, err := s.planRepo.GetByID(dbctx.Context{Ctx: ctx}, planID)
	if err != nil || plan == nil {
		return nil, err
	}
	if plan.OwnerEmail != rd.UserEmail {
		return nil, nil
	}
	return plan, nil
}

func (s *planService) ListOwnPlans(ctx context.Context) ([]*domain.WorkPlan, error) {
	rd := ctxutil.GetRequestData(ctx)
	if rd == nil || rd.UserEmail == "" {
		return nil, fmt.Errorf("no request identity")
	}
	return s.planRepo.GetByOwner(dbctx.Context{Ctx: ctx}, rd.UserEmail)
}
