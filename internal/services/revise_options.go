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

// ReviseOptionsService replaces one stage's module choices on a plan whose
// order for that stage has not been created yet. Earlier stages freeze
// their choices at dispatch; later stages stay open for revision until
// forwarding reaches them.
type ReviseOptionsService interface {
	ReviseStageOptions(ctx context.Context, planID, processID uuid.UUID, selection []ModuleSelection) Result
}

type reviseOptionsService struct {
	log        *logger.Logger
	db         *gorm.DB
	planRepo   plans.WorkPlanRepo
	choiceRepo plans.ProcessModuleChoiceRepo
	catalogue  products.CatalogueRepo
	sets       sets.Client
	quotes     QuoteService
}

func NewReviseOptionsService(
	baseLog *logger.Logger,
	db *gorm.DB,
	planRepo plans.WorkPlanRepo,
	choiceRepo plans.ProcessModuleChoiceRepo,
	catalogueRepo products.CatalogueRepo,
	setsClient sets.Client,
	quotes QuoteService,
) ReviseOptionsService {
	return &reviseOptionsService{
		log:        baseLog.With("service", "ReviseOptionsService"),
		db:         db,
		planRepo:   planRepo,
		choiceRepo: choiceRepo,
		catalogue:  catalogueRepo,
		sets:       setsClient,
		quotes:     quotes,
	}
}

func (s *reviseOptionsService) ReviseStageOptions(ctx context.Context, planID, processID uuid.UUID, selection []ModuleSelection) Result {
	rd := ctxutil.GetRequestData(ctx)
	if rd == nil || rd.UserEmail == "" {
		return failure("You must be signed in to revise module options.")
	}
	if len(selection) == 0 {
		return failure("Please choose at least one module for the stage.")
	}

	dbc := dbctx.Context{Ctx: ctx}
	plan, err := s.planRepo.GetByID(dbc, planID)
	if err != nil {
		s.log.Error("load plan for revision failed", "work_plan_id", planID.String(), "error", err)
		return failure(genericFailureMessage)
	}
	if plan == nil {
		return failure("This work plan does not exist.")
	}
	if plan.OwnerEmail != rd.UserEmail {
		return failure("Only the owner of a work plan may revise its options.")
	}
	if plan.CancelledAt != nil {
		return failure("This work plan has been cancelled.")
	}
	if plan.ProductID == nil {
		return failure("This work plan has no product yet; use the wizard to choose one.")
	}

	for i := range plan.WorkOrders {
		if plan.WorkOrders[i].ProcessID == processID {
			return failure("This stage has already been ordered; its options can no longer be revised.")
		}
	}

	if _, err := s.catalogue.StageOfProcess(dbc, *plan.ProductID, processID); err != nil {
		return failure("That stage does not belong to the plan's product.")
	}
	proc, err := s.catalogue.ProcessByID(dbc, processID)
	if err != nil || proc == nil {
		s.log.Error("load process for revision failed", "process_id", processID.String(), "error", err)
		return failure(genericFailureMessage)
	}

	if err := checkSelection(proc, selection); err != nil {
		return failure(err.Error())
	}

	now := time.Now().UTC()
	rows := make([]*domain.ProcessModuleChoice, 0, len(selection))
	for pos, sel := range selection {
		rows = append(rows, &domain.ProcessModuleChoice{
			ID:              uuid.New(),
			WorkPlanID:      plan.ID,
			ProcessID:       processID,
			ProcessModuleID: sel.ModuleID,
			Position:        pos,
			SelectedValue:   sel.SelectedValue,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txc := dbctx.Context{Ctx: ctx, Tx: tx}
		locked, err := s.planRepo.LockByID(txc, plan.ID)
		if err != nil {
			return err
		}
		if locked == nil || locked.CancelledAt != nil {
			return fmt.Errorf("plan no longer revisable")
		}
		if err := s.choiceRepo.ReplaceForProcess(txc, plan.ID, processID, rows); err != nil {
			return err
		}
		return recostPlan(txc, s.planRepo, s.sets, s.quotes, plan.ID)
	})
	if txErr != nil {
		s.log.Error("option revision failed", "work_plan_id", plan.ID.String(), "process_id", processID.String(), "error", txErr)
		return failure(genericFailureMessage)
	}

	s.log.Info("stage options revised", "work_plan_id", plan.ID.String(), "process_id", processID.String(), "num_modules", len(rows))
	return success("The stage's module options have been revised.")
}

// checkSelection validates one stage's candidate selection against the
// process's module graph and value bounds.
func checkSelection(proc *domain.Process, selection []ModuleSelection) error {
	byID := map[uuid.UUID]domain.ProcessModule{}
	for _, m := range proc.Modules {
		byID[m.ID] = m
	}
	ids := make([]uuid.UUID, 0, len(selection))
	for _, sel := range selection {
		mod, ok := byID[sel.ModuleID]
		if !ok {
			return fmt.Errorf("The selected modules are not valid for process %s.", proc.Name)
		}
		if !mod.AcceptsValue(sel.SelectedValue) {
			return fmt.Errorf("The value selected for module %s is out of range.", mod.Name)
		}
		ids = append(ids, sel.ModuleID)
	}
	if !catalogue.ModulesOK(ids, proc.Pairings) {
		return fmt.Errorf("The selected modules are not a valid sequence for process %s.", proc.Name)
	}
	return nil
}
