package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/labstream/workplan-backend/internal/data/repos/orders"
	"github.com/labstream/workplan-backend/internal/data/repos/plans"
	"github.com/labstream/workplan-backend/internal/domain"
	"github.com/labstream/workplan-backend/internal/platform/ctxutil"
	"github.com/labstream/workplan-backend/internal/platform/dbctx"
	"github.com/labstream/workplan-backend/internal/platform/logger"
)

// CancelPlanService stamps a plan cancelled and closes its still-open
// orders. Cancellation is terminal: a cancelled plan accepts no further
// updates, dispatches or forwards.
type CancelPlanService interface {
	CancelPlan(ctx context.Context, planID uuid.UUID) Result
}

type cancelPlanService struct {
	log       *logger.Logger
	db        *gorm.DB
	planRepo  plans.WorkPlanRepo
	orderRepo orders.WorkOrderRepo
	events    EventService
}

func NewCancelPlanService(
	baseLog *logger.Logger,
	db *gorm.DB,
	planRepo plans.WorkPlanRepo,
	orderRepo orders.WorkOrderRepo,
	events EventService,
) CancelPlanService {
	return &cancelPlanService{
		log:       baseLog.With("service", "CancelPlanService"),
		db:        db,
		planRepo:  planRepo,
		orderRepo: orderRepo,
		events:    events,
	}
}

func (s *cancelPlanService) CancelPlan(ctx context.Context, planID uuid.UUID) Result {
	rd := ctxutil.GetRequestData(ctx)
	if rd == nil || rd.UserEmail == "" {
		return failure("You must be signed in to cancel a work plan.")
	}

	dbc := dbctx.Context{Ctx: ctx}
	plan, err := s.planRepo.GetByID(dbc, planID)
	if err != nil {
		s.log.Error("load plan for cancellation failed", "work_plan_id", planID.String(), "error", err)
		return failure(genericFailureMessage)
	}
	if plan == nil {
		return failure("This work plan does not exist.")
	}
	if plan.OwnerEmail != rd.UserEmail {
		return failure("Only the owner of a work plan may cancel it.")
	}
	if !plan.Cancellable() {
		return failure("This work plan can no longer be cancelled.")
	}

	now := time.Now().UTC()
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txc := dbctx.Context{Ctx: ctx, Tx: tx}

		locked, err := s.planRepo.LockByID(txc, plan.ID)
		if err != nil {
			return err
		}
		if locked == nil {
			return fmt.Errorf("plan disappeared")
		}
		if locked.CancelledAt != nil {
			return fmt.Errorf("plan already cancelled")
		}

		if err := s.planRepo.UpdateFields(txc, plan.ID, map[string]interface{}{
			"cancelled_at": now,
			"updated_at":   now,
		}); err != nil {
			return err
		}

		for i := range plan.WorkOrders {
			order := &plan.WorkOrders[i]
			if order.Closed() {
				continue
			}
			if err := s.orderRepo.UpdateFields(txc, order.ID, map[string]interface{}{
				"status":     domain.OrderStatusCancelled,
				"updated_at": now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if txErr != nil {
		s.log.Error("plan cancellation failed", "work_plan_id", plan.ID.String(), "error", txErr)
		return failure(genericFailureMessage)
	}

	s.events.PublishPlanCancelled(ctx, plan)
	s.log.Info("plan cancelled", "work_plan_id", plan.ID.String())
	return success("Your work plan has been cancelled.")
}
