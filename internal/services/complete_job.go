package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/labstream/workplan-backend/internal/data/repos/orders"
	"github.com/labstream/workplan-backend/internal/data/repos/plans"
	"github.com/labstream/workplan-backend/internal/domain"
	"github.com/labstream/workplan-backend/internal/platform/dbctx"
	"github.com/labstream/workplan-backend/internal/platform/logger"
)

// JobCompletion is the body of a LIMS completion callback. A revised
// output may arrive with the completion when the laboratory already knows
// some materials did not survive.
type JobCompletion struct {
	OutputSetUUID        *uuid.UUID `json:"output_set_uuid"`
	RevisedOutputSetUUID *uuid.UUID `json:"revised_output_set_uuid,omitempty"`
	FinishedSetUUID      *uuid.UUID `json:"finished_set_uuid,omitempty"`
}

// CompleteJobService applies LIMS job lifecycle callbacks. When the last
// job of an order concludes, the order concludes with it; a completion
// without an output set is malformed and breaks the order.
type CompleteJobService interface {
	StartJob(ctx context.Context, jobID uuid.UUID) Result
	CompleteJob(ctx context.Context, jobID uuid.UUID, completion *JobCompletion) Result
	CancelJob(ctx context.Context, jobID uuid.UUID) Result
}

type completeJobService struct {
	log       *logger.Logger
	db        *gorm.DB
	planRepo  plans.WorkPlanRepo
	orderRepo orders.WorkOrderRepo
	jobRepo   orders.JobRepo
	events    EventService
}

func NewCompleteJobService(
	baseLog *logger.Logger,
	db *gorm.DB,
	planRepo plans.WorkPlanRepo,
	orderRepo orders.WorkOrderRepo,
	jobRepo orders.JobRepo,
	events EventService,
) CompleteJobService {
	return &completeJobService{
		log:       baseLog.With("service", "CompleteJobService"),
		db:        db,
		planRepo:  planRepo,
		orderRepo: orderRepo,
		jobRepo:   jobRepo,
		events:    events,
	}
}

func (s *completeJobService) StartJob(ctx context.Context, jobID uuid.UUID) Result {
	dbc := dbctx.Context{Ctx: ctx}
	job, err := s.jobRepo.GetByID(dbc, jobID)
	if err != nil {
		s.log.Error("load job for start failed", "job_id", jobID.String(), "error", err)
		return failure(genericFailureMessage)
	}
	if job == nil {
		return failure("This job does not exist.")
	}
	if job.Concluded() {
		return failure("This job has already concluded.")
	}
	if job.Started() {
		return success("Job already started.")
	}

	now := time.Now().UTC()
	if err := s.jobRepo.UpdateFields(dbc, job.ID, map[string]interface{}{
		"started_at": now,
		"updated_at": now,
	}); err != nil {
		s.log.Error("stamp job start failed", "job_id", job.ID.String(), "error", err)
		return failure(genericFailureMessage)
	}
	return success("Job started.")
}

func (s *completeJobService) CompleteJob(ctx context.Context, jobID uuid.UUID, completion *JobCompletion) Result {
	job, order, res := s.loadConcludableJob(ctx, jobID)
	if !res.OK {
		return res
	}

	// A completion that names no output set is malformed: the laboratory
	// claims success but gives forwarding nothing to work with.
	if completion == nil || completion.OutputSetUUID == nil {
		s.breakOrder(ctx, order, "completion without output set")
		return failure("The completion did not include an output set; the work order has been marked broken.")
	}

	now := time.Now().UTC()
	updates := map[string]interface{}{
		"completed_at":    now,
		"output_set_uuid": *completion.OutputSetUUID,
		"updated_at":      now,
	}
	if completion.RevisedOutputSetUUID != nil {
		updates["revised_output_set_uuid"] = *completion.RevisedOutputSetUUID
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txc := dbctx.Context{Ctx: ctx, Tx: tx}
		if err := s.jobRepo.UpdateFields(txc, job.ID, updates); err != nil {
			return err
		}
		return s.concludeOrderIfDone(txc, order, completion.FinishedSetUUID, now)
	})
	if txErr != nil {
		s.log.Error("job completion failed", "job_id", job.ID.String(), "error", txErr)
		return failure(genericFailureMessage)
	}

	s.publishIfConcluded(ctx, order)
	s.log.Info("job completed", "job_id", job.ID.String(), "work_order_id", order.ID.String())
	return success("Job completed.")
}

func (s *completeJobService) CancelJob(ctx context.Context, jobID uuid.UUID) Result {
	job, order, res := s.loadConcludableJob(ctx, jobID)
	if !res.OK {
		return res
	}

	now := time.Now().UTC()
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txc := dbctx.Context{Ctx: ctx, Tx: tx}
		if err := s.jobRepo.UpdateFields(txc, job.ID, map[string]interface{}{
			"cancelled_at": now,
			"updated_at":   now,
		}); err != nil {
			return err
		}
		return s.concludeOrderIfDone(txc, order, nil, now)
	})
	if txErr != nil {
		s.log.Error("job cancellation failed", "job_id", job.ID.String(), "error", txErr)
		return failure(genericFailureMessage)
	}

	s.publishIfConcluded(ctx, order)
	s.log.Info("job cancelled", "job_id", job.ID.String(), "work_order_id", order.ID.String())
	return success("Job cancelled.")
}

func (s *completeJobService) loadConcludableJob(ctx context.Context, jobID uuid.UUID) (*domain.Job, *domain.WorkOrder, Result) {
	dbc := dbctx.Context{Ctx: ctx}
	job, err := s.jobRepo.GetByID(dbc, jobID)
	if err != nil {
		s.log.Error("load job failed", "job_id", jobID.String(), "error", err)
		return nil, nil, failure(genericFailureMessage)
	}
	if job == nil {
		return nil, nil, failure("This job does not exist.")
	}
	if job.Concluded() {
		return nil, nil, failure("This job has already concluded.")
	}
	if job.WorkOrder == nil {
		return nil, nil, failure("This job does not belong to a work order.")
	}
	if job.WorkOrder.Closed() {
		return nil, nil, failure("This job's work order has already closed.")
	}
	return job, job.WorkOrder, Result{OK: true}
}

// concludeOrderIfDone closes the order once every job has concluded:
// cancelled when nothing completed, concluded otherwise.
func (s *completeJobService) concludeOrderIfDone(txc dbctx.Context, order *domain.WorkOrder, finishedSet *uuid.UUID, now time.Time) error {
	jobs, err := s.jobRepo.GetByOrderID(txc, order.ID)
	if err != nil {
		return err
	}
	anyCompleted := false
	for _, j := range jobs {
		if !j.Concluded() {
			return nil
		}
		if j.Completed() {
			anyCompleted = true
		}
	}

	status := domain.OrderStatusConcluded
	if !anyCompleted {
		status = domain.OrderStatusCancelled
	}
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": now,
	}
	if finishedSet != nil {
		updates["finished_set_uuid"] = *finishedSet
	}
	if err := s.orderRepo.UpdateFields(txc, order.ID, updates); err != nil {
		return err
	}
	order.Status = status
	return nil
}

func (s *completeJobService) publishIfConcluded(ctx context.Context, order *domain.WorkOrder) {
	if !order.Closed() {
		return
	}
	plan, err := s.planRepo.GetByID(dbctx.Context{Ctx: ctx}, order.WorkPlanID)
	if err != nil || plan == nil {
		s.log.Warn("plan lookup for conclusion event failed", "work_plan_id", order.WorkPlanID.String(), "error", err)
		return
	}
	s.events.PublishOrderConcluded(ctx, plan, order)
}

// breakOrder marks the order broken, which derives the owning plan broken.
func (s *completeJobService) breakOrder(ctx context.Context, order *domain.WorkOrder, reason string) {
	s.log.Error("breaking work order", "work_order_id", order.ID.String(), "reason", reason)
	err := s.orderRepo.UpdateFields(dbctx.Context{Ctx: ctx}, order.ID, map[string]interface{}{
		"status":     domain.OrderStatusBroken,
		"updated_at": time.Now().UTC(),
	})
	if err != nil {
		s.log.Error("marking order broken failed", "work_order_id", order.ID.String(), "error", err)
	}
	order.Status = domain.OrderStatusBroken
}
