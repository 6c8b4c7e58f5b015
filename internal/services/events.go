package services

import (
	"context"
	"time"

	"github.com/labstream/workplan-backend/internal/clients/broker"
	"github.com/labstream/workplan-backend/internal/domain"
	"github.com/labstream/workplan-backend/internal/platform/logger"
)

const (
	EventOrderDispatched   = "work_order.dispatched"
	EventOrderConcluded    = "work_order.concluded"
	EventPlanCancelled     = "work_plan.cancelled"
	EventCatalogueIngested = "catalogue.ingested"
)

// EventService publishes lifecycle events. Publication is best-effort for
// most events; forwarding is the one path that refuses to proceed when the
// broker is down, checked via Working.
type EventService interface {
	PublishOrderDispatched(ctx context.Context, plan *domain.WorkPlan, order *domain.WorkOrder, sampleCount int)
	PublishOrderConcluded(ctx context.Context, plan *domain.WorkPlan, order *domain.WorkOrder)
	PublishPlanCancelled(ctx context.Context, plan *domain.WorkPlan)
	PublishCatalogueIngested(ctx context.Context, c *domain.Catalogue)
	BusWorking(ctx context.Context) bool
}

type eventService struct {
	log *logger.Logger
	bus broker.Broker
}

func NewEventService(baseLog *logger.Logger, bus broker.Broker) EventService {
	return &eventService{
		log: baseLog.With("service", "EventService"),
		bus: bus,
	}
}

func (s *eventService) publish(ctx context.Context, ev broker.Event) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, ev); err != nil {
		s.log.Warn("event publish failed", "event_type", ev.EventType, "uuid", ev.UUID, "error", err)
	}
}

func (s *eventService) PublishOrderDispatched(ctx context.Context, plan *domain.WorkPlan, order *domain.WorkOrder, sampleCount int) {
	md := map[string]any{
		"work_plan_id": plan.ID.String(),
		"order_index":  order.OrderIndex,
		"process_id":   order.ProcessID.String(),
		"num_samples":  sampleCount,
	}
	if order.TotalCost != nil {
		md["total_cost"] = *order.TotalCost
	}
	s.publish(ctx, broker.Event{
		EventType: EventOrderDispatched,
		Timestamp: time.Now().UTC(),
		UUID:      order.ID.String(),
		User:      plan.OwnerEmail,
		Metadata:  md,
	})
}

func (s *eventService) PublishOrderConcluded(ctx context.Context, plan *domain.WorkPlan, order *domain.WorkOrder) {
	s.publish(ctx, broker.Event{
		EventType: EventOrderConcluded,
		Timestamp: time.Now().UTC(),
		UUID:      order.ID.String(),
		User:      plan.OwnerEmail,
		Metadata: map[string]any{
			"work_plan_id": plan.ID.String(),
			"order_index":  order.OrderIndex,
			"status":       order.Status,
		},
	})
}

func (s *eventService) PublishPlanCancelled(ctx context.Context, plan *domain.WorkPlan) {
	s.publish(ctx, broker.Event{
		EventType: EventPlanCancelled,
		Timestamp: time.Now().UTC(),
		UUID:      plan.ID.String(),
		User:      plan.OwnerEmail,
	})
}

func (s *eventService) PublishCatalogueIngested(ctx context.Context, c *domain.Catalogue) {
	s.publish(ctx, broker.Event{
		EventType: EventCatalogueIngested,
		Timestamp: time.Now().UTC(),
		UUID:      c.ID.String(),
		Metadata: map[string]any{
			"lims_id":  c.LimsID,
			"pipeline": c.Pipeline,
		},
	})
}

func (s *eventService) BusWorking(ctx context.Context) bool {
	if s.bus == nil {
		return false
	}
	return s.bus.Working(ctx)
}
