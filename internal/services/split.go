package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/labstream/workplan-backend/internal/clients/sets"
	"github.com/labstream/workplan-backend/internal/domain"
	"github.com/labstream/workplan-backend/internal/platform/logger"
)

// Split is one container's share of an order's input: the materials that
// sit in the same physical container, carved into their own set.
type Split struct {
	ContainerUUID uuid.UUID
	MaterialIDs   []string
	SetUUID       uuid.UUID
}

// SplitStrategy decides how an order's materials are partitioned into
// jobs. The default strategy splits by container; alternative strategies
// (per-material, fixed batch size) plug in here.
type SplitStrategy interface {
	WithEachSplit(materials []sets.Material, fn func(containerUUID uuid.UUID, materialIDs []string) error) error
}

// ContainerSplitter groups materials by their container, preserving the
// order containers first appear in the set.
type ContainerSplitter struct{}

func (ContainerSplitter) WithEachSplit(materials []sets.Material, fn func(containerUUID uuid.UUID, materialIDs []string) error) error {
	grouped := map[uuid.UUID][]string{}
	var order []uuid.UUID
	for _, m := range materials {
		cu, err := uuid.Parse(m.ContainerUUID)
		if err != nil {
			return fmt.Errorf("material %s has malformed container uuid %q", m.ID, m.ContainerUUID)
		}
		if _, seen := grouped[cu]; !seen {
			order = append(order, cu)
		}
		grouped[cu] = append(grouped[cu], m.ID)
	}
	for _, cu := range order {
		if err := fn(cu, grouped[cu]); err != nil {
			return err
		}
	}
	return nil
}

// SplitService carves an order's input set into one locked set per split
// and builds the matching job rows. Jobs returned here are not yet
// persisted; the caller saves them inside its own transaction.
type SplitService interface {
	// SplitOrderSet creates one set per split and returns the jobs plus
	// every set UUID it created, for compensation by the caller.
	SplitOrderSet(ctx context.Context, order *domain.WorkOrder, materials []sets.Material, orderName string) ([]*domain.Job, []uuid.UUID, error)
	// DestroySets tears down sets created by a failed dispatch. Failures
	// are logged and swallowed: a leaked set is recoverable, a failed
	// dispatch must still report its original error.
	DestroySets(ctx context.Context, setUUIDs []uuid.UUID)
}

type splitService struct {
	log      *logger.Logger
	sets     sets.Client
	strategy SplitStrategy
}

func NewSplitService(baseLog *logger.Logger, setsClient sets.Client, strategy SplitStrategy) SplitService {
	if strategy == nil {
		strategy = ContainerSplitter{}
	}
	return &splitService{
		log:      baseLog.With("service", "SplitService"),
		sets:     setsClient,
		strategy: strategy,
	}
}

func (s *splitService) SplitOrderSet(ctx context.Context, order *domain.WorkOrder, materials []sets.Material, orderName string) ([]*domain.Job, []uuid.UUID, error) {
	var jobs []*domain.Job
	var created []uuid.UUID
	now := time.Now().UTC()

	err := s.strategy.WithEachSplit(materials, func(containerUUID uuid.UUID, materialIDs []string) error {
		name := fmt.Sprintf("%s container %s", orderName, shortUUID(containerUUID))
		set, err := s.sets.Create(ctx, name)
		if err != nil {
			return fmt.Errorf("create split set: %w", err)
		}
		created = append(created, set.UUID)
		if err := s.sets.SetMaterials(ctx, set.UUID, materialIDs); err != nil {
			return fmt.Errorf("fill split set %s: %w", set.UUID, err)
		}

		inputSet := set.UUID
		jobs = append(jobs, &domain.Job{
			ID:            uuid.New(),
			WorkOrderID:   order.ID,
			ContainerUUID: containerUUID,
			InputSetUUID:  &inputSet,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
		return nil
	})
	if err != nil {
		s.DestroySets(ctx, created)
		return nil, nil, err
	}

	// Lock everything in a final pass so a mid-split failure never leaves
	// a half-filled locked set behind.
	locked := true
	for _, setUUID := range created {
		if err := s.sets.Update(ctx, setUUID, sets.Update{Locked: &locked}); err != nil {
			s.DestroySets(ctx, created)
			return nil, nil, fmt.Errorf("lock split set %s: %w", setUUID, err)
		}
	}

	s.log.Info("order set split",
		"work_order_id", order.ID.String(),
		"num_jobs", len(jobs),
		"num_materials", len(materials))
	return jobs, created, nil
}

func (s *splitService) DestroySets(ctx context.Context, setUUIDs []uuid.UUID) {
	for _, setUUID := range setUUIDs {
		if err := s.sets.Destroy(ctx, setUUID); err != nil {
			s.log.Warn("split set cleanup failed", "set_uuid", setUUID.String(), "error", err)
		}
	}
}

func shortUUID(u uuid.UUID) string {
	return u.String()[:8]
}
