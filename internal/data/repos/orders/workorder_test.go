package orders

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/labstream/workplan-backend/internal/data/repos/testutil"
	"github.com/labstream/workplan-backend/internal/domain"
	"github.com/labstream/workplan-backend/internal/platform/dbctx"
)

func TestWorkOrderRepo(t *testing.T) {
	gdb := testutil.DB(t)
	tx := testutil.Tx(t, gdb)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	repo := NewWorkOrderRepo(gdb, testutil.Logger(t))

	fx := testutil.SeedCatalogue(t, tx)
	plan := testutil.SeedPlan(t, tx, fx, "owner@example.com", uuid.New(), 7)

	_, found, err := repo.MaxOrderIndex(dbc, plan.ID)
	if err != nil {
		t.Fatalf("MaxOrderIndex (empty): %v", err)
	}
	if found {
		t.Fatalf("MaxOrderIndex (empty): expected not found")
	}

	now := time.Now().UTC()
	setUUID := uuid.New()
	cost := 5.99
	total := 17.97
	order := &domain.WorkOrder{
		ID:            uuid.New(),
		WorkPlanID:    plan.ID,
		ProcessID:     fx.Processes[0].ID,
		OrderIndex:    0,
		Status:        domain.OrderStatusActive,
		SetUUID:       &setUUID,
		CostPerSample: &cost,
		TotalCost:     &total,
		DispatchDate:  &now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if _, err := repo.Create(dbc, []*domain.WorkOrder{order}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	choices := []*domain.WorkOrderModuleChoice{
		{ID: uuid.New(), WorkOrderID: order.ID, ProcessModuleID: fx.Processes[0].Modules[0].ID, Position: 0, CreatedAt: now},
		{ID: uuid.New(), WorkOrderID: order.ID, ProcessModuleID: fx.Processes[0].Modules[1].ID, Position: 1, CreatedAt: now},
	}
	if err := repo.CreateModuleChoices(dbc, choices); err != nil {
		t.Fatalf("CreateModuleChoices: %v", err)
	}

	got, err := repo.GetByID(dbc, order.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got == nil || got.ID != order.ID {
		t.Fatalf("GetByID: unexpected result")
	}
	if len(got.ModuleChoices) != 2 || got.ModuleChoices[0].Position != 0 {
		t.Fatalf("GetByID: module choices wrong: %+v", got.ModuleChoices)
	}
	if got.ModuleChoices[0].ProcessModule == nil {
		t.Fatalf("GetByID: choice missing module")
	}

	maxIdx, found, err := repo.MaxOrderIndex(dbc, plan.ID)
	if err != nil {
		t.Fatalf("MaxOrderIndex: %v", err)
	}
	if !found || maxIdx != 0 {
		t.Fatalf("MaxOrderIndex: expected 0, got %d (found=%v)", maxIdx, found)
	}

	n, err := repo.CountByPlanID(dbc, plan.ID)
	if err != nil || n != 1 {
		t.Fatalf("CountByPlanID: expected 1, got %d (%v)", n, err)
	}

	if err := repo.UpdateFields(dbc, order.ID, map[string]interface{}{
		"status": domain.OrderStatusConcluded,
	}); err != nil {
		t.Fatalf("UpdateFields: %v", err)
	}
	got, _ = repo.GetByID(dbc, order.ID)
	if got.Status != domain.OrderStatusConcluded || !got.Closed() {
		t.Fatalf("UpdateFields: status not applied: %s", got.Status)
	}
}

func TestJobRepoForwardStamping(t *testing.T) {
	gdb := testutil.DB(t)
	tx := testutil.Tx(t, gdb)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	orderRepo := NewWorkOrderRepo(gdb, testutil.Logger(t))
	jobRepo := NewJobRepo(gdb, testutil.Logger(t))

	fx := testutil.SeedCatalogue(t, tx)
	plan := testutil.SeedPlan(t, tx, fx, "owner@example.com", uuid.New(), 7)

	now := time.Now().UTC()
	order := &domain.WorkOrder{
		ID:         uuid.New(),
		WorkPlanID: plan.ID,
		ProcessID:  fx.Processes[0].ID,
		OrderIndex: 0,
		Status:     domain.OrderStatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if _, err := orderRepo.Create(dbc, []*domain.WorkOrder{order}); err != nil {
		t.Fatalf("Create order: %v", err)
	}

	inputA, inputB := uuid.New(), uuid.New()
	jobs := []*domain.Job{
		{ID: uuid.New(), WorkOrderID: order.ID, ContainerUUID: uuid.New(), InputSetUUID: &inputA, CreatedAt: now, UpdatedAt: now},
		{ID: uuid.New(), WorkOrderID: order.ID, ContainerUUID: uuid.New(), InputSetUUID: &inputB, CreatedAt: now.Add(time.Millisecond), UpdatedAt: now},
	}
	if _, err := jobRepo.Create(dbc, jobs); err != nil {
		t.Fatalf("Create jobs: %v", err)
	}

	byOrder, err := jobRepo.GetByOrderID(dbc, order.ID)
	if err != nil || len(byOrder) != 2 {
		t.Fatalf("GetByOrderID: expected 2 jobs, got %d (%v)", len(byOrder), err)
	}

	loaded, err := jobRepo.GetByIDs(dbc, []uuid.UUID{jobs[0].ID, jobs[1].ID})
	if err != nil || len(loaded) != 2 {
		t.Fatalf("GetByIDs: expected 2, got %d (%v)", len(loaded), err)
	}
	if loaded[0].WorkOrder == nil {
		t.Fatalf("GetByIDs: work order not preloaded")
	}

	stamp := time.Now().UTC()
	if err := jobRepo.StampForwarded(dbc, []uuid.UUID{jobs[0].ID, jobs[1].ID}, stamp); err != nil {
		t.Fatalf("StampForwarded: %v", err)
	}
	loaded, _ = jobRepo.GetByIDs(dbc, []uuid.UUID{jobs[0].ID, jobs[1].ID})
	for _, j := range loaded {
		if !j.Forwarded() {
			t.Fatalf("StampForwarded: job %s not stamped", j.ID)
		}
	}

	// Output revision supersedes the reported output.
	out, revised := uuid.New(), uuid.New()
	if err := jobRepo.UpdateFields(dbc, jobs[0].ID, map[string]interface{}{
		"output_set_uuid":         out,
		"revised_output_set_uuid": revised,
		"completed_at":            stamp,
	}); err != nil {
		t.Fatalf("UpdateFields: %v", err)
	}
	j, err := jobRepo.GetByID(dbc, jobs[0].ID)
	if err != nil || j == nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got := j.EffectiveOutputSetUUID(); got == nil || *got != revised {
		t.Fatalf("EffectiveOutputSetUUID: expected revised set, got %v", got)
	}
}
