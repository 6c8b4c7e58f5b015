package plans

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/labstream/workplan-backend/internal/data/repos/testutil"
	"github.com/labstream/workplan-backend/internal/domain"
	"github.com/labstream/workplan-backend/internal/platform/dbctx"
)

func TestWorkPlanRepo(t *testing.T) {
	gdb := testutil.DB(t)
	tx := testutil.Tx(t, gdb)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	repo := NewWorkPlanRepo(gdb, testutil.Logger(t))

	fx := testutil.SeedCatalogue(t, tx)
	setUUID := uuid.New()
	plan := testutil.SeedPlan(t, tx, fx, "owner@example.com", setUUID, 42)

	got, err := repo.GetByID(dbc, plan.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got == nil {
		t.Fatalf("GetByID: plan not found")
	}
	if got.OwnerEmail != "owner@example.com" {
		t.Fatalf("GetByID: wrong owner %q", got.OwnerEmail)
	}
	if len(got.ModuleChoices) != 4 {
		t.Fatalf("GetByID: expected 4 choices, got %d", len(got.ModuleChoices))
	}
	if got.ModuleChoices[0].ProcessModule == nil {
		t.Fatalf("GetByID: module choice missing its module")
	}
	if got.Status() != domain.PlanStatusConstruction {
		t.Fatalf("Status: expected construction, got %s", got.Status())
	}

	missing, err := repo.GetByID(dbc, uuid.New())
	if err != nil {
		t.Fatalf("GetByID (missing): %v", err)
	}
	if missing != nil {
		t.Fatalf("GetByID (missing): expected nil")
	}

	owned, err := repo.GetByOwner(dbc, "owner@example.com")
	if err != nil {
		t.Fatalf("GetByOwner: %v", err)
	}
	if len(owned) != 1 || owned[0].ID != plan.ID {
		t.Fatalf("GetByOwner: unexpected result: %+v", owned)
	}

	locked, err := repo.LockByID(dbc, plan.ID)
	if err != nil {
		t.Fatalf("LockByID: %v", err)
	}
	if locked == nil || locked.ID != plan.ID {
		t.Fatalf("LockByID: unexpected result")
	}

	now := time.Now().UTC()
	if err := repo.UpdateFields(dbc, plan.ID, map[string]interface{}{
		"comment":      "rush order",
		"priority":     domain.PriorityHigh,
		"cancelled_at": now,
	}); err != nil {
		t.Fatalf("UpdateFields: %v", err)
	}
	got, err = repo.GetByID(dbc, plan.ID)
	if err != nil || got == nil {
		t.Fatalf("GetByID after update: %v", err)
	}
	if got.Comment != "rush order" || got.Priority != domain.PriorityHigh {
		t.Fatalf("UpdateFields: fields not applied: %+v", got)
	}
	if got.Status() != domain.PlanStatusCancelled {
		t.Fatalf("Status after cancel: expected cancelled, got %s", got.Status())
	}

	if err := repo.Delete(dbc, plan.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, err = repo.GetByID(dbc, plan.ID)
	if err != nil {
		t.Fatalf("GetByID after delete: %v", err)
	}
	if got != nil {
		t.Fatalf("Delete: plan still present")
	}
}

func TestProcessModuleChoiceRepoReplace(t *testing.T) {
	gdb := testutil.DB(t)
	tx := testutil.Tx(t, gdb)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	repo := NewProcessModuleChoiceRepo(gdb, testutil.Logger(t))

	fx := testutil.SeedCatalogue(t, tx)
	plan := testutil.SeedPlan(t, tx, fx, "owner@example.com", uuid.New(), 42)
	proc := fx.Processes[0]

	// Replace the first stage's two default choices with a single module.
	replacement := []*domain.ProcessModuleChoice{{
		ID:              uuid.New(),
		WorkPlanID:      plan.ID,
		ProcessID:       proc.ID,
		ProcessModuleID: proc.Modules[1].ID,
		Position:        0,
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}}
	if err := repo.ReplaceForProcess(dbc, plan.ID, proc.ID, replacement); err != nil {
		t.Fatalf("ReplaceForProcess: %v", err)
	}

	all, err := repo.GetByPlanID(dbc, plan.ID)
	if err != nil {
		t.Fatalf("GetByPlanID: %v", err)
	}
	// 1 replaced choice for stage one plus 2 untouched for stage two.
	if len(all) != 3 {
		t.Fatalf("expected 3 choices after replacement, got %d", len(all))
	}
	for _, c := range all {
		if c.ProcessID == proc.ID && c.ProcessModuleID != proc.Modules[1].ID {
			t.Fatalf("replacement not applied: %+v", c)
		}
	}

	if err := repo.DeleteByPlanID(dbc, plan.ID); err != nil {
		t.Fatalf("DeleteByPlanID: %v", err)
	}
	all, err = repo.GetByPlanID(dbc, plan.ID)
	if err != nil {
		t.Fatalf("GetByPlanID after delete: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected no choices after delete, got %d", len(all))
	}
}
