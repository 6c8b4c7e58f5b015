package services

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/labstream/workplan-backend/internal/data/repos/testutil"
	"github.com/labstream/workplan-backend/internal/domain"
	"github.com/labstream/workplan-backend/internal/platform/dbctx"
)

func TestReviseStageOptions(t *testing.T) {
	env := newPipelineEnv(t)
	fx := testutil.SeedCatalogue(t, env.gdb)
	setUUID := env.sets.addSet(material("m1", uuid.New()))
	plan := testutil.SeedPlan(t, env.gdb, fx, "owner@example.com", setUUID, 7)
	ctx := signedInCtx("owner@example.com")

	// Open an alternate edge that lets the second stage run without its
	// prep module, then trim the stage down to just the run.
	proc := fx.Processes[1]
	runID := proc.Modules[1].ID
	if err := env.gdb.Create(&domain.ProcessModulePairing{
		ID:        uuid.New(),
		ProcessID: proc.ID,
		ToModuleID: &runID,
	}).Error; err != nil {
		t.Fatalf("seed alternate pairing: %v", err)
	}

	selection := []ModuleSelection{{ModuleID: runID}}
	res := env.revise.ReviseStageOptions(ctx, plan.ID, proc.ID, selection)
	if !res.OK {
		t.Fatalf("revise failed: %s", res.Messages.Error)
	}

	stored, err := env.planRepo.GetByID(dbctx.Context{Ctx: context.Background()}, plan.ID)
	if err != nil || stored == nil {
		t.Fatalf("reload plan: %v", err)
	}
	revised := stored.ChoicesForProcess(proc.ID)
	if len(revised) != 1 || revised[0].ProcessModuleID != runID {
		t.Fatalf("revision not stored: %+v", revised)
	}
	// The first stage keeps its two original choices.
	if got := stored.ChoicesForProcess(fx.Processes[0].ID); len(got) != 2 {
		t.Fatalf("untouched stage altered: %d choices", len(got))
	}
}

func TestReviseStageOptionsRefusedOnceOrdered(t *testing.T) {
	env := newPipelineEnv(t)
	plan, order, _ := dispatchedPlan(t, env)
	ctx := signedInCtx("owner@example.com")

	dbc := dbctx.Context{Ctx: context.Background()}
	stored, _ := env.planRepo.GetByID(dbc, plan.ID)
	choices := stored.ChoicesForProcess(order.ProcessID)
	selection := []ModuleSelection{{ModuleID: choices[0].ProcessModuleID}}

	res := env.revise.ReviseStageOptions(ctx, plan.ID, order.ProcessID, selection)
	if res.OK || res.Messages.Error != "This stage has already been ordered; its options can no longer be revised." {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestReviseStageOptionsRejectsForeignStage(t *testing.T) {
	env := newPipelineEnv(t)
	fx := testutil.SeedCatalogue(t, env.gdb)
	other := testutil.SeedCatalogue(t, env.gdb)
	setUUID := env.sets.addSet(material("m1", uuid.New()))
	plan := testutil.SeedPlan(t, env.gdb, fx, "owner@example.com", setUUID, 7)
	ctx := signedInCtx("owner@example.com")

	foreign := other.Processes[0]
	selection := []ModuleSelection{{ModuleID: foreign.Modules[0].ID}}

	res := env.revise.ReviseStageOptions(ctx, plan.ID, foreign.ID, selection)
	if res.OK || res.Messages.Error != "That stage does not belong to the plan's product." {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestReviseStageOptionsRejectsInvalidSequence(t *testing.T) {
	env := newPipelineEnv(t)
	fx := testutil.SeedCatalogue(t, env.gdb)
	setUUID := env.sets.addSet(material("m1", uuid.New()))
	plan := testutil.SeedPlan(t, env.gdb, fx, "owner@example.com", setUUID, 7)
	ctx := signedInCtx("owner@example.com")

	// Prep alone never reaches the end of the stage's graph.
	proc := fx.Processes[0]
	selection := []ModuleSelection{{ModuleID: proc.Modules[0].ID}}

	res := env.revise.ReviseStageOptions(ctx, plan.ID, proc.ID, selection)
	if res.OK {
		t.Fatalf("invalid sequence accepted")
	}
}
