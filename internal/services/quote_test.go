package services

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/labstream/workplan-backend/internal/clients/projects"
	"github.com/labstream/workplan-backend/internal/domain"
)

const costTolerance = 1e-9

func TestResolveCostCode(t *testing.T) {
	ctx := context.Background()
	q := NewQuoteService(testLogger(t), &fakeBilling{}, twoLevelProject(7, "S0123"))

	code, err := q.ResolveCostCode(ctx, 7)
	if err != nil {
		t.Fatalf("ResolveCostCode: %v", err)
	}
	if code != "S0123" {
		t.Fatalf("expected S0123, got %q", code)
	}
}

func TestResolveCostCodeFailures(t *testing.T) {
	ctx := context.Background()
	parentID := int64(1)
	pc := &fakeProjects{nodes: map[int64]*projects.Node{
		1: {ID: 1, Name: "Root"},
		2: {ID: 2, ParentID: &parentID, Name: "Child"},
	}}
	q := NewQuoteService(testLogger(t), &fakeBilling{}, pc)

	if _, err := q.ResolveCostCode(ctx, 1); err == nil {
		t.Fatalf("expected error for node without parent")
	}
	// Parent exists but carries no cost code.
	if _, err := q.ResolveCostCode(ctx, 2); err == nil {
		t.Fatalf("expected error for parent without cost code")
	}
	if _, err := q.ResolveCostCode(ctx, 99); err == nil {
		t.Fatalf("expected error for unknown node")
	}
}

func TestStageUnitPrice(t *testing.T) {
	ctx := context.Background()
	billing := &fakeBilling{prices: map[string]float64{
		"Quality Control Prep": 2.50,
		"Quality Control Run":  3.49,
	}}
	q := NewQuoteService(testLogger(t), billing, twoLevelProject(7, "S0123"))

	total, err := q.StageUnitPrice(ctx, []string{"Quality Control Prep", "Quality Control Run"}, "S0123")
	if err != nil {
		t.Fatalf("StageUnitPrice: %v", err)
	}
	if math.Abs(total-5.99) > costTolerance {
		t.Fatalf("expected 5.99, got %v", total)
	}

	none, err := q.StageUnitPrice(ctx, nil, "S0123")
	if err != nil || none != 0 {
		t.Fatalf("empty selection should price to zero, got %v (%v)", none, err)
	}
}

func TestStageUnitPriceMissingModule(t *testing.T) {
	ctx := context.Background()
	billing := &fakeBilling{prices: map[string]float64{"Priced": 1}}
	q := NewQuoteService(testLogger(t), billing, twoLevelProject(7, "S0123"))

	_, err := q.StageUnitPrice(ctx, []string{"Priced", "Unpriced"}, "S0123")
	if err == nil {
		t.Fatalf("expected missing price error")
	}
	want := "The module Unpriced does not have a listed price for cost code S0123."
	if err.Error() != want {
		t.Fatalf("wrong message: %q", err.Error())
	}
}

func TestEstimatePlanCost(t *testing.T) {
	ctx := context.Background()
	billing := &fakeBilling{prices: map[string]float64{
		"Quality Control Prep": 2.50,
		"Quality Control Run":  3.49,
	}}
	q := NewQuoteService(testLogger(t), billing, twoLevelProject(7, "S0123"))

	processID := uuid.New()
	plan := &domain.WorkPlan{ID: uuid.New(), CreatedAt: time.Now()}
	for pos, name := range []string{"Quality Control Prep", "Quality Control Run"} {
		moduleID := uuid.New()
		plan.ModuleChoices = append(plan.ModuleChoices, domain.ProcessModuleChoice{
			ID:              uuid.New(),
			WorkPlanID:      plan.ID,
			ProcessID:       processID,
			ProcessModuleID: moduleID,
			Position:        pos,
			ProcessModule:   &domain.ProcessModule{ID: moduleID, ProcessID: processID, Name: name},
		})
	}

	// One stage at 5.99 per sample, three samples.
	got, err := q.EstimatePlanCost(ctx, plan, "S0123", 3)
	if err != nil {
		t.Fatalf("EstimatePlanCost: %v", err)
	}
	if math.Abs(got-17.97) > costTolerance {
		t.Fatalf("expected 17.97, got %v", got)
	}
}

func TestMissingPriceMessagePluralization(t *testing.T) {
	one := MissingPriceMessage([]string{"Sequencing Run"}, "S0123")
	if one != "The module Sequencing Run does not have a listed price for cost code S0123." {
		t.Fatalf("singular message wrong: %q", one)
	}
	many := MissingPriceMessage([]string{"A", "B"}, "S0123")
	if !strings.HasPrefix(many, "The modules A, B do not have listed prices") {
		t.Fatalf("plural message wrong: %q", many)
	}
}
