package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/labstream/workplan-backend/internal/catalogue"
	"github.com/labstream/workplan-backend/internal/clients/projects"
	"github.com/labstream/workplan-backend/internal/clients/sets"
	"github.com/labstream/workplan-backend/internal/clients/stamps"
	"github.com/labstream/workplan-backend/internal/data/repos/products"
	"github.com/labstream/workplan-backend/internal/domain"
	"github.com/labstream/workplan-backend/internal/platform/dbctx"
	"github.com/labstream/workplan-backend/internal/platform/logger"
)

// maxListedMaterials bounds how many offending material ids a permission
// error names before truncating.
const maxListedMaterials = 10

// ModuleSelection is one chosen module (with its optional numeric value)
// inside a stage's ordered selection.
type ModuleSelection struct {
	ModuleID      uuid.UUID `json:"module_id"`
	SelectedValue *int      `json:"selected_value,omitempty"`
}

// PlanUpdate is one wizard-step mutation of a plan. Nil fields are left
// untouched. ProductOptions accompanies ProductID: one ordered selection
// per stage.
type PlanUpdate struct {
	SetUUID               *uuid.UUID
	ProjectID             *int64
	ProductID             *uuid.UUID
	ProductOptions        [][]ModuleSelection
	DataReleaseStrategyID *uuid.UUID
	Priority              *string
	Comment               *string
}

// PlanValidator gates every plan-level mutation behind an ordered pipeline
// of checks, each reporting the first failing reason as an error whose
// text is shown to the user unchanged.
type PlanValidator interface {
	ValidateForUpdate(ctx context.Context, plan *domain.WorkPlan, upd *PlanUpdate, principals []string) error
	// ValidateForDispatch re-runs the full pipeline against stored state
	// and returns the resolved cost code and sample count for costing.
	ValidateForDispatch(ctx context.Context, plan *domain.WorkPlan, principals []string) (costCode string, sampleCount int, err error)
}

type planValidator struct {
	log       *logger.Logger
	sets      sets.Client
	stamps    stamps.Client
	projects  projects.Client
	quotes    QuoteService
	catalogue products.CatalogueRepo
}

func NewPlanValidator(
	baseLog *logger.Logger,
	setsClient sets.Client,
	stampsClient stamps.Client,
	projectsClient projects.Client,
	quotes QuoteService,
	catalogueRepo products.CatalogueRepo,
) PlanValidator {
	return &planValidator{
		log:       baseLog.With("service", "PlanValidator"),
		sets:      setsClient,
		stamps:    stampsClient,
		projects:  projectsClient,
		quotes:    quotes,
		catalogue: catalogueRepo,
	}
}

// validationState threads resolved collaborator data through the pipeline
// so later checks and the caller's costing do not refetch it.
type validationState struct {
	plan       *domain.WorkPlan
	upd        *PlanUpdate
	principals []string

	setUUID     *uuid.UUID
	materialIDs []string
	costCode    string
}

type namedCheck struct {
	name string
	run  func(ctx context.Context, st *validationState) error
}

func (v *planValidator) ValidateForUpdate(ctx context.Context, plan *domain.WorkPlan, upd *PlanUpdate, principals []string) error {
	st := &validationState{plan: plan, upd: upd, principals: principals}

	pipeline := []namedCheck{
		{"plan_updatable", v.checkUpdatable},
		{"step_order", v.checkStepOrder},
		{"set_contents", v.checkSetContents},
		{"project", v.checkProject},
		{"module_choices", v.checkModuleChoices},
		{"pricing", v.checkPricing},
	}
	return v.runPipeline(ctx, st, pipeline)
}

func (v *planValidator) ValidateForDispatch(ctx context.Context, plan *domain.WorkPlan, principals []string) (string, int, error) {
	st := &validationState{plan: plan, principals: principals}

	pipeline := []namedCheck{
		{"not_dispatched", v.checkNotDispatched},
		{"selections_complete", v.checkSelectionsComplete},
		{"product_available", v.checkProductAvailable},
		{"set_contents", v.checkSetContents},
		{"project", v.checkProject},
		{"module_choices", v.checkModuleChoices},
		{"pricing", v.checkPricing},
	}
	if err := v.runPipeline(ctx, st, pipeline); err != nil {
		return "", 0, err
	}
	return st.costCode, len(st.materialIDs), nil
}

func (v *planValidator) runPipeline(ctx context.Context, st *validationState, pipeline []namedCheck) error {
	for _, check := range pipeline {
		if err := check.run(ctx, st); err != nil {
			v.log.Debug("plan validation failed", "check", check.name, "work_plan_id", st.plan.ID.String(), "reason", err.Error())
			return err
		}
	}
	return nil
}

func (v *planValidator) checkUpdatable(_ context.Context, st *validationState) error {
	switch st.plan.Status() {
	case domain.PlanStatusConstruction:
		return nil
	case domain.PlanStatusCancelled:
		return fmt.Errorf("This work plan has been cancelled and cannot be updated.")
	default:
		return fmt.Errorf("This work plan is in progress and cannot be updated.")
	}
}

// checkStepOrder enforces the wizard order: set, then project, then
// product, then data release strategy.
func (v *planValidator) checkStepOrder(_ context.Context, st *validationState) error {
	upd := st.upd
	if upd == nil {
		return nil
	}
	hasSet := st.plan.OriginalSetUUID != nil || upd.SetUUID != nil
	hasProject := st.plan.ProjectID != nil || upd.ProjectID != nil
	hasProduct := st.plan.ProductID != nil || upd.ProductID != nil

	if upd.ProjectID != nil && !hasSet {
		return fmt.Errorf("Please select a set of samples before choosing a project.")
	}
	if upd.ProductID != nil && !hasProject {
		return fmt.Errorf("Please select a project before choosing a product.")
	}
	if upd.DataReleaseStrategyID != nil && !hasProduct {
		return fmt.Errorf("Please select a product before choosing a data release strategy.")
	}
	return nil
}

// checkSetContents verifies the effective set is non-empty, every material
// is available, and the caller may consume all of them.
func (v *planValidator) checkSetContents(ctx context.Context, st *validationState) error {
	setUUID := st.plan.OriginalSetUUID
	if st.upd != nil && st.upd.SetUUID != nil {
		setUUID = st.upd.SetUUID
	}
	if setUUID == nil {
		return nil
	}
	st.setUUID = setUUID

	_, materials, err := v.sets.FindWithMaterials(ctx, *setUUID)
	if err != nil {
		return fmt.Errorf("The set service is unavailable. Please try again later.")
	}
	if len(materials) == 0 {
		return fmt.Errorf("The selected set is empty.")
	}

	ids := make([]string, 0, len(materials))
	for _, m := range materials {
		if !m.Available {
			return fmt.Errorf("Some of the materials in the selected set are not available.")
		}
		ids = append(ids, m.ID)
	}
	st.materialIDs = ids

	ok, unpermitted, err := v.stamps.CheckConsume(ctx, st.principals, ids)
	if err != nil {
		return fmt.Errorf("The material permission service is unavailable. Please try again later.")
	}
	if !ok {
		return fmt.Errorf("%s", unpermittedMaterialsMessage(unpermitted))
	}
	return nil
}

// unpermittedMaterialsMessage lists at most maxListedMaterials offending
// ids before truncating.
func unpermittedMaterialsMessage(ids []string) string {
	listed := ids
	suffix := ""
	if len(listed) > maxListedMaterials {
		listed = listed[:maxListedMaterials]
		suffix = " (too many to list)"
	}
	return fmt.Sprintf("Not authorized to consume materials: %s%s", strings.Join(listed, ", "), suffix)
}

// checkProject resolves the cost code and checks spend authorization in
// parallel; the two lookups are independent round trips to the project
// service.
func (v *planValidator) checkProject(ctx context.Context, st *validationState) error {
	projectID := st.plan.ProjectID
	if st.upd != nil && st.upd.ProjectID != nil {
		projectID = st.upd.ProjectID
	}
	if projectID == nil {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	var costCode string
	g.Go(func() error {
		cc, err := v.quotes.ResolveCostCode(gctx, *projectID)
		if err != nil {
			v.log.Warn("cost code resolution failed", "project_id", *projectID, "error", err)
			return fmt.Errorf("The selected project does not have a cost code assigned.")
		}
		costCode = cc
		return nil
	})
	g.Go(func() error {
		if err := v.projects.AuthorizeSpend(gctx, *projectID, st.principals); err != nil {
			return fmt.Errorf("You are not authorized to spend against the selected project.")
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	st.costCode = costCode
	return nil
}

// checkModuleChoices validates every stage's selection: a walk from start
// to end over the stage's pairings, with values inside declared bounds.
func (v *planValidator) checkModuleChoices(ctx context.Context, st *validationState) error {
	productID := st.plan.ProductID
	if st.upd != nil && st.upd.ProductID != nil {
		productID = st.upd.ProductID
	}
	if productID == nil {
		return nil
	}

	processes, err := v.catalogue.ProcessesForProduct(dbctx.Context{Ctx: ctx}, *productID)
	if err != nil {
		return fmt.Errorf("The selected product could not be loaded.")
	}

	selections := v.effectiveSelections(st, processes)
	if len(selections) != len(processes) {
		return fmt.Errorf("Please choose modules for every stage of the product.")
	}

	for i := range processes {
		if err := checkSelection(&processes[i], selections[i]); err != nil {
			return err
		}
	}
	return nil
}

// effectiveSelections merges the update's product options (when present)
// with the plan's stored choices, one ordered selection per stage. A
// product selection without explicit options falls back to each stage's
// default path.
func (v *planValidator) effectiveSelections(st *validationState, processes []domain.Process) [][]ModuleSelection {
	if st.upd != nil && st.upd.ProductID != nil {
		if len(st.upd.ProductOptions) > 0 {
			return st.upd.ProductOptions
		}
		out := make([][]ModuleSelection, 0, len(processes))
		for _, proc := range processes {
			path, err := catalogue.BuildDefaultPath(proc.Pairings, proc.Modules)
			if err != nil {
				return nil
			}
			sel := make([]ModuleSelection, 0, len(path))
			for _, m := range path {
				sel = append(sel, ModuleSelection{ModuleID: m.ID})
			}
			out = append(out, sel)
		}
		return out
	}
	out := make([][]ModuleSelection, 0, len(processes))
	for _, proc := range processes {
		stored := st.plan.ChoicesForProcess(proc.ID)
		if len(stored) == 0 {
			return nil
		}
		sel := make([]ModuleSelection, 0, len(stored))
		for _, c := range stored {
			sel = append(sel, ModuleSelection{ModuleID: c.ProcessModuleID, SelectedValue: c.SelectedValue})
		}
		out = append(out, sel)
	}
	return out
}

func (v *planValidator) checkPricing(ctx context.Context, st *validationState) error {
	productID := st.plan.ProductID
	if st.upd != nil && st.upd.ProductID != nil {
		productID = st.upd.ProductID
	}
	if productID == nil || st.costCode == "" {
		return nil
	}

	processes, err := v.catalogue.ProcessesForProduct(dbctx.Context{Ctx: ctx}, *productID)
	if err != nil {
		return fmt.Errorf("The selected product could not be loaded.")
	}
	selections := v.effectiveSelections(st, processes)
	if selections == nil {
		return nil
	}

	names := map[uuid.UUID]string{}
	for _, proc := range processes {
		for _, m := range proc.Modules {
			names[m.ID] = m.Name
		}
	}
	var moduleNames []string
	seen := map[string]bool{}
	for _, sel := range selections {
		for _, choice := range sel {
			if n, ok := names[choice.ModuleID]; ok && !seen[n] {
				seen[n] = true
				moduleNames = append(moduleNames, n)
			}
		}
	}
	if len(moduleNames) == 0 {
		return nil
	}

	if _, err := v.quotes.StageUnitPrice(ctx, moduleNames, st.costCode); err != nil {
		return err
	}
	return nil
}

func (v *planValidator) checkNotDispatched(_ context.Context, st *validationState) error {
	if len(st.plan.WorkOrders) > 0 {
		return fmt.Errorf("This work plan has already been dispatched.")
	}
	return nil
}

func (v *planValidator) checkSelectionsComplete(_ context.Context, st *validationState) error {
	if st.plan.OriginalSetUUID == nil {
		return fmt.Errorf("Please select a set of samples before dispatching.")
	}
	if st.plan.ProjectID == nil {
		return fmt.Errorf("Please select a project before dispatching.")
	}
	if st.plan.ProductID == nil {
		return fmt.Errorf("Please select a product before dispatching.")
	}
	return nil
}

func (v *planValidator) checkProductAvailable(ctx context.Context, st *validationState) error {
	if st.plan.ProductID == nil {
		return nil
	}
	product, err := v.catalogue.GetProductByID(dbctx.Context{Ctx: ctx}, *st.plan.ProductID)
	if err != nil || product == nil {
		return fmt.Errorf("The selected product could not be loaded.")
	}
	if !product.Availability {
		return fmt.Errorf("The selected product is suspended and cannot be ordered.")
	}
	return nil
}
