package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/labstream/workplan-backend/internal/clients/billing"
	"github.com/labstream/workplan-backend/internal/clients/projects"
	"github.com/labstream/workplan-backend/internal/domain"
	"github.com/labstream/workplan-backend/internal/platform/logger"
)

// QuoteService computes predicted prices. A stage's unit price is the sum
// of its chosen modules' unit prices for the plan's cost code; the plan's
// estimated cost multiplies the summed stage prices by the sample count.
type QuoteService interface {
	ResolveCostCode(ctx context.Context, projectID int64) (string, error)
	StageUnitPrice(ctx context.Context, moduleNames []string, costCode string) (float64, error)
	EstimatePlanCost(ctx context.Context, plan *domain.WorkPlan, costCode string, sampleCount int) (float64, error)
}

type quoteService struct {
	log      *logger.Logger
	billing  billing.Client
	projects projects.Client
}

func NewQuoteService(baseLog *logger.Logger, billingClient billing.Client, projectsClient projects.Client) QuoteService {
	return &quoteService{
		log:      baseLog.With("service", "QuoteService"),
		billing:  billingClient,
		projects: projectsClient,
	}
}

// ResolveCostCode walks one level up the project hierarchy: cost codes
// live on the parent of the selected subproject node.
func (s *quoteService) ResolveCostCode(ctx context.Context, projectID int64) (string, error) {
	node, err := s.projects.FindNode(ctx, projectID)
	if err != nil {
		return "", fmt.Errorf("find project %d: %w", projectID, err)
	}
	if node.ParentID == nil {
		return "", fmt.Errorf("project %d has no parent to carry a cost code", projectID)
	}
	parent, err := s.projects.FindNode(ctx, *node.ParentID)
	if err != nil {
		return "", fmt.Errorf("find project parent %d: %w", *node.ParentID, err)
	}
	if strings.TrimSpace(parent.CostCode) == "" {
		return "", fmt.Errorf("no cost code on parent of project %d", projectID)
	}
	return parent.CostCode, nil
}

func (s *quoteService) StageUnitPrice(ctx context.Context, moduleNames []string, costCode string) (float64, error) {
	if len(moduleNames) == 0 {
		return 0, nil
	}
	prices, err := s.billing.GetUnitPrices(ctx, moduleNames, costCode)
	if err != nil {
		return 0, err
	}
	var missing []string
	total := 0.0
	for _, name := range moduleNames {
		p, ok := prices[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		total += p
	}
	if len(missing) > 0 {
		return 0, fmt.Errorf("%s", MissingPriceMessage(missing, costCode))
	}
	return total, nil
}

// EstimatePlanCost prices every stage's stored choices and multiplies by
// the sample count. The plan must carry its module choices with modules
// preloaded.
func (s *quoteService) EstimatePlanCost(ctx context.Context, plan *domain.WorkPlan, costCode string, sampleCount int) (float64, error) {
	perProcess := map[string][]string{}
	var processOrder []string
	for _, c := range plan.ModuleChoices {
		if c.ProcessModule == nil {
			return 0, fmt.Errorf("module choice %s has no module loaded", c.ID)
		}
		key := c.ProcessID.String()
		if _, seen := perProcess[key]; !seen {
			processOrder = append(processOrder, key)
		}
		perProcess[key] = append(perProcess[key], c.ProcessModule.Name)
	}

	total := 0.0
	for _, key := range processOrder {
		unit, err := s.StageUnitPrice(ctx, perProcess[key], costCode)
		if err != nil {
			return 0, err
		}
		total += unit
	}
	return total * float64(sampleCount), nil
}

// MissingPriceMessage names every unpriced module, pluralized for one
// versus many.
func MissingPriceMessage(missing []string, costCode string) string {
	if len(missing) == 1 {
		return fmt.Sprintf("The module %s does not have a listed price for cost code %s.", missing[0], costCode)
	}
	return fmt.Sprintf("The modules %s do not have listed prices for cost code %s.", strings.Join(missing, ", "), costCode)
}
