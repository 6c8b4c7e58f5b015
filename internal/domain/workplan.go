package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	PlanStatusConstruction = "construction"
	PlanStatusActive       = "active"
	PlanStatusBroken       = "broken"
	PlanStatusCancelled    = "cancelled"
)

const (
	PriorityStandard = "standard"
	PriorityHigh     = "high"
)

// WorkPlan is a user's end-to-end request spanning every stage of a
// product. Status is never stored: it is derived from the cancellation
// timestamp, the project reference and the owned work orders, so it can
// never go stale.
type WorkPlan struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	OwnerEmail string    `gorm:"type:text;not null;index" json:"owner_email"`

	OriginalSetUUID       *uuid.UUID `gorm:"type:uuid" json:"original_set_uuid,omitempty"`
	ProjectID             *int64     `gorm:"index" json:"project_id,omitempty"`
	ProductID             *uuid.UUID `gorm:"type:uuid;index" json:"product_id,omitempty"`
	DataReleaseStrategyID *uuid.UUID `gorm:"type:uuid" json:"data_release_strategy_id,omitempty"`

	Priority      string     `gorm:"type:text;not null;default:'standard'" json:"priority"`
	Comment       string     `gorm:"type:text;not null;default:''" json:"comment"`
	EstimatedCost *float64   `json:"estimated_cost,omitempty"`
	CancelledAt   *time.Time `json:"cancelled_at,omitempty"`

	Product       *Product              `gorm:"foreignKey:ProductID" json:"product,omitempty"`
	ModuleChoices []ProcessModuleChoice `gorm:"foreignKey:WorkPlanID" json:"module_choices,omitempty"`
	WorkOrders    []WorkOrder           `gorm:"foreignKey:WorkPlanID" json:"work_orders,omitempty"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (WorkPlan) TableName() string { return "work_plan" }

// Status derives the plan state from loaded children. Cancellation wins
// over everything; a broken order breaks the plan; a project plus at least
// one order makes it active; anything else is still under construction.
func (p *WorkPlan) Status() string {
	if p.CancelledAt != nil {
		return PlanStatusCancelled
	}
	if p.ProjectID != nil && len(p.WorkOrders) > 0 {
		for i := range p.WorkOrders {
			if p.WorkOrders[i].Status == OrderStatusBroken {
				return PlanStatusBroken
			}
		}
		return PlanStatusActive
	}
	return PlanStatusConstruction
}

func (p *WorkPlan) Cancellable() bool {
	s := p.Status()
	return s == PlanStatusActive || s == PlanStatusConstruction
}

// InConstruction gates every plan-level mutation: set, project, product and
// module choices may only change before the first dispatch.
func (p *WorkPlan) InConstruction() bool {
	return p.Status() == PlanStatusConstruction
}

func (p *WorkPlan) Broken() bool {
	return p.Status() == PlanStatusBroken
}

// ChoicesForProcess returns the stored module choices for one stage,
// ordered by position.
func (p *WorkPlan) ChoicesForProcess(processID uuid.UUID) []ProcessModuleChoice {
	var out []ProcessModuleChoice
	for _, c := range p.ModuleChoices {
		if c.ProcessID == processID {
			out = append(out, c)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].Position > out[j].Position; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// ProcessModuleChoice is the chosen path through one process's module
// graph, one ordered list per process.
type ProcessModuleChoice struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	WorkPlanID      uuid.UUID `gorm:"type:uuid;not null;index" json:"work_plan_id"`
	ProcessID       uuid.UUID `gorm:"type:uuid;not null;index" json:"process_id"`
	ProcessModuleID uuid.UUID `gorm:"type:uuid;not null" json:"process_module_id"`
	Position        int       `gorm:"not null" json:"position"`
	SelectedValue   *int      `json:"selected_value,omitempty"`

	ProcessModule *ProcessModule `gorm:"foreignKey:ProcessModuleID" json:"process_module,omitempty"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (ProcessModuleChoice) TableName() string { return "process_module_choice" }
