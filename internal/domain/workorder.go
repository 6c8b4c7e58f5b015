package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	OrderStatusQueued    = "queued"
	OrderStatusActive    = "active"
	OrderStatusConcluded = "concluded"
	OrderStatusBroken    = "broken"
	OrderStatusCancelled = "cancelled"
)

// WorkOrder is the dispatch of one process stage for a plan. Orders are
// created only by the dispatch and forward services; OrderIndex records
// the position in the plan's order sequence and is append-only.
type WorkOrder struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	WorkPlanID uuid.UUID `gorm:"type:uuid;not null;index" json:"work_plan_id"`
	ProcessID  uuid.UUID `gorm:"type:uuid;not null;index" json:"process_id"`
	OrderIndex int       `gorm:"not null" json:"order_index"`
	Status     string    `gorm:"type:text;not null;default:'queued';index" json:"status"`

	// SetUUID is the locked input set owned by this order; FinishedSetUUID
	// is reported back by the LIMS when the order concludes.
	SetUUID         *uuid.UUID `gorm:"type:uuid" json:"set_uuid,omitempty"`
	FinishedSetUUID *uuid.UUID `gorm:"type:uuid" json:"finished_set_uuid,omitempty"`

	CostPerSample *float64   `json:"cost_per_sample,omitempty"`
	TotalCost     *float64   `json:"total_cost,omitempty"`
	DispatchDate  *time.Time `json:"dispatch_date,omitempty"`

	// LimsPayload is the exact body posted to the LIMS for this order,
	// kept for audit.
	LimsPayload datatypes.JSON `json:"-"`

	Process       *Process                `gorm:"foreignKey:ProcessID" json:"process,omitempty"`
	ModuleChoices []WorkOrderModuleChoice `gorm:"foreignKey:WorkOrderID" json:"module_choices,omitempty"`
	Jobs          []Job                   `gorm:"foreignKey:WorkOrderID" json:"jobs,omitempty"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (WorkOrder) TableName() string { return "work_order" }

func (o *WorkOrder) Closed() bool {
	return o.Status == OrderStatusConcluded || o.Status == OrderStatusCancelled || o.Status == OrderStatusBroken
}

// WorkOrderModuleChoice freezes the plan's module choices for one stage at
// dispatch time, so later plan edits cannot alter an in-flight order.
type WorkOrderModuleChoice struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	WorkOrderID     uuid.UUID `gorm:"type:uuid;not null;index" json:"work_order_id"`
	ProcessModuleID uuid.UUID `gorm:"type:uuid;not null" json:"process_module_id"`
	Position        int       `gorm:"not null" json:"position"`
	SelectedValue   *int      `json:"selected_value,omitempty"`

	ProcessModule *ProcessModule `gorm:"foreignKey:ProcessModuleID" json:"process_module,omitempty"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

func (WorkOrderModuleChoice) TableName() string { return "work_order_module_choice" }
