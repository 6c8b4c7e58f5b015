package domain

import (
	"time"

	"github.com/google/uuid"
)

// Catalogue is one published product catalogue for a LIMS. Only the most
// recently ingested catalogue per LIMS is current; ingestion retires the
// previous one rather than mutating it.
type Catalogue struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	LimsID   string    `gorm:"type:text;not null;index" json:"lims_id"`
	URL      string    `gorm:"type:text;not null;default:''" json:"url"`
	Pipeline string    `gorm:"type:text;not null;default:''" json:"pipeline"`
	Current  bool      `gorm:"not null;default:false;index" json:"current"`

	Products []Product `gorm:"foreignKey:CatalogueID" json:"products,omitempty"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (Catalogue) TableName() string { return "catalogue" }

// Product is a fixed, ordered sequence of processes sold from a catalogue.
type Product struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CatalogueID    uuid.UUID `gorm:"type:uuid;not null;index" json:"catalogue_id"`
	ExternalUUID   uuid.UUID `gorm:"type:uuid;not null;index" json:"external_uuid"`
	Name           string    `gorm:"type:text;not null" json:"name"`
	Description    string    `gorm:"type:text;not null;default:''" json:"description"`
	ProductVersion int       `gorm:"not null;default:1" json:"product_version"`
	Availability   bool      `gorm:"not null;default:true" json:"availability"`

	// Processes ordered by ProductProcess.Stage; populated by the
	// catalogue repo, not mapped as a gorm association.
	Processes []Process `gorm:"-" json:"processes,omitempty"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (Product) TableName() string { return "product" }

// Process is one stage of a product: a directed module graph plus a
// turnaround time in days.
type Process struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ExternalUUID uuid.UUID `gorm:"type:uuid;not null;index" json:"external_uuid"`
	Name         string    `gorm:"type:text;not null" json:"name"`
	TAT          int       `gorm:"not null;default:0" json:"tat"`

	Modules  []ProcessModule        `gorm:"foreignKey:ProcessID" json:"modules,omitempty"`
	Pairings []ProcessModulePairing `gorm:"foreignKey:ProcessID" json:"pairings,omitempty"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (Process) TableName() string { return "process" }

// ProductProcess orders a product's processes by stage index.
type ProductProcess struct {
	ProductID uuid.UUID `gorm:"type:uuid;primaryKey" json:"product_id"`
	ProcessID uuid.UUID `gorm:"type:uuid;primaryKey" json:"process_id"`
	Stage     int       `gorm:"not null" json:"stage"`
}

func (ProductProcess) TableName() string { return "product_process" }

// ProcessModule is one node of a process's module graph. Min/Max bound the
// module's numeric parameter when present.
type ProcessModule struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ProcessID uuid.UUID `gorm:"type:uuid;not null;index" json:"process_id"`
	Name      string    `gorm:"type:text;not null" json:"name"`
	MinValue  *int      `json:"min_value,omitempty"`
	MaxValue  *int      `json:"max_value,omitempty"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (ProcessModule) TableName() string { return "process_module" }

// AcceptsValue reports whether the selected value satisfies the module's
// declared bounds. A module without bounds takes no value.
func (m *ProcessModule) AcceptsValue(v *int) bool {
	if m.MinValue == nil && m.MaxValue == nil {
		return v == nil
	}
	if v == nil {
		return false
	}
	if m.MinValue != nil && *v < *m.MinValue {
		return false
	}
	if m.MaxValue != nil && *v > *m.MaxValue {
		return false
	}
	return true
}

// ProcessModulePairing is one edge of a process's module graph. A nil
// FromModuleID means the graph start; a nil ToModuleID means the graph end.
// The edges flagged DefaultPath must form exactly one start-to-end walk.
type ProcessModulePairing struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	ProcessID    uuid.UUID  `gorm:"type:uuid;not null;index" json:"process_id"`
	FromModuleID *uuid.UUID `gorm:"type:uuid;index" json:"from_module_id,omitempty"`
	ToModuleID   *uuid.UUID `gorm:"type:uuid;index" json:"to_module_id,omitempty"`
	DefaultPath  bool       `gorm:"not null;default:false" json:"default_path"`
}

func (ProcessModulePairing) TableName() string { return "process_module_pairing" }
