package domain

import (
	"time"

	"github.com/google/uuid"
)

// Job is one container-scoped unit of execution within a work order. The
// LIMS reports start/completion/cancellation per job; forwarding stamps
// ForwardedAt when the job's surviving materials move into the next stage.
type Job struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	WorkOrderID   uuid.UUID `gorm:"type:uuid;not null;index" json:"work_order_id"`
	ContainerUUID uuid.UUID `gorm:"type:uuid;not null" json:"container_uuid"`

	InputSetUUID         *uuid.UUID `gorm:"type:uuid" json:"input_set_uuid,omitempty"`
	OutputSetUUID        *uuid.UUID `gorm:"type:uuid" json:"output_set_uuid,omitempty"`
	RevisedOutputSetUUID *uuid.UUID `gorm:"type:uuid" json:"revised_output_set_uuid,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ForwardedAt *time.Time `json:"forwarded_at,omitempty"`

	WorkOrder *WorkOrder `gorm:"foreignKey:WorkOrderID" json:"work_order,omitempty"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (Job) TableName() string { return "job" }

func (j *Job) Started() bool   { return j.StartedAt != nil }
func (j *Job) Completed() bool { return j.CompletedAt != nil }
func (j *Job) Cancelled() bool { return j.CancelledAt != nil }
func (j *Job) Forwarded() bool { return j.ForwardedAt != nil }

// Concluded means the LIMS is finished with the job, successfully or not.
func (j *Job) Concluded() bool { return j.Completed() || j.Cancelled() }

// EffectiveOutputSetUUID is the set forwarding consumes: the revised
// output supersedes the plain output once present.
func (j *Job) EffectiveOutputSetUUID() *uuid.UUID {
	if j.RevisedOutputSetUUID != nil {
		return j.RevisedOutputSetUUID
	}
	return j.OutputSetUUID
}
