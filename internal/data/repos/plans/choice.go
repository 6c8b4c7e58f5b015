package plans

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/labstream/workplan-backend/internal/domain"
	"github.com/labstream/workplan-backend/internal/platform/dbctx"
	"github.com/labstream/workplan-backend/internal/platform/logger"
)

type ProcessModuleChoiceRepo interface {
	GetByPlanID(dbc dbctx.Context, planID uuid.UUID) ([]*domain.ProcessModuleChoice, error)
	ReplaceForProcess(dbc dbctx.Context, planID, processID uuid.UUID, choices []*domain.ProcessModuleChoice) error
	DeleteByPlanID(dbc dbctx.Context, planID uuid.UUID) error
}

type processModuleChoiceRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewProcessModuleChoiceRepo(db *gorm.DB, baseLog *logger.Logger) ProcessModuleChoiceRepo {
	return &processModuleChoiceRepo{db: db, log: baseLog.With("repo", "ProcessModuleChoiceRepo")}
}

func (r *processModuleChoiceRepo) conn(dbc dbctx.Context) *gorm.DB {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx)
}

func (r *processModuleChoiceRepo) GetByPlanID(dbc dbctx.Context, planID uuid.UUID) ([]*domain.ProcessModuleChoice, error) {
	var out []*domain.ProcessModuleChoice
	err := r.conn(dbc).
		Preload("ProcessModule").
		Where("work_plan_id = ?", planID).
		Order("process_id, position ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReplaceForProcess swaps out one stage's choice list atomically with its
// caller's transaction: the old rows go, the new ordered rows come in.
func (r *processModuleChoiceRepo) ReplaceForProcess(dbc dbctx.Context, planID, processID uuid.UUID, choices []*domain.ProcessModuleChoice) error {
	conn := r.conn(dbc)
	if err := conn.
		Where("work_plan_id = ? AND process_id = ?", planID, processID).
		Delete(&domain.ProcessModuleChoice{}).Error; err != nil {
		return err
	}
	if len(choices) == 0 {
		return nil
	}
	return conn.Create(&choices).Error
}

func (r *processModuleChoiceRepo) DeleteByPlanID(dbc dbctx.Context, planID uuid.UUID) error {
	return r.conn(dbc).
		Where("work_plan_id = ?", planID).
		Delete(&domain.ProcessModuleChoice{}).Error
}
