package plans

import (
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/labstream/workplan-backend/internal/domain"
	"github.com/labstream/workplan-backend/internal/platform/dbctx"
	"github.com/labstream/workplan-backend/internal/platform/logger"
)

type WorkPlanRepo interface {
	Create(dbc dbctx.Context, plans []*domain.WorkPlan) ([]*domain.WorkPlan, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.WorkPlan, error)
	GetByOwner(dbc dbctx.Context, ownerEmail string) ([]*domain.WorkPlan, error)
	LockByID(dbc dbctx.Context, id uuid.UUID) (*domain.WorkPlan, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	Delete(dbc dbctx.Context, id uuid.UUID) error
}

type workPlanRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewWorkPlanRepo(db *gorm.DB, baseLog *logger.Logger) WorkPlanRepo {
	return &workPlanRepo{db: db, log: baseLog.With("repo", "WorkPlanRepo")}
}

func (r *workPlanRepo) conn(dbc dbctx.Context) *gorm.DB {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx)
}

func (r *workPlanRepo) Create(dbc dbctx.Context, plans []*domain.WorkPlan) ([]*domain.WorkPlan, error) {
	if len(plans) == 0 {
		return []*domain.WorkPlan{}, nil
	}
	if err := r.conn(dbc).Create(&plans).Error; err != nil {
		return nil, err
	}
	return plans, nil
}

// GetByID loads the plan with the children its status derivation and the
// validation pipeline need: module choices (with modules), work orders
// (with jobs) and the product.
func (r *workPlanRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.WorkPlan, error) {
	var plan domain.WorkPlan
	err := r.conn(dbc).
		Preload("ModuleChoices.ProcessModule").
		Preload("WorkOrders", func(q *gorm.DB) *gorm.DB { return q.Order("order_index ASC") }).
		Preload("WorkOrders.Jobs").
		Preload("Product").
		Where("id = ?", id).
		First(&plan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *workPlanRepo) GetByOwner(dbc dbctx.Context, ownerEmail string) ([]*domain.WorkPlan, error) {
	var out []*domain.WorkPlan
	if ownerEmail == "" {
		return out, nil
	}
	err := r.conn(dbc).
		Preload("WorkOrders").
		Where("owner_email = ?", ownerEmail).
		Order("created_at DESC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LockByID takes a row lock on the plan so concurrent dispatch attempts on
// the same plan serialize instead of racing. sqlite has no row locks; its
// single-writer semantics cover the same ground.
func (r *workPlanRepo) LockByID(dbc dbctx.Context, id uuid.UUID) (*domain.WorkPlan, error) {
	q := r.conn(dbc)
	if q.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var plan domain.WorkPlan
	err := q.
		Where("id = ?", id).
		First(&plan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *workPlanRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}
	return r.conn(dbc).
		Model(&domain.WorkPlan{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *workPlanRepo) Delete(dbc dbctx.Context, id uuid.UUID) error {
	conn := r.conn(dbc)
	if err := conn.Where("work_plan_id = ?", id).Delete(&domain.ProcessModuleChoice{}).Error; err != nil {
		return err
	}
	return conn.Where("id = ?", id).Delete(&domain.WorkPlan{}).Error
}
