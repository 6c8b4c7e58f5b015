package orders

import (
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/labstream/workplan-backend/internal/domain"
	"github.com/labstream/workplan-backend/internal/platform/dbctx"
	"github.com/labstream/workplan-backend/internal/platform/logger"
)

type WorkOrderRepo interface {
	Create(dbc dbctx.Context, workOrders []*domain.WorkOrder) ([]*domain.WorkOrder, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.WorkOrder, error)
	GetByPlanID(dbc dbctx.Context, planID uuid.UUID) ([]*domain.WorkOrder, error)
	CountByPlanID(dbc dbctx.Context, planID uuid.UUID) (int64, error)
	MaxOrderIndex(dbc dbctx.Context, planID uuid.UUID) (int, bool, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	CreateModuleChoices(dbc dbctx.Context, choices []*domain.WorkOrderModuleChoice) error
	GetModuleChoices(dbc dbctx.Context, workOrderID uuid.UUID) ([]*domain.WorkOrderModuleChoice, error)
}

type workOrderRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewWorkOrderRepo(db *gorm.DB, baseLog *logger.Logger) WorkOrderRepo {
	return &workOrderRepo{db: db, log: baseLog.With("repo", "WorkOrderRepo")}
}

func (r *workOrderRepo) conn(dbc dbctx.Context) *gorm.DB {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx)
}

func (r *workOrderRepo) Create(dbc dbctx.Context, workOrders []*domain.WorkOrder) ([]*domain.WorkOrder, error) {
	if len(workOrders) == 0 {
		return []*domain.WorkOrder{}, nil
	}
	if err := r.conn(dbc).Create(&workOrders).Error; err != nil {
		return nil, err
	}
	return workOrders, nil
}

func (r *workOrderRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.WorkOrder, error) {
	var order domain.WorkOrder
	err := r.conn(dbc).
		Preload("Jobs").
		Preload("ModuleChoices", func(q *gorm.DB) *gorm.DB { return q.Order("position ASC") }).
		Preload("ModuleChoices.ProcessModule").
		Preload("Process").
		Where("id = ?", id).
		First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *workOrderRepo) GetByPlanID(dbc dbctx.Context, planID uuid.UUID) ([]*domain.WorkOrder, error) {
	var out []*domain.WorkOrder
	err := r.conn(dbc).
		Preload("Jobs").
		Where("work_plan_id = ?", planID).
		Order("order_index ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *workOrderRepo) CountByPlanID(dbc dbctx.Context, planID uuid.UUID) (int64, error) {
	var n int64
	err := r.conn(dbc).
		Model(&domain.WorkOrder{}).
		Where("work_plan_id = ?", planID).
		Count(&n).Error
	return n, err
}

// MaxOrderIndex returns the highest order_index for the plan, with found
// false when the plan has no orders yet.
func (r *workOrderRepo) MaxOrderIndex(dbc dbctx.Context, planID uuid.UUID) (int, bool, error) {
	var row struct {
		Max *int
	}
	err := r.conn(dbc).
		Model(&domain.WorkOrder{}).
		Select("MAX(order_index) AS max").
		Where("work_plan_id = ?", planID).
		Scan(&row).Error
	if err != nil {
		return 0, false, err
	}
	if row.Max == nil {
		return 0, false, nil
	}
	return *row.Max, true, nil
}

func (r *workOrderRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}
	return r.conn(dbc).
		Model(&domain.WorkOrder{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *workOrderRepo) CreateModuleChoices(dbc dbctx.Context, choices []*domain.WorkOrderModuleChoice) error {
	if len(choices) == 0 {
		return nil
	}
	return r.conn(dbc).Create(&choices).Error
}

func (r *workOrderRepo) GetModuleChoices(dbc dbctx.Context, workOrderID uuid.UUID) ([]*domain.WorkOrderModuleChoice, error) {
	var out []*domain.WorkOrderModuleChoice
	err := r.conn(dbc).
		Preload("ProcessModule").
		Where("work_order_id = ?", workOrderID).
		Order("position ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
