package orders

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/labstream/workplan-backend/internal/domain"
	"github.com/labstream/workplan-backend/internal/platform/dbctx"
	"github.com/labstream/workplan-backend/internal/platform/logger"
)

type JobRepo interface {
	Create(dbc dbctx.Context, jobs []*domain.Job) ([]*domain.Job, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Job, error)
	GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*domain.Job, error)
	GetByOrderID(dbc dbctx.Context, workOrderID uuid.UUID) ([]*domain.Job, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	StampForwarded(dbc dbctx.Context, ids []uuid.UUID, at time.Time) error
}

type jobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobRepo(db *gorm.DB, baseLog *logger.Logger) JobRepo {
	return &jobRepo{db: db, log: baseLog.With("repo", "JobRepo")}
}

func (r *jobRepo) conn(dbc dbctx.Context) *gorm.DB {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx)
}

func (r *jobRepo) Create(dbc dbctx.Context, jobs []*domain.Job) ([]*domain.Job, error) {
	if len(jobs) == 0 {
		return []*domain.Job{}, nil
	}
	if err := r.conn(dbc).Create(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *jobRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Job, error) {
	var job domain.Job
	err := r.conn(dbc).
		Preload("WorkOrder").
		Where("id = ?", id).
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// GetByIDs loads jobs with their orders; forwarding needs the order to
// check plan and stage membership.
func (r *jobRepo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*domain.Job, error) {
	var out []*domain.Job
	if len(ids) == 0 {
		return out, nil
	}
	err := r.conn(dbc).
		Preload("WorkOrder").
		Where("id IN ?", ids).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *jobRepo) GetByOrderID(dbc dbctx.Context, workOrderID uuid.UUID) ([]*domain.Job, error) {
	var out []*domain.Job
	err := r.conn(dbc).
		Where("work_order_id = ?", workOrderID).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *jobRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}
	return r.conn(dbc).
		Model(&domain.Job{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *jobRepo) StampForwarded(dbc dbctx.Context, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return r.conn(dbc).
		Model(&domain.Job{}).
		Where("id IN ?", ids).
		Update("forwarded_at", at).Error
}
