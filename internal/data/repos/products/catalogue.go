package products

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/labstream/workplan-backend/internal/domain"
	"github.com/labstream/workplan-backend/internal/platform/dbctx"
	"github.com/labstream/workplan-backend/internal/platform/logger"
)

type CatalogueRepo interface {
	CurrentByLimsID(dbc dbctx.Context, limsID string) (*domain.Catalogue, error)
	RetireCurrent(dbc dbctx.Context, limsID string) error
	CreateCatalogue(dbc dbctx.Context, c *domain.Catalogue) error
	CreateProducts(dbc dbctx.Context, rows []*domain.Product) error
	CreateProcesses(dbc dbctx.Context, rows []*domain.Process) error
	CreateProductProcesses(dbc dbctx.Context, rows []*domain.ProductProcess) error
	CreateModules(dbc dbctx.Context, rows []*domain.ProcessModule) error
	CreatePairings(dbc dbctx.Context, rows []*domain.ProcessModulePairing) error

	GetCatalogueByID(dbc dbctx.Context, id uuid.UUID) (*domain.Catalogue, error)
	ListAvailableProducts(dbc dbctx.Context) ([]*domain.Product, error)
	GetProductByID(dbc dbctx.Context, id uuid.UUID) (*domain.Product, error)
	ProcessesForProduct(dbc dbctx.Context, productID uuid.UUID) ([]domain.Process, error)
	ProcessByID(dbc dbctx.Context, id uuid.UUID) (*domain.Process, error)
	StageOfProcess(dbc dbctx.Context, productID, processID uuid.UUID) (int, error)
	ModulesByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*domain.ProcessModule, error)
}

type catalogueRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewCatalogueRepo(db *gorm.DB, baseLog *logger.Logger) CatalogueRepo {
	return &catalogueRepo{db: db, log: baseLog.With("repo", "CatalogueRepo")}
}

func (r *catalogueRepo) conn(dbc dbctx.Context) *gorm.DB {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx)
}

func (r *catalogueRepo) CurrentByLimsID(dbc dbctx.Context, limsID string) (*domain.Catalogue, error) {
	var c domain.Catalogue
	err := r.conn(dbc).
		Where("lims_id = ? AND current = ?", limsID, true).
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *catalogueRepo) RetireCurrent(dbc dbctx.Context, limsID string) error {
	return r.conn(dbc).
		Model(&domain.Catalogue{}).
		Where("lims_id = ? AND current = ?", limsID, true).
		Update("current", false).Error
}

func (r *catalogueRepo) CreateCatalogue(dbc dbctx.Context, c *domain.Catalogue) error {
	return r.conn(dbc).Create(c).Error
}

func (r *catalogueRepo) CreateProducts(dbc dbctx.Context, rows []*domain.Product) error {
	if len(rows) == 0 {
		return nil
	}
	return r.conn(dbc).Create(&rows).Error
}

func (r *catalogueRepo) CreateProcesses(dbc dbctx.Context, rows []*domain.Process) error {
	if len(rows) == 0 {
		return nil
	}
	return r.conn(dbc).Create(&rows).Error
}

func (r *catalogueRepo) CreateProductProcesses(dbc dbctx.Context, rows []*domain.ProductProcess) error {
	if len(rows) == 0 {
		return nil
	}
	return r.conn(dbc).Create(&rows).Error
}

func (r *catalogueRepo) CreateModules(dbc dbctx.Context, rows []*domain.ProcessModule) error {
	if len(rows) == 0 {
		return nil
	}
	return r.conn(dbc).Create(&rows).Error
}

func (r *catalogueRepo) CreatePairings(dbc dbctx.Context, rows []*domain.ProcessModulePairing) error {
	if len(rows) == 0 {
		return nil
	}
	return r.conn(dbc).Create(&rows).Error
}

func (r *catalogueRepo) GetCatalogueByID(dbc dbctx.Context, id uuid.UUID) (*domain.Catalogue, error) {
	var c domain.Catalogue
	err := r.conn(dbc).Where("id = ?", id).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *catalogueRepo) ListAvailableProducts(dbc dbctx.Context) ([]*domain.Product, error) {
	var out []*domain.Product
	err := r.conn(dbc).
		Joins("JOIN catalogue ON catalogue.id = product.catalogue_id AND catalogue.current = ?", true).
		Where("product.availability = ?", true).
		Order("product.name ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *catalogueRepo) GetProductByID(dbc dbctx.Context, id uuid.UUID) (*domain.Product, error) {
	var p domain.Product
	err := r.conn(dbc).Where("id = ?", id).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ProcessesForProduct returns the product's processes in stage order, each
// with its modules and pairings loaded.
func (r *catalogueRepo) ProcessesForProduct(dbc dbctx.Context, productID uuid.UUID) ([]domain.Process, error) {
	var joins []domain.ProductProcess
	err := r.conn(dbc).
		Where("product_id = ?", productID).
		Order("stage ASC").
		Find(&joins).Error
	if err != nil {
		return nil, err
	}

	out := make([]domain.Process, 0, len(joins))
	for _, j := range joins {
		p, err := r.ProcessByID(dbc, j.ProcessID)
		if err != nil {
			return nil, err
		}
		if p == nil {
			return nil, fmt.Errorf("product %s references missing process %s", productID, j.ProcessID)
		}
		out = append(out, *p)
	}
	return out, nil
}

func (r *catalogueRepo) ProcessByID(dbc dbctx.Context, id uuid.UUID) (*domain.Process, error) {
	var p domain.Process
	err := r.conn(dbc).
		Preload("Modules").
		Preload("Pairings").
		Where("id = ?", id).
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *catalogueRepo) StageOfProcess(dbc dbctx.Context, productID, processID uuid.UUID) (int, error) {
	var row domain.ProductProcess
	err := r.conn(dbc).
		Where("product_id = ? AND process_id = ?", productID, processID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, fmt.Errorf("process %s does not belong to product %s", processID, productID)
	}
	if err != nil {
		return 0, err
	}
	return row.Stage, nil
}

func (r *catalogueRepo) ModulesByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*domain.ProcessModule, error) {
	var out []*domain.ProcessModule
	if len(ids) == 0 {
		return out, nil
	}
	err := r.conn(dbc).Where("id IN ?", ids).Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
