package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"github.com/labstream/workplan-backend/internal/catalogue"
	"github.com/labstream/workplan-backend/internal/data/repos/products"
	"github.com/labstream/workplan-backend/internal/domain"
	"github.com/labstream/workplan-backend/internal/platform/dbctx"
	"github.com/labstream/workplan-backend/internal/platform/logger"
)

// CatalogueDocument is the published shape a LIMS submits. Pairings
// reference modules by name; "start" and "end" are reserved endpoint
// names.
type CatalogueDocument struct {
	LimsID   string            `yaml:"lims_id" json:"lims_id"`
	URL      string            `yaml:"url" json:"url"`
	Pipeline string            `yaml:"pipeline" json:"pipeline"`
	Products []ProductDocument `yaml:"products" json:"products"`
}

type ProductDocument struct {
	ExternalUUID   string            `yaml:"uuid" json:"uuid"`
	Name           string            `yaml:"name" json:"name"`
	Description    string            `yaml:"description" json:"description"`
	ProductVersion int               `yaml:"product_version" json:"product_version"`
	Availability   *bool             `yaml:"availability" json:"availability"`
	Processes      []ProcessDocument `yaml:"processes" json:"processes"`
}

type ProcessDocument struct {
	ExternalUUID string            `yaml:"uuid" json:"uuid"`
	Name         string            `yaml:"name" json:"name"`
	TAT          int               `yaml:"tat" json:"tat"`
	Stage        int               `yaml:"stage" json:"stage"`
	Modules      []ModuleDocument  `yaml:"modules" json:"modules"`
	Pairings     []PairingDocument `yaml:"pairings" json:"pairings"`
}

type ModuleDocument struct {
	Name     string `yaml:"name" json:"name"`
	MinValue *int   `yaml:"min_value" json:"min_value"`
	MaxValue *int   `yaml:"max_value" json:"max_value"`
}

type PairingDocument struct {
	From        string `yaml:"from" json:"from"`
	To          string `yaml:"to" json:"to"`
	DefaultPath bool   `yaml:"default_path" json:"default_path"`
}

// CatalogueService ingests a LIMS's published catalogue atomically: the
// previous current catalogue is retired and the new one created in one
// transaction, so readers always see exactly one current catalogue per
// LIMS. A document whose default paths do not form single start-to-end
// walks is rejected whole.
type CatalogueService interface {
	IngestYAML(ctx context.Context, raw []byte) (*domain.Catalogue, Result)
	Ingest(ctx context.Context, doc *CatalogueDocument) (*domain.Catalogue, Result)
}

type catalogueService struct {
	log    *logger.Logger
	db     *gorm.DB
	repo   products.CatalogueRepo
	events EventService
}

func NewCatalogueService(baseLog *logger.Logger, db *gorm.DB, repo products.CatalogueRepo, events EventService) CatalogueService {
	return &catalogueService{
		log:    baseLog.With("service", "CatalogueService"),
		db:     db,
		repo:   repo,
		events: events,
	}
}

func (s *catalogueService) IngestYAML(ctx context.Context, raw []byte) (*domain.Catalogue, Result) {
	var doc CatalogueDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		s.log.Warn("catalogue document parse failed", "error", err)
		return nil, failure("The catalogue document could not be parsed.")
	}
	return s.Ingest(ctx, &doc)
}

func (s *catalogueService) Ingest(ctx context.Context, doc *CatalogueDocument) (*domain.Catalogue, Result) {
	if doc == nil || doc.LimsID == "" {
		return nil, failure("The catalogue document does not name its LIMS.")
	}
	if len(doc.Products) == 0 {
		return nil, failure("The catalogue document contains no products.")
	}

	built, err := buildCatalogue(doc)
	if err != nil {
		s.log.Warn("catalogue document rejected", "lims_id", doc.LimsID, "error", err)
		return nil, failure(err.Error())
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txc := dbctx.Context{Ctx: ctx, Tx: tx}
		if err := s.repo.RetireCurrent(txc, doc.LimsID); err != nil {
			return err
		}
		if err := s.repo.CreateCatalogue(txc, built.catalogue); err != nil {
			return err
		}
		if err := s.repo.CreateProcesses(txc, built.processes); err != nil {
			return err
		}
		if err := s.repo.CreateModules(txc, built.modules); err != nil {
			return err
		}
		if err := s.repo.CreatePairings(txc, built.pairings); err != nil {
			return err
		}
		if err := s.repo.CreateProducts(txc, built.products); err != nil {
			return err
		}
		return s.repo.CreateProductProcesses(txc, built.productProcesses)
	})
	if txErr != nil {
		s.log.Error("catalogue ingestion failed", "lims_id", doc.LimsID, "error", txErr)
		return nil, failure(genericFailureMessage)
	}

	s.events.PublishCatalogueIngested(ctx, built.catalogue)
	s.log.Info("catalogue ingested",
		"lims_id", doc.LimsID,
		"catalogue_id", built.catalogue.ID.String(),
		"num_products", len(built.products))
	return built.catalogue, success("The catalogue has been ingested.")
}

type builtCatalogue struct {
	catalogue        *domain.Catalogue
	products         []*domain.Product
	processes        []*domain.Process
	productProcesses []*domain.ProductProcess
	modules          []*domain.ProcessModule
	pairings         []*domain.ProcessModulePairing
}

// buildCatalogue materializes the document into rows and rejects any
// process whose default-path edges do not form one start-to-end walk.
func buildCatalogue(doc *CatalogueDocument) (*builtCatalogue, error) {
	now := time.Now().UTC()
	out := &builtCatalogue{
		catalogue: &domain.Catalogue{
			ID:        uuid.New(),
			LimsID:    doc.LimsID,
			URL:       doc.URL,
			Pipeline:  doc.Pipeline,
			Current:   true,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}

	for pi := range doc.Products {
		pd := &doc.Products[pi]
		if pd.Name == "" {
			return nil, fmt.Errorf("Product %d has no name.", pi+1)
		}
		externalUUID, err := uuid.Parse(pd.ExternalUUID)
		if err != nil {
			return nil, fmt.Errorf("Product %s has a malformed uuid.", pd.Name)
		}
		availability := true
		if pd.Availability != nil {
			availability = *pd.Availability
		}
		version := pd.ProductVersion
		if version == 0 {
			version = 1
		}
		product := &domain.Product{
			ID:             uuid.New(),
			CatalogueID:    out.catalogue.ID,
			ExternalUUID:   externalUUID,
			Name:           pd.Name,
			Description:    pd.Description,
			ProductVersion: version,
			Availability:   availability,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		out.products = append(out.products, product)

		if len(pd.Processes) == 0 {
			return nil, fmt.Errorf("Product %s has no processes.", pd.Name)
		}
		for si := range pd.Processes {
			proc, modules, pairings, err := buildProcess(&pd.Processes[si], pd.Name, now)
			if err != nil {
				return nil, err
			}
			out.processes = append(out.processes, proc)
			out.modules = append(out.modules, modules...)
			out.pairings = append(out.pairings, pairings...)
			out.productProcesses = append(out.productProcesses, &domain.ProductProcess{
				ProductID: product.ID,
				ProcessID: proc.ID,
				Stage:     pd.Processes[si].Stage,
			})
		}
	}
	return out, nil
}

func buildProcess(sd *ProcessDocument, productName string, now time.Time) (*domain.Process, []*domain.ProcessModule, []*domain.ProcessModulePairing, error) {
	if sd.Name == "" {
		return nil, nil, nil, fmt.Errorf("Product %s has a process without a name.", productName)
	}
	externalUUID, err := uuid.Parse(sd.ExternalUUID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("Process %s has a malformed uuid.", sd.Name)
	}
	proc := &domain.Process{
		ID:           uuid.New(),
		ExternalUUID: externalUUID,
		Name:         sd.Name,
		TAT:          sd.TAT,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	moduleIDs := map[string]uuid.UUID{}
	var modules []*domain.ProcessModule
	var flatModules []domain.ProcessModule
	for _, md := range sd.Modules {
		if md.Name == "" || md.Name == catalogue.StartSentinel || md.Name == catalogue.EndSentinel {
			return nil, nil, nil, fmt.Errorf("Process %s has a module with a reserved or empty name.", sd.Name)
		}
		if _, dup := moduleIDs[md.Name]; dup {
			return nil, nil, nil, fmt.Errorf("Process %s declares module %s twice.", sd.Name, md.Name)
		}
		m := &domain.ProcessModule{
			ID:        uuid.New(),
			ProcessID: proc.ID,
			Name:      md.Name,
			MinValue:  md.MinValue,
			MaxValue:  md.MaxValue,
			CreatedAt: now,
			UpdatedAt: now,
		}
		moduleIDs[md.Name] = m.ID
		modules = append(modules, m)
		flatModules = append(flatModules, *m)
	}

	var pairings []*domain.ProcessModulePairing
	var flatPairings []domain.ProcessModulePairing
	for _, ed := range sd.Pairings {
		from, err := endpointID(ed.From, catalogue.StartSentinel, moduleIDs, sd.Name)
		if err != nil {
			return nil, nil, nil, err
		}
		to, err := endpointID(ed.To, catalogue.EndSentinel, moduleIDs, sd.Name)
		if err != nil {
			return nil, nil, nil, err
		}
		p := &domain.ProcessModulePairing{
			ID:           uuid.New(),
			ProcessID:    proc.ID,
			FromModuleID: from,
			ToModuleID:   to,
			DefaultPath:  ed.DefaultPath,
		}
		pairings = append(pairings, p)
		flatPairings = append(flatPairings, *p)
	}

	if _, err := catalogue.BuildDefaultPath(flatPairings, flatModules); err != nil {
		return nil, nil, nil, fmt.Errorf("Process %s has a malformed default path: %s.", sd.Name, err)
	}
	return proc, modules, pairings, nil
}

// endpointID resolves a pairing endpoint name: the sentinel maps to nil,
// anything else must be a declared module.
func endpointID(name, sentinel string, moduleIDs map[string]uuid.UUID, processName string) (*uuid.UUID, error) {
	if name == sentinel {
		return nil, nil
	}
	id, ok := moduleIDs[name]
	if !ok {
		return nil, fmt.Errorf("Process %s pairs unknown module %s.", processName, name)
	}
	return &id, nil
}
