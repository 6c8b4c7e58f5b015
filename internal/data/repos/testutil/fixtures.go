package testutil

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/labstream/workplan-backend/internal/domain"
)

// Fixture is a minimal ready-to-order catalogue: one current catalogue,
// one product with two stages, each stage a linear default path of two
// modules.
type Fixture struct {
	Catalogue domain.Catalogue
	Product   domain.Product
	Processes []domain.Process
}

// SeedCatalogue inserts the fixture rows on the given connection and
// returns the ids the test needs.
func SeedCatalogue(tb testing.TB, conn *gorm.DB) *Fixture {
	tb.Helper()
	now := time.Now().UTC()

	cat := domain.Catalogue{
		ID:        uuid.New(),
		LimsID:    "sequencing",
		URL:       "http://lims.local/orders",
		Pipeline:  "DNA Sequencing",
		Current:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := conn.Create(&cat).Error; err != nil {
		tb.Fatalf("seed catalogue: %v", err)
	}

	product := domain.Product{
		ID:             uuid.New(),
		CatalogueID:    cat.ID,
		ExternalUUID:   uuid.New(),
		Name:           "Whole Genome Sequencing",
		ProductVersion: 1,
		Availability:   true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := conn.Create(&product).Error; err != nil {
		tb.Fatalf("seed product: %v", err)
	}

	var processes []domain.Process
	for stage, name := range []string{"Quality Control", "Sequencing"} {
		proc := seedProcess(tb, conn, name, now)
		if err := conn.Create(&domain.ProductProcess{
			ProductID: product.ID,
			ProcessID: proc.ID,
			Stage:     stage,
		}).Error; err != nil {
			tb.Fatalf("seed product process: %v", err)
		}
		processes = append(processes, proc)
	}

	return &Fixture{Catalogue: cat, Product: product, Processes: processes}
}

// seedProcess builds one stage with modules A then B on the default path.
func seedProcess(tb testing.TB, conn *gorm.DB, name string, now time.Time) domain.Process {
	tb.Helper()
	proc := domain.Process{
		ID:           uuid.New(),
		ExternalUUID: uuid.New(),
		Name:         name,
		TAT:          5,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := conn.Create(&proc).Error; err != nil {
		tb.Fatalf("seed process: %v", err)
	}

	modA := domain.ProcessModule{
		ID: uuid.New(), ProcessID: proc.ID, Name: name + " Prep",
		CreatedAt: now, UpdatedAt: now,
	}
	modB := domain.ProcessModule{
		ID: uuid.New(), ProcessID: proc.ID, Name: name + " Run",
		CreatedAt: now, UpdatedAt: now,
	}
	if err := conn.Create(&[]domain.ProcessModule{modA, modB}).Error; err != nil {
		tb.Fatalf("seed modules: %v", err)
	}

	pairings := []domain.ProcessModulePairing{
		{ID: uuid.New(), ProcessID: proc.ID, FromModuleID: nil, ToModuleID: &modA.ID, DefaultPath: true},
		{ID: uuid.New(), ProcessID: proc.ID, FromModuleID: &modA.ID, ToModuleID: &modB.ID, DefaultPath: true},
		{ID: uuid.New(), ProcessID: proc.ID, FromModuleID: &modB.ID, ToModuleID: nil, DefaultPath: true},
	}
	if err := conn.Create(&pairings).Error; err != nil {
		tb.Fatalf("seed pairings: %v", err)
	}

	proc.Modules = []domain.ProcessModule{modA, modB}
	proc.Pairings = pairings
	return proc
}

// SeedPlan inserts a construction-state plan owned by ownerEmail, wired to
// the fixture's product with default choices for every stage.
func SeedPlan(tb testing.TB, conn *gorm.DB, fx *Fixture, ownerEmail string, setUUID uuid.UUID, projectID int64) *domain.WorkPlan {
	tb.Helper()
	now := time.Now().UTC()

	plan := domain.WorkPlan{
		ID:              uuid.New(),
		OwnerEmail:      ownerEmail,
		OriginalSetUUID: &setUUID,
		ProjectID:       &projectID,
		ProductID:       &fx.Product.ID,
		Priority:        domain.PriorityStandard,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := conn.Create(&plan).Error; err != nil {
		tb.Fatalf("seed plan: %v", err)
	}

	for _, proc := range fx.Processes {
		for pos, mod := range proc.Modules {
			choice := domain.ProcessModuleChoice{
				ID:              uuid.New(),
				WorkPlanID:      plan.ID,
				ProcessID:       proc.ID,
				ProcessModuleID: mod.ID,
				Position:        pos,
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			if err := conn.Create(&choice).Error; err != nil {
				tb.Fatalf("seed choice: %v", err)
			}
		}
	}
	return &plan
}
