package services

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/labstream/workplan-backend/internal/clients/broker"
	"github.com/labstream/workplan-backend/internal/clients/projects"
	"github.com/labstream/workplan-backend/internal/clients/sets"
	"github.com/labstream/workplan-backend/internal/data/repos/testutil"
	"github.com/labstream/workplan-backend/internal/platform/ctxutil"
	"github.com/labstream/workplan-backend/internal/platform/logger"
)

func testLogger(tb testing.TB) *logger.Logger {
	return testutil.Logger(tb)
}

func signedInCtx(email string, groups ...string) context.Context {
	return ctxutil.WithRequestData(context.Background(), &ctxutil.RequestData{
		UserEmail: email,
		Groups:    groups,
	})
}

// fakeSets is an in-memory stand-in for the set service. Sets hold
// materials; failures are injected per operation.
type fakeSets struct {
	mu sync.Mutex

	materials map[uuid.UUID][]sets.Material
	locked    map[uuid.UUID]bool
	owners    map[uuid.UUID]string
	byID      map[string]sets.Material

	created      []uuid.UUID
	destroyed    []uuid.UUID
	availability map[string]bool

	findErr         error
	createErr       error
	setMaterialsErr error
	// failSetMaterialsOnCall fails the nth SetMaterials call (1-based);
	// zero disables the injection.
	failSetMaterialsOnCall int
	setMaterialsCalls      int
	updateErr              error
	availabilityErr        error
}

func newFakeSets() *fakeSets {
	return &fakeSets{
		materials:    map[uuid.UUID][]sets.Material{},
		locked:       map[uuid.UUID]bool{},
		owners:       map[uuid.UUID]string{},
		byID:         map[string]sets.Material{},
		availability: map[string]bool{},
	}
}

// addSet registers a set with the given materials and returns its uuid.
func (f *fakeSets) addSet(materials ...sets.Material) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := uuid.New()
	f.materials[u] = materials
	for _, m := range materials {
		f.byID[m.ID] = m
	}
	return u
}

func material(id string, container uuid.UUID) sets.Material {
	return sets.Material{ID: id, ContainerUUID: container.String(), Available: true}
}

func (f *fakeSets) Find(_ context.Context, setUUID uuid.UUID) (*sets.Set, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	ms, ok := f.materials[setUUID]
	if !ok {
		return nil, fmt.Errorf("set %s not found", setUUID)
	}
	return &sets.Set{UUID: setUUID, Locked: f.locked[setUUID], Owner: f.owners[setUUID], Size: len(ms)}, nil
}

func (f *fakeSets) FindWithMaterials(_ context.Context, setUUID uuid.UUID) (*sets.Set, []sets.Material, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, nil, f.findErr
	}
	ms, ok := f.materials[setUUID]
	if !ok {
		return nil, nil, fmt.Errorf("set %s not found", setUUID)
	}
	out := make([]sets.Material, len(ms))
	copy(out, ms)
	return &sets.Set{UUID: setUUID, Locked: f.locked[setUUID], Size: len(ms)}, out, nil
}

func (f *fakeSets) Create(_ context.Context, _ string) (*sets.Set, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	u := uuid.New()
	f.materials[u] = nil
	f.created = append(f.created, u)
	return &sets.Set{UUID: u}, nil
}

func (f *fakeSets) CloneAndLock(_ context.Context, source uuid.UUID, _ string) (*sets.Set, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	src, ok := f.materials[source]
	if !ok {
		return nil, fmt.Errorf("set %s not found", source)
	}
	u := uuid.New()
	cloned := make([]sets.Material, len(src))
	copy(cloned, src)
	f.materials[u] = cloned
	f.locked[u] = true
	f.created = append(f.created, u)
	return &sets.Set{UUID: u, Locked: true, Size: len(cloned)}, nil
}

func (f *fakeSets) SetMaterials(_ context.Context, setUUID uuid.UUID, materialIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setMaterialsCalls++
	if f.setMaterialsErr != nil {
		return f.setMaterialsErr
	}
	if f.failSetMaterialsOnCall > 0 && f.setMaterialsCalls == f.failSetMaterialsOnCall {
		return fmt.Errorf("injected set materials failure")
	}
	ms := make([]sets.Material, 0, len(materialIDs))
	for _, id := range materialIDs {
		if m, ok := f.byID[id]; ok {
			ms = append(ms, m)
		} else {
			ms = append(ms, sets.Material{ID: id, ContainerUUID: uuid.New().String(), Available: true})
		}
	}
	f.materials[setUUID] = ms
	return nil
}

func (f *fakeSets) SetMaterialAvailability(_ context.Context, materialIDs []string, available bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.availabilityErr != nil {
		return f.availabilityErr
	}
	for _, id := range materialIDs {
		f.availability[id] = available
	}
	return nil
}

func (f *fakeSets) Update(_ context.Context, setUUID uuid.UUID, upd sets.Update) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	if upd.Locked != nil {
		f.locked[setUUID] = *upd.Locked
	}
	if upd.Owner != nil {
		f.owners[setUUID] = *upd.Owner
	}
	return nil
}

func (f *fakeSets) Destroy(_ context.Context, setUUID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, setUUID)
	delete(f.materials, setUUID)
	return nil
}

func (f *fakeSets) wasDestroyed(setUUID uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.destroyed {
		if u == setUUID {
			return true
		}
	}
	return false
}

// fakeBilling answers unit price lookups from a fixed table. Modules
// absent from the table come back unpriced.
type fakeBilling struct {
	prices map[string]float64
	err    error
}

func (f *fakeBilling) GetUnitPrices(_ context.Context, moduleNames []string, _ string) (map[string]float64, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := map[string]float64{}
	for _, name := range moduleNames {
		if p, ok := f.prices[name]; ok {
			out[name] = p
		}
	}
	return out, nil
}

func (f *fakeBilling) MissingUnitPrices(ctx context.Context, moduleNames []string, costCode string) ([]string, error) {
	prices, err := f.GetUnitPrices(ctx, moduleNames, costCode)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, name := range moduleNames {
		if _, ok := prices[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing, nil
}

// fakeProjects serves a small static hierarchy.
type fakeProjects struct {
	nodes        map[int64]*projects.Node
	authorizeErr error
}

func (f *fakeProjects) FindNode(_ context.Context, id int64) (*projects.Node, error) {
	n, ok := f.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %d not found", id)
	}
	return n, nil
}

func (f *fakeProjects) AuthorizeSpend(_ context.Context, _ int64, _ []string) error {
	return f.authorizeErr
}

// twoLevelProject wires a subproject under a parent carrying the cost
// code, the shape ResolveCostCode expects.
func twoLevelProject(projectID int64, costCode string) *fakeProjects {
	parentID := projectID + 1000
	return &fakeProjects{nodes: map[int64]*projects.Node{
		projectID: {ID: projectID, ParentID: &parentID, Name: "Subproject"},
		parentID:  {ID: parentID, Name: "Project", CostCode: costCode},
	}}
}

// fakeStamps denies the configured material ids and permits the rest.
type fakeStamps struct {
	denied []string
	err    error
}

func (f *fakeStamps) CheckConsume(_ context.Context, _ []string, _ []string) (bool, []string, error) {
	if f.err != nil {
		return false, nil, f.err
	}
	if len(f.denied) > 0 {
		return false, f.denied, nil
	}
	return true, nil, nil
}

type postedOrder struct {
	url     string
	payload any
}

type fakeLims struct {
	mu     sync.Mutex
	posted []postedOrder
	err    error
}

func (f *fakeLims) PostOrder(_ context.Context, url string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.posted = append(f.posted, postedOrder{url: url, payload: payload})
	return nil
}

type fakeBroker struct {
	mu       sync.Mutex
	events   []broker.Event
	working  bool
	pubErr   error
	disabled bool
}

func newFakeBroker() *fakeBroker { return &fakeBroker{working: true} }

func (f *fakeBroker) Publish(_ context.Context, ev broker.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pubErr != nil {
		return f.pubErr
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeBroker) Working(_ context.Context) bool { return f.working }
func (f *fakeBroker) EventsDisabled() bool           { return f.disabled }
func (f *fakeBroker) Close() error                   { return nil }

func (f *fakeBroker) eventTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev.EventType)
	}
	return out
}
