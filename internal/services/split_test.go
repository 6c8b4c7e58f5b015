package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/labstream/workplan-backend/internal/clients/sets"
	"github.com/labstream/workplan-backend/internal/domain"
)

func TestContainerSplitterGroupsByContainer(t *testing.T) {
	c1, c2 := uuid.New(), uuid.New()
	materials := []sets.Material{
		material("m1", c1),
		material("m2", c2),
		material("m3", c1),
		material("m4", c2),
	}

	var containers []uuid.UUID
	groups := map[uuid.UUID][]string{}
	err := ContainerSplitter{}.WithEachSplit(materials, func(cu uuid.UUID, ids []string) error {
		containers = append(containers, cu)
		groups[cu] = ids
		return nil
	})
	if err != nil {
		t.Fatalf("WithEachSplit: %v", err)
	}

	if len(containers) != 2 || containers[0] != c1 || containers[1] != c2 {
		t.Fatalf("containers out of first-seen order: %v", containers)
	}
	if len(groups[c1]) != 2 || groups[c1][0] != "m1" || groups[c1][1] != "m3" {
		t.Fatalf("container 1 grouping wrong: %v", groups[c1])
	}
	if len(groups[c2]) != 2 || groups[c2][0] != "m2" || groups[c2][1] != "m4" {
		t.Fatalf("container 2 grouping wrong: %v", groups[c2])
	}
}

func TestContainerSplitterRejectsMalformedContainer(t *testing.T) {
	materials := []sets.Material{{ID: "m1", ContainerUUID: "not-a-uuid", Available: true}}
	err := ContainerSplitter{}.WithEachSplit(materials, func(uuid.UUID, []string) error { return nil })
	if err == nil {
		t.Fatalf("expected error for malformed container uuid")
	}
}

func TestSplitOrderSetCreatesLockedSets(t *testing.T) {
	ctx := context.Background()
	fs := newFakeSets()
	svc := NewSplitService(testLogger(t), fs, nil)

	c1, c2 := uuid.New(), uuid.New()
	materials := []sets.Material{
		material("m1", c1),
		material("m2", c1),
		material("m3", c2),
	}
	order := &domain.WorkOrder{ID: uuid.New(), CreatedAt: time.Now()}

	jobs, created, err := svc.SplitOrderSet(ctx, order, materials, "Work order test")
	if err != nil {
		t.Fatalf("SplitOrderSet: %v", err)
	}
	if len(jobs) != 2 || len(created) != 2 {
		t.Fatalf("expected 2 jobs and 2 sets, got %d jobs, %d sets", len(jobs), len(created))
	}

	if jobs[0].ContainerUUID != c1 || jobs[1].ContainerUUID != c2 {
		t.Fatalf("jobs not grouped per container")
	}
	for i, j := range jobs {
		if j.WorkOrderID != order.ID {
			t.Fatalf("job %d not tied to order", i)
		}
		if j.InputSetUUID == nil || *j.InputSetUUID != created[i] {
			t.Fatalf("job %d input set wrong", i)
		}
		if !fs.locked[created[i]] {
			t.Fatalf("split set %d not locked", i)
		}
	}
	if len(fs.materials[created[0]]) != 2 || len(fs.materials[created[1]]) != 1 {
		t.Fatalf("split sets hold wrong materials")
	}
}

func TestSplitOrderSetDestroysSetsOnFailure(t *testing.T) {
	ctx := context.Background()
	fs := newFakeSets()
	// First split set fills fine, the second fails mid-way.
	fs.failSetMaterialsOnCall = 2
	svc := NewSplitService(testLogger(t), fs, nil)

	materials := []sets.Material{
		material("m1", uuid.New()),
		material("m2", uuid.New()),
	}
	order := &domain.WorkOrder{ID: uuid.New(), CreatedAt: time.Now()}

	_, _, err := svc.SplitOrderSet(ctx, order, materials, "Work order test")
	if err == nil {
		t.Fatalf("expected split failure")
	}
	if len(fs.created) != 2 {
		t.Fatalf("expected 2 created sets before failure, got %d", len(fs.created))
	}
	for _, u := range fs.created {
		if !fs.wasDestroyed(u) {
			t.Fatalf("set %s leaked after failed split", u)
		}
	}
}
