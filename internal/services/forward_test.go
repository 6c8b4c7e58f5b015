package services

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/labstream/workplan-backend/internal/domain"
	"github.com/labstream/workplan-backend/internal/platform/dbctx"
)

// dispatchedPlan runs a real dispatch and returns the plan with its
// first order's jobs, ready to be completed and forwarded.
func dispatchedPlan(t *testing.T, env *pipelineEnv) (*domain.WorkPlan, *domain.WorkOrder, []*domain.Job) {
	t.Helper()
	plan, _, _ := env.seedDispatchablePlan(t)
	if res := env.dispatch.DispatchPlan(signedInCtx("owner@example.com"), plan.ID); !res.OK {
		t.Fatalf("dispatch: %s", res.Messages.Error)
	}

	dbc := dbctx.Context{Ctx: context.Background()}
	created, err := env.orderRepo.GetByPlanID(dbc, plan.ID)
	if err != nil || len(created) != 1 {
		t.Fatalf("load dispatched order: %v", err)
	}
	jobs, err := env.jobRepo.GetByOrderID(dbc, created[0].ID)
	if err != nil || len(jobs) != 2 {
		t.Fatalf("load dispatched jobs: %v", err)
	}
	return plan, created[0], jobs
}

// completeJob reports a job finished with the given output set.
func completeJob(t *testing.T, env *pipelineEnv, jobID, outputSet uuid.UUID) {
	t.Helper()
	dbc := dbctx.Context{Ctx: context.Background()}
	if err := env.jobRepo.UpdateFields(dbc, jobID, map[string]interface{}{
		"output_set_uuid": outputSet,
		"completed_at":    time.Now().UTC(),
	}); err != nil {
		t.Fatalf("complete job: %v", err)
	}
}

func TestForwardJobs(t *testing.T) {
	env := newPipelineEnv(t)
	plan, firstOrder, jobs := dispatchedPlan(t, env)

	// Container one loses a material, container two survives whole.
	out1 := env.sets.addSet(material("m1", jobs[0].ContainerUUID))
	out2 := env.sets.addSet(material("m3", jobs[1].ContainerUUID))
	completeJob(t, env, jobs[0].ID, out1)
	completeJob(t, env, jobs[1].ID, out2)

	res := env.forward.ForwardJobs(signedInCtx("owner@example.com"), []uuid.UUID{jobs[0].ID, jobs[1].ID})
	if !res.OK {
		t.Fatalf("forward failed: %s", res.Messages.Error)
	}

	dbc := dbctx.Context{Ctx: context.Background()}
	all, err := env.orderRepo.GetByPlanID(dbc, plan.ID)
	if err != nil || len(all) != 2 {
		t.Fatalf("expected 2 orders after forwarding, got %d (%v)", len(all), err)
	}
	var next *domain.WorkOrder
	for _, o := range all {
		if o.ID != firstOrder.ID {
			next = o
		}
	}
	if next == nil || next.OrderIndex != 1 {
		t.Fatalf("next order missing or misindexed: %+v", next)
	}
	if next.ProcessID == firstOrder.ProcessID {
		t.Fatalf("next order stayed on the same stage")
	}
	// Two survivors at the second stage's 5.99 unit price.
	if next.TotalCost == nil || math.Abs(*next.TotalCost-11.98) > costTolerance {
		t.Fatalf("wrong next order cost: %v", next.TotalCost)
	}

	if next.SetUUID == nil {
		t.Fatalf("next order has no combined set")
	}
	combined := *next.SetUUID
	if !env.sets.locked[combined] {
		t.Fatalf("combined set not locked")
	}
	if env.sets.owners[combined] != plan.OwnerEmail {
		t.Fatalf("combined set not handed to the plan owner: %q", env.sets.owners[combined])
	}
	if got := len(env.sets.materials[combined]); got != 2 {
		t.Fatalf("combined set holds %d materials, expected 2", got)
	}

	nextJobs, err := env.jobRepo.GetByOrderID(dbc, next.ID)
	if err != nil || len(nextJobs) != 2 {
		t.Fatalf("expected 2 next-stage jobs, got %d (%v)", len(nextJobs), err)
	}

	forwarded, _ := env.jobRepo.GetByIDs(dbc, []uuid.UUID{jobs[0].ID, jobs[1].ID})
	for _, j := range forwarded {
		if !j.Forwarded() {
			t.Fatalf("job %s not stamped forwarded", j.ID)
		}
	}

	if len(env.lims.posted) != 2 {
		t.Fatalf("expected 2 LIMS posts (dispatch and forward), got %d", len(env.lims.posted))
	}
}

func TestForwardJobsIdempotence(t *testing.T) {
	env := newPipelineEnv(t)
	_, _, jobs := dispatchedPlan(t, env)
	out1 := env.sets.addSet(material("m1", jobs[0].ContainerUUID))
	out2 := env.sets.addSet(material("m3", jobs[1].ContainerUUID))
	completeJob(t, env, jobs[0].ID, out1)
	completeJob(t, env, jobs[1].ID, out2)
	ctx := signedInCtx("owner@example.com")
	ids := []uuid.UUID{jobs[0].ID, jobs[1].ID}

	if res := env.forward.ForwardJobs(ctx, ids); !res.OK {
		t.Fatalf("first forward failed: %s", res.Messages.Error)
	}
	res := env.forward.ForwardJobs(ctx, ids)
	if res.OK || res.Messages.Error != "Some of the selected jobs have already been forwarded." {
		t.Fatalf("second forward should be refused: %+v", res)
	}
}

func TestForwardJobsRequiresCompletion(t *testing.T) {
	env := newPipelineEnv(t)
	_, _, jobs := dispatchedPlan(t, env)

	res := env.forward.ForwardJobs(signedInCtx("owner@example.com"), []uuid.UUID{jobs[0].ID})
	if res.OK || res.Messages.Error != "Only completed jobs can be forwarded." {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestForwardJobsFinalStage(t *testing.T) {
	env := newPipelineEnv(t)
	plan, _, jobs := dispatchedPlan(t, env)
	out1 := env.sets.addSet(material("m1", jobs[0].ContainerUUID))
	out2 := env.sets.addSet(material("m3", jobs[1].ContainerUUID))
	completeJob(t, env, jobs[0].ID, out1)
	completeJob(t, env, jobs[1].ID, out2)
	ctx := signedInCtx("owner@example.com")

	if res := env.forward.ForwardJobs(ctx, []uuid.UUID{jobs[0].ID, jobs[1].ID}); !res.OK {
		t.Fatalf("forward to final stage failed: %s", res.Messages.Error)
	}

	dbc := dbctx.Context{Ctx: context.Background()}
	maxIdx, _, err := env.orderRepo.MaxOrderIndex(dbc, plan.ID)
	if err != nil || maxIdx != 1 {
		t.Fatalf("resolve latest order: %d (%v)", maxIdx, err)
	}
	all, _ := env.orderRepo.GetByPlanID(dbc, plan.ID)
	var lastOrder *domain.WorkOrder
	for _, o := range all {
		if o.OrderIndex == 1 {
			lastOrder = o
		}
	}
	lastJobs, err := env.jobRepo.GetByOrderID(dbc, lastOrder.ID)
	if err != nil || len(lastJobs) == 0 {
		t.Fatalf("load final stage jobs: %v", err)
	}
	finalOut := env.sets.addSet(material("m1", lastJobs[0].ContainerUUID))
	completeJob(t, env, lastJobs[0].ID, finalOut)
	var ids []uuid.UUID
	for _, j := range lastJobs {
		if j.ID != lastJobs[0].ID {
			completeJob(t, env, j.ID, env.sets.addSet(material("m3", j.ContainerUUID)))
		}
		ids = append(ids, j.ID)
	}

	res := env.forward.ForwardJobs(ctx, ids)
	if res.OK || res.Messages.Error != "These jobs belong to the final stage; there is nothing to forward to." {
		t.Fatalf("final stage forward should be refused: %+v", res)
	}
}

// TestForwardJobsRevisedSubset forwards a batch where one job's output
// was revised down to a strict subset: the revision is what travels, and
// forwarding locks it.
func TestForwardJobsRevisedSubset(t *testing.T) {
	env := newPipelineEnv(t)
	plan, firstOrder, jobs := dispatchedPlan(t, env)

	// Job one reports two materials but the revision keeps only one;
	// job two survives whole.
	reported := env.sets.addSet(material("m1", jobs[0].ContainerUUID), material("m2", jobs[0].ContainerUUID))
	revised := env.sets.addSet(material("m1", jobs[0].ContainerUUID))
	completeJob(t, env, jobs[0].ID, reported)
	dbc := dbctx.Context{Ctx: context.Background()}
	if err := env.jobRepo.UpdateFields(dbc, jobs[0].ID, map[string]interface{}{
		"revised_output_set_uuid": revised,
	}); err != nil {
		t.Fatalf("revise job: %v", err)
	}
	out2 := env.sets.addSet(material("m3", jobs[1].ContainerUUID))
	completeJob(t, env, jobs[1].ID, out2)

	res := env.forward.ForwardJobs(signedInCtx("owner@example.com"), []uuid.UUID{jobs[0].ID, jobs[1].ID})
	if !res.OK {
		t.Fatalf("forward failed: %s", res.Messages.Error)
	}

	if !env.sets.locked[revised] {
		t.Fatalf("revised output set not locked by forwarding")
	}
	if env.sets.locked[reported] {
		t.Fatalf("superseded output set should stay unlocked")
	}

	all, _ := env.orderRepo.GetByPlanID(dbc, plan.ID)
	var next *domain.WorkOrder
	for _, o := range all {
		if o.ID != firstOrder.ID {
			next = o
		}
	}
	if next == nil || next.SetUUID == nil {
		t.Fatalf("next order missing its combined set")
	}
	// The revision's one survivor plus job two's whole output.
	if got := len(env.sets.materials[*next.SetUUID]); got != 2 {
		t.Fatalf("combined set holds %d materials, expected 2", got)
	}

	forwarded, _ := env.jobRepo.GetByIDs(dbc, []uuid.UUID{jobs[0].ID, jobs[1].ID})
	for _, j := range forwarded {
		if !j.Forwarded() {
			t.Fatalf("job %s not stamped forwarded", j.ID)
		}
	}
}

func TestForwardJobsRejectsEmptyOutput(t *testing.T) {
	env := newPipelineEnv(t)
	_, _, jobs := dispatchedPlan(t, env)

	empty := env.sets.addSet()
	out2 := env.sets.addSet(material("m3", jobs[1].ContainerUUID))
	completeJob(t, env, jobs[0].ID, empty)
	completeJob(t, env, jobs[1].ID, out2)

	res := env.forward.ForwardJobs(signedInCtx("owner@example.com"), []uuid.UUID{jobs[0].ID, jobs[1].ID})
	if res.OK || res.Messages.Error != "Some of the selected jobs have an empty output set and cannot be forwarded." {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestForwardJobsRejectsEmptyRevision(t *testing.T) {
	env := newPipelineEnv(t)
	_, _, jobs := dispatchedPlan(t, env)

	// The revision supersedes a perfectly good output with nothing.
	reported := env.sets.addSet(material("m1", jobs[0].ContainerUUID))
	revised := env.sets.addSet()
	completeJob(t, env, jobs[0].ID, reported)
	dbc := dbctx.Context{Ctx: context.Background()}
	if err := env.jobRepo.UpdateFields(dbc, jobs[0].ID, map[string]interface{}{
		"revised_output_set_uuid": revised,
	}); err != nil {
		t.Fatalf("revise job: %v", err)
	}
	out2 := env.sets.addSet(material("m3", jobs[1].ContainerUUID))
	completeJob(t, env, jobs[1].ID, out2)

	res := env.forward.ForwardJobs(signedInCtx("owner@example.com"), []uuid.UUID{jobs[0].ID, jobs[1].ID})
	if res.OK || res.Messages.Error != "Some of the selected jobs have an empty output set and cannot be forwarded." {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestForwardJobsRejectedByLims(t *testing.T) {
	env := newPipelineEnv(t)
	_, _, jobs := dispatchedPlan(t, env)
	out1 := env.sets.addSet(material("m1", jobs[0].ContainerUUID))
	out2 := env.sets.addSet(material("m3", jobs[1].ContainerUUID))
	completeJob(t, env, jobs[0].ID, out1)
	completeJob(t, env, jobs[1].ID, out2)

	preCreated := len(env.sets.created)
	env.lims.err = fmt.Errorf("LIMS rejected the order")

	res := env.forward.ForwardJobs(signedInCtx("owner@example.com"), []uuid.UUID{jobs[0].ID, jobs[1].ID})
	if res.OK {
		t.Fatalf("expected forwarding to fail")
	}

	// The handover runs after the LIMS accepts, so a rejection leaves the
	// combined set unlocked and unowned before its destruction.
	combined := env.sets.created[preCreated]
	if env.sets.locked[combined] || env.sets.owners[combined] != "" {
		t.Fatalf("combined set handed over despite the rejection")
	}
	for _, u := range env.sets.created[preCreated:] {
		if !env.sets.wasDestroyed(u) {
			t.Fatalf("set %s leaked after rejected forwarding", u)
		}
	}

	reloaded, _ := env.jobRepo.GetByIDs(dbctx.Context{Ctx: context.Background()}, []uuid.UUID{jobs[0].ID, jobs[1].ID})
	for _, j := range reloaded {
		if j.Forwarded() {
			t.Fatalf("job %s stamped forwarded despite the rejection", j.ID)
		}
	}
}

func TestForwardJobsRevisedOutputMustShrink(t *testing.T) {
	env := newPipelineEnv(t)
	_, _, jobs := dispatchedPlan(t, env)

	// The revision carries exactly the reported materials: nothing was
	// removed, so it is not a valid revision.
	reported := env.sets.addSet(material("m1", jobs[0].ContainerUUID), material("m2", jobs[0].ContainerUUID))
	revised := env.sets.addSet(material("m1", jobs[0].ContainerUUID), material("m2", jobs[0].ContainerUUID))
	completeJob(t, env, jobs[0].ID, reported)
	dbc := dbctx.Context{Ctx: context.Background()}
	if err := env.jobRepo.UpdateFields(dbc, jobs[0].ID, map[string]interface{}{
		"revised_output_set_uuid": revised,
	}); err != nil {
		t.Fatalf("revise job: %v", err)
	}
	out2 := env.sets.addSet(material("m3", jobs[1].ContainerUUID))
	completeJob(t, env, jobs[1].ID, out2)

	res := env.forward.ForwardJobs(signedInCtx("owner@example.com"), []uuid.UUID{jobs[0].ID, jobs[1].ID})
	if res.OK || res.Messages.Error != "A revised output set must remove at least one material." {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestForwardJobsRevisedOutputCannotAdd(t *testing.T) {
	env := newPipelineEnv(t)
	_, _, jobs := dispatchedPlan(t, env)

	reported := env.sets.addSet(material("m1", jobs[0].ContainerUUID))
	revised := env.sets.addSet(material("m9", jobs[0].ContainerUUID))
	completeJob(t, env, jobs[0].ID, reported)
	dbc := dbctx.Context{Ctx: context.Background()}
	if err := env.jobRepo.UpdateFields(dbc, jobs[0].ID, map[string]interface{}{
		"revised_output_set_uuid": revised,
	}); err != nil {
		t.Fatalf("revise job: %v", err)
	}
	out2 := env.sets.addSet(material("m3", jobs[1].ContainerUUID))
	completeJob(t, env, jobs[1].ID, out2)

	res := env.forward.ForwardJobs(signedInCtx("owner@example.com"), []uuid.UUID{jobs[0].ID, jobs[1].ID})
	if res.OK || res.Messages.Error != "A revised output set may only remove materials, not add them." {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestForwardJobsNeedsWorkingBus(t *testing.T) {
	env := newPipelineEnv(t)
	_, _, jobs := dispatchedPlan(t, env)
	env.broker.working = false

	res := env.forward.ForwardJobs(signedInCtx("owner@example.com"), []uuid.UUID{jobs[0].ID})
	if res.OK || res.Messages.Error != "The event service is unavailable. Please try again later." {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestForwardJobsSameOrderOnly(t *testing.T) {
	env := newPipelineEnv(t)
	_, _, jobsA := dispatchedPlan(t, env)
	_, _, jobsB := dispatchedPlan(t, env)
	outA := env.sets.addSet(material("m1", jobsA[0].ContainerUUID))
	outB := env.sets.addSet(material("m3", jobsB[0].ContainerUUID))
	completeJob(t, env, jobsA[0].ID, outA)
	completeJob(t, env, jobsB[0].ID, outB)

	res := env.forward.ForwardJobs(signedInCtx("owner@example.com"), []uuid.UUID{jobsA[0].ID, jobsB[0].ID})
	if res.OK || res.Messages.Error != "All jobs in a forwarding batch must belong to the same work order." {
		t.Fatalf("unexpected result: %+v", res)
	}
}
