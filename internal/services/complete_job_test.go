package services

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/labstream/workplan-backend/internal/domain"
	"github.com/labstream/workplan-backend/internal/platform/dbctx"
)

func TestStartJob(t *testing.T) {
	env := newPipelineEnv(t)
	_, _, jobs := dispatchedPlan(t, env)
	ctx := context.Background()

	if res := env.complete.StartJob(ctx, jobs[0].ID); !res.OK {
		t.Fatalf("start: %s", res.Messages.Error)
	}
	j, _ := env.jobRepo.GetByID(dbctx.Context{Ctx: ctx}, jobs[0].ID)
	if !j.Started() {
		t.Fatalf("job not stamped started")
	}

	// A second start callback is harmless.
	if res := env.complete.StartJob(ctx, jobs[0].ID); !res.OK {
		t.Fatalf("repeated start should succeed: %s", res.Messages.Error)
	}

	if res := env.complete.StartJob(ctx, uuid.New()); res.OK {
		t.Fatalf("unknown job should fail")
	}
}

func TestCompleteJobConcludesOrder(t *testing.T) {
	env := newPipelineEnv(t)
	_, order, jobs := dispatchedPlan(t, env)
	ctx := context.Background()

	out1 := env.sets.addSet(material("m1", jobs[0].ContainerUUID))
	res := env.complete.CompleteJob(ctx, jobs[0].ID, &JobCompletion{OutputSetUUID: &out1})
	if !res.OK {
		t.Fatalf("first completion: %s", res.Messages.Error)
	}

	dbc := dbctx.Context{Ctx: ctx}
	reloaded, _ := env.orderRepo.GetByID(dbc, order.ID)
	if reloaded.Status != domain.OrderStatusActive {
		t.Fatalf("order closed with a job still open: %s", reloaded.Status)
	}

	out2 := env.sets.addSet(material("m3", jobs[1].ContainerUUID))
	finished := env.sets.addSet(material("m1", jobs[0].ContainerUUID), material("m3", jobs[1].ContainerUUID))
	res = env.complete.CompleteJob(ctx, jobs[1].ID, &JobCompletion{OutputSetUUID: &out2, FinishedSetUUID: &finished})
	if !res.OK {
		t.Fatalf("second completion: %s", res.Messages.Error)
	}

	reloaded, _ = env.orderRepo.GetByID(dbc, order.ID)
	if reloaded.Status != domain.OrderStatusConcluded {
		t.Fatalf("order should be concluded, got %s", reloaded.Status)
	}
	if reloaded.FinishedSetUUID == nil || *reloaded.FinishedSetUUID != finished {
		t.Fatalf("finished set not recorded")
	}

	types := env.broker.eventTypes()
	if len(types) != 2 || types[1] != EventOrderConcluded {
		t.Fatalf("conclusion event not published: %v", types)
	}

	// A concluded job refuses further callbacks.
	res = env.complete.CompleteJob(ctx, jobs[0].ID, &JobCompletion{OutputSetUUID: &out1})
	if res.OK || res.Messages.Error != "This job has already concluded." {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestCompleteJobWithoutOutputBreaksOrder(t *testing.T) {
	env := newPipelineEnv(t)
	plan, order, jobs := dispatchedPlan(t, env)
	ctx := context.Background()

	res := env.complete.CompleteJob(ctx, jobs[0].ID, &JobCompletion{})
	if res.OK {
		t.Fatalf("malformed completion accepted")
	}

	dbc := dbctx.Context{Ctx: ctx}
	reloaded, _ := env.orderRepo.GetByID(dbc, order.ID)
	if reloaded.Status != domain.OrderStatusBroken {
		t.Fatalf("order should be broken, got %s", reloaded.Status)
	}
	replan, _ := env.planRepo.GetByID(dbc, plan.ID)
	if replan.Status() != domain.PlanStatusBroken {
		t.Fatalf("plan should derive broken, got %s", replan.Status())
	}
}

func TestCancelJobCancelsOrderWhenNothingCompleted(t *testing.T) {
	env := newPipelineEnv(t)
	_, order, jobs := dispatchedPlan(t, env)
	ctx := context.Background()

	for _, j := range jobs {
		if res := env.complete.CancelJob(ctx, j.ID); !res.OK {
			t.Fatalf("cancel job: %s", res.Messages.Error)
		}
	}

	reloaded, _ := env.orderRepo.GetByID(dbctx.Context{Ctx: ctx}, order.ID)
	if reloaded.Status != domain.OrderStatusCancelled {
		t.Fatalf("order should be cancelled, got %s", reloaded.Status)
	}
}

func TestCancelJobMixedOutcomeConcludesOrder(t *testing.T) {
	env := newPipelineEnv(t)
	_, order, jobs := dispatchedPlan(t, env)
	ctx := context.Background()

	out := env.sets.addSet(material("m1", jobs[0].ContainerUUID))
	if res := env.complete.CompleteJob(ctx, jobs[0].ID, &JobCompletion{OutputSetUUID: &out}); !res.OK {
		t.Fatalf("complete: %s", res.Messages.Error)
	}
	if res := env.complete.CancelJob(ctx, jobs[1].ID); !res.OK {
		t.Fatalf("cancel: %s", res.Messages.Error)
	}

	reloaded, _ := env.orderRepo.GetByID(dbctx.Context{Ctx: ctx}, order.ID)
	if reloaded.Status != domain.OrderStatusConcluded {
		t.Fatalf("order with one completed job should conclude, got %s", reloaded.Status)
	}
}
