package worker_test

import (
	"context"
	"testing"

	"flowline/internal/app"
	"flowline/internal/engine"
	"flowline/internal/outbox"
	"flowline/internal/repo"
	"flowline/internal/statemachine"
)

func newApp(t *testing.T) (*app.App, context.Context) {
	t.Helper()
	ctx := context.Background()
	a, err := app.Bootstrap(ctx, t.TempDir())
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a, ctx
}

// The built-in registry wires intake completion to assessment creation and
// tracks the intake turnaround SLA; one event batch should carry a finished
// intake all the way through both.
func TestEventBatchDrivesTriggersAndSLA(t *testing.T) {
	a, ctx := newApp(t)

	p, err := a.Engine.CreatePlan(ctx, "onboarding", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Engine.RequestTransition(ctx, statemachine.EntityPlan, p.ID, statemachine.StateActive, "tester", ""); err != nil {
		t.Fatal(err)
	}
	wi, err := a.Engine.CreateWorkItem(ctx, engine.CreateWorkItemOptions{Kind: "intake", PlanID: p.ID, Actor: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Engine.RequestTransition(ctx, statemachine.EntityWorkItem, wi.ID, statemachine.StateInProgress, "tester", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Engine.RequestTransition(ctx, statemachine.EntityWorkItem, wi.ID, statemachine.StateCompleted, "tester", ""); err != nil {
		t.Fatal(err)
	}

	dispatched, err := a.Runner.RunEventBatch(ctx)
	if err != nil {
		t.Fatalf("event batch: %v", err)
	}
	// plan created + activated, item created + two transitions
	if dispatched != 5 {
		t.Fatalf("dispatched = %d, want 5", dispatched)
	}
	// the assessment the trigger created enqueued one more record
	dispatched, err = a.Runner.RunEventBatch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if dispatched != 1 {
		t.Fatalf("second batch dispatched = %d, want 1", dispatched)
	}
	counts, err := a.Engine.Outbox.CountByStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[outbox.StatusPending] != 0 || counts[outbox.StatusFailed] != 0 {
		t.Fatalf("outbox counts = %v", counts)
	}

	// the completion trigger created an assessment in the same plan
	children, err := a.Engine.Repo.ListWorkItems(ctx, repo.WorkItemFilters{Kind: "assessment"})
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 1 {
		t.Fatalf("assessment items = %d, want 1", len(children))
	}
	if children[0].PlanID == nil || *children[0].PlanID != p.ID {
		t.Fatalf("assessment plan = %v, want %s", children[0].PlanID, p.ID)
	}

	// the intake SLA opened on in_progress and closed on completed
	recs, err := a.Engine.Repo.ListSLARecords(ctx, repo.SLARecordFilters{EntityID: wi.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("sla records = %d, want 1", len(recs))
	}
	if recs[0].ClosedAt == nil || recs[0].Breached {
		t.Fatalf("sla record = %+v, want closed and unbreached", recs[0])
	}

	// plan activation emitted its alert
	notes, err := a.Engine.Repo.ListNotifications(ctx, "alert", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 1 {
		t.Fatalf("alerts = %d, want 1", len(notes))
	}

	// nothing overdue
	breached, err := a.Runner.RunSLAScan(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if breached != 0 {
		t.Fatalf("breached = %d, want 0", breached)
	}
}

// A second batch after redelivering the completion event must not create a
// second assessment: the trigger claim survives in the store.
func TestRedeliveredBatchCreatesNoDuplicates(t *testing.T) {
	a, ctx := newApp(t)

	wi, err := a.Engine.CreateWorkItem(ctx, engine.CreateWorkItemOptions{Kind: "intake", Actor: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Engine.RequestTransition(ctx, statemachine.EntityWorkItem, wi.ID, statemachine.StateInProgress, "tester", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Engine.RequestTransition(ctx, statemachine.EntityWorkItem, wi.ID, statemachine.StateCompleted, "tester", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Runner.RunEventBatch(ctx); err != nil {
		t.Fatal(err)
	}

	// force every record back to pending, as if a crash lost the bookkeeping
	if _, err := a.DB.ExecContext(ctx, `UPDATE outbox SET status='pending', processed_at=NULL, claimed_at=NULL`); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Runner.RunEventBatch(ctx); err != nil {
		t.Fatal(err)
	}

	children, err := a.Engine.Repo.ListWorkItems(ctx, repo.WorkItemFilters{Kind: "assessment"})
	if err != nil {
		t.Fatal(err)
	}
	if len(children) != 1 {
		t.Fatalf("assessment items after redelivery = %d, want 1", len(children))
	}
	recs, err := a.Engine.Repo.ListSLARecords(ctx, repo.SLARecordFilters{EntityID: wi.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("sla records after redelivery = %d, want 1", len(recs))
	}
}
