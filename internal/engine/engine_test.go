package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"flowline/internal/db"
	"flowline/internal/engine"
	"flowline/internal/events"
	"flowline/internal/migrate"
	"flowline/internal/statemachine"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func TestWorkItemLifecycle(t *testing.T) {
	env := newTestEnv(t)
	wi, err := env.Engine.CreateWorkItem(env.Ctx, engine.CreateWorkItemOptions{Kind: "intake", Actor: "tester"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if wi.State != statemachine.StateNew {
		t.Fatalf("initial state = %s, want new", wi.State)
	}
	if wi.CorrelationID == "" {
		t.Fatalf("expected generated correlation id")
	}

	res, err := env.Engine.RequestTransition(env.Ctx, statemachine.EntityWorkItem, wi.ID, statemachine.StateInProgress, "tester", "")
	if err != nil {
		t.Fatalf("to in_progress: %v", err)
	}
	if res.FromState != statemachine.StateNew || res.NewState != statemachine.StateInProgress {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, err := env.Engine.RequestTransition(env.Ctx, statemachine.EntityWorkItem, wi.ID, statemachine.StateCompleted, "tester", ""); err != nil {
		t.Fatalf("to completed: %v", err)
	}

	got, err := env.Engine.Repo.GetWorkItem(env.Ctx, wi.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != statemachine.StateCompleted {
		t.Fatalf("final state = %s, want completed", got.State)
	}

	// one creation event plus one per transition, in commit order
	evts, err := env.Engine.Repo.EventsForEntity(env.Ctx, statemachine.EntityWorkItem, wi.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 3 {
		t.Fatalf("events = %d, want 3", len(evts))
	}
	if evts[0].EventType != events.TypeWorkItemCreated {
		t.Fatalf("first event = %s", evts[0].EventType)
	}
	if evts[1].FromState != statemachine.StateNew || evts[2].ToState != statemachine.StateCompleted {
		t.Fatalf("event order wrong: %+v", evts)
	}
}

func TestInvalidTransitionLeavesNoTrace(t *testing.T) {
	env := newTestEnv(t)
	wi, err := env.Engine.CreateWorkItem(env.Ctx, engine.CreateWorkItemOptions{Kind: "intake", Actor: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	for _, target := range []string{statemachine.StateInProgress, statemachine.StateCompleted} {
		if _, err := env.Engine.RequestTransition(env.Ctx, statemachine.EntityWorkItem, wi.ID, target, "tester", ""); err != nil {
			t.Fatalf("to %s: %v", target, err)
		}
	}

	// completed is terminal
	_, err = env.Engine.RequestTransition(env.Ctx, statemachine.EntityWorkItem, wi.ID, statemachine.StateInProgress, "tester", "")
	var te *engine.TransitionError
	if !errors.As(err, &te) || te.Code != engine.CodeInvalidTransition {
		t.Fatalf("err = %v, want INVALID_TRANSITION", err)
	}

	got, err := env.Engine.Repo.GetWorkItem(env.Ctx, wi.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != statemachine.StateCompleted {
		t.Fatalf("state moved to %s on rejected transition", got.State)
	}
	evts, err := env.Engine.Repo.EventsForEntity(env.Ctx, statemachine.EntityWorkItem, wi.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 3 {
		t.Fatalf("rejected transition wrote an event: %d events", len(evts))
	}
}

func TestUnknownEntityAndState(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RequestTransition(env.Ctx, statemachine.EntityWorkItem, "missing", statemachine.StateInProgress, "tester", "")
	var te *engine.TransitionError
	if !errors.As(err, &te) || te.Code != engine.CodeEntityNotFound {
		t.Fatalf("err = %v, want ENTITY_NOT_FOUND", err)
	}

	wi, err := env.Engine.CreateWorkItem(env.Ctx, engine.CreateWorkItemOptions{Kind: "intake", Actor: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.RequestTransition(env.Ctx, statemachine.EntityWorkItem, wi.ID, "draft", "tester", "")
	if !errors.As(err, &te) || te.Code != engine.CodeInvalidTransition {
		t.Fatalf("plan state on work item: err = %v, want INVALID_TRANSITION", err)
	}
}

func TestPlanLifecycleEvents(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.CreatePlan(env.Ctx, "release", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if p.State != statemachine.StateDraft {
		t.Fatalf("initial plan state = %s", p.State)
	}
	if _, err := env.Engine.RequestTransition(env.Ctx, statemachine.EntityPlan, p.ID, statemachine.StateActive, "tester", ""); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if _, err := env.Engine.RequestTransition(env.Ctx, statemachine.EntityPlan, p.ID, statemachine.StateArchived, "tester", ""); err != nil {
		t.Fatalf("archive: %v", err)
	}
	evts, err := env.Engine.Repo.EventsForEntity(env.Ctx, statemachine.EntityPlan, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 3 {
		t.Fatalf("events = %d, want 3", len(evts))
	}
	if evts[1].EventType != events.TypePlanActivated || evts[2].EventType != events.TypePlanArchived {
		t.Fatalf("plan event types: %s, %s", evts[1].EventType, evts[2].EventType)
	}
}

func TestArchivedPlanGuards(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.CreatePlan(env.Ctx, "old", "tester")
	if err != nil {
		t.Fatal(err)
	}
	wi, err := env.Engine.CreateWorkItem(env.Ctx, engine.CreateWorkItemOptions{Kind: "intake", PlanID: p.ID, Actor: "tester"})
	if err != nil {
		t.Fatalf("create in draft plan: %v", err)
	}
	if _, err := env.Engine.RequestTransition(env.Ctx, statemachine.EntityPlan, p.ID, statemachine.StateArchived, "tester", ""); err != nil {
		t.Fatal(err)
	}

	// creation into an archived plan is refused
	_, err = env.Engine.CreateWorkItem(env.Ctx, engine.CreateWorkItemOptions{Kind: "intake", PlanID: p.ID, Actor: "tester"})
	var te *engine.TransitionError
	if !errors.As(err, &te) || te.Code != engine.CodeGuardFailed {
		t.Fatalf("create in archived plan: err = %v, want GUARD_FAILED", err)
	}

	// starting work inside an archived plan is refused
	_, err = env.Engine.RequestTransition(env.Ctx, statemachine.EntityWorkItem, wi.ID, statemachine.StateInProgress, "tester", "")
	if !errors.As(err, &te) || te.Code != engine.CodeGuardFailed {
		t.Fatalf("start in archived plan: err = %v, want GUARD_FAILED", err)
	}

	// cancelling it is still allowed
	if _, err := env.Engine.RequestTransition(env.Ctx, statemachine.EntityWorkItem, wi.ID, statemachine.StateCancelled, "tester", ""); err != nil {
		t.Fatalf("cancel in archived plan: %v", err)
	}
}

func TestOutboxRecordPerEvent(t *testing.T) {
	env := newTestEnv(t)
	wi, err := env.Engine.CreateWorkItem(env.Ctx, engine.CreateWorkItemOptions{Kind: "intake", Actor: "tester"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RequestTransition(env.Ctx, statemachine.EntityWorkItem, wi.ID, statemachine.StateInProgress, "tester", ""); err != nil {
		t.Fatal(err)
	}
	counts, err := env.Engine.Outbox.CountByStatus(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts["pending"] != 2 {
		t.Fatalf("pending outbox records = %d, want 2", counts["pending"])
	}
}
