package statemachine

import "testing"

func TestWorkItemEdges(t *testing.T) {
	d, ok := ForEntity(EntityWorkItem)
	if !ok {
		t.Fatalf("work_item definition missing")
	}
	allowed := []Edge{
		{StateNew, StateInProgress},
		{StateInProgress, StateBlocked},
		{StateBlocked, StateInProgress},
		{StateNew, StateCompleted},
		{StateInProgress, StateCompleted},
		{StateNew, StateCancelled},
		{StateInProgress, StateCancelled},
		{StateBlocked, StateCancelled},
	}
	for _, e := range allowed {
		if !d.CanTransition(e.From, e.To) {
			t.Errorf("expected edge %s -> %s", e.From, e.To)
		}
	}
	denied := []Edge{
		{StateCompleted, StateInProgress},
		{StateCancelled, StateNew},
		{StateBlocked, StateCompleted},
		{StateNew, StateBlocked},
	}
	for _, e := range denied {
		if d.CanTransition(e.From, e.To) {
			t.Errorf("unexpected edge %s -> %s", e.From, e.To)
		}
	}
}

func TestPlanEdges(t *testing.T) {
	d, _ := ForEntity(EntityPlan)
	if !d.CanTransition(StateDraft, StateActive) {
		t.Errorf("draft -> active should be allowed")
	}
	if !d.CanTransition(StateDraft, StateArchived) {
		t.Errorf("draft -> archived should be allowed")
	}
	if !d.CanTransition(StateActive, StateArchived) {
		t.Errorf("active -> archived should be allowed")
	}
	if d.CanTransition(StateArchived, StateActive) {
		t.Errorf("archived is terminal")
	}
}

func TestTerminalStatesHaveNoOutgoingEdges(t *testing.T) {
	for _, entity := range EntityTypes() {
		d, _ := ForEntity(entity)
		for _, s := range d.States() {
			if !d.IsTerminal(s) {
				continue
			}
			for _, e := range d.Edges() {
				if e.From == s {
					t.Errorf("%s: terminal state %s has edge to %s", entity, s, e.To)
				}
			}
		}
	}
}

func TestUnknownEntity(t *testing.T) {
	if _, ok := ForEntity("iteration"); ok {
		t.Fatalf("unknown entity type should not resolve")
	}
}
