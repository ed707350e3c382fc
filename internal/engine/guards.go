package engine

import (
	"context"
	"errors"

	"flowline/internal/repo"
	"flowline/internal/statemachine"
)

// GuardFunc is a predicate attached to a transition edge. Returning a
// *TransitionError with CodeGuardFailed rejects the transition; any other
// error aborts it as a storage failure.
type GuardFunc func(ctx context.Context, e Engine, snap Snapshot) error

type guardKey struct {
	entity string
	from   string
	to     string
}

// defaultGuards are evaluated after the edge check and before the state
// write. Registered per edge, mirroring the static transition tables.
var defaultGuards = map[guardKey]GuardFunc{
	{statemachine.EntityWorkItem, statemachine.StateNew, statemachine.StateInProgress}: guardPlanNotArchived,
}

// guardPlanNotArchived keeps work from starting inside an archived plan.
func guardPlanNotArchived(ctx context.Context, e Engine, snap Snapshot) error {
	if snap.WorkItem == nil || snap.WorkItem.PlanID == nil {
		return nil
	}
	p, err := e.Repo.GetPlan(ctx, *snap.WorkItem.PlanID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return guardFailed("plan %s not found", *snap.WorkItem.PlanID)
		}
		return err
	}
	if p.State == statemachine.StateArchived {
		return guardFailed("plan %s is archived", p.ID)
	}
	return nil
}

func (e Engine) guardFor(entity, from, to string) (GuardFunc, bool) {
	g, ok := defaultGuards[guardKey{entity, from, to}]
	return g, ok
}
