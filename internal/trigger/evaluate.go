// Package trigger evaluates automation rules against events drained from
// the outbox and executes their actions. Rule failures never propagate back
// to the transition that produced the event.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"flowline/internal/domain"
	"flowline/internal/engine"
	"flowline/internal/statemachine"
	"flowline/internal/telemetry"
)

// Evaluation outcomes, also used as metric labels.
const (
	OutcomeExecuted       = "executed"
	OutcomeNoMatch        = "no_match"
	OutcomePredicateError = "predicate_error"
	OutcomeSkippedDup     = "skipped_duplicate"
	OutcomeActionRejected = "action_rejected"
)

type ActionResult struct {
	TriggerName string `json:"trigger"`
	Action      string `json:"action"`
	Outcome     string `json:"outcome"`
	Detail      string `json:"detail,omitempty"`
}

type Evaluator struct {
	Registry *Holder
	Engine   engine.Engine
	Metrics  *telemetry.Metrics
	Now      func() time.Time
}

func (ev Evaluator) now() time.Time {
	if ev.Now != nil {
		return ev.Now()
	}
	return time.Now()
}

// Evaluate runs every matching rule against one event. Predicate errors and
// rejected nested transitions are logged and recorded in the results; only
// storage failures return an error, which sends the outbox record back for
// retry.
func (ev Evaluator) Evaluate(ctx context.Context, evt domain.Event) ([]ActionResult, error) {
	rules := ev.Registry.Load().Match(evt)
	if len(rules) == 0 {
		return nil, nil
	}

	fields := ev.eventFields(ctx, evt)
	var results []ActionResult
	var retryable []error
	for _, rule := range rules {
		res, err := ev.evaluateRule(ctx, rule, evt, fields)
		results = append(results, res)
		ev.Metrics.RecordTriggerEvaluation(ctx, rule.Name, res.Outcome)
		if err != nil {
			retryable = append(retryable, fmt.Errorf("trigger %s: %w", rule.Name, err))
		}
	}
	return results, errors.Join(retryable...)
}

// eventFields builds the predicate field map from the event and, where the
// entity still exists, a read-only snapshot of it.
func (ev Evaluator) eventFields(ctx context.Context, evt domain.Event) map[string]string {
	fields := map[string]string{
		"event_type":     evt.EventType,
		"entity_type":    evt.EntityType,
		"entity_id":      evt.EntityID,
		"entity_kind":    evt.EntityKind,
		"kind":           evt.EntityKind,
		"from_state":     evt.FromState,
		"to_state":       evt.ToState,
		"correlation_id": evt.CorrelationID,
		"actor":          evt.Actor,
		"plan_id":        "",
		"state":          evt.ToState,
	}
	snap, err := ev.Engine.GetEntity(ctx, evt.EntityType, evt.EntityID)
	if err == nil {
		fields["state"] = snap.State()
		if snap.WorkItem != nil && snap.WorkItem.PlanID != nil {
			fields["plan_id"] = *snap.WorkItem.PlanID
		}
	}
	return fields
}

func (ev Evaluator) evaluateRule(ctx context.Context, rule Rule, evt domain.Event, fields map[string]string) (ActionResult, error) {
	res := ActionResult{TriggerName: rule.Name, Action: rule.Action}

	matched, err := rule.Predicate.Eval(fields)
	if err != nil {
		// A predicate error is "did not match", logged, never fatal to the event.
		log.Printf("trigger %s: predicate error on event %d: %v", rule.Name, evt.ID, err)
		res.Outcome = OutcomePredicateError
		res.Detail = err.Error()
		return res, nil
	}
	if !matched {
		res.Outcome = OutcomeNoMatch
		return res, nil
	}

	switch rule.Action {
	case "create-work-item":
		return ev.actionCreateWorkItem(ctx, rule, evt, res)
	case "update-work-item-state":
		return ev.actionUpdateState(ctx, rule, evt, res)
	case "emit-alert":
		return ev.actionEmitAlert(ctx, rule, evt, res)
	case "call-webhook":
		return ev.actionCallWebhook(ctx, rule, evt, res)
	}
	res.Outcome = OutcomePredicateError
	res.Detail = fmt.Sprintf("unknown action %q", rule.Action)
	return res, nil
}

func (ev Evaluator) actorFor(rule Rule) string {
	return "automation:" + rule.Name
}

// actionCreateWorkItem issues a child through the engine's creation path.
// The (trigger, correlation) claim plus a deterministic child id make
// redelivered outbox records create at most one child.
func (ev Evaluator) actionCreateWorkItem(ctx context.Context, rule Rule, evt domain.Event, res ActionResult) (ActionResult, error) {
	key := evt.CorrelationID
	if key == "" {
		key = evt.EntityID
	}
	claimed, err := ev.Engine.Repo.ClaimTriggerAction(ctx, rule.ID, key, ev.now().UTC().Format(time.RFC3339))
	if err != nil {
		return res, err
	}
	if !claimed {
		res.Outcome = OutcomeSkippedDup
		return res, nil
	}

	planID := rule.Params.PlanID
	if rule.Params.SamePlan {
		if snap, err := ev.Engine.GetEntity(ctx, evt.EntityType, evt.EntityID); err == nil && snap.WorkItem != nil && snap.WorkItem.PlanID != nil {
			planID = *snap.WorkItem.PlanID
		}
	}
	kind := rule.Params.Kind
	if kind == "" {
		kind = evt.EntityKind
	}
	childID := uuid.NewSHA1(uuid.NameSpaceOID, []byte(rule.ID+"|"+key)).String()
	wi, err := ev.Engine.CreateWorkItem(ctx, engine.CreateWorkItemOptions{
		ID:            childID,
		Kind:          kind,
		PlanID:        planID,
		Actor:         ev.actorFor(rule),
		CorrelationID: key,
	})
	if err != nil {
		var te *engine.TransitionError
		if errors.As(err, &te) {
			log.Printf("trigger %s: create work item rejected: %v", rule.Name, err)
			res.Outcome = OutcomeActionRejected
			res.Detail = err.Error()
			return res, nil
		}
		return res, err
	}
	if err := ev.Engine.Repo.SetTriggerActionEntity(ctx, rule.ID, key, wi.ID); err != nil {
		return res, err
	}
	res.Outcome = OutcomeExecuted
	res.Detail = wi.ID
	return res, nil
}

// actionUpdateState issues a nested transition. Failures are logged and
// recorded, never retried here, and never roll back the original event.
func (ev Evaluator) actionUpdateState(ctx context.Context, rule Rule, evt domain.Event, res ActionResult) (ActionResult, error) {
	if rule.Params.TargetState == "" {
		res.Outcome = OutcomeActionRejected
		res.Detail = "target_state not set"
		return res, nil
	}
	entityID := rule.Params.EntityID
	if entityID == "" {
		entityID = evt.EntityID
	}
	result, err := ev.Engine.RequestTransition(ctx, statemachine.EntityWorkItem, entityID, rule.Params.TargetState, ev.actorFor(rule), evt.CorrelationID)
	if err != nil {
		var te *engine.TransitionError
		if errors.As(err, &te) {
			log.Printf("trigger %s: nested transition rejected: %v", rule.Name, err)
			res.Outcome = OutcomeActionRejected
			res.Detail = err.Error()
			return res, nil
		}
		return res, err
	}
	res.Outcome = OutcomeExecuted
	res.Detail = result.NewState
	return res, nil
}

func (ev Evaluator) actionEmitAlert(ctx context.Context, rule Rule, evt domain.Event, res ActionResult) (ActionResult, error) {
	msg := rule.Params.Message
	if msg == "" {
		msg = rule.Name
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return res, err
	}
	n := domain.Notification{
		ID:          uuid.New().String(),
		Kind:        "alert",
		EntityID:    evt.EntityID,
		Message:     msg,
		PayloadJSON: string(payload),
		CreatedAt:   ev.now().UTC().Format(time.RFC3339),
	}
	if err := ev.Engine.Repo.InsertNotification(ctx, n); err != nil {
		return res, err
	}
	res.Outcome = OutcomeExecuted
	res.Detail = n.ID
	return res, nil
}

// actionCallWebhook enqueues an outbound delivery; the webhook dispatcher
// owns the retry policy from there.
func (ev Evaluator) actionCallWebhook(ctx context.Context, rule Rule, evt domain.Event, res ActionResult) (ActionResult, error) {
	if rule.Params.URL == "" {
		res.Outcome = OutcomeActionRejected
		res.Detail = "url not set"
		return res, nil
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return res, err
	}
	id, err := ev.Engine.Repo.InsertWebhookDelivery(ctx, domain.WebhookDelivery{
		URL:         rule.Params.URL,
		EventID:     evt.ID,
		PayloadJSON: string(payload),
		CreatedAt:   ev.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return res, err
	}
	res.Outcome = OutcomeExecuted
	res.Detail = fmt.Sprintf("delivery %d", id)
	return res, nil
}
