// Package engine is the transition core: it validates requested state
// changes against the static tables, runs edge guards, and commits the new
// state, its domain event, and the outbox record in one transaction.
// Nothing external is called synchronously; dispatch is the workers' job.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"flowline/internal/domain"
	"flowline/internal/events"
	"flowline/internal/outbox"
	"flowline/internal/repo"
	"flowline/internal/statemachine"
	"flowline/internal/telemetry"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Outbox  outbox.Store
	Metrics *telemetry.Metrics
	Now     func() time.Time
}

func New(db *sql.DB) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{},
		Outbox: outbox.Store{DB: db},
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Snapshot is a read-only view of one entity, handed to guards and trigger
// predicates.
type Snapshot struct {
	EntityType string           `json:"entity_type"`
	WorkItem   *domain.WorkItem `json:"work_item,omitempty"`
	Plan       *domain.Plan     `json:"plan,omitempty"`
}

func (s Snapshot) State() string {
	switch {
	case s.WorkItem != nil:
		return s.WorkItem.State
	case s.Plan != nil:
		return s.Plan.State
	}
	return ""
}

func (s Snapshot) Kind() string {
	if s.WorkItem != nil {
		return s.WorkItem.Kind
	}
	return ""
}

func (s Snapshot) CorrelationID() string {
	if s.WorkItem != nil {
		return s.WorkItem.CorrelationID
	}
	return ""
}

// GetEntity resolves an entity snapshot by type and id.
func (e Engine) GetEntity(ctx context.Context, entityType, entityID string) (Snapshot, error) {
	switch entityType {
	case statemachine.EntityWorkItem:
		wi, err := e.Repo.GetWorkItem(ctx, entityID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return Snapshot{}, entityNotFound("work item %s not found", entityID)
			}
			return Snapshot{}, err
		}
		return Snapshot{EntityType: entityType, WorkItem: &wi}, nil
	case statemachine.EntityPlan:
		p, err := e.Repo.GetPlan(ctx, entityID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return Snapshot{}, entityNotFound("plan %s not found", entityID)
			}
			return Snapshot{}, err
		}
		return Snapshot{EntityType: entityType, Plan: &p}, nil
	}
	return Snapshot{}, entityNotFound("unknown entity type %s", entityType)
}

// CreateWorkItemOptions are parameters for the creation path. ID may be set
// by callers needing deterministic ids (the create-work-item trigger action
// derives one from its idempotency key).
type CreateWorkItemOptions struct {
	ID            string
	Kind          string
	PlanID        string
	Actor         string
	CorrelationID string
}

func (e Engine) CreateWorkItem(ctx context.Context, opts CreateWorkItemOptions) (domain.WorkItem, error) {
	if opts.Kind == "" {
		return domain.WorkItem{}, errors.New("kind is required")
	}
	if opts.Actor == "" {
		return domain.WorkItem{}, errors.New("actor is required")
	}
	if opts.PlanID != "" {
		p, err := e.Repo.GetPlan(ctx, opts.PlanID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.WorkItem{}, entityNotFound("plan %s not found", opts.PlanID)
			}
			return domain.WorkItem{}, err
		}
		if p.State == statemachine.StateArchived {
			return domain.WorkItem{}, guardFailed("plan %s is archived", p.ID)
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	correlationID := opts.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	wi := domain.WorkItem{
		ID:            id,
		Kind:          opts.Kind,
		State:         statemachine.StateNew,
		CorrelationID: correlationID,
		Actor:         opts.Actor,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if opts.PlanID != "" {
		wi.PlanID = &opts.PlanID
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertWorkItemTx(ctx, tx, wi); err != nil {
		return domain.WorkItem{}, err
	}
	eventID, err := e.Events.Append(ctx, tx, events.Record{
		EventType:     events.TypeWorkItemCreated,
		EntityType:    statemachine.EntityWorkItem,
		EntityID:      wi.ID,
		EntityKind:    wi.Kind,
		ToState:       wi.State,
		CorrelationID: wi.CorrelationID,
		Actor:         wi.Actor,
	})
	if err != nil {
		return domain.WorkItem{}, err
	}
	if _, err := e.Outbox.Enqueue(ctx, tx, eventID); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	return wi, nil
}

func (e Engine) CreatePlan(ctx context.Context, name, actor string) (domain.Plan, error) {
	if name == "" {
		return domain.Plan{}, errors.New("name is required")
	}
	if actor == "" {
		return domain.Plan{}, errors.New("actor is required")
	}
	now := e.now().UTC().Format(time.RFC3339)
	p := domain.Plan{
		ID:        uuid.New().String(),
		Name:      name,
		State:     statemachine.StateDraft,
		Actor:     actor,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Plan{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertPlanTx(ctx, tx, p); err != nil {
		return domain.Plan{}, err
	}
	eventID, err := e.Events.Append(ctx, tx, events.Record{
		EventType:  events.TypePlanCreated,
		EntityType: statemachine.EntityPlan,
		EntityID:   p.ID,
		ToState:    p.State,
		Actor:      p.Actor,
	})
	if err != nil {
		return domain.Plan{}, err
	}
	if _, err := e.Outbox.Enqueue(ctx, tx, eventID); err != nil {
		return domain.Plan{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Plan{}, err
	}
	return p, nil
}

// TransitionResult reports a committed transition.
type TransitionResult struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	FromState  string `json:"from_state"`
	NewState   string `json:"new_state"`
	EventID    int64  `json:"event_id"`
}

// RequestTransition validates and commits one state change. Either the new
// state and its event are both durably recorded, or neither is.
func (e Engine) RequestTransition(ctx context.Context, entityType, entityID, targetState, actor, correlationID string) (TransitionResult, error) {
	res, err := e.requestTransition(ctx, entityType, entityID, targetState, actor, correlationID)
	outcome := "success"
	if err != nil {
		outcome = "rejected"
		var te *TransitionError
		if !errors.As(err, &te) {
			outcome = "error"
		}
	}
	e.Metrics.RecordTransition(ctx, entityType, outcome)
	return res, err
}

func (e Engine) requestTransition(ctx context.Context, entityType, entityID, targetState, actor, correlationID string) (TransitionResult, error) {
	def, ok := statemachine.ForEntity(entityType)
	if !ok {
		return TransitionResult{}, entityNotFound("unknown entity type %s", entityType)
	}
	if !def.ValidState(targetState) {
		return TransitionResult{}, invalidTransition("%s is not a %s state", targetState, entityType)
	}
	snap, err := e.GetEntity(ctx, entityType, entityID)
	if err != nil {
		return TransitionResult{}, err
	}
	current := snap.State()
	if !def.CanTransition(current, targetState) {
		return TransitionResult{}, invalidTransition("%s -> %s is not a valid %s transition", current, targetState, entityType)
	}
	if guard, ok := e.guardFor(entityType, current, targetState); ok {
		if err := guard(ctx, e, snap); err != nil {
			return TransitionResult{}, err
		}
	}
	if correlationID == "" {
		correlationID = snap.CorrelationID()
	}

	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return TransitionResult{}, err
	}
	defer tx.Rollback()

	var updated bool
	switch entityType {
	case statemachine.EntityWorkItem:
		updated, err = e.Repo.UpdateWorkItemStateTx(ctx, tx, entityID, current, targetState, actor, now)
	case statemachine.EntityPlan:
		updated, err = e.Repo.UpdatePlanStateTx(ctx, tx, entityID, current, targetState, actor, now)
	}
	if err != nil {
		return TransitionResult{}, err
	}
	if !updated {
		// Lost a concurrent write; caller must re-read and retry.
		return TransitionResult{}, invalidTransition("%s %s is no longer in state %s", entityType, entityID, current)
	}

	eventID, err := e.Events.Append(ctx, tx, events.Record{
		EventType:     eventTypeFor(entityType, targetState),
		EntityType:    entityType,
		EntityID:      entityID,
		EntityKind:    snap.Kind(),
		FromState:     current,
		ToState:       targetState,
		CorrelationID: correlationID,
		Actor:         actor,
	})
	if err != nil {
		return TransitionResult{}, err
	}
	if _, err := e.Outbox.Enqueue(ctx, tx, eventID); err != nil {
		return TransitionResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return TransitionResult{}, err
	}
	return TransitionResult{
		EntityType: entityType,
		EntityID:   entityID,
		FromState:  current,
		NewState:   targetState,
		EventID:    eventID,
	}, nil
}

// eventTypeFor names plan activation and archival explicitly; both archive
// edges (draft -> archived and active -> archived) produce the same type.
func eventTypeFor(entityType, toState string) string {
	if entityType == statemachine.EntityPlan {
		switch toState {
		case statemachine.StateActive:
			return events.TypePlanActivated
		case statemachine.StateArchived:
			return events.TypePlanArchived
		}
		return events.TypePlanStateChanged
	}
	return events.TypeWorkItemStateChanged
}
