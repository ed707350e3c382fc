package events

import (
	"context"
	"database/sql"
	"time"
)

// Event type names emitted by the engine.
const (
	TypeWorkItemCreated      = "WorkItemCreated"
	TypeWorkItemStateChanged = "WorkItemStateChanged"
	TypePlanCreated          = "PlanCreated"
	TypePlanActivated        = "PlanActivated"
	TypePlanArchived         = "PlanArchived"
	TypePlanStateChanged     = "PlanStateChanged"
)

// Writer appends domain events inside the caller's transaction.
type Writer struct {
	Now func() time.Time
}

type Record struct {
	EventType     string
	EntityType    string
	EntityID      string
	EntityKind    string
	FromState     string
	ToState       string
	CorrelationID string
	Actor         string
}

// Append inserts the event and returns its id. It must run inside the same
// transaction as the state change it records.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, rec Record) (int64, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx,
		`INSERT INTO events(event_type,entity_type,entity_id,entity_kind,from_state,to_state,correlation_id,actor,occurred_at)
		 VALUES (?,?,?,?,?,?,?,?,?)`,
		rec.EventType, rec.EntityType, rec.EntityID, nullable(rec.EntityKind), nullable(rec.FromState),
		rec.ToState, nullable(rec.CorrelationID), rec.Actor, ts)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
