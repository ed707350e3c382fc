package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"flowline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- work items ---

func (r Repo) InsertWorkItemTx(ctx context.Context, tx *sql.Tx, wi domain.WorkItem) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO work_items(id,kind,state,plan_id,correlation_id,actor,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		wi.ID, wi.Kind, wi.State, nullableStringPtr(wi.PlanID), wi.CorrelationID, wi.Actor, wi.CreatedAt, wi.UpdatedAt)
	return err
}

func scanWorkItem(row *sql.Row) (domain.WorkItem, error) {
	var wi domain.WorkItem
	var planID sql.NullString
	err := row.Scan(&wi.ID, &wi.Kind, &wi.State, &planID, &wi.CorrelationID, &wi.Actor, &wi.CreatedAt, &wi.UpdatedAt)
	if err == sql.ErrNoRows {
		return wi, ErrNotFound
	}
	if planID.Valid {
		wi.PlanID = &planID.String
	}
	return wi, err
}

const workItemColumns = `id,kind,state,plan_id,correlation_id,actor,created_at,updated_at`

func (r Repo) GetWorkItem(ctx context.Context, id string) (domain.WorkItem, error) {
	return scanWorkItem(r.DB.QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id=?`, id))
}

// UpdateWorkItemStateTx performs the conditional state write that serializes
// concurrent transitions on the same entity. Zero rows affected means the
// caller lost the race (or the state moved underneath it).
func (r Repo) UpdateWorkItemStateTx(ctx context.Context, tx *sql.Tx, id, fromState, toState, actor, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE work_items SET state=?, actor=?, updated_at=? WHERE id=? AND state=?`,
		toState, actor, updatedAt, id, fromState)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type WorkItemFilters struct {
	Kind   string
	State  string
	PlanID string
	Limit  int
}

func (r Repo) ListWorkItems(ctx context.Context, f WorkItemFilters) ([]domain.WorkItem, error) {
	var (
		where []string
		args  []any
	)
	if f.Kind != "" {
		where = append(where, "kind=?")
		args = append(args, f.Kind)
	}
	if f.State != "" {
		where = append(where, "state=?")
		args = append(args, f.State)
	}
	if f.PlanID != "" {
		where = append(where, "plan_id=?")
		args = append(args, f.PlanID)
	}
	q := `SELECT ` + workItemColumns + ` FROM work_items`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.WorkItem
	for rows.Next() {
		var wi domain.WorkItem
		var planID sql.NullString
		if err := rows.Scan(&wi.ID, &wi.Kind, &wi.State, &planID, &wi.CorrelationID, &wi.Actor, &wi.CreatedAt, &wi.UpdatedAt); err != nil {
			return nil, err
		}
		if planID.Valid {
			wi.PlanID = &planID.String
		}
		out = append(out, wi)
	}
	return out, rows.Err()
}

// --- plans ---

func (r Repo) InsertPlanTx(ctx context.Context, tx *sql.Tx, p domain.Plan) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO plans(id,name,state,actor,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		p.ID, p.Name, p.State, p.Actor, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetPlan(ctx context.Context, id string) (domain.Plan, error) {
	var p domain.Plan
	err := r.DB.QueryRowContext(ctx,
		`SELECT id,name,state,actor,created_at,updated_at FROM plans WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &p.State, &p.Actor, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) UpdatePlanStateTx(ctx context.Context, tx *sql.Tx, id, fromState, toState, actor, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE plans SET state=?, actor=?, updated_at=? WHERE id=? AND state=?`,
		toState, actor, updatedAt, id, fromState)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) ListPlans(ctx context.Context, state string, limit int) ([]domain.Plan, error) {
	q := `SELECT id,name,state,actor,created_at,updated_at FROM plans`
	var args []any
	if state != "" {
		q += " WHERE state=?"
		args = append(args, state)
	}
	q += " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Plan
	for rows.Next() {
		var p domain.Plan
		if err := rows.Scan(&p.ID, &p.Name, &p.State, &p.Actor, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- events ---

const eventColumns = `id,event_type,entity_type,entity_id,COALESCE(entity_kind,''),COALESCE(from_state,''),to_state,COALESCE(correlation_id,''),actor,occurred_at`

func scanEvent(scanner interface{ Scan(...any) error }) (domain.Event, error) {
	var e domain.Event
	err := scanner.Scan(&e.ID, &e.EventType, &e.EntityType, &e.EntityID, &e.EntityKind,
		&e.FromState, &e.ToState, &e.CorrelationID, &e.Actor, &e.OccurredAt)
	return e, err
}

func (r Repo) GetEvent(ctx context.Context, id int64) (domain.Event, error) {
	e, err := scanEvent(r.DB.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	return e, err
}

type EventFilters struct {
	EventType  string
	EntityType string
	EntityID   string
	Limit      int
}

func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	var (
		where []string
		args  []any
	)
	if f.EventType != "" {
		where = append(where, "event_type=?")
		args = append(args, f.EventType)
	}
	if f.EntityType != "" {
		where = append(where, "entity_type=?")
		args = append(args, f.EntityType)
	}
	if f.EntityID != "" {
		where = append(where, "entity_id=?")
		args = append(args, f.EntityID)
	}
	q := `SELECT ` + eventColumns + ` FROM events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q += fmt.Sprintf(" LIMIT %d", limit)
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// EventsForEntity returns an entity's events in commit order.
func (r Repo) EventsForEntity(ctx context.Context, entityType, entityID string) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE entity_type=? AND entity_id=? ORDER BY id ASC`,
		entityType, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- notifications ---

func (r Repo) InsertNotification(ctx context.Context, n domain.Notification) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO notifications(id,kind,entity_id,message,payload_json,created_at) VALUES (?,?,?,?,?,?)`,
		n.ID, n.Kind, nullable(n.EntityID), n.Message, nullable(n.PayloadJSON), n.CreatedAt)
	return err
}

func (r Repo) ListNotifications(ctx context.Context, kind string, limit int) ([]domain.Notification, error) {
	q := `SELECT id,kind,COALESCE(entity_id,''),message,COALESCE(payload_json,''),created_at FROM notifications`
	var args []any
	if kind != "" {
		q += " WHERE kind=?"
		args = append(args, kind)
	}
	q += " ORDER BY created_at DESC, id DESC"
	if limit <= 0 {
		limit = 50
	}
	q += fmt.Sprintf(" LIMIT %d", limit)
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Notification
	for rows.Next() {
		var n domain.Notification
		if err := rows.Scan(&n.ID, &n.Kind, &n.EntityID, &n.Message, &n.PayloadJSON, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
