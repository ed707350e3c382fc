package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"flowline/internal/domain"
)

// Trigger and SLA definitions registered at runtime persist here; the
// in-memory registries are rebuilt from these rows plus the YAML defaults.

func (r Repo) UpsertTrigger(ctx context.Context, t domain.Trigger) error {
	enabled := 0
	if t.Enabled {
		enabled = 1
	}
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO triggers(id,name,event_type,entity_kind,predicate_json,action,params_json,enabled,created_at)
		 VALUES (?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(name) DO UPDATE SET
		   event_type=excluded.event_type,
		   entity_kind=excluded.entity_kind,
		   predicate_json=excluded.predicate_json,
		   action=excluded.action,
		   params_json=excluded.params_json,
		   enabled=excluded.enabled`,
		t.ID, t.Name, t.EventType, nullable(t.EntityKind), nullable(t.PredicateJSON),
		t.Action, nullable(t.ParamsJSON), enabled, t.CreatedAt)
	return err
}

func (r Repo) ListTriggers(ctx context.Context) ([]domain.Trigger, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,name,event_type,COALESCE(entity_kind,''),COALESCE(predicate_json,''),action,COALESCE(params_json,''),enabled,created_at
		 FROM triggers ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Trigger
	for rows.Next() {
		var t domain.Trigger
		var enabled int
		if err := rows.Scan(&t.ID, &t.Name, &t.EventType, &t.EntityKind, &t.PredicateJSON,
			&t.Action, &t.ParamsJSON, &enabled, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Enabled = enabled == 1
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r Repo) GetTrigger(ctx context.Context, id string) (domain.Trigger, error) {
	var t domain.Trigger
	var enabled int
	err := r.DB.QueryRowContext(ctx,
		`SELECT id,name,event_type,COALESCE(entity_kind,''),COALESCE(predicate_json,''),action,COALESCE(params_json,''),enabled,created_at
		 FROM triggers WHERE id=?`, id).
		Scan(&t.ID, &t.Name, &t.EventType, &t.EntityKind, &t.PredicateJSON, &t.Action, &t.ParamsJSON, &enabled, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	t.Enabled = enabled == 1
	return t, err
}

// ClaimTriggerAction records that a create-action trigger already fired for a
// correlation id. Returns false when a previous delivery of the same event
// claimed it, making redelivered outbox records no-ops.
func (r Repo) ClaimTriggerAction(ctx context.Context, triggerID, correlationID, createdAt string) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`INSERT OR IGNORE INTO trigger_actions(trigger_id,correlation_id,created_at) VALUES (?,?,?)`,
		triggerID, correlationID, createdAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) SetTriggerActionEntity(ctx context.Context, triggerID, correlationID, entityID string) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE trigger_actions SET created_entity_id=? WHERE trigger_id=? AND correlation_id=?`,
		entityID, triggerID, correlationID)
	return err
}

// --- SLA configs ---

func (r Repo) UpsertSLAConfig(ctx context.Context, c domain.SLAConfig) error {
	stops, err := json.Marshal(c.StopStates)
	if err != nil {
		return fmt.Errorf("marshal stop states: %w", err)
	}
	enabled := 0
	if c.Enabled {
		enabled = 1
	}
	_, err = r.DB.ExecContext(ctx,
		`INSERT INTO sla_configs(id,entity_kind,start_state,stop_states_json,target_seconds,enabled,created_at)
		 VALUES (?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   entity_kind=excluded.entity_kind,
		   start_state=excluded.start_state,
		   stop_states_json=excluded.stop_states_json,
		   target_seconds=excluded.target_seconds,
		   enabled=excluded.enabled`,
		c.ID, c.EntityKind, c.StartState, string(stops), c.TargetSeconds, enabled, c.CreatedAt)
	return err
}

func scanSLAConfig(scanner interface{ Scan(...any) error }) (domain.SLAConfig, error) {
	var c domain.SLAConfig
	var stops string
	var enabled int
	if err := scanner.Scan(&c.ID, &c.EntityKind, &c.StartState, &stops, &c.TargetSeconds, &enabled, &c.CreatedAt); err != nil {
		return c, err
	}
	if err := json.Unmarshal([]byte(stops), &c.StopStates); err != nil {
		return c, fmt.Errorf("sla config %s stop states: %w", c.ID, err)
	}
	c.Enabled = enabled == 1
	return c, nil
}

func (r Repo) ListSLAConfigs(ctx context.Context) ([]domain.SLAConfig, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,entity_kind,start_state,stop_states_json,target_seconds,enabled,created_at FROM sla_configs ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.SLAConfig
	for rows.Next() {
		c, err := scanSLAConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SLAConfigsForKind returns enabled configs for one entity kind.
func (r Repo) SLAConfigsForKind(ctx context.Context, kind string) ([]domain.SLAConfig, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,entity_kind,start_state,stop_states_json,target_seconds,enabled,created_at
		 FROM sla_configs WHERE entity_kind=? AND enabled=1 ORDER BY id`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.SLAConfig
	for rows.Next() {
		c, err := scanSLAConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
