package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"flowline/internal/domain"
)

const slaColumns = `id,entity_id,sla_config_id,started_at,due_at,closed_at,breached`

func scanSLARecord(scanner interface{ Scan(...any) error }) (domain.SLARecord, error) {
	var rec domain.SLARecord
	var closed sql.NullString
	var breached int
	if err := scanner.Scan(&rec.ID, &rec.EntityID, &rec.SLAConfigID, &rec.StartedAt, &rec.DueAt, &closed, &breached); err != nil {
		return rec, err
	}
	if closed.Valid {
		rec.ClosedAt = &closed.String
	}
	rec.Breached = breached == 1
	return rec, nil
}

// InsertSLARecord opens a record. The partial unique index on
// (entity_id, sla_config_id) with closed_at NULL enforces the single-open
// invariant; INSERT OR IGNORE makes redelivered start events no-ops.
func (r Repo) InsertSLARecord(ctx context.Context, rec domain.SLARecord) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`INSERT OR IGNORE INTO sla_records(id,entity_id,sla_config_id,started_at,due_at,closed_at,breached)
		 VALUES (?,?,?,?,?,NULL,0)`,
		rec.ID, rec.EntityID, rec.SLAConfigID, rec.StartedAt, rec.DueAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) OpenSLARecord(ctx context.Context, entityID, configID string) (domain.SLARecord, error) {
	rec, err := scanSLARecord(r.DB.QueryRowContext(ctx,
		`SELECT `+slaColumns+` FROM sla_records WHERE entity_id=? AND sla_config_id=? AND closed_at IS NULL`,
		entityID, configID))
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	return rec, err
}

// CloseSLARecord closes the open record for (entity, config). Closing an
// already-closed record is a no-op, keeping stop events idempotent.
func (r Repo) CloseSLARecord(ctx context.Context, entityID, configID, closedAt string, breached bool) (bool, error) {
	b := 0
	if breached {
		b = 1
	}
	res, err := r.DB.ExecContext(ctx,
		`UPDATE sla_records SET closed_at=?, breached=CASE WHEN ?=1 THEN 1 ELSE breached END
		 WHERE entity_id=? AND sla_config_id=? AND closed_at IS NULL`,
		closedAt, b, entityID, configID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// DueSLARecords returns open, unbreached records whose deadline has passed.
func (r Repo) DueSLARecords(ctx context.Context, now string, limit int) ([]domain.SLARecord, error) {
	q := `SELECT ` + slaColumns + ` FROM sla_records WHERE closed_at IS NULL AND breached=0 AND due_at < ? ORDER BY due_at ASC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := r.DB.QueryContext(ctx, q, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.SLARecord
	for rows.Next() {
		rec, err := scanSLARecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkSLABreached flags an open record; the closed-at-breach path goes
// through CloseSLARecord instead.
func (r Repo) MarkSLABreached(ctx context.Context, id string) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE sla_records SET breached=1 WHERE id=? AND closed_at IS NULL AND breached=0`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type SLARecordFilters struct {
	EntityID string
	ConfigID string
	OpenOnly bool
	Breached *bool
	Limit    int
}

func (r Repo) ListSLARecords(ctx context.Context, f SLARecordFilters) ([]domain.SLARecord, error) {
	var (
		where []string
		args  []any
	)
	if f.EntityID != "" {
		where = append(where, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.ConfigID != "" {
		where = append(where, "sla_config_id=?")
		args = append(args, f.ConfigID)
	}
	if f.OpenOnly {
		where = append(where, "closed_at IS NULL")
	}
	if f.Breached != nil {
		if *f.Breached {
			where = append(where, "breached=1")
		} else {
			where = append(where, "breached=0")
		}
	}
	q := `SELECT ` + slaColumns + ` FROM sla_records`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY started_at DESC, id DESC"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.SLARecord
	for rows.Next() {
		rec, err := scanSLARecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
