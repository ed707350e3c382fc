// Package outbox is the durable staging area between committed state changes
// and downstream automation. Records are written in the same transaction as
// the state change and drained by the event worker.
package outbox

import (
	"context"
	"database/sql"
	"time"

	"flowline/internal/domain"
)

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusDispatched = "dispatched"
	StatusFailed     = "failed"
)

// DefaultMaxAttempts bounds retries before a record is parked as failed.
const DefaultMaxAttempts = 5

type Store struct {
	DB          *sql.DB
	MaxAttempts int
	Now         func() time.Time
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Store) maxAttempts() int {
	if s.MaxAttempts > 0 {
		return s.MaxAttempts
	}
	return DefaultMaxAttempts
}

// Enqueue writes a pending record inside the engine's transaction. Only the
// transition engine calls this; there is no event without a committed state
// change and vice versa.
func (s Store) Enqueue(ctx context.Context, tx *sql.Tx, eventID int64) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO outbox(event_id,status,attempt_count,created_at) VALUES (?,'pending',0,?)`,
		eventID, s.now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const columns = `id,event_id,status,attempt_count,last_error,claimed_at,processed_at,created_at`

func scanRecord(scanner interface{ Scan(...any) error }) (domain.OutboxRecord, error) {
	var rec domain.OutboxRecord
	err := scanner.Scan(&rec.ID, &rec.EventID, &rec.Status, &rec.AttemptCount,
		&rec.LastError, &rec.ClaimedAt, &rec.ProcessedAt, &rec.CreatedAt)
	return rec, err
}

// DrainPending claims up to batch pending records in creation order. Each
// claim is a conditional pending->processing update, so overlapping workers
// never process the same record twice.
func (s Store) DrainPending(ctx context.Context, batch int) ([]domain.OutboxRecord, error) {
	if batch <= 0 {
		batch = 100
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id FROM outbox WHERE status='pending' ORDER BY id ASC LIMIT ?`, batch)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	claimedAt := s.now().UTC().Format(time.RFC3339)
	var claimed []domain.OutboxRecord
	for _, id := range ids {
		res, err := s.DB.ExecContext(ctx,
			`UPDATE outbox SET status='processing', claimed_at=? WHERE id=? AND status='pending'`,
			claimedAt, id)
		if err != nil {
			return claimed, err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			continue // another worker won the claim
		}
		rec, err := s.Get(ctx, id)
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, rec)
	}
	return claimed, nil
}

func (s Store) Get(ctx context.Context, id int64) (domain.OutboxRecord, error) {
	return scanRecord(s.DB.QueryRowContext(ctx, `SELECT `+columns+` FROM outbox WHERE id=?`, id))
}

func (s Store) MarkDispatched(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE outbox SET status='dispatched', processed_at=?, claimed_at=NULL WHERE id=?`,
		s.now().UTC().Format(time.RFC3339), id)
	return err
}

// MarkFailed increments the attempt counter and returns the record to
// pending while attempts remain; past the ceiling it is parked as failed for
// manual inspection, never dropped.
func (s Store) MarkFailed(ctx context.Context, id int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := s.DB.ExecContext(ctx,
		`UPDATE outbox SET attempt_count=attempt_count+1, last_error=?, claimed_at=NULL,
		   status=CASE WHEN attempt_count+1>=? THEN 'failed' ELSE 'pending' END
		 WHERE id=?`,
		msg, s.maxAttempts(), id)
	return err
}

// RequeueStale returns records stuck in processing past the staleness
// threshold to pending. A crashed worker leaves its claims behind; the next
// poll reconsiders them here.
func (s Store) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().Add(-olderThan).UTC().Format(time.RFC3339)
	res, err := s.DB.ExecContext(ctx,
		`UPDATE outbox SET status='pending', claimed_at=NULL WHERE status='processing' AND claimed_at < ?`,
		cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountByStatus supports status introspection and tests.
func (s Store) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM outbox GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}
