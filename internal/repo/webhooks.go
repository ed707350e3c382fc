package repo

import (
	"context"
	"fmt"

	"flowline/internal/domain"
)

func (r Repo) InsertWebhookDelivery(ctx context.Context, d domain.WebhookDelivery) (int64, error) {
	res, err := r.DB.ExecContext(ctx,
		`INSERT INTO webhook_deliveries(url,event_id,payload_json,status,attempt_count,created_at)
		 VALUES (?,?,?,'pending',0,?)`,
		d.URL, d.EventID, d.PayloadJSON, d.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const webhookColumns = `id,url,event_id,payload_json,status,attempt_count,last_error,created_at,delivered_at`

func (r Repo) PendingWebhookDeliveries(ctx context.Context, limit int) ([]domain.WebhookDelivery, error) {
	q := `SELECT ` + webhookColumns + ` FROM webhook_deliveries WHERE status='pending' ORDER BY id ASC`
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := r.DB.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.WebhookDelivery
	for rows.Next() {
		var d domain.WebhookDelivery
		if err := rows.Scan(&d.ID, &d.URL, &d.EventID, &d.PayloadJSON, &d.Status, &d.AttemptCount,
			&d.LastError, &d.CreatedAt, &d.DeliveredAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r Repo) MarkWebhookDelivered(ctx context.Context, id int64, deliveredAt string) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE webhook_deliveries SET status='delivered', delivered_at=? WHERE id=?`, deliveredAt, id)
	return err
}

// MarkWebhookFailed increments the attempt counter and gives up past the
// ceiling, leaving the row behind for inspection.
func (r Repo) MarkWebhookFailed(ctx context.Context, id int64, cause string, maxAttempts int) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE webhook_deliveries SET attempt_count=attempt_count+1, last_error=?,
		   status=CASE WHEN attempt_count+1>=? THEN 'failed' ELSE 'pending' END
		 WHERE id=?`,
		cause, maxAttempts, id)
	return err
}
