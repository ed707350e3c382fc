package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"flowline/internal/repo"
)

const (
	defaultWebhookTimeout     = 5 * time.Second
	defaultWebhookMaxAttempts = 5
)

// Dispatcher posts queued webhook deliveries. Delivery is fire-and-forget
// from the trigger's point of view; the retry policy lives here.
type Dispatcher struct {
	Repo        repo.Repo
	Client      *http.Client
	MaxAttempts int
	Now         func() time.Time
}

func (d *Dispatcher) client() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return &http.Client{Timeout: defaultWebhookTimeout}
}

func (d *Dispatcher) maxAttempts() int {
	if d.MaxAttempts > 0 {
		return d.MaxAttempts
	}
	return defaultWebhookMaxAttempts
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// RunBatch posts up to batch pending deliveries. Failures increment the
// attempt counter; past the ceiling the row is parked as failed.
func (d *Dispatcher) RunBatch(ctx context.Context, batch int) (int, error) {
	pending, err := d.Repo.PendingWebhookDeliveries(ctx, batch)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, del := range pending {
		if err := d.post(ctx, del.URL, del.EventID, del.PayloadJSON); err != nil {
			log.Printf("webhook: deliver %d to %s failed: %v", del.ID, del.URL, err)
			if err := d.Repo.MarkWebhookFailed(ctx, del.ID, err.Error(), d.maxAttempts()); err != nil {
				return delivered, err
			}
			continue
		}
		if err := d.Repo.MarkWebhookDelivered(ctx, del.ID, d.now().UTC().Format(time.RFC3339)); err != nil {
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}

func (d *Dispatcher) post(ctx context.Context, url string, eventID int64, payload string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte(payload)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Flowline-Delivery", fmt.Sprintf("%d", eventID))
	res, err := d.client().Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
