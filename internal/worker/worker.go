// Package worker hosts the polling loops that drive outbox dispatch, SLA
// breach detection, and webhook delivery. Each run is stateless; a crashed
// worker leaves claims behind for the next poll to requeue.
package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"flowline/internal/config"
	"flowline/internal/outbox"
	"flowline/internal/repo"
	"flowline/internal/sla"
	"flowline/internal/trigger"
)

type Runner struct {
	Outbox    outbox.Store
	Evaluator trigger.Evaluator
	Tracker   sla.Tracker
	Repo      repo.Repo
	Workers   config.WorkerConfig
	Webhooks  *Dispatcher

	cron *cron.Cron
}

// Start schedules the loops and returns immediately. Intervals are cron
// specs ("@every 5s"); a bad spec is a startup error, not a silent skip.
func (r *Runner) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(r.Workers.EventEvery(), func() {
		if _, err := r.RunEventBatch(context.Background()); err != nil {
			log.Printf("event worker: %v", err)
		}
	}); err != nil {
		return err
	}
	if _, err := c.AddFunc(r.Workers.SLAEvery(), func() {
		if _, err := r.RunSLAScan(context.Background()); err != nil {
			log.Printf("sla monitor: %v", err)
		}
	}); err != nil {
		return err
	}
	if r.Webhooks != nil {
		if _, err := c.AddFunc(r.Workers.WebhookEvery(), func() {
			if _, err := r.Webhooks.RunBatch(context.Background(), r.Workers.Batch()); err != nil {
				log.Printf("webhook dispatcher: %v", err)
			}
		}); err != nil {
			return err
		}
	}
	c.Start()
	r.cron = c
	return nil
}

// Stop halts scheduling and waits for in-flight runs.
func (r *Runner) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

// RunEventBatch drains one bounded batch of pending outbox records, routes
// each through trigger evaluation and SLA bookkeeping, and settles its
// status. Records are claimed in creation order, so per-entity event order
// follows commit order.
func (r *Runner) RunEventBatch(ctx context.Context) (int, error) {
	if _, err := r.Outbox.RequeueStale(ctx, r.Workers.Stale()); err != nil {
		return 0, err
	}
	records, err := r.Outbox.DrainPending(ctx, r.Workers.Batch())
	if err != nil {
		return 0, err
	}
	dispatched := 0
	for _, rec := range records {
		evt, err := r.Repo.GetEvent(ctx, rec.EventID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				// Outbox row without its event should be impossible; park it.
				if err := r.Outbox.MarkFailed(ctx, rec.ID, err); err != nil {
					return dispatched, err
				}
				continue
			}
			return dispatched, err
		}
		if _, err := r.Evaluator.Evaluate(ctx, evt); err != nil {
			log.Printf("event worker: record %d event %d: %v", rec.ID, evt.ID, err)
			if err := r.Outbox.MarkFailed(ctx, rec.ID, err); err != nil {
				return dispatched, err
			}
			continue
		}
		if err := r.Tracker.OnTransition(ctx, evt); err != nil {
			log.Printf("event worker: record %d sla: %v", rec.ID, err)
			if err := r.Outbox.MarkFailed(ctx, rec.ID, err); err != nil {
				return dispatched, err
			}
			continue
		}
		if err := r.Outbox.MarkDispatched(ctx, rec.ID); err != nil {
			return dispatched, err
		}
		dispatched++
	}
	return dispatched, nil
}

// RunSLAScan marks overdue open records breached.
func (r *Runner) RunSLAScan(ctx context.Context) (int, error) {
	now := time.Now()
	if r.Tracker.Now != nil {
		now = r.Tracker.Now()
	}
	return r.Tracker.ScanBreaches(ctx, now)
}
