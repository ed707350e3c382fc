// Package sla opens and closes timed deadline records off state transitions
// and flags the ones that blow past their target.
package sla

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"flowline/internal/domain"
	"flowline/internal/repo"
	"flowline/internal/statemachine"
	"flowline/internal/telemetry"
)

type Tracker struct {
	Repo    repo.Repo
	Metrics *telemetry.Metrics
	Now     func() time.Time
}

func (t Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// OnTransition applies SLA bookkeeping for one event. Absence of a config
// for the entity's kind is not an error; the transition simply carries no
// deadline. Start and stop handling are both idempotent under redelivery.
func (t Tracker) OnTransition(ctx context.Context, evt domain.Event) error {
	if evt.EntityType != statemachine.EntityWorkItem || evt.EntityKind == "" {
		return nil
	}
	configs, err := t.Repo.SLAConfigsForKind(ctx, evt.EntityKind)
	if err != nil {
		return err
	}
	if len(configs) == 0 {
		return nil
	}
	now := t.now().UTC()
	for _, cfg := range configs {
		if evt.ToState == cfg.StartState {
			if err := t.open(ctx, cfg, evt, now); err != nil {
				return err
			}
		}
		if containsState(cfg.StopStates, evt.ToState) {
			if err := t.close(ctx, cfg, evt, now); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t Tracker) open(ctx context.Context, cfg domain.SLAConfig, evt domain.Event, now time.Time) error {
	rec := domain.SLARecord{
		ID:          uuid.New().String(),
		EntityID:    evt.EntityID,
		SLAConfigID: cfg.ID,
		StartedAt:   now.Format(time.RFC3339),
		DueAt:       now.Add(time.Duration(cfg.TargetSeconds) * time.Second).Format(time.RFC3339),
	}
	inserted, err := t.Repo.InsertSLARecord(ctx, rec)
	if err != nil {
		return fmt.Errorf("open sla %s for %s: %w", cfg.ID, evt.EntityID, err)
	}
	if !inserted {
		// One already open for (entity, config); redelivery is a no-op.
		return nil
	}
	return nil
}

func (t Tracker) close(ctx context.Context, cfg domain.SLAConfig, evt domain.Event, now time.Time) error {
	open, err := t.Repo.OpenSLARecord(ctx, evt.EntityID, cfg.ID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil // nothing open; stop without start is fine
		}
		return err
	}
	due, err := time.Parse(time.RFC3339, open.DueAt)
	if err != nil {
		return fmt.Errorf("sla record %s due_at: %w", open.ID, err)
	}
	breached := now.After(due)
	closed, err := t.Repo.CloseSLARecord(ctx, evt.EntityID, cfg.ID, now.Format(time.RFC3339), breached)
	if err != nil {
		return fmt.Errorf("close sla %s for %s: %w", cfg.ID, evt.EntityID, err)
	}
	if closed && breached {
		t.Metrics.RecordSLABreach(ctx, cfg.ID)
		if err := t.notifyBreach(ctx, open, "closed past deadline"); err != nil {
			return err
		}
	}
	return nil
}

// ScanBreaches marks every open, overdue record breached and emits a breach
// notification for each. This is the only place breached is set outside a
// late close.
func (t Tracker) ScanBreaches(ctx context.Context, now time.Time) (int, error) {
	due, err := t.Repo.DueSLARecords(ctx, now.UTC().Format(time.RFC3339), 0)
	if err != nil {
		return 0, err
	}
	marked := 0
	for _, rec := range due {
		ok, err := t.Repo.MarkSLABreached(ctx, rec.ID)
		if err != nil {
			return marked, err
		}
		if !ok {
			continue // closed or flagged since the scan query
		}
		marked++
		t.Metrics.RecordSLABreach(ctx, rec.SLAConfigID)
		if err := t.notifyBreach(ctx, rec, "deadline passed"); err != nil {
			log.Printf("sla monitor: breach notification for %s: %v", rec.ID, err)
		}
	}
	return marked, nil
}

func (t Tracker) notifyBreach(ctx context.Context, rec domain.SLARecord, reason string) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return t.Repo.InsertNotification(ctx, domain.Notification{
		ID:          uuid.New().String(),
		Kind:        "sla_breach",
		EntityID:    rec.EntityID,
		Message:     fmt.Sprintf("SLA %s breached for %s: %s", rec.SLAConfigID, rec.EntityID, reason),
		PayloadJSON: string(payload),
		CreatedAt:   t.now().UTC().Format(time.RFC3339),
	})
}

func containsState(states []string, s string) bool {
	for _, v := range states {
		if v == s {
			return true
		}
	}
	return false
}
