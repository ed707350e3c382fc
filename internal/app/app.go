// Package app wires the core together: store, engine, registries, workers.
// Both the CLI and the server boot through here.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"flowline/internal/config"
	"flowline/internal/db"
	"flowline/internal/domain"
	"flowline/internal/engine"
	"flowline/internal/migrate"
	"flowline/internal/sla"
	"flowline/internal/telemetry"
	"flowline/internal/trigger"
	"flowline/internal/worker"
)

type App struct {
	DB       *sql.DB
	Config   *config.Config
	Engine   engine.Engine
	Registry *trigger.Holder
	Tracker  sla.Tracker
	Runner   *worker.Runner
	Metrics  *telemetry.Metrics

	version int64
}

// Bootstrap opens the workspace store, runs migrations, seeds the trigger
// and SLA registries from flowline.yml (or the built-in defaults), and
// builds the engine and workers.
func Bootstrap(ctx context.Context, workspace string) (*App, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	metrics, err := telemetry.New()
	if err != nil {
		conn.Close()
		return nil, err
	}

	eng := engine.New(conn)
	eng.Metrics = metrics

	a := &App{
		DB:      conn,
		Config:  cfg,
		Engine:  eng,
		Metrics: metrics,
	}
	if err := a.seedRegistries(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	reg, err := a.compileRegistry(ctx)
	if err != nil {
		conn.Close()
		return nil, err
	}
	a.Registry = trigger.NewHolder(reg)
	a.Tracker = sla.Tracker{Repo: eng.Repo, Metrics: metrics}
	a.Runner = &worker.Runner{
		Outbox: eng.Outbox,
		Evaluator: trigger.Evaluator{
			Registry: a.Registry,
			Engine:   eng,
			Metrics:  metrics,
		},
		Tracker:  a.Tracker,
		Repo:     eng.Repo,
		Workers:  cfg.Workers,
		Webhooks: &worker.Dispatcher{Repo: eng.Repo},
	}
	return a, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}

// seedRegistries upserts the configured triggers and SLA policies so the
// store is the single source both registries rebuild from. Config-declared
// triggers get stable ids derived from their names.
func (a *App) seedRegistries(ctx context.Context) error {
	now := time.Now().UTC().Format(time.RFC3339)
	for _, def := range a.Config.Triggers {
		pred, err := def.PredicateJSON()
		if err != nil {
			return err
		}
		params, err := def.ParamsJSON()
		if err != nil {
			return err
		}
		t := domain.Trigger{
			ID:            trigger.StableID(def.Name),
			Name:          def.Name,
			EventType:     def.EventType,
			EntityKind:    def.EntityKind,
			PredicateJSON: pred,
			Action:        def.Action,
			ParamsJSON:    params,
			Enabled:       def.IsEnabled(),
			CreatedAt:     now,
		}
		// Compile up front so a bad config fails boot, not evaluation.
		if _, err := trigger.Compile([]domain.Trigger{t}, 0); err != nil {
			return err
		}
		if err := a.Engine.Repo.UpsertTrigger(ctx, t); err != nil {
			return fmt.Errorf("seed trigger %s: %w", def.Name, err)
		}
	}
	for _, def := range a.Config.SLAs {
		d, err := def.TargetDuration()
		if err != nil {
			return err
		}
		cfg := domain.SLAConfig{
			ID:            def.Name,
			EntityKind:    def.EntityKind,
			StartState:    def.StartState,
			StopStates:    def.StopStates,
			TargetSeconds: int(d.Seconds()),
			Enabled:       def.IsEnabled(),
			CreatedAt:     now,
		}
		if err := a.Engine.Repo.UpsertSLAConfig(ctx, cfg); err != nil {
			return fmt.Errorf("seed sla %s: %w", def.Name, err)
		}
	}
	return nil
}

func (a *App) compileRegistry(ctx context.Context) (*trigger.Registry, error) {
	triggers, err := a.Engine.Repo.ListTriggers(ctx)
	if err != nil {
		return nil, err
	}
	a.version++
	return trigger.Compile(triggers, a.version)
}

// ReloadTriggers rebuilds the registry snapshot from the store and swaps it
// in. Evaluation in flight keeps the old snapshot; there is no in-place
// mutation.
func (a *App) ReloadTriggers(ctx context.Context) error {
	reg, err := a.compileRegistry(ctx)
	if err != nil {
		return err
	}
	a.Registry.Swap(reg)
	return nil
}
