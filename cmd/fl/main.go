package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"flowline/internal/app"
	"flowline/internal/config"
	"flowline/internal/db"
	"flowline/internal/domain"
	"flowline/internal/engine"
	"flowline/internal/repo"
	"flowline/internal/server"
	"flowline/internal/statemachine"
	"flowline/internal/trigger"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Flowline CLI",
	Long: `Flowline is a workflow core: work items and plans move through fixed
state machines, every change is recorded as an event, and background workers
react to events with triggers, SLA tracking, and webhooks.
- Workspace: your .flowline directory with the database; flowline.yml seeds
  triggers and SLA policies on boot.
- Work items: units of work (intake, assessment, review, ...) that flow
  new -> in_progress -> completed (blocked/cancelled are the detours).
- Plans: containers for work items; draft -> active -> archived.
- Triggers: when an event matches a predicate, run an action (create a
  follow-up item, update state, emit an alert, call a webhook).
- SLAs: a clock starts when an item enters a state and must stop before the
  deadline; overdue items are flagged and alerted.
- Event log: diary of changes, view with 'fl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FLOWLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("correlation-id", "", "correlation id threaded through events")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("correlation-id", rootCmd.PersistentFlags().Lookup("correlation-id"))
}

func registerCommands() {
	rootCmd.AddCommand(workItemCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(triggerCmd())
	rootCmd.AddCommand(slaCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(notificationsCmd())
	rootCmd.AddCommand(metadataCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
}

func workItemCmd() *cobra.Command {
	wi := &cobra.Command{
		Use:   "workitem",
		Short: "Manage work items",
		Long:  "Work items are the units of work. They start in new and flow through in_progress to completed; blocked and cancelled are the side exits. Every state change produces an event that triggers and SLA tracking react to.",
	}
	wi.AddCommand(workItemCreateCmd())
	wi.AddCommand(workItemShowCmd())
	wi.AddCommand(workItemListCmd())
	wi.AddCommand(workItemTransitionCmd())
	wi.AddCommand(workItemHistoryCmd())
	return wi
}

func workItemCreateCmd() *cobra.Command {
	var kind, planID string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a work item",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				wi, err := a.Engine.CreateWorkItem(ctx, createOptions(kind, planID))
				if err != nil {
					return err
				}
				return printJSONOrTable(wi)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "work item kind (intake, assessment, ...)")
	cmd.Flags().StringVar(&planID, "plan", "", "plan id")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func workItemShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				wi, err := r.GetWorkItem(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(wi)
			})
		},
	}
	return cmd
}

func workItemListCmd() *cobra.Command {
	var f repo.WorkItemFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListWorkItems(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "State", "Plan", "Updated"})
				for _, wi := range items {
					plan := ""
					if wi.PlanID != nil {
						plan = *wi.PlanID
					}
					tw.AppendRow(table.Row{wi.ID, wi.Kind, wi.State, plan, wi.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Kind, "kind", "", "kind filter")
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	cmd.Flags().StringVar(&f.PlanID, "plan", "", "plan filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func workItemTransitionCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "transition <id>",
		Short: "Request a work item state change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.RequestTransition(ctx, statemachine.EntityWorkItem, id, target,
					viper.GetString("actor-id"), viper.GetString("correlation-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&target, "to", "", "target state")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func workItemHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show a work item's events in commit order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.EventsForEntity(ctx, statemachine.EntityWorkItem, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	return cmd
}

func planCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "plan",
		Short: "Manage plans",
		Long:  "Plans group work items and gate their creation: no new items land in an archived plan. Plans flow draft -> active -> archived.",
	}
	p.AddCommand(planCreateCmd())
	p.AddCommand(planShowCmd())
	p.AddCommand(planListCmd())
	p.AddCommand(planTransitionCmd())
	return p
}

func planCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.CreatePlan(ctx, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "plan name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func planShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetPlan(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func planListCmd() *cobra.Command {
	var state string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListPlans(ctx, state, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "State", "Updated"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.State, p.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "state filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows")
	return cmd
}

func planTransitionCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "transition <id>",
		Short: "Request a plan state change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.RequestTransition(ctx, statemachine.EntityPlan, id, target,
					viper.GetString("actor-id"), viper.GetString("correlation-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&target, "to", "", "target state")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func triggerCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "trigger",
		Short: "Manage automation triggers",
		Long:  "Triggers watch the event stream: when an event's type, entity kind, and predicate match, the configured action runs (create-work-item, update-work-item-state, emit-alert, call-webhook). Redelivered events do not re-run actions.",
	}
	t.AddCommand(triggerListCmd())
	t.AddCommand(triggerRegisterCmd())
	return t
}

func triggerListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List triggers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListTriggers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Event", "Kind", "Action", "Enabled"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.Name, t.EventType, t.EntityKind, t.Action, t.Enabled})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func triggerRegisterCmd() *cobra.Command {
	var t domain.Trigger
	var disabled bool
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register or update a trigger",
		RunE: func(cmd *cobra.Command, args []string) error {
			t.Enabled = !disabled
			t.CreatedAt = time.Now().UTC().Format(time.RFC3339)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if t.ID == "" {
					t.ID = trigger.StableID(t.Name)
				}
				check := t
				check.Enabled = true
				if _, err := trigger.Compile([]domain.Trigger{check}, 0); err != nil {
					return err
				}
				if err := a.Engine.Repo.UpsertTrigger(ctx, t); err != nil {
					return err
				}
				if err := a.ReloadTriggers(ctx); err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&t.Name, "name", "", "trigger name (unique)")
	cmd.Flags().StringVar(&t.EventType, "event-type", "", "event type to match")
	cmd.Flags().StringVar(&t.EntityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().StringVar(&t.PredicateJSON, "predicate-json", "", "predicate JSON")
	cmd.Flags().StringVar(&t.Action, "action", "", "action name")
	cmd.Flags().StringVar(&t.ParamsJSON, "params-json", "", "action params JSON")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "register disabled")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("event-type")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func slaCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "sla",
		Short: "Manage SLA policies",
		Long:  "An SLA clock opens when a work item of the configured kind enters the start state and must close before the deadline; the monitor flags overdue clocks and a late close is marked breached retroactively.",
	}
	s.AddCommand(slaListCmd())
	s.AddCommand(slaRegisterCmd())
	s.AddCommand(slaRecordsCmd())
	return s
}

func slaListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List SLA configs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListSLAConfigs(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Start", "Stop", "Target", "Enabled"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.EntityKind, c.StartState,
						strings.Join(c.StopStates, ","), (time.Duration(c.TargetSeconds) * time.Second).String(), c.Enabled})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func slaRegisterCmd() *cobra.Command {
	var cfg domain.SLAConfig
	var target string
	var disabled bool
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register or update an SLA config",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := time.ParseDuration(target)
			if err != nil || d <= 0 {
				return fmt.Errorf("--target must be a positive duration")
			}
			cfg.TargetSeconds = int(d.Seconds())
			cfg.Enabled = !disabled
			cfg.CreatedAt = time.Now().UTC().Format(time.RFC3339)
			if cfg.ID == "" {
				cfg.ID = cfg.EntityKind + "-" + cfg.StartState
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertSLAConfig(ctx, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&cfg.ID, "id", "", "config id (defaults to kind-state)")
	cmd.Flags().StringVar(&cfg.EntityKind, "entity-kind", "", "work item kind")
	cmd.Flags().StringVar(&cfg.StartState, "start-state", "", "state that opens the clock")
	cmd.Flags().StringSliceVar(&cfg.StopStates, "stop-state", nil, "state that closes the clock (repeatable)")
	cmd.Flags().StringVar(&target, "target", "", "target duration (e.g. 1h)")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "register disabled")
	_ = cmd.MarkFlagRequired("entity-kind")
	_ = cmd.MarkFlagRequired("start-state")
	_ = cmd.MarkFlagRequired("stop-state")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func slaRecordsCmd() *cobra.Command {
	var f repo.SLARecordFilters
	var breached bool
	cmd := &cobra.Command{
		Use:   "records",
		Short: "List SLA records",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("breached") {
				f.Breached = &breached
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListSLARecords(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Entity", "Config", "Started", "Due", "Closed", "Breached"})
				for _, rec := range items {
					closed := ""
					if rec.ClosedAt != nil {
						closed = *rec.ClosedAt
					}
					tw.AppendRow(table.Row{rec.ID, rec.EntityID, rec.SLAConfigID, rec.StartedAt, rec.DueAt, closed, rec.Breached})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity filter")
	cmd.Flags().StringVar(&f.ConfigID, "config", "", "config filter")
	cmd.Flags().BoolVar(&f.OpenOnly, "open", false, "open records only")
	cmd.Flags().BoolVar(&breached, "breached", false, "breached filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: creations, state changes, and plan lifecycle events.",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.EventType, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityType, "entity-type", "", "entity type filter")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id filter")
	return cmd
}

func notificationsCmd() *cobra.Command {
	var kind string
	var limit int
	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "List notifications (alerts and SLA breaches)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListNotifications(ctx, kind, limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "kind filter (alert, sla_breach)")
	cmd.Flags().IntVar(&limit, "n", 20, "number of notifications")
	return cmd
}

func metadataCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metadata",
		Short: "Show workflow metadata (states, edges, triggers, SLAs)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				triggers, err := a.Engine.Repo.ListTriggers(ctx)
				if err != nil {
					return err
				}
				slas, err := a.Engine.Repo.ListSLAConfigs(ctx)
				if err != nil {
					return err
				}
				out := map[string]any{
					"triggers":    triggers,
					"sla_configs": slas,
				}
				var entities []map[string]any
				for _, entity := range statemachine.EntityTypes() {
					def, _ := statemachine.ForEntity(entity)
					entities = append(entities, map[string]any{
						"entity_type": entity,
						"initial":     def.Initial,
						"states":      def.States(),
						"edges":       def.Edges(),
					})
				}
				out["entities"] = entities
				return printJSONOrTable(out)
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "flowline.yml declares triggers, SLA policies, and worker intervals. It is read at boot and seeded into the store; registrations at runtime live in the store only.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter flowline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			a, err := app.Bootstrap(cmd.Context(), workspace)
			if err != nil {
				return err
			}
			defer a.Close()
			if !noWorkers {
				if err := a.Runner.Start(); err != nil {
					return err
				}
				defer a.Runner.Stop()
			}
			handler, err := server.New(server.Config{
				Engine:   a.Engine,
				Registry: a.Registry,
				Reload:   a.ReloadTriggers,
				BasePath: basePath,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Flowline API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "serve without background workers")
	return cmd
}

func workerCmd() *cobra.Command {
	w := &cobra.Command{
		Use:   "worker",
		Short: "Background workers",
	}
	w.AddCommand(workerRunCmd())
	w.AddCommand(workerOnceCmd())
	return w
}

func workerRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the event, SLA, and webhook workers until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.Bootstrap(cmd.Context(), viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Runner.Start(); err != nil {
				return err
			}
			fmt.Println("Workers running; Ctrl-C to stop")
			<-cmd.Context().Done()
			a.Runner.Stop()
			return nil
		},
	}
	return cmd
}

func workerOnceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run a single event batch and SLA scan, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				dispatched, err := a.Runner.RunEventBatch(ctx)
				if err != nil {
					return err
				}
				breached, err := a.Runner.RunSLAScan(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]int{"dispatched": dispatched, "breached": breached})
			})
		},
	}
	return cmd
}

// --- helpers ---

func createOptions(kind, planID string) engine.CreateWorkItemOptions {
	return engine.CreateWorkItemOptions{
		Kind:          kind,
		PlanID:        planID,
		Actor:         viper.GetString("actor-id"),
		CorrelationID: viper.GetString("correlation-id"),
	}
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Bootstrap(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	a, err := app.Bootstrap(ctx, viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a.Engine.Repo)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
