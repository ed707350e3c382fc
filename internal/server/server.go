// Package server is the thin HTTP boundary over the workflow core. It
// marshals the engine's contracts; routing, auth, and pagination belong to
// outer layers.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"flowline/internal/domain"
	"flowline/internal/engine"
	"flowline/internal/repo"
	"flowline/internal/trigger"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Registry *trigger.Holder
	// Reload rebuilds the trigger registry after a registration.
	Reload   func(ctx context.Context) error
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"INVALID_TRANSITION"`
	Message string         `json:"message" example:"completed -> in_progress is not a valid work_item transition"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// New returns an HTTP handler exposing the Flowline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("Flowline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerWorkItems(group, cfg.Engine)
	registerPlans(group, cfg.Engine)
	registerTransitions(group, cfg.Engine)
	registerTriggers(group, cfg)
	registerSLAConfigs(group, cfg.Engine)
	registerSLARecords(group, cfg.Engine)
	registerNotifications(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerMetadata(group, cfg)

	return router, nil
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var te *engine.TransitionError
	if errors.As(err, &te) {
		switch te.Code {
		case engine.CodeEntityNotFound:
			return newAPIError(http.StatusNotFound, string(te.Code), te.Message, nil)
		case engine.CodeInvalidTransition:
			return newAPIError(http.StatusConflict, string(te.Code), te.Message, nil)
		case engine.CodeGuardFailed:
			return newAPIError(http.StatusUnprocessableEntity, string(te.Code), te.Message, nil)
		}
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "required") || strings.Contains(lowered, "invalid") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/healthz",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerWorkItems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-work-item",
		Method:        http.MethodPost,
		Path:          "/work-items",
		Summary:       "Create work item",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateWorkItemRequest `json:"body"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		if input.Body.Kind == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "kind is required", nil)
		}
		if input.Body.Actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor is required", nil)
		}
		wi, err := e.CreateWorkItem(ctx, engine.CreateWorkItemOptions{
			Kind:          input.Body.Kind,
			PlanID:        input.Body.PlanID,
			Actor:         input.Body.Actor,
			CorrelationID: input.Body.CorrelationID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: wi}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-work-item",
		Method:      http.MethodGet,
		Path:        "/work-items/{id}",
		Summary:     "Get work item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		wi, err := e.Repo.GetWorkItem(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: wi}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-work-items",
		Method:      http.MethodGet,
		Path:        "/work-items",
		Summary:     "List work items",
	}, func(ctx context.Context, input *struct {
		Kind   string `query:"kind"`
		State  string `query:"state"`
		PlanID string `query:"plan_id"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body []domain.WorkItem `json:"body"`
	}, error) {
		items, err := e.Repo.ListWorkItems(ctx, repo.WorkItemFilters{
			Kind:   input.Kind,
			State:  input.State,
			PlanID: input.PlanID,
			Limit:  input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.WorkItem `json:"body"`
		}{Body: items}, nil
	})
}

func registerPlans(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-plan",
		Method:        http.MethodPost,
		Path:          "/plans",
		Summary:       "Create plan",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreatePlanRequest `json:"body"`
	}) (*struct {
		Body domain.Plan `json:"body"`
	}, error) {
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		if input.Body.Actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor is required", nil)
		}
		p, err := e.CreatePlan(ctx, input.Body.Name, input.Body.Actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Plan `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-plan",
		Method:      http.MethodGet,
		Path:        "/plans/{id}",
		Summary:     "Get plan",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Plan `json:"body"`
	}, error) {
		p, err := e.Repo.GetPlan(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Plan `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-plans",
		Method:      http.MethodGet,
		Path:        "/plans",
		Summary:     "List plans",
	}, func(ctx context.Context, input *struct {
		State string `query:"state"`
		Limit int    `query:"limit"`
	}) (*struct {
		Body []domain.Plan `json:"body"`
	}, error) {
		items, err := e.Repo.ListPlans(ctx, input.State, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Plan `json:"body"`
		}{Body: items}, nil
	})
}

func registerTransitions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "request-transition",
		Method:      http.MethodPost,
		Path:        "/transitions",
		Summary:     "Request state transition",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body TransitionRequest `json:"body"`
	}) (*struct {
		Body TransitionResponse `json:"body"`
	}, error) {
		b := input.Body
		if b.EntityType == "" || b.EntityID == "" || b.TargetState == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "entity_type, entity_id and target_state are required", nil)
		}
		if b.Actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor is required", nil)
		}
		res, err := e.RequestTransition(ctx, b.EntityType, b.EntityID, b.TargetState, b.Actor, b.CorrelationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransitionResponse `json:"body"`
		}{Body: TransitionResponse{
			EntityType: res.EntityType,
			EntityID:   res.EntityID,
			FromState:  res.FromState,
			NewState:   res.NewState,
		}}, nil
	})
}

func registerTriggers(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID:   "register-trigger",
		Method:        http.MethodPost,
		Path:          "/triggers",
		Summary:       "Register automation trigger",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body RegisterTriggerRequest `json:"body"`
	}) (*struct {
		Body RegisteredResponse `json:"body"`
	}, error) {
		b := input.Body
		if b.Name == "" || b.EventType == "" || b.Action == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name, event_type and action are required", nil)
		}
		t := domain.Trigger{
			ID:            trigger.StableID(b.Name),
			Name:          b.Name,
			EventType:     b.EventType,
			EntityKind:    b.EntityKind,
			PredicateJSON: string(b.Predicate),
			Action:        b.Action,
			ParamsJSON:    string(b.Params),
			Enabled:       b.Enabled == nil || *b.Enabled,
			CreatedAt:     time.Now().UTC().Format(time.RFC3339),
		}
		// Reject malformed rules before they reach the evaluation path.
		check := t
		check.Enabled = true
		if _, err := trigger.Compile([]domain.Trigger{check}, 0); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		if err := e.Repo.UpsertTrigger(ctx, t); err != nil {
			return nil, handleError(err)
		}
		if cfg.Reload != nil {
			if err := cfg.Reload(ctx); err != nil {
				return nil, handleError(err)
			}
		}
		return &struct {
			Body RegisteredResponse `json:"body"`
		}{Body: RegisteredResponse{ID: t.ID}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-triggers",
		Method:      http.MethodGet,
		Path:        "/triggers",
		Summary:     "List automation triggers",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []TriggerView `json:"body"`
	}, error) {
		items, err := e.Repo.ListTriggers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TriggerView `json:"body"`
		}{Body: triggerViews(items)}, nil
	})
}

func registerSLAConfigs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-sla-config",
		Method:        http.MethodPost,
		Path:          "/sla-configs",
		Summary:       "Register SLA config",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body RegisterSLAConfigRequest `json:"body"`
	}) (*struct {
		Body RegisteredResponse `json:"body"`
	}, error) {
		b := input.Body
		if b.Name == "" || b.EntityKind == "" || b.StartState == "" || len(b.StopStates) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name, entity_kind, start_state and stop_states are required", nil)
		}
		d, err := time.ParseDuration(b.Target)
		if err != nil || d <= 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "target must be a positive duration", nil)
		}
		cfg := domain.SLAConfig{
			ID:            b.Name,
			EntityKind:    b.EntityKind,
			StartState:    b.StartState,
			StopStates:    b.StopStates,
			TargetSeconds: int(d.Seconds()),
			Enabled:       b.Enabled == nil || *b.Enabled,
			CreatedAt:     time.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.UpsertSLAConfig(ctx, cfg); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RegisteredResponse `json:"body"`
		}{Body: RegisteredResponse{ID: cfg.ID}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sla-configs",
		Method:      http.MethodGet,
		Path:        "/sla-configs",
		Summary:     "List SLA configs",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []SLAConfigView `json:"body"`
	}, error) {
		items, err := e.Repo.ListSLAConfigs(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []SLAConfigView `json:"body"`
		}{Body: slaConfigViews(items)}, nil
	})
}

func registerSLARecords(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-sla-records",
		Method:      http.MethodGet,
		Path:        "/sla-records",
		Summary:     "List SLA records",
	}, func(ctx context.Context, input *struct {
		EntityID string `query:"entity_id"`
		Open     bool   `query:"open"`
		Limit    int    `query:"limit"`
	}) (*struct {
		Body []domain.SLARecord `json:"body"`
	}, error) {
		items, err := e.Repo.ListSLARecords(ctx, repo.SLARecordFilters{
			EntityID: input.EntityID,
			OpenOnly: input.Open,
			Limit:    input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.SLARecord `json:"body"`
		}{Body: items}, nil
	})
}

func registerNotifications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications",
		Summary:     "List notifications",
	}, func(ctx context.Context, input *struct {
		Kind  string `query:"kind"`
		Limit int    `query:"limit"`
	}) (*struct {
		Body []domain.Notification `json:"body"`
	}, error) {
		items, err := e.Repo.ListNotifications(ctx, input.Kind, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Notification `json:"body"`
		}{Body: items}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List latest events",
	}, func(ctx context.Context, input *struct {
		EventType  string `query:"event_type"`
		EntityType string `query:"entity_type"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			EventType:  input.EventType,
			EntityType: input.EntityType,
			EntityID:   input.EntityID,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func registerMetadata(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID: "workflow-metadata",
		Method:      http.MethodGet,
		Path:        "/metadata",
		Summary:     "Workflow metadata",
		Description: "States, edges, triggers, and SLA configs for external tooling.",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MetadataResponse `json:"body"`
	}, error) {
		triggers, err := e.Repo.ListTriggers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		slas, err := e.Repo.ListSLAConfigs(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		var version int64
		if cfg.Registry != nil {
			if reg := cfg.Registry.Load(); reg != nil {
				version = reg.Version
			}
		}
		return &struct {
			Body MetadataResponse `json:"body"`
		}{Body: MetadataResponse{
			Entities:        entityMetadata(),
			Triggers:        triggerViews(triggers),
			SLAConfigs:      slaConfigViews(slas),
			RegistryVersion: version,
		}}, nil
	})
}

func triggerViews(items []domain.Trigger) []TriggerView {
	out := make([]TriggerView, 0, len(items))
	for _, t := range items {
		out = append(out, TriggerView{
			ID:         t.ID,
			Name:       t.Name,
			EventType:  t.EventType,
			EntityKind: t.EntityKind,
			Predicate:  rawOrNil(t.PredicateJSON),
			Action:     t.Action,
			Params:     rawOrNil(t.ParamsJSON),
			Enabled:    t.Enabled,
		})
	}
	return out
}

func slaConfigViews(items []domain.SLAConfig) []SLAConfigView {
	out := make([]SLAConfigView, 0, len(items))
	for _, c := range items {
		out = append(out, SLAConfigView{
			ID:            c.ID,
			EntityKind:    c.EntityKind,
			StartState:    c.StartState,
			StopStates:    c.StopStates,
			TargetSeconds: c.TargetSeconds,
			Enabled:       c.Enabled,
		})
	}
	return out
}
