package server

import (
	"encoding/json"

	"flowline/internal/statemachine"
)

type CreateWorkItemRequest struct {
	Kind          string `json:"kind" example:"intake"`
	PlanID        string `json:"plan_id,omitempty"`
	Actor         string `json:"actor" example:"analyst-7"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

type CreatePlanRequest struct {
	Name  string `json:"name" example:"Q3 onboarding"`
	Actor string `json:"actor"`
}

type TransitionRequest struct {
	EntityType    string `json:"entity_type" enum:"work_item,plan"`
	EntityID      string `json:"entity_id"`
	TargetState   string `json:"target_state" example:"in_progress"`
	Actor         string `json:"actor"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

type TransitionResponse struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	FromState  string `json:"from_state"`
	NewState   string `json:"new_state"`
}

type RegisterTriggerRequest struct {
	Name       string          `json:"name"`
	EventType  string          `json:"event_type" example:"WorkItemStateChanged"`
	EntityKind string          `json:"entity_kind,omitempty"`
	Predicate  json.RawMessage `json:"predicate,omitempty"`
	Action     string          `json:"action" enum:"create-work-item,update-work-item-state,emit-alert,call-webhook"`
	Params     json.RawMessage `json:"params,omitempty"`
	Enabled    *bool           `json:"enabled,omitempty"`
}

type RegisterSLAConfigRequest struct {
	Name       string   `json:"name"`
	EntityKind string   `json:"entity_kind" example:"intake"`
	StartState string   `json:"start_state" example:"in_progress"`
	StopStates []string `json:"stop_states"`
	Target     string   `json:"target" example:"1h"`
	Enabled    *bool    `json:"enabled,omitempty"`
}

type RegisteredResponse struct {
	ID string `json:"id"`
}

type EntityMetadata struct {
	EntityType string              `json:"entity_type"`
	Initial    string              `json:"initial"`
	States     []string            `json:"states"`
	Terminal   []string            `json:"terminal"`
	Edges      []statemachine.Edge `json:"edges"`
}

type MetadataResponse struct {
	Entities        []EntityMetadata `json:"entities"`
	Triggers        []TriggerView    `json:"triggers"`
	SLAConfigs      []SLAConfigView  `json:"sla_configs"`
	RegistryVersion int64            `json:"registry_version"`
}

type TriggerView struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	EventType  string          `json:"event_type"`
	EntityKind string          `json:"entity_kind,omitempty"`
	Predicate  json.RawMessage `json:"predicate,omitempty"`
	Action     string          `json:"action"`
	Params     json.RawMessage `json:"params,omitempty"`
	Enabled    bool            `json:"enabled"`
}

type SLAConfigView struct {
	ID            string   `json:"id"`
	EntityKind    string   `json:"entity_kind"`
	StartState    string   `json:"start_state"`
	StopStates    []string `json:"stop_states"`
	TargetSeconds int      `json:"target_seconds"`
	Enabled       bool     `json:"enabled"`
}

func entityMetadata() []EntityMetadata {
	var out []EntityMetadata
	for _, entity := range statemachine.EntityTypes() {
		def, _ := statemachine.ForEntity(entity)
		var terminal []string
		for _, s := range def.States() {
			if def.IsTerminal(s) {
				terminal = append(terminal, s)
			}
		}
		out = append(out, EntityMetadata{
			EntityType: entity,
			Initial:    def.Initial,
			States:     def.States(),
			Terminal:   terminal,
			Edges:      def.Edges(),
		})
	}
	return out
}

func rawOrNil(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}
