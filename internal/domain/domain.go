package domain

type WorkItem struct {
	ID            string  `json:"id"`
	Kind          string  `json:"kind"`
	State         string  `json:"state" enum:"new,in_progress,blocked,completed,cancelled"`
	PlanID        *string `json:"plan_id,omitempty"`
	CorrelationID string  `json:"correlation_id"`
	Actor         string  `json:"actor"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

type Plan struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	State     string `json:"state" enum:"draft,active,archived"`
	Actor     string `json:"actor"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// Event is an immutable record of a committed state change.
type Event struct {
	ID            int64  `json:"id"`
	EventType     string `json:"event_type"`
	EntityType    string `json:"entity_type"`
	EntityID      string `json:"entity_id"`
	EntityKind    string `json:"entity_kind,omitempty"`
	FromState     string `json:"from_state,omitempty"`
	ToState       string `json:"to_state"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Actor         string `json:"actor"`
	OccurredAt    string `json:"occurred_at" format:"date-time"`
}

// OutboxRecord wraps an event with dispatch bookkeeping. It is written in the
// same transaction as the state change it announces.
type OutboxRecord struct {
	ID           int64   `json:"id"`
	EventID      int64   `json:"event_id"`
	Status       string  `json:"status" enum:"pending,processing,dispatched,failed"`
	AttemptCount int     `json:"attempt_count"`
	LastError    *string `json:"last_error,omitempty"`
	ClaimedAt    *string `json:"claimed_at,omitempty" format:"date-time"`
	ProcessedAt  *string `json:"processed_at,omitempty" format:"date-time"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type Trigger struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	EventType     string `json:"event_type"`
	EntityKind    string `json:"entity_kind,omitempty"`
	PredicateJSON string `json:"predicate_json,omitempty"`
	Action        string `json:"action" enum:"create-work-item,update-work-item-state,emit-alert,call-webhook"`
	ParamsJSON    string `json:"params_json,omitempty"`
	Enabled       bool   `json:"enabled"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

type SLAConfig struct {
	ID            string   `json:"id"`
	EntityKind    string   `json:"entity_kind"`
	StartState    string   `json:"start_state"`
	StopStates    []string `json:"stop_states"`
	TargetSeconds int      `json:"target_seconds"`
	Enabled       bool     `json:"enabled"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
}

type SLARecord struct {
	ID          string  `json:"id"`
	EntityID    string  `json:"entity_id"`
	SLAConfigID string  `json:"sla_config_id"`
	StartedAt   string  `json:"started_at" format:"date-time"`
	DueAt       string  `json:"due_at" format:"date-time"`
	ClosedAt    *string `json:"closed_at,omitempty" format:"date-time"`
	Breached    bool    `json:"breached"`
}

type Notification struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	EntityID    string `json:"entity_id,omitempty"`
	Message     string `json:"message"`
	PayloadJSON string `json:"payload_json,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type WebhookDelivery struct {
	ID           int64   `json:"id"`
	URL          string  `json:"url"`
	EventID      int64   `json:"event_id"`
	PayloadJSON  string  `json:"payload_json"`
	Status       string  `json:"status" enum:"pending,delivered,failed"`
	AttemptCount int     `json:"attempt_count"`
	LastError    *string `json:"last_error,omitempty"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	DeliveredAt  *string `json:"delivered_at,omitempty" format:"date-time"`
}
