package trigger

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"flowline/internal/domain"
)

// StableID derives a trigger id from its unique name so re-registration
// hits the same row.
func StableID(name string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("trigger|"+name)).String()
}

// ActionParams is the decoded params document for a rule's action. Fields
// are action-specific; unused ones stay zero.
type ActionParams struct {
	// create-work-item
	Kind     string `json:"kind,omitempty"`
	SamePlan bool   `json:"same_plan,omitempty"`
	PlanID   string `json:"plan_id,omitempty"`
	// update-work-item-state
	TargetState string `json:"target_state,omitempty"`
	EntityID    string `json:"entity_id,omitempty"`
	// emit-alert
	Message string `json:"message,omitempty"`
	// call-webhook
	URL string `json:"url,omitempty"`
}

// Rule is a compiled trigger: predicate parsed, params decoded.
type Rule struct {
	domain.Trigger
	Predicate *Expr
	Params    ActionParams
}

// Registry is an immutable snapshot of the compiled rule set. Reload builds
// a new Registry and swaps it into the Holder; evaluation never sees a torn
// rule set.
type Registry struct {
	Version int64
	rules   []Rule
}

// Compile builds a registry from stored triggers. Disabled triggers are kept
// out of the match path entirely. A malformed predicate or params document
// fails compilation; registration validates through here first.
func Compile(triggers []domain.Trigger, version int64) (*Registry, error) {
	reg := &Registry{Version: version}
	for _, t := range triggers {
		if !t.Enabled {
			continue
		}
		rule, err := compileRule(t)
		if err != nil {
			return nil, err
		}
		reg.rules = append(reg.rules, rule)
	}
	return reg, nil
}

func compileRule(t domain.Trigger) (Rule, error) {
	pred, err := ParseExpr(t.PredicateJSON)
	if err != nil {
		return Rule{}, fmt.Errorf("trigger %s: %w", t.Name, err)
	}
	var params ActionParams
	if t.ParamsJSON != "" {
		if err := json.Unmarshal([]byte(t.ParamsJSON), &params); err != nil {
			return Rule{}, fmt.Errorf("trigger %s params: %w", t.Name, err)
		}
	}
	return Rule{Trigger: t, Predicate: pred, Params: params}, nil
}

// Match filters rules by event type and optional entity-kind.
func (r *Registry) Match(evt domain.Event) []Rule {
	if r == nil {
		return nil
	}
	var out []Rule
	for _, rule := range r.rules {
		if rule.EventType != evt.EventType {
			continue
		}
		if rule.EntityKind != "" && rule.EntityKind != evt.EntityKind {
			continue
		}
		out = append(out, rule)
	}
	return out
}

// Rules returns the compiled rule set for introspection.
func (r *Registry) Rules() []Rule {
	if r == nil {
		return nil
	}
	return r.rules
}

// Holder publishes registry snapshots to workers via atomic swap.
type Holder struct {
	p atomic.Pointer[Registry]
}

func NewHolder(r *Registry) *Holder {
	h := &Holder{}
	h.p.Store(r)
	return h
}

func (h *Holder) Load() *Registry { return h.p.Load() }

func (h *Holder) Swap(r *Registry) { h.p.Store(r) }
