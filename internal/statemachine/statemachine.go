// Package statemachine holds the static transition tables for the two
// entity kinds the engine governs. The tables are data, not behavior: guard
// predicates and persistence live in the engine.
package statemachine

import "sort"

const (
	EntityWorkItem = "work_item"
	EntityPlan     = "plan"
)

// WorkItem states.
const (
	StateNew        = "new"
	StateInProgress = "in_progress"
	StateBlocked    = "blocked"
	StateCompleted  = "completed"
	StateCancelled  = "cancelled"
)

// Plan states.
const (
	StateDraft    = "draft"
	StateActive   = "active"
	StateArchived = "archived"
)

type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Definition is the transition table for one entity kind.
type Definition struct {
	Entity   string
	Initial  string
	states   map[string]struct{}
	edges    map[Edge]struct{}
	terminal map[string]struct{}
}

func define(entity, initial string, edges []Edge, terminal ...string) *Definition {
	d := &Definition{
		Entity:   entity,
		Initial:  initial,
		states:   map[string]struct{}{},
		edges:    map[Edge]struct{}{},
		terminal: map[string]struct{}{},
	}
	d.states[initial] = struct{}{}
	for _, e := range edges {
		d.edges[e] = struct{}{}
		d.states[e.From] = struct{}{}
		d.states[e.To] = struct{}{}
	}
	for _, s := range terminal {
		d.terminal[s] = struct{}{}
	}
	return d
}

var workItem = define(EntityWorkItem, StateNew, []Edge{
	{StateNew, StateInProgress},
	{StateInProgress, StateBlocked},
	{StateBlocked, StateInProgress},
	{StateNew, StateCompleted},
	{StateInProgress, StateCompleted},
	{StateNew, StateCancelled},
	{StateInProgress, StateCancelled},
	{StateBlocked, StateCancelled},
}, StateCompleted, StateCancelled)

var plan = define(EntityPlan, StateDraft, []Edge{
	{StateDraft, StateActive},
	{StateActive, StateArchived},
	{StateDraft, StateArchived},
}, StateArchived)

// ForEntity returns the definition for an entity type.
func ForEntity(entityType string) (*Definition, bool) {
	switch entityType {
	case EntityWorkItem:
		return workItem, true
	case EntityPlan:
		return plan, true
	}
	return nil, false
}

// EntityTypes lists the governed entity kinds.
func EntityTypes() []string {
	return []string{EntityWorkItem, EntityPlan}
}

// CanTransition reports whether (from, to) is a listed edge.
func (d *Definition) CanTransition(from, to string) bool {
	_, ok := d.edges[Edge{From: from, To: to}]
	return ok
}

// ValidState reports whether s belongs to the entity's state set.
func (d *Definition) ValidState(s string) bool {
	_, ok := d.states[s]
	return ok
}

// IsTerminal reports whether s has no outgoing edges.
func (d *Definition) IsTerminal(s string) bool {
	_, ok := d.terminal[s]
	return ok
}

// States returns the state set in sorted order.
func (d *Definition) States() []string {
	out := make([]string, 0, len(d.states))
	for s := range d.states {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Edges returns the edge list sorted by (from, to) for stable metadata output.
func (d *Definition) Edges() []Edge {
	out := make([]Edge, 0, len(d.edges))
	for e := range d.edges {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}
