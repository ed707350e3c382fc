package trigger

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Expr is a closed predicate tree over event fields: leaf comparisons plus
// all/any/not connectives. It is data, interpreted by Eval; there is no
// general-purpose evaluation surface.
type Expr struct {
	All []*Expr `json:"all,omitempty" yaml:"all,omitempty"`
	Any []*Expr `json:"any,omitempty" yaml:"any,omitempty"`
	Not *Expr   `json:"not,omitempty" yaml:"not,omitempty"`

	Field string `json:"field,omitempty" yaml:"field,omitempty"`
	Op    string `json:"op,omitempty" yaml:"op,omitempty"`
	Value any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// Comparison operators.
const (
	OpEq       = "eq"
	OpNe       = "ne"
	OpIn       = "in"
	OpContains = "contains"
)

// ParseExpr decodes and validates a predicate document.
func ParseExpr(raw string) (*Expr, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var e Expr
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("parse predicate: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// Validate checks that each node is exactly one of: connective, comparison.
func (e *Expr) Validate() error {
	if e == nil {
		return nil
	}
	connectives := 0
	if len(e.All) > 0 {
		connectives++
	}
	if len(e.Any) > 0 {
		connectives++
	}
	if e.Not != nil {
		connectives++
	}
	isComparison := e.Field != "" || e.Op != ""
	switch {
	case connectives > 1:
		return fmt.Errorf("predicate node mixes connectives")
	case connectives == 1 && isComparison:
		return fmt.Errorf("predicate node mixes connective and comparison")
	case connectives == 0 && !isComparison:
		return fmt.Errorf("empty predicate node")
	}
	if isComparison {
		if e.Field == "" {
			return fmt.Errorf("comparison missing field")
		}
		switch e.Op {
		case OpEq, OpNe, OpContains:
		case OpIn:
			if _, ok := e.Value.([]any); !ok {
				return fmt.Errorf("op %q requires a list value", OpIn)
			}
		default:
			return fmt.Errorf("unknown op %q", e.Op)
		}
		return nil
	}
	for _, child := range e.All {
		if err := child.Validate(); err != nil {
			return err
		}
	}
	for _, child := range e.Any {
		if err := child.Validate(); err != nil {
			return err
		}
	}
	return e.Not.Validate()
}

// Eval interprets the tree against a field map. A nil expression matches
// everything. Unknown fields are an evaluation error, not a non-match, so
// misconfigured triggers surface in logs.
func (e *Expr) Eval(fields map[string]string) (bool, error) {
	if e == nil {
		return true, nil
	}
	switch {
	case len(e.All) > 0:
		for _, child := range e.All {
			ok, err := child.Eval(fields)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case len(e.Any) > 0:
		for _, child := range e.Any {
			ok, err := child.Eval(fields)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case e.Not != nil:
		ok, err := e.Not.Eval(fields)
		return !ok, err
	}

	got, ok := fields[e.Field]
	if !ok {
		return false, fmt.Errorf("unknown predicate field %q", e.Field)
	}
	switch e.Op {
	case OpEq:
		return got == scalar(e.Value), nil
	case OpNe:
		return got != scalar(e.Value), nil
	case OpContains:
		return strings.Contains(got, scalar(e.Value)), nil
	case OpIn:
		list, ok := e.Value.([]any)
		if !ok {
			return false, fmt.Errorf("op %q requires a list value", OpIn)
		}
		for _, v := range list {
			if got == scalar(v) {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("unknown op %q", e.Op)
}

func scalar(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
