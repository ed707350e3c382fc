package trigger

import "testing"

func fields() map[string]string {
	return map[string]string{
		"event_type":  "WorkItemStateChanged",
		"entity_kind": "intake",
		"from_state":  "in_progress",
		"to_state":    "completed",
		"actor":       "analyst-7",
	}
}

func TestParseAndEval(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want bool
	}{
		{"eq match", `{"field":"to_state","op":"eq","value":"completed"}`, true},
		{"eq miss", `{"field":"to_state","op":"eq","value":"blocked"}`, false},
		{"ne", `{"field":"entity_kind","op":"ne","value":"review"}`, true},
		{"in match", `{"field":"to_state","op":"in","value":["completed","cancelled"]}`, true},
		{"in miss", `{"field":"to_state","op":"in","value":["blocked"]}`, false},
		{"contains", `{"field":"actor","op":"contains","value":"analyst"}`, true},
		{"all", `{"all":[{"field":"entity_kind","op":"eq","value":"intake"},{"field":"to_state","op":"eq","value":"completed"}]}`, true},
		{"all short-circuit", `{"all":[{"field":"entity_kind","op":"eq","value":"review"},{"field":"to_state","op":"eq","value":"completed"}]}`, false},
		{"any", `{"any":[{"field":"to_state","op":"eq","value":"blocked"},{"field":"to_state","op":"eq","value":"completed"}]}`, true},
		{"not", `{"not":{"field":"to_state","op":"eq","value":"cancelled"}}`, true},
		{"nested", `{"all":[{"field":"entity_kind","op":"eq","value":"intake"},{"not":{"field":"from_state","op":"eq","value":"blocked"}}]}`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			expr, err := ParseExpr(tc.raw)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			got, err := expr.Eval(fields())
			if err != nil {
				t.Fatalf("eval: %v", err)
			}
			if got != tc.want {
				t.Fatalf("eval = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestEmptyPredicateMatchesEverything(t *testing.T) {
	expr, err := ParseExpr("")
	if err != nil {
		t.Fatal(err)
	}
	if expr != nil {
		t.Fatalf("expected nil expr for empty predicate")
	}
	got, err := expr.Eval(fields())
	if err != nil || !got {
		t.Fatalf("nil expr eval = %v, %v", got, err)
	}
}

func TestUnknownFieldIsError(t *testing.T) {
	expr, err := ParseExpr(`{"field":"nope","op":"eq","value":"x"}`)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := expr.Eval(fields()); err == nil {
		t.Fatalf("expected unknown field error")
	}
}

func TestValidateRejectsMalformed(t *testing.T) {
	bad := []string{
		`{"field":"to_state"}`,                                                   // missing op
		`{"field":"to_state","op":"like","value":"x"}`,                           // unknown op
		`{"field":"to_state","op":"in","value":"completed"}`,                     // in without list
		`{"all":[{"field":"a","op":"eq"}],"any":[{"field":"b","op":"eq"}]}`,      // mixed connectives
		`{"all":[{"field":"a","op":"eq"}],"field":"to_state","op":"eq"}`,         // connective plus comparison
		`{}`,                                                                     // empty node
		`{"all":[{"field":"to_state","op":"eq","value":"x"},{"op":"eq"}]}`,       // bad child
	}
	for _, raw := range bad {
		if _, err := ParseExpr(raw); err == nil {
			t.Fatalf("expected parse error for %s", raw)
		}
	}
}
