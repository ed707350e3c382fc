package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if len(cfg.Triggers) == 0 || len(cfg.SLAs) == 0 {
		t.Fatalf("default config empty: %+v", cfg)
	}
	for _, s := range cfg.SLAs {
		if _, err := s.TargetDuration(); err != nil {
			t.Fatalf("sla %s: %v", s.Name, err)
		}
	}
}

func TestFromYAML(t *testing.T) {
	raw := `triggers:
  - name: done-alert
    event_type: WorkItemStateChanged
    predicate:
      field: to_state
      op: eq
      value: completed
    action: emit-alert
    params:
      message: done
slas:
  - name: quick
    entity_kind: intake
    start_state: in_progress
    stop_states: [completed]
    target: 30m
workers:
  batch_size: 10
`
	cfg, err := FromYAML([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Workers.Batch() != 10 {
		t.Fatalf("batch = %d", cfg.Workers.Batch())
	}
	pred, err := cfg.Triggers[0].PredicateJSON()
	if err != nil {
		t.Fatal(err)
	}
	if pred == "" {
		t.Fatalf("predicate not serialized")
	}
	d, err := cfg.SLAs[0].TargetDuration()
	if err != nil || d != 30*time.Minute {
		t.Fatalf("target = %v, %v", d, err)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"unknown action", `triggers: [{name: a, event_type: E, action: launch-rocket}]`},
		{"missing event type", `triggers: [{name: a, action: emit-alert}]`},
		{"duplicate trigger", "triggers:\n  - {name: a, event_type: E, action: emit-alert}\n  - {name: a, event_type: E, action: emit-alert}"},
		{"sla missing stops", `slas: [{name: s, entity_kind: intake, start_state: in_progress, target: 1h}]`},
		{"sla bad target", `slas: [{name: s, entity_kind: intake, start_state: in_progress, stop_states: [completed], target: soon}]`},
		{"sla negative target", `slas: [{name: s, entity_kind: intake, start_state: in_progress, stop_states: [completed], target: -5m}]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := FromYAML([]byte(tc.raw)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil {
		t.Fatalf("missing file: %v", err)
	}
	if len(cfg.Triggers) == 0 {
		t.Fatalf("expected built-in defaults")
	}

	if err := os.WriteFile(filepath.Join(dir, "flowline.yml"), []byte("triggers: []\nslas: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadOptional(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Triggers) != 0 {
		t.Fatalf("file config not used")
	}
}

func TestWorkerDefaults(t *testing.T) {
	var w WorkerConfig
	if w.EventEvery() != DefaultEventInterval {
		t.Fatalf("event interval = %s", w.EventEvery())
	}
	if w.SLAEvery() != DefaultSLAInterval {
		t.Fatalf("sla interval = %s", w.SLAEvery())
	}
	if w.Batch() != DefaultBatchSize {
		t.Fatalf("batch = %d", w.Batch())
	}
	if w.Stale() != DefaultStaleAfter {
		t.Fatalf("stale = %v", w.Stale())
	}
	w.StaleAfter = "3m"
	if w.Stale() != 3*time.Minute {
		t.Fatalf("stale override = %v", w.Stale())
	}
}
