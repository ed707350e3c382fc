// Package config models flowline.yml: the declarative trigger and SLA
// registries plus worker tuning. The file is loaded at startup and seeded
// into the store; the in-memory registries are rebuilt from there and
// swapped atomically, never mutated in place.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Triggers []TriggerDef `yaml:"triggers"`
	SLAs     []SLADef     `yaml:"slas"`
	Workers  WorkerConfig `yaml:"workers"`
}

// TriggerDef declares one automation rule. Predicate is a closed expression
// tree (field comparisons plus all/any/not connectives) stored as data and
// interpreted at evaluation time.
type TriggerDef struct {
	Name       string         `yaml:"name"`
	EventType  string         `yaml:"event_type"`
	EntityKind string         `yaml:"entity_kind,omitempty"`
	Predicate  map[string]any `yaml:"predicate,omitempty"`
	Action     string         `yaml:"action"`
	Params     map[string]any `yaml:"params,omitempty"`
	Enabled    *bool          `yaml:"enabled,omitempty"`
}

// SLADef declares a deadline policy keyed by work item kind. StartState
// opens the clock when entered; any StopStates entry closes it.
type SLADef struct {
	Name       string   `yaml:"name"`
	EntityKind string   `yaml:"entity_kind"`
	StartState string   `yaml:"start_state"`
	StopStates []string `yaml:"stop_states"`
	Target     string   `yaml:"target"`
	Enabled    *bool    `yaml:"enabled,omitempty"`
}

type WorkerConfig struct {
	EventInterval   string `yaml:"event_interval,omitempty"`
	SLAInterval     string `yaml:"sla_interval,omitempty"`
	WebhookInterval string `yaml:"webhook_interval,omitempty"`
	BatchSize       int    `yaml:"batch_size,omitempty"`
	StaleAfter      string `yaml:"stale_after,omitempty"`
}

var validActions = map[string]bool{
	"create-work-item":       true,
	"update-work-item-state": true,
	"emit-alert":             true,
	"call-webhook":           true,
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	seen := map[string]bool{}
	for _, t := range c.Triggers {
		if t.Name == "" {
			return fmt.Errorf("trigger with empty name")
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate trigger name %s", t.Name)
		}
		seen[t.Name] = true
		if t.EventType == "" {
			return fmt.Errorf("trigger %s: event_type is required", t.Name)
		}
		if !validActions[t.Action] {
			return fmt.Errorf("trigger %s: unknown action %q", t.Name, t.Action)
		}
	}
	seenSLA := map[string]bool{}
	for _, s := range c.SLAs {
		if s.Name == "" {
			return fmt.Errorf("sla with empty name")
		}
		if seenSLA[s.Name] {
			return fmt.Errorf("duplicate sla name %s", s.Name)
		}
		seenSLA[s.Name] = true
		if s.EntityKind == "" {
			return fmt.Errorf("sla %s: entity_kind is required", s.Name)
		}
		if s.StartState == "" {
			return fmt.Errorf("sla %s: start_state is required", s.Name)
		}
		if len(s.StopStates) == 0 {
			return fmt.Errorf("sla %s: stop_states is required", s.Name)
		}
		if _, err := s.TargetDuration(); err != nil {
			return fmt.Errorf("sla %s: %w", s.Name, err)
		}
	}
	if c.Workers.BatchSize < 0 {
		return fmt.Errorf("workers.batch_size must be >= 0")
	}
	if c.Workers.StaleAfter != "" {
		if _, err := time.ParseDuration(c.Workers.StaleAfter); err != nil {
			return fmt.Errorf("workers.stale_after: %w", err)
		}
	}
	return nil
}

// TargetDuration parses the SLA target ("1h", "30m", ...).
func (s SLADef) TargetDuration() (time.Duration, error) {
	d, err := time.ParseDuration(s.Target)
	if err != nil {
		return 0, fmt.Errorf("invalid target %q: %w", s.Target, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("target must be positive, got %q", s.Target)
	}
	return d, nil
}

// IsEnabled treats a missing enabled flag as on.
func (t TriggerDef) IsEnabled() bool { return t.Enabled == nil || *t.Enabled }

func (s SLADef) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// PredicateJSON serializes the predicate tree for storage.
func (t TriggerDef) PredicateJSON() (string, error) {
	if len(t.Predicate) == 0 {
		return "", nil
	}
	b, err := json.Marshal(t.Predicate)
	if err != nil {
		return "", fmt.Errorf("trigger %s predicate: %w", t.Name, err)
	}
	return string(b), nil
}

func (t TriggerDef) ParamsJSON() (string, error) {
	if len(t.Params) == 0 {
		return "", nil
	}
	b, err := json.Marshal(t.Params)
	if err != nil {
		return "", fmt.Errorf("trigger %s params: %w", t.Name, err)
	}
	return string(b), nil
}

// Worker defaults; intervals are robfig/cron specs.
const (
	DefaultEventInterval   = "@every 5s"
	DefaultSLAInterval     = "@every 5m"
	DefaultWebhookInterval = "@every 2s"
	DefaultBatchSize       = 100
	DefaultStaleAfter      = 10 * time.Minute
)

func (w WorkerConfig) EventEvery() string {
	if w.EventInterval != "" {
		return w.EventInterval
	}
	return DefaultEventInterval
}

func (w WorkerConfig) SLAEvery() string {
	if w.SLAInterval != "" {
		return w.SLAInterval
	}
	return DefaultSLAInterval
}

func (w WorkerConfig) WebhookEvery() string {
	if w.WebhookInterval != "" {
		return w.WebhookInterval
	}
	return DefaultWebhookInterval
}

func (w WorkerConfig) Batch() int {
	if w.BatchSize > 0 {
		return w.BatchSize
	}
	return DefaultBatchSize
}

func (w WorkerConfig) Stale() time.Duration {
	if w.StaleAfter != "" {
		if d, err := time.ParseDuration(w.StaleAfter); err == nil {
			return d
		}
	}
	return DefaultStaleAfter
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "flowline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", Path(workspace))
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults when the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in trigger and SLA registries.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// GenerateDefault returns the default config YAML for `fl config init`.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `triggers:
  - name: intake-completed-creates-assessment
    event_type: WorkItemStateChanged
    entity_kind: intake
    predicate:
      field: to_state
      op: eq
      value: completed
    action: create-work-item
    params:
      kind: assessment
      same_plan: true

  - name: plan-activated-alert
    event_type: PlanActivated
    action: emit-alert
    params:
      message: "plan activated"

slas:
  - name: intake-turnaround
    entity_kind: intake
    start_state: in_progress
    stop_states: [completed, cancelled]
    target: 1h

  - name: assessment-turnaround
    entity_kind: assessment
    start_state: in_progress
    stop_states: [completed, cancelled]
    target: 4h

  - name: review-turnaround
    entity_kind: review
    start_state: in_progress
    stop_states: [completed, cancelled]
    target: 2h

workers:
  event_interval: "@every 5s"
  sla_interval: "@every 5m"
  webhook_interval: "@every 2s"
  batch_size: 100
  stale_after: 10m
`
