// Package telemetry exposes the counters the core emits per transition,
// trigger evaluation, and SLA breach. Counters use the OpenTelemetry metric
// API; wiring an exporter is the embedding process's concern.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type Metrics struct {
	transitions  metric.Int64Counter
	triggerEvals metric.Int64Counter
	slaBreaches  metric.Int64Counter
}

func New() (*Metrics, error) {
	meter := otel.Meter("flowline")
	transitions, err := meter.Int64Counter("flowline.transitions",
		metric.WithDescription("State transition requests by outcome"))
	if err != nil {
		return nil, err
	}
	triggerEvals, err := meter.Int64Counter("flowline.trigger_evaluations",
		metric.WithDescription("Automation trigger evaluations by outcome"))
	if err != nil {
		return nil, err
	}
	slaBreaches, err := meter.Int64Counter("flowline.sla_breaches",
		metric.WithDescription("SLA records marked breached"))
	if err != nil {
		return nil, err
	}
	return &Metrics{
		transitions:  transitions,
		triggerEvals: triggerEvals,
		slaBreaches:  slaBreaches,
	}, nil
}

// All record methods are nil-safe so components can run without metrics in
// tests.

func (m *Metrics) RecordTransition(ctx context.Context, entityType, outcome string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("entity_type", entityType),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) RecordTriggerEvaluation(ctx context.Context, trigger, outcome string) {
	if m == nil {
		return
	}
	m.triggerEvals.Add(ctx, 1, metric.WithAttributes(
		attribute.String("trigger", trigger),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) RecordSLABreach(ctx context.Context, configID string) {
	if m == nil {
		return
	}
	m.slaBreaches.Add(ctx, 1, metric.WithAttributes(
		attribute.String("sla_config", configID),
	))
}
