// Package observability provides lifecycle extensions that export
// engine activity as OpenTelemetry metrics. It complements the
// per-execution middleware instruments with queue-level counters
// covering events that happen outside handler execution: publishes,
// reclaims, and dead-letter routing.
package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/streamq/streamq/envelope"
)

const meterName = "github.com/streamq/streamq"

// MetricsExtension counts task lifecycle events. Register it with the
// engine's hook registry; with no MeterProvider configured globally
// the instruments are noops.
type MetricsExtension struct {
	enqueued     metric.Int64Counter
	completed    metric.Int64Counter
	failed       metric.Int64Counter
	reclaimed    metric.Int64Counter
	deadLettered metric.Int64Counter
}

// NewMetricsExtension builds the extension against the global
// MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter builds the extension against a specific
// meter, for testing or multi-provider setups.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("{task}"))
		_ = err // noop fallback guaranteed by OTel API contract
		return c
	}
	return &MetricsExtension{
		enqueued:     counter("streamq.tasks.enqueued", "Tasks appended to queue logs"),
		completed:    counter("streamq.tasks.completed", "Tasks acknowledged after successful execution"),
		failed:       counter("streamq.tasks.failed", "Failed task execution attempts"),
		reclaimed:    counter("streamq.tasks.reclaimed", "Pending tasks transferred from idle consumers"),
		deadLettered: counter("streamq.tasks.dead_lettered", "Tasks routed to the dead-letter log"),
	}
}

// Name implements hook.Extension.
func (*MetricsExtension) Name() string { return "metrics" }

func queueAttrs(env *envelope.Envelope) metric.AddOption {
	return metric.WithAttributes(
		attribute.String("queue", env.Queue),
		attribute.String("operation", env.Operation),
	)
}

// Enqueued implements hook.Enqueued.
func (m *MetricsExtension) Enqueued(ctx context.Context, env *envelope.Envelope) {
	m.enqueued.Add(ctx, 1, queueAttrs(env))
}

// Completed implements hook.Completed.
func (m *MetricsExtension) Completed(ctx context.Context, env *envelope.Envelope, _ time.Duration) {
	m.completed.Add(ctx, 1, queueAttrs(env))
}

// Failed implements hook.Failed.
func (m *MetricsExtension) Failed(ctx context.Context, env *envelope.Envelope, _ int64, _ error) {
	m.failed.Add(ctx, 1, queueAttrs(env))
}

// Reclaimed implements hook.Reclaimed.
func (m *MetricsExtension) Reclaimed(ctx context.Context, env *envelope.Envelope, _ int64) {
	m.reclaimed.Add(ctx, 1, queueAttrs(env))
}

// DeadLettered implements hook.DeadLettered.
func (m *MetricsExtension) DeadLettered(ctx context.Context, env *envelope.Envelope, _ error) {
	m.deadLettered.Add(ctx, 1, queueAttrs(env))
}
