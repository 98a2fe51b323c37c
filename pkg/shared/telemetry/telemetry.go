// Package telemetry carries the ambient tracing and metrics
// conventions shared by every suspension point in the kernel: an OTel
// span helper and a fixed set of Prometheus collectors for gate
// outcomes, publish latency, outbox lag, and VM instruction
// throughput, matching the teacher's own thin-wrapper approach to
// observability (depend on the interface — here `trace.Tracer` and
// `prometheus.Collector` — never reach for a vendor SDK directly at
// call sites).
package telemetry

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the one instrumentation scope every kernel span is
// reported under.
const tracerName = "github.com/semregistry/kernel"

// StartSpan opens a span named name under the kernel's tracer. Callers
// must end the returned span. Both stores' PublishSet and
// ResolveContext call it; the workflow VM does not.
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name)
}

var (
	// GateOutcomes counts every gate/guardrail evaluation by name,
	// outcome ("pass"/"fail"), and severity.
	GateOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kernel_gate_outcomes_total",
		Help: "Count of publish-gate and guardrail evaluations by gate name, outcome, and severity.",
	}, []string{"gate", "outcome", "severity"})

	// PublishLatency observes wall-clock duration of a publish_set
	// call, in seconds.
	PublishLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "kernel_publish_latency_seconds",
		Help:    "Duration of publish_set calls.",
		Buckets: prometheus.DefBuckets,
	})

	// OutboxLag observes the delay between an outbox event's
	// CreatedAt and the moment the projector worker applies it.
	OutboxLag = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "kernel_outbox_lag_seconds",
		Help:    "Delay between an outbox event being created and the projector applying it.",
		Buckets: prometheus.DefBuckets,
	})

	// OutboxEventsTotal counts processed vs dead-lettered outbox events.
	OutboxEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kernel_outbox_events_total",
		Help: "Count of outbox events reaching a terminal state, by outcome.",
	}, []string{"outcome"})

	// VMInstructionsTotal counts workflow VM instructions dispatched,
	// by instruction kind.
	VMInstructionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kernel_vm_instructions_total",
		Help: "Count of workflow VM instructions dispatched, by kind.",
	}, []string{"kind"})
)

// Registry bundles every collector above behind a single
// prometheus.Registerer, so a caller wires observability with one call
// instead of enumerating collectors by hand.
func Registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(GateOutcomes, PublishLatency, OutboxLag, OutboxEventsTotal, VMInstructionsTotal)
	return reg
}

// ObserveOutboxLag records the age of an event at the moment it is
// applied.
func ObserveOutboxLag(createdAt time.Time) {
	OutboxLag.Observe(time.Since(createdAt).Seconds())
}
