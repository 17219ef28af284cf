// Package telemetry wires go.opentelemetry.io/otel instrumentation for
// the Agent Step Loop and Sub-Agent Orchestrator: one span per step,
// one span per child-agent run, and a creditsUsed counter instrument.
//
// Grounded on the otel usage in pkg/agent/instrumentation.go in the
// teacher. The exporter is stdouttrace only — this module has no
// network egress of its own, so an OTLP/gRPC collector pipeline is out
// of scope (spec.md §1's Non-goal on analytics *transport* bounds the
// exporter choice, not the instrumentation itself; see DESIGN.md).
package telemetry

import (
	"context"
	"io"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/stepflow/agentruntime"

// Telemetry bundles the tracer/meter providers and the instruments the
// Agent Step Loop and Sub-Agent Orchestrator consume. Both consumers
// take only the narrow trace.Tracer/metric.Int64Counter interfaces this
// struct produces — never *Telemetry itself — per spec.md §9's
// "explicit dependency containers" note.
type Telemetry struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider

	Tracer         trace.Tracer
	CreditsCounter metric.Int64Counter
}

// New constructs a Telemetry writing spans to w as pretty-printed JSON
// (stdouttrace).
func New(w io.Writer) (*Telemetry, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	mp := sdkmetric.NewMeterProvider()

	meter := mp.Meter(instrumentationName)
	counter, err := meter.Int64Counter(
		"agentruntime.credits_used",
		metric.WithDescription("credits folded into an AgentState, per fold event"),
	)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		TracerProvider: tp,
		MeterProvider:  mp,
		Tracer:         tp.Tracer(instrumentationName),
		CreditsCounter: counter,
	}, nil
}

// Shutdown flushes and releases both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.TracerProvider.Shutdown(ctx); err != nil {
		return err
	}
	return t.MeterProvider.Shutdown(ctx)
}

// AgentTypeAttr is the shared span/metric attribute key both the step
// loop and orchestrator tag their instrumentation with.
func AgentTypeAttr(agentType string) attribute.KeyValue {
	return attribute.String("agent.type", agentType)
}

// AgentIDAttr is the shared span attribute key for an agent run id.
func AgentIDAttr(agentID string) attribute.KeyValue {
	return attribute.String("agent.id", agentID)
}
