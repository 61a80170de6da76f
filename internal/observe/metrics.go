// Package observe provides application-wide observability primitives for
// Nevil: OpenTelemetry metrics and the Prometheus exporter bridge.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Nevil metrics.
const meterName = "github.com/nevil-robotics/nevil"

// Metrics holds all OpenTelemetry metric instruments for the runtime.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Message bus ---

	// BusPublished counts messages accepted by the bus. Attributes:
	//   attribute.String("topic", ...)
	BusPublished metric.Int64Counter

	// BusDropped counts per-subscriber deliveries dropped because a queue
	// was full. Attributes: attribute.String("topic", ...)
	BusDropped metric.Int64Counter

	// --- Audio capture ---

	// CaptureChunks counts audio chunks by disposition. Attributes:
	//   attribute.String("disposition", "sent"|"skipped"|"gated")
	CaptureChunks metric.Int64Counter

	// CaptureCommits counts speech segments committed upstream.
	CaptureCommits metric.Int64Counter

	// --- Realtime connection ---

	// RealtimeReconnects counts reconnection attempts. Attributes:
	//   attribute.String("status", "ok"|"fail")
	RealtimeReconnects metric.Int64Counter

	// RealtimeEvents counts events by direction. Attributes:
	//   attribute.String("direction", "sent"|"received")
	RealtimeEvents metric.Int64Counter

	// --- Conversation pipeline ---

	// Utterances counts completed assistant utterances spoken aloud.
	Utterances metric.Int64Counter

	// ToolCalls counts tool invocations. Attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// StepDuration tracks per-conversation-step latency. Attributes:
	//   attribute.String("step", "request"|"stt"|"gpt"|"tts"|"response"|"sleep")
	StepDuration metric.Float64Histogram

	// --- Nodes ---

	// NodeErrors counts main-loop and handler errors per node. Attributes:
	//   attribute.String("node", ...)
	NodeErrors metric.Int64Counter

	// ActiveNodes tracks the number of running nodes.
	ActiveNodes metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.BusPublished, err = m.Int64Counter("nevil.bus.published",
		metric.WithDescription("Messages accepted by the bus, by topic."),
	); err != nil {
		return nil, err
	}
	if met.BusDropped, err = m.Int64Counter("nevil.bus.dropped",
		metric.WithDescription("Per-subscriber deliveries dropped due to full queues."),
	); err != nil {
		return nil, err
	}
	if met.CaptureChunks, err = m.Int64Counter("nevil.capture.chunks",
		metric.WithDescription("Audio chunks by disposition (sent, skipped, gated)."),
	); err != nil {
		return nil, err
	}
	if met.CaptureCommits, err = m.Int64Counter("nevil.capture.commits",
		metric.WithDescription("Speech segments committed to the realtime service."),
	); err != nil {
		return nil, err
	}
	if met.RealtimeReconnects, err = m.Int64Counter("nevil.realtime.reconnects",
		metric.WithDescription("Realtime reconnection attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.RealtimeEvents, err = m.Int64Counter("nevil.realtime.events",
		metric.WithDescription("Realtime events by direction."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("nevil.utterances",
		metric.WithDescription("Completed assistant utterances."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("nevil.tool.calls",
		metric.WithDescription("Tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.StepDuration, err = m.Float64Histogram("nevil.step.duration",
		metric.WithDescription("Conversation step latency by step name."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.NodeErrors, err = m.Int64Counter("nevil.node.errors",
		metric.WithDescription("Node main-loop and handler errors by node name."),
	); err != nil {
		return nil, err
	}
	if met.ActiveNodes, err = m.Int64UpDownCounter("nevil.active_nodes",
		metric.WithDescription("Number of currently running nodes."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordToolCall records a tool call counter increment with the standard
// attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordChunk records an audio chunk disposition.
func (m *Metrics) RecordChunk(ctx context.Context, disposition string) {
	m.CaptureChunks.Add(ctx, 1,
		metric.WithAttributes(attribute.String("disposition", disposition)),
	)
}

// RecordStep records a conversation-step duration in seconds.
func (m *Metrics) RecordStep(ctx context.Context, step string, seconds float64) {
	m.StepDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("step", step)),
	)
}
