// Package observe provides application-wide observability primitives for
// cyclevc: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ExampleDuration tracks the time to assemble one example. Use with
	// attribute:
	//   attribute.String("mode", ...)
	ExampleDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// Examples counts assembled examples. Use with attributes:
	//   attribute.String("mode", ...), attribute.String("status", ...)
	Examples metric.Int64Counter

	// StoreReads counts feature-store reads. Use with attribute:
	//   attribute.String("kind", ...)
	StoreReads metric.Int64Counter

	// StoreFallbacks counts reads served from the legacy feature key.
	StoreFallbacks metric.Int64Counter

	// PairingRows counts evaluation pairing rows at table construction. Use
	// with attribute:
	//   attribute.Bool("valid", ...)
	PairingRows metric.Int64Counter

	// LoaderBatches counts batches produced by the loader. Use with attribute:
	//   attribute.String("status", ...)
	LoaderBatches metric.Int64Counter

	// --- Gauges ---

	// ActiveStreams tracks the number of open example streams.
	ActiveStreams metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// example assembly, which is dominated by store round trips.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(scope)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ExampleDuration, err = m.Float64Histogram("cyclevc.example.duration",
		metric.WithDescription("Latency of assembling one example."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("cyclevc.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Examples, err = m.Int64Counter("cyclevc.examples",
		metric.WithDescription("Total assembled examples by mode and status."),
	); err != nil {
		return nil, err
	}
	if met.StoreReads, err = m.Int64Counter("cyclevc.store.reads",
		metric.WithDescription("Total feature-store reads by array kind."),
	); err != nil {
		return nil, err
	}
	if met.StoreFallbacks, err = m.Int64Counter("cyclevc.store.fallbacks",
		metric.WithDescription("Total feature reads served from the legacy key."),
	); err != nil {
		return nil, err
	}
	if met.PairingRows, err = m.Int64Counter("cyclevc.pairing.rows",
		metric.WithDescription("Total evaluation pairing rows by validity."),
	); err != nil {
		return nil, err
	}
	if met.LoaderBatches, err = m.Int64Counter("cyclevc.loader.batches",
		metric.WithDescription("Total loader batches by status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveStreams, err = m.Int64UpDownCounter("cyclevc.stream.active",
		metric.WithDescription("Number of open example streams."),
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordExample records one assembled example: a duration sample and a
// counter increment with the standard attribute set.
func (m *Metrics) RecordExample(ctx context.Context, mode, status string, seconds float64) {
	m.ExampleDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("mode", mode)),
	)
	m.Examples.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("status", status),
		),
	)
}

// RecordStoreRead records a feature-store read of the given array kind
// ("features", "stats", "speech_range", "wave").
func (m *Metrics) RecordStoreRead(ctx context.Context, kind string) {
	m.StoreReads.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordStoreFallback records a read served from the legacy feature key.
func (m *Metrics) RecordStoreFallback(ctx context.Context) {
	m.StoreFallbacks.Add(ctx, 1)
}

// RecordPairingRows records n pairing rows with the given validity.
func (m *Metrics) RecordPairingRows(ctx context.Context, valid bool, n int) {
	if n == 0 {
		return
	}
	m.PairingRows.Add(ctx, int64(n),
		metric.WithAttributes(attribute.Bool("valid", valid)),
	)
}

// RecordLoaderBatch records a loader batch outcome.
func (m *Metrics) RecordLoaderBatch(ctx context.Context, status string) {
	m.LoaderBatches.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
