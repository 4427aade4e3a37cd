package observe

import (
	"context"
	"slices"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumWhere returns the value of the int64 sum data point carrying the given
// attribute, and whether such a point exists.
func sumWhere(t *testing.T, rm metricdata.ResourceMetrics, name string, kv attribute.KeyValue) (int64, bool) {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(kv.Key); ok && v == kv.Value {
			return dp.Value, true
		}
	}
	return 0, false
}

func TestHistograms(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	tests := []struct {
		name        string
		h           metric.Float64Histogram
		wantBuckets []float64 // nil: SDK defaults
	}{
		{"cyclevc.example.duration", m.ExampleDuration, latencyBuckets},
		{"cyclevc.http.request.duration", m.HTTPRequestDuration, nil},
	}
	for _, tt := range tests {
		tt.h.Record(ctx, 0.004)
		tt.h.Record(ctx, 0.2)
	}
	rm := collect(t, reader)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			met := findMetric(rm, tt.name)
			if met == nil {
				t.Fatalf("metric %q not found", tt.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok || len(hist.DataPoints) != 1 {
				t.Fatalf("metric %q: data = %#v, want one histogram point", tt.name, met.Data)
			}
			dp := hist.DataPoints[0]
			if dp.Count != 2 {
				t.Errorf("sample count = %d, want 2", dp.Count)
			}
			if tt.wantBuckets != nil && !slices.Equal(dp.Bounds, tt.wantBuckets) {
				t.Errorf("bounds = %v, want %v", dp.Bounds, tt.wantBuckets)
			}
		})
	}
}

func TestRecordExample(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordExample(ctx, "train", "ok", 0.01)
	m.RecordExample(ctx, "train", "ok", 0.02)
	m.RecordExample(ctx, "train", "error", 0.03)

	rm := collect(t, reader)
	if got, ok := sumWhere(t, rm, "cyclevc.examples", attribute.String("status", "ok")); !ok || got != 2 {
		t.Errorf("examples{status=ok} = %d (found %v), want 2", got, ok)
	}
	if got, ok := sumWhere(t, rm, "cyclevc.examples", attribute.String("status", "error")); !ok || got != 1 {
		t.Errorf("examples{status=error} = %d (found %v), want 1", got, ok)
	}

	hist, ok := findMetric(rm, "cyclevc.example.duration").Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) == 0 {
		t.Fatal("example duration histogram has no data points")
	}
	if got := hist.DataPoints[0].Count; got != 3 {
		t.Errorf("duration sample count = %d, want 3", got)
	}
}

func TestStoreCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordStoreRead(ctx, "features")
	m.RecordStoreRead(ctx, "features")
	m.RecordStoreRead(ctx, "stats")
	m.RecordStoreFallback(ctx)

	rm := collect(t, reader)
	if got, _ := sumWhere(t, rm, "cyclevc.store.reads", attribute.String("kind", "features")); got != 2 {
		t.Errorf("store.reads{kind=features} = %d, want 2", got)
	}
	if got, _ := sumWhere(t, rm, "cyclevc.store.reads", attribute.String("kind", "stats")); got != 1 {
		t.Errorf("store.reads{kind=stats} = %d, want 1", got)
	}

	sum, ok := findMetric(rm, "cyclevc.store.fallbacks").Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) == 0 {
		t.Fatal("fallback counter has no data points")
	}
	if sum.DataPoints[0].Value != 1 {
		t.Errorf("store.fallbacks = %d, want 1", sum.DataPoints[0].Value)
	}
}

func TestPairingRowsCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordPairingRows(ctx, true, 6)
	m.RecordPairingRows(ctx, false, 2)
	m.RecordPairingRows(ctx, false, 0)

	rm := collect(t, reader)
	if got, _ := sumWhere(t, rm, "cyclevc.pairing.rows", attribute.Bool("valid", true)); got != 6 {
		t.Errorf("pairing.rows{valid=true} = %d, want 6", got)
	}
	if got, _ := sumWhere(t, rm, "cyclevc.pairing.rows", attribute.Bool("valid", false)); got != 2 {
		t.Errorf("pairing.rows{valid=false} = %d, want 2", got)
	}
}

func TestLoaderBatchesCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordLoaderBatch(ctx, "ok")
	m.RecordLoaderBatch(ctx, "error")
	m.RecordLoaderBatch(ctx, "ok")

	rm := collect(t, reader)
	if got, _ := sumWhere(t, rm, "cyclevc.loader.batches", attribute.String("status", "ok")); got != 2 {
		t.Errorf("loader.batches{status=ok} = %d, want 2", got)
	}
}

func TestActiveStreamsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	// UpDownCounters are additive: two opens and one close leave one stream.
	m.ActiveStreams.Add(ctx, 1)
	m.ActiveStreams.Add(ctx, 1)
	m.ActiveStreams.Add(ctx, -1)

	rm := collect(t, reader)
	met := findMetric(rm, "cyclevc.stream.active")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if len(sum.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("gauge value = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
