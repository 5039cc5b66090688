package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
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

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

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

func TestNewMetricsCreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestLatencyHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.FirstTokenLatency.Record(ctx, 0.12)
	m.FirstTokenLatency.Record(ctx, 0.34)

	rm := collect(t, reader)
	found := findMetric(rm, "lifestrand.generation.first_token")
	if found == nil {
		t.Fatal("first_token histogram not collected")
	}
	hist, ok := found.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("data type = %T", found.Data)
	}
	if got := hist.DataPoints[0].Count; got != 2 {
		t.Errorf("count = %d, want 2", got)
	}
}

func TestGenerationCounterAttributes(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordGeneration(ctx, "chat", "ok")
	m.RecordGeneration(ctx, "chat", "ok")
	m.RecordGeneration(ctx, "summary", "error")

	rm := collect(t, reader)
	found := findMetric(rm, "lifestrand.generation.requests")
	if found == nil {
		t.Fatal("generation counter not collected")
	}
	sum, ok := found.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("data type = %T", found.Data)
	}
	if len(sum.DataPoints) != 2 {
		t.Fatalf("data points = %d, want 2 attribute sets", len(sum.DataPoints))
	}
	for _, dp := range sum.DataPoints {
		class, _ := dp.Attributes.Value(attribute.Key("class"))
		switch class.AsString() {
		case "chat":
			if dp.Value != 2 {
				t.Errorf("chat count = %d, want 2", dp.Value)
			}
		case "summary":
			if dp.Value != 1 {
				t.Errorf("summary count = %d, want 1", dp.Value)
			}
		default:
			t.Errorf("unexpected class %q", class.AsString())
		}
	}
}

func TestActiveSessionsUpDown(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)
	found := findMetric(rm, "lifestrand.active_sessions")
	if found == nil {
		t.Fatal("active_sessions not collected")
	}
	sum := found.Data.(metricdata.Sum[int64])
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}
}

func TestQueueDepthGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.QueueDepth.Record(ctx, 7)
	m.QueueDepth.Record(ctx, 3)

	rm := collect(t, reader)
	found := findMetric(rm, "lifestrand.summary.queue_depth")
	if found == nil {
		t.Fatal("queue_depth not collected")
	}
	gauge := found.Data.(metricdata.Gauge[int64])
	if got := gauge.DataPoints[0].Value; got != 3 {
		t.Errorf("queue depth = %d, want last recorded value 3", got)
	}
}

func TestBreakerTransitionCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordBreakerTransition(ctx, "model-service", "open")

	rm := collect(t, reader)
	found := findMetric(rm, "lifestrand.breaker.transitions")
	if found == nil {
		t.Fatal("breaker transitions not collected")
	}
	sum := found.Data.(metricdata.Sum[int64])
	to, _ := sum.DataPoints[0].Attributes.Value(attribute.Key("to"))
	if to.AsString() != "open" {
		t.Errorf("to = %q, want open", to.AsString())
	}
}
