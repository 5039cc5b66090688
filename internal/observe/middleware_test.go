package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func testTracedHandler(t *testing.T, status int) (*Metrics, *sdkmetric.ManualReader, http.Handler) {
	t.Helper()
	m, reader := newTestMetrics(t)
	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	return m, reader, h
}

func TestMiddlewareRecordsDuration(t *testing.T) {
	_, reader, h := testTracedHandler(t, http.StatusOK)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/npc/list", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	rm := collect(t, reader)
	found := findMetric(rm, "lifestrand.http.request.duration")
	if found == nil {
		t.Fatal("request duration not collected")
	}
	hist := found.Data.(metricdata.Histogram[float64])
	if hist.DataPoints[0].Count != 1 {
		t.Errorf("count = %d, want 1", hist.DataPoints[0].Count)
	}
}

func TestMiddlewarePreservesStatus(t *testing.T) {
	_, _, h := testTracedHandler(t, http.StatusTeapot)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want 418", rec.Code)
	}
}

func TestMiddlewareRecordsStatusAttribute(t *testing.T) {
	_, reader, h := testTracedHandler(t, http.StatusNotFound)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/npc/missing", nil))

	rm := collect(t, reader)
	found := findMetric(rm, "lifestrand.http.request.duration")
	if found == nil {
		t.Fatal("request duration not collected")
	}
	hist := found.Data.(metricdata.Histogram[float64])
	if v, ok := hist.DataPoints[0].Attributes.Value("status"); !ok || v.AsString() != "404" {
		t.Errorf("status attribute = %v, want 404", v)
	}
}

func TestMiddlewareSkipsProbePaths(t *testing.T) {
	_, reader, h := testTracedHandler(t, http.StatusOK)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d", path, rec.Code)
		}
	}

	rm := collect(t, reader)
	if findMetric(rm, "lifestrand.http.request.duration") != nil {
		t.Error("probe paths should not record request duration")
	}
}

func TestCorrelationIDWithoutSpanIsEmpty(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID = %q, want empty", got)
	}
}
