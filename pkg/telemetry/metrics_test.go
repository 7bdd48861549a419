package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecordSchedule(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	m.RecordSchedule("ALLOCATED", "", 2*time.Millisecond, 7, 0, 2, false)
	m.RecordSchedule("EXHAUSTED", "", time.Millisecond, 5, 0, 0, true)

	if v := testutil.ToFloat64(m.schedules.WithLabelValues("ALLOCATED", "none")); v != 1 {
		t.Errorf("allocated schedules = %g, want 1", v)
	}
	if v := testutil.ToFloat64(m.temporalRejects); v != 2 {
		t.Errorf("temporal rejections = %g, want 2", v)
	}
	if v := testutil.ToFloat64(m.iterationCapHits); v != 1 {
		t.Errorf("iteration cap hits = %g, want 1", v)
	}
	if n := testutil.CollectAndCount(m.searchIterations); n != 1 {
		t.Errorf("iteration histogram series = %d, want 1", n)
	}
}

func TestMetricsHandler(t *testing.T) {
	m, _ := NewMetrics(DefaultConfig().Metrics)
	m.RecordRelease("order", 3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `bakeplan_released_records_total{scope="order"} 3`) {
		t.Errorf("release counter missing from output:\n%s", rec.Body.String())
	}
}

func TestMetricsDisabled(t *testing.T) {
	cfg := DefaultConfig().Metrics
	cfg.Enabled = false
	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	m.RecordSchedule("ALLOCATED", "single", time.Millisecond, 1, 0, 0, false)
	m.RecordReservation("mixer-1", 10)
	m.RecordError("conflict", "CAPACITY_EXCEEDED")
	m.SetLedgerState("mixer-1", 1, 0.5)

	if m.Registry() != nil {
		t.Error("disabled metrics should have no registry")
	}
	if err := m.StartMetricsServer(); err != nil {
		t.Errorf("StartMetricsServer on disabled metrics: %v", err)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
