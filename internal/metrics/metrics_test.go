package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecord(t *testing.T) {
	m := New()
	m.RecordRun("success", 3*time.Second)
	m.RecordRun("success", time.Second)
	m.RecordRun("failed", time.Second)
	m.RecordTransition("requested", "ready")
	m.RecordDataset(100, 2048)
	m.RecordDataset(50, 1024)
	m.RecordSkip("dimension_mismatch")

	if got := testutil.ToFloat64(m.Runs.WithLabelValues("success")); got != 2 {
		t.Errorf("runs{success} = %v", got)
	}
	if got := testutil.ToFloat64(m.Transitions.WithLabelValues("requested", "ready")); got != 1 {
		t.Errorf("transitions = %v", got)
	}
	if got := testutil.ToFloat64(m.Rows); got != 150 {
		t.Errorf("rows = %v", got)
	}
	if got := testutil.ToFloat64(m.Bytes); got != 3072 {
		t.Errorf("bytes = %v", got)
	}
	if got := testutil.ToFloat64(m.Datasets); got != 2 {
		t.Errorf("datasets = %v", got)
	}
	if got := testutil.ToFloat64(m.Skipped.WithLabelValues("dimension_mismatch")); got != 1 {
		t.Errorf("skipped = %v", got)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.RecordRun("success", time.Second)
	m.RecordTransition("idle", "requested")
	m.RecordDataset(1, 1)
	m.RecordSkip("x")
}

func TestHandler(t *testing.T) {
	m := New()
	m.RecordRun("skipped", time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{`harvest_runs_total{outcome="skipped"} 1`, "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
