package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric name.
const Namespace = "harvest"

// Metrics holds the harvester's Prometheus collectors on a private
// registry. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Runs        *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec
	Transitions *prometheus.CounterVec
	Datasets    prometheus.Counter
	Rows        prometheus.Counter
	Bytes       prometheus.Counter
	Skipped     *prometheus.CounterVec
}

// New creates the collectors and registers them together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "runs_total",
			Help:      "Stream harvest runs by outcome.",
		}, []string{"outcome"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of stream harvest runs.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}, []string{"outcome"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "status_transitions_total",
			Help:      "Persisted status phase changes.",
		}, []string{"from", "to"}),
		Datasets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "datasets_written_total",
			Help:      "Result files written to array stores.",
		}),
		Rows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "rows_written_total",
			Help:      "Time steps written to array stores.",
		}),
		Bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "downloaded_bytes_total",
			Help:      "Bytes of result files downloaded.",
		}),
		Skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "datasets_skipped_total",
			Help:      "Result files not written, by reason.",
		}, []string{"reason"}),
	}
	reg.MustRegister(
		m.Runs, m.RunDuration, m.Transitions, m.Datasets, m.Rows, m.Bytes, m.Skipped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRun counts a finished run.
func (m *Metrics) RecordRun(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(outcome).Inc()
	m.RunDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordTransition counts a status phase change.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}

// RecordDataset counts a written result file.
func (m *Metrics) RecordDataset(rows int, bytes int64) {
	if m == nil {
		return
	}
	m.Datasets.Inc()
	m.Rows.Add(float64(rows))
	m.Bytes.Add(float64(bytes))
}

// RecordSkip counts a result file that was not written.
func (m *Metrics) RecordSkip(reason string) {
	if m == nil {
		return
	}
	m.Skipped.WithLabelValues(reason).Inc()
}
