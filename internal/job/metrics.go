package job

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/domain"
)

// Metrics holds the Prometheus collectors of the ingestion runtime.
type Metrics struct {
	registry *prometheus.Registry

	jobsTotal    *prometheus.CounterVec   // by kind and final status
	jobDuration  *prometheus.HistogramVec // by kind
	rowsPulled   *prometheus.CounterVec   // by data table
	windowSecond *prometheus.GaugeVec     // by data table and direction
	quarantined  prometheus.Counter
}

// NewMetrics creates and registers the collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apdn7",
			Subsystem: "jobs",
			Name:      "finished_total",
			Help:      "Jobs finished, by kind and status",
		}, []string{"kind", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "apdn7",
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Job run time in seconds",
			Buckets:   []float64{0.1, 1, 5, 30, 60, 300, 900, 3600},
		}, []string{"kind"}),
		rowsPulled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apdn7",
			Subsystem: "pull",
			Name:      "rows_total",
			Help:      "Transaction rows pulled from sources",
		}, []string{"data_table"}),
		windowSecond: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "apdn7",
			Subsystem: "pull",
			Name:      "window_seconds",
			Help:      "Current adaptive window duration",
		}, []string{"data_table", "direction"}),
		quarantined: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "apdn7",
			Subsystem: "jobs",
			Name:      "quarantined_rows_total",
			Help:      "Rows written to quarantine",
		}),
	}
	m.registry.MustRegister(m.jobsTotal, m.jobDuration, m.rowsPulled, m.windowSecond, m.quarantined)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// JobFinished records the outcome of one run.
func (m *Metrics) JobFinished(kind domain.JobKind, status domain.JobStatus, took time.Duration) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(string(kind), string(status)).Inc()
	m.jobDuration.WithLabelValues(string(kind)).Observe(took.Seconds())
}

// RowsPulled adds n pulled rows for a data table.
func (m *Metrics) RowsPulled(dataTableID int64, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.rowsPulled.WithLabelValues(strconv.FormatInt(dataTableID, 10)).Add(float64(n))
}

// Window records the current window duration of a traversal.
func (m *Metrics) Window(dataTableID int64, dir domain.Direction, d time.Duration) {
	if m == nil {
		return
	}
	m.windowSecond.WithLabelValues(strconv.FormatInt(dataTableID, 10), string(dir)).Set(d.Seconds())
}

// Quarantined adds n quarantined rows.
func (m *Metrics) Quarantined(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.quarantined.Add(float64(n))
}
