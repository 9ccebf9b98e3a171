// Package metrics exposes operation and reset counters to prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lancachemanager/opsd/internal/ops"
)

const namespace = "opsd"

type Metrics struct {
	registry *prometheus.Registry

	started     *prometheus.CounterVec
	finished    *prometheus.CounterVec
	running     *prometheus.GaugeVec
	duration    *prometheus.HistogramVec
	rowsDeleted *prometheus.CounterVec
	workerRuns  *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		started: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_started_total",
			Help:      "Operations accepted, by type.",
		}, []string{"type"}),
		finished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_finished_total",
			Help:      "Operations that reached a terminal status, by type and status.",
		}, []string{"type", "status"}),
		running: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "operations_running",
			Help:      "Operations currently running, by type.",
		}, []string{"type"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Wall time of finished operations, by type.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600, 4 * 3600},
		}, []string{"type"}),
		rowsDeleted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reset_rows_deleted_total",
			Help:      "Rows deleted by committed resets, by table.",
		}, []string{"table"}),
		workerRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_runs_total",
			Help:      "Worker process runs, by worker and outcome.",
		}, []string{"worker", "outcome"}),
	}
}

func (m *Metrics) Started(typ ops.Type) {
	m.started.WithLabelValues(string(typ)).Inc()
	m.running.WithLabelValues(string(typ)).Inc()
}

func (m *Metrics) Finished(typ ops.Type, status ops.Status, d time.Duration) {
	m.finished.WithLabelValues(string(typ), string(status)).Inc()
	m.running.WithLabelValues(string(typ)).Dec()
	m.duration.WithLabelValues(string(typ)).Observe(d.Seconds())
}

func (m *Metrics) RowsDeleted(table string, rows int64) {
	m.rowsDeleted.WithLabelValues(table).Add(float64(rows))
}

func (m *Metrics) WorkerRun(worker, outcome string) {
	m.workerRuns.WithLabelValues(worker, outcome).Inc()
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
