// Package telemetry exports Prometheus metrics for session lifecycle and
// reset recovery. A nil *Metrics is valid and records nothing.
package telemetry

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "resync"

// Metrics holds the collectors of one process.
type Metrics struct {
	registry *prometheus.Registry

	opens   *prometheus.CounterVec
	resets  *prometheus.CounterVec
	errors  *prometheus.CounterVec
	merged  prometheus.Counter
	backups *prometheus.HistogramVec
	state   *prometheus.GaugeVec

	mu   sync.Mutex
	last map[string]string
}

// New creates Metrics on a private registry that also carries the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		opens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "opens_total",
			Help:      "Session opens by strategy and outcome",
		}, []string{"strategy", "outcome"}),
		resets: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resets_handled_total",
			Help:      "Reset events handled by kind",
		}, []string{"kind"}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Classified errors by kind",
		}, []string{"kind"}),
		merged: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_merged_total",
			Help:      "Backup records replayed into live replicas",
		}),
		backups: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backup_duration_seconds",
			Help:      "Time to move a discarded replica into the backup slot",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"status"}),
		state: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "1 for the current lifecycle state of each location",
		}, []string{"location", "state"}),
		last: make(map[string]string),
	}
}

// Registry returns the registry the collectors are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveOpen counts one open attempt.
func (m *Metrics) ObserveOpen(strategy string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.opens.WithLabelValues(strategy, outcome).Inc()
}

// ObserveReset counts one handled reset event.
func (m *Metrics) ObserveReset(kind string) {
	if m == nil {
		return
	}
	m.resets.WithLabelValues(kind).Inc()
}

// ObserveError counts one classified error.
func (m *Metrics) ObserveError(kind string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(kind).Inc()
}

// AddMerged counts replayed backup records.
func (m *Metrics) AddMerged(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.merged.Add(float64(n))
}

// ObserveBackup records the duration of one backup move.
func (m *Metrics) ObserveBackup(d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.backups.WithLabelValues(status).Observe(d.Seconds())
}

// SetState marks state as the current state of location.
func (m *Metrics) SetState(location, state string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.last[location]; ok && prev != state {
		m.state.DeleteLabelValues(location, prev)
	}
	m.last[location] = state
	m.state.WithLabelValues(location, state).Set(1)
}
