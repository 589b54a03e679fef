// Package metrics exposes Prometheus instrumentation for the synchronization
// engine. A Metrics value is registered on an explicit registry and passed by
// reference; nothing registers on the global default registry.
package metrics

import (
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

// Metrics groups the collectors shared by communicators and controllers.
type Metrics struct {
	registry *prometheus.Registry

	backendCalls    *prometheus.CounterVec
	backendDuration *prometheus.HistogramVec
	backendErrors   *prometheus.CounterVec
	flushes         prometheus.Counter
	flushDuration   prometheus.Histogram
	flushErrors     prometheus.Counter
	passivatedKeys  prometheus.Counter
	releasedKeys    prometheus.Counter
	activeKeys      prometheus.Gauge
	expandedItems   prometheus.Gauge
}

// New creates and registers all collectors on reg. A nil reg gets a fresh
// registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		backendCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "treesync_backend_calls_total",
			Help: "Backend calls issued by the communicators",
		}, []string{"op"}),
		backendDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "treesync_backend_call_duration_seconds",
			Help:    "Latency of backend calls",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1},
		}, []string{"op"}),
		backendErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "treesync_backend_errors_total",
			Help: "Backend calls that returned an error",
		}, []string{"op"}),
		flushes: f.NewCounter(prometheus.CounterOpts{
			Name: "treesync_flushes_total",
			Help: "Committed updates",
		}),
		flushDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "treesync_flush_duration_seconds",
			Help:    "Time to compute and commit one update",
			Buckets: prometheus.DefBuckets,
		}),
		flushErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "treesync_flush_errors_total",
			Help: "Flushes aborted by an error",
		}),
		passivatedKeys: f.NewCounter(prometheus.CounterOpts{
			Name: "treesync_passivated_keys_total",
			Help: "Keys dropped from the active set and awaiting confirmation",
		}),
		releasedKeys: f.NewCounter(prometheus.CounterOpts{
			Name: "treesync_released_keys_total",
			Help: "Passivated keys unregistered after confirmation",
		}),
		activeKeys: f.NewGauge(prometheus.GaugeOpts{
			Name: "treesync_active_keys",
			Help: "Keys referenced by the last committed update",
		}),
		expandedItems: f.NewGauge(prometheus.GaugeOpts{
			Name: "treesync_expanded_items",
			Help: "Items currently expanded",
		}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RecordBackendCall counts one fetch or count call.
func (m *Metrics) RecordBackendCall(op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.backendCalls.WithLabelValues(op).Inc()
	m.backendDuration.WithLabelValues(op).Observe(d.Seconds())
	if err != nil {
		m.backendErrors.WithLabelValues(op).Inc()
	}
}

// RecordFlush counts one flush attempt.
func (m *Metrics) RecordFlush(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.flushDuration.Observe(d.Seconds())
	if err != nil {
		m.flushErrors.Inc()
		return
	}
	m.flushes.Inc()
}

func (m *Metrics) RecordPassivated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.passivatedKeys.Add(float64(n))
}

func (m *Metrics) RecordReleased(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.releasedKeys.Add(float64(n))
}

func (m *Metrics) SetActiveKeys(n int) {
	if m == nil {
		return
	}
	m.activeKeys.Set(float64(n))
}

func (m *Metrics) SetExpandedItems(n int) {
	if m == nil {
		return
	}
	m.expandedItems.Set(float64(n))
}

// WriteText writes every family on the registry in the Prometheus text
// exposition format.
func (m *Metrics) WriteText(w io.Writer) error {
	if m == nil {
		return nil
	}
	families, err := m.registry.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("write metric family %s: %w", mf.GetName(), err)
		}
	}
	return nil
}
