// Package metrics provides optional Prometheus instrumentation for the
// clisend server.
//
// Metrics are opt-in: when InitRegistry has not been called, constructors
// return no-op implementations, so instrumented code paths never have to
// branch on whether metrics are enabled.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	registry     *prometheus.Registry
	registryOnce sync.Once
)

// InitRegistry enables metrics collection. Call once from main before
// constructing any metrics instances; subsequent calls are ignored.
func InitRegistry() {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
	})
}

// Registry returns the global registry, or nil when metrics are disabled.
func Registry() *prometheus.Registry {
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	return registry != nil
}

// ServerMetrics records connection server activity.
type ServerMetrics interface {
	SessionOpened()
	SessionClosed()
	SessionRefused()
	TransferCompleted(operation, outcome string)
	BytesTransferred(direction string, n int)
}

type serverMetrics struct {
	sessionsActive   prometheus.Gauge
	sessionsTotal    prometheus.Counter
	sessionsRefused  prometheus.Counter
	transfersTotal   *prometheus.CounterVec
	bytesTransferred *prometheus.CounterVec
}

// NewServerMetrics returns Prometheus-backed server metrics, or a no-op
// implementation when metrics are disabled.
func NewServerMetrics() ServerMetrics {
	if !IsEnabled() {
		return noopServerMetrics{}
	}

	reg := Registry()
	return &serverMetrics{
		sessionsActive: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "clisend_sessions_active",
			Help: "Current number of authenticated client sessions",
		}),
		sessionsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "clisend_sessions_total",
			Help: "Total number of accepted client sessions",
		}),
		sessionsRefused: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "clisend_sessions_refused_total",
			Help: "Connections refused because the session limit was reached",
		}),
		transfersTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "clisend_transfers_total",
			Help: "Completed operations by operation and outcome",
		}, []string{"operation", "outcome"}),
		bytesTransferred: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "clisend_transfer_bytes_total",
			Help: "File bytes moved, by direction (in = uploads, out = downloads)",
		}, []string{"direction"}),
	}
}

func (m *serverMetrics) SessionOpened() {
	m.sessionsActive.Inc()
	m.sessionsTotal.Inc()
}

func (m *serverMetrics) SessionClosed() {
	m.sessionsActive.Dec()
}

func (m *serverMetrics) SessionRefused() {
	m.sessionsRefused.Inc()
}

func (m *serverMetrics) TransferCompleted(operation, outcome string) {
	m.transfersTotal.WithLabelValues(operation, outcome).Inc()
}

func (m *serverMetrics) BytesTransferred(direction string, n int) {
	m.bytesTransferred.WithLabelValues(direction).Add(float64(n))
}

type noopServerMetrics struct{}

func (noopServerMetrics) SessionOpened()                   {}
func (noopServerMetrics) SessionClosed()                   {}
func (noopServerMetrics) SessionRefused()                  {}
func (noopServerMetrics) TransferCompleted(string, string) {}
func (noopServerMetrics) BytesTransferred(string, int)     {}
