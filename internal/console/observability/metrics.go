package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes counters/histograms for the login flow and backend calls.
type Metrics struct {
	loginTotal      *prometheus.CounterVec
	backendTotal    *prometheus.CounterVec
	backendDuration *prometheus.HistogramVec
}

// NewMetrics registers the console collectors with reg (the default registerer when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		loginTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic_console",
			Subsystem: "auth",
			Name:      "login_attempts_total",
			Help:      "Login attempts by outcome",
		}, []string{"outcome"}),
		backendTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic_console",
			Subsystem: "backend",
			Name:      "requests_total",
			Help:      "Backend requests by operation and HTTP status (0 for transport failures)",
		}, []string{"operation", "status"}),
		backendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clinic_console",
			Subsystem: "backend",
			Name:      "request_duration_seconds",
			Help:      "Latency of backend requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.loginTotal, m.backendTotal, m.backendDuration)
	return m
}

// ObserveLogin records the outcome of a login attempt.
func (m *Metrics) ObserveLogin(outcome string) {
	if m == nil {
		return
	}
	m.loginTotal.WithLabelValues(outcome).Inc()
}

// ObserveBackendRequest records a completed backend call.
func (m *Metrics) ObserveBackendRequest(operation string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.backendTotal.WithLabelValues(operation, strconv.Itoa(status)).Inc()
	m.backendDuration.WithLabelValues(operation).Observe(seconds)
}
