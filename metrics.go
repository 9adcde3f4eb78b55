package plugauth

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors updated by the core.  A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	AuthAttempts       *prometheus.CounterVec
	AuthDuration       *prometheus.HistogramVec
	SessionsIssued     *prometheus.CounterVec
	SessionValidations *prometheus.CounterVec
	FlowStatesPurged   prometheus.Counter
	SessionsPurged     prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.  Pass nil to
// create unregistered collectors (handy in tests).
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "plugauth"
	}
	m := &Metrics{
		AuthAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_attempts_total",
				Help:      "Authentication attempts by method and outcome.",
			},
			[]string{"method", "outcome"},
		),
		AuthDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "auth_duration_seconds",
				Help:      "Time spent inside a plugin's authentication entry point.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		SessionsIssued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_issued_total",
				Help:      "Sessions issued by authentication method.",
			},
			[]string{"method"},
		),
		SessionValidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_validations_total",
				Help:      "Session validations by outcome.",
			},
			[]string{"outcome"},
		),
		FlowStatesPurged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "flow_states_purged_total",
				Help:      "Abandoned OAuth flow states and passkey challenges removed by the sweeper.",
			},
		),
		SessionsPurged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_purged_total",
				Help:      "Expired sessions removed by the sweeper.",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.AuthAttempts,
			m.AuthDuration,
			m.SessionsIssued,
			m.SessionValidations,
			m.FlowStatesPurged,
			m.SessionsPurged,
		)
	}
	return m
}

func (m *Metrics) observeAuth(method string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.AuthAttempts.WithLabelValues(method, ErrorCode(err)).Inc()
	m.AuthDuration.WithLabelValues(method).Observe(time.Since(started).Seconds())
}

func (m *Metrics) sessionIssued(method string) {
	if m == nil {
		return
	}
	if method == "" {
		method = "unknown"
	}
	m.SessionsIssued.WithLabelValues(method).Inc()
}

func (m *Metrics) sessionValidated(err error) {
	if m == nil {
		return
	}
	m.SessionValidations.WithLabelValues(ErrorCode(err)).Inc()
}

func (m *Metrics) purged(flows, sessions int) {
	if m == nil {
		return
	}
	m.FlowStatesPurged.Add(float64(flows))
	m.SessionsPurged.Add(float64(sessions))
}
