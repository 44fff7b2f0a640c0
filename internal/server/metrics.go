package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"merchantfactory/internal/creation"
)

type metricsRegistry struct {
	registry         *prometheus.Registry
	creationRequests *prometheus.CounterVec
	transitions      *prometheus.CounterVec
	notifications    *prometheus.CounterVec
	sessionState     *prometheus.GaugeVec
}

func newMetricsRegistry() *metricsRegistry {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "merchant_creation_requests_total",
		Help: "Creation requests received by the API, by outcome",
	}, []string{"result"})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "merchant_creation_transitions_total",
		Help: "Lifecycle transitions of creation attempts, by target state",
	}, []string{"state"})

	notifications := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "merchant_notifications_total",
		Help: "User-facing notifications emitted, by level",
	}, []string{"level"})

	state := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "merchant_session_state",
		Help: "1 for the current lifecycle state of the session, 0 otherwise",
	}, []string{"state"})

	r := prometheus.NewRegistry()
	r.MustRegister(requests, transitions, notifications, state)

	m := &metricsRegistry{
		registry:         r,
		creationRequests: requests,
		transitions:      transitions,
		notifications:    notifications,
		sessionState:     state,
	}
	m.setState(creation.StateDisconnected)
	return m
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incRequest(result string) {
	m.creationRequests.WithLabelValues(result).Inc()
}

func (m *metricsRegistry) observeTransition(t creation.Transition) {
	m.transitions.WithLabelValues(string(t.To)).Inc()
	m.setState(t.To)
}

func (m *metricsRegistry) setState(current creation.State) {
	for _, s := range creation.States {
		v := 0.0
		if s == current {
			v = 1
		}
		m.sessionState.WithLabelValues(string(s)).Set(v)
	}
}

// Notify counts notifications; it is registered as a creation.Notifier.
func (m *metricsRegistry) Notify(n creation.Notification) {
	m.notifications.WithLabelValues(string(n.Level)).Inc()
}
