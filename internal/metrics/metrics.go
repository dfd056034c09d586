// Package metrics holds the Prometheus collectors of the sync subsystem.
// A nil *Collectors is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "labchat"

type Collectors struct {
	eventsReceived  *prometheus.CounterVec
	staleEvents     *prometheus.CounterVec
	reconnects      prometheus.Counter
	connectionState *prometheus.GaugeVec
	restCalls       *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_received_total",
			Help:      "Inbound stream events by type.",
		}, []string{"type"}),
		staleEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_ignored_total",
			Help:      "Inbound events ignored because they target a room that is not open.",
		}, []string{"type"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_reconnect_attempts_total",
			Help:      "Stream reconnect attempts.",
		}),
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_connection_state",
			Help:      "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
		restCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rest_requests_total",
			Help:      "REST calls by operation and outcome.",
		}, []string{"op", "outcome"}),
	}

	reg.MustRegister(c.eventsReceived, c.staleEvents, c.reconnects, c.connectionState, c.restCalls)
	return c
}

func (c *Collectors) EventReceived(eventType string) {
	if c == nil {
		return
	}
	c.eventsReceived.WithLabelValues(eventType).Inc()
}

func (c *Collectors) EventIgnored(eventType string) {
	if c == nil {
		return
	}
	c.staleEvents.WithLabelValues(eventType).Inc()
}

func (c *Collectors) ReconnectAttempt() {
	if c == nil {
		return
	}
	c.reconnects.Inc()
}

// ConnectionState marks current as the active state among all.
func (c *Collectors) ConnectionState(current string, all []string) {
	if c == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		c.connectionState.WithLabelValues(s).Set(v)
	}
}

func (c *Collectors) RESTCall(op string, err error) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.restCalls.WithLabelValues(op, outcome).Inc()
}
