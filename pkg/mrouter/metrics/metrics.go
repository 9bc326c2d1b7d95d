// Package metrics exposes routing activity to Prometheus. Every recording
// method is safe on a nil *Metrics so components can run without it.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mrouter"

type Metrics struct {
	registry *prometheus.Registry

	LinkOperations    *prometheus.CounterVec
	RoutingPasses     prometheus.Counter
	PrunedEntries     prometheus.Counter
	RoutingDecisions  *prometheus.CounterVec
	AuthorityMessages *prometheus.CounterVec
	AuthorityErrors   *prometheus.CounterVec
	RegisteredNodes   prometheus.Gauge
	LiveConnections   prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		LinkOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "switch",
				Name:      "link_operations_total",
				Help:      "Link setup and teardown attempts by result",
			},
			[]string{"op", "kind", "result"},
		),

		RoutingPasses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "passes_total",
				Help:      "Routing recomputation passes",
			},
		),

		PrunedEntries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "pruned_entries_total",
				Help:      "Stale routing entries pruned at the end of a pass",
			},
		),

		RoutingDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "decisions_total",
				Help:      "Link and unlink decisions emitted by the routing engine",
			},
			[]string{"decision", "group"},
		),

		AuthorityMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "authority",
				Name:      "messages_total",
				Help:      "Messages exchanged with the routing authority",
			},
			[]string{"method", "direction"},
		),

		AuthorityErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "authority",
				Name:      "ack_errors_total",
				Help:      "Acknowledgments sent to the authority by error code",
			},
			[]string{"method", "code"},
		),

		RegisteredNodes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "authority",
				Name:      "registered_nodes",
				Help:      "Nodes holding an authority id",
			},
		),

		LiveConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "authority",
				Name:      "connections",
				Help:      "Explicit connections currently live",
			},
		),
	}

	m.registry.MustRegister(
		m.LinkOperations,
		m.RoutingPasses,
		m.PrunedEntries,
		m.RoutingDecisions,
		m.AuthorityMessages,
		m.AuthorityErrors,
		m.RegisteredNodes,
		m.LiveConnections,
	)

	return m
}

// Registry is the Prometheus registry the metrics live in
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) LinkOperation(op, kind string, ok bool) {
	if m == nil {
		return
	}
	m.LinkOperations.WithLabelValues(op, kind, result(ok)).Inc()
}

func (m *Metrics) RoutingPass(pruned int) {
	if m == nil {
		return
	}
	m.RoutingPasses.Inc()
	m.PrunedEntries.Add(float64(pruned))
}

func (m *Metrics) RoutingDecision(decision, group string) {
	if m == nil {
		return
	}
	m.RoutingDecisions.WithLabelValues(decision, group).Inc()
}

func (m *Metrics) AuthorityMessage(method, direction string) {
	if m == nil {
		return
	}
	m.AuthorityMessages.WithLabelValues(method, direction).Inc()
}

func (m *Metrics) AuthorityAck(method, code string) {
	if m == nil {
		return
	}
	m.AuthorityErrors.WithLabelValues(method, code).Inc()
}

func (m *Metrics) SetRegisteredNodes(n int) {
	if m == nil {
		return
	}
	m.RegisteredNodes.Set(float64(n))
}

func (m *Metrics) SetLiveConnections(n int) {
	if m == nil {
		return
	}
	m.LiveConnections.Set(float64(n))
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
