// Package metrics instruments the CORE with Prometheus collectors
// registered in a private registry: a pending-request gauge, counters
// for timeouts and the error status the transport layer reports, and a
// counter for the subscription loop's Publish activity. Grounded on the
// instrumentation style used throughout rockstar-0000-aistore (counters
// and gauges registered once at process start, updated from the hot
// path with no per-call allocation).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors the transport and subscription packages
// update. Callers construct one per process and pass it down. A nil
// *Metrics is accepted by the Set/Inc methods below, which then do
// nothing; Handler needs a non-nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	pendingRequests prometheus.Gauge
	timeoutsTotal   prometheus.Counter
	errorsTotal     *prometheus.CounterVec
	publishTotal    *prometheus.CounterVec
}

// New creates a Metrics instance with its own private registry, so
// multiple clients in the same process (e.g. under test) never collide
// on the default global registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		pendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "opcua_transport",
			Name:      "pending_requests",
			Help:      "Number of requests currently awaiting a response.",
		}),
		timeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opcua_transport",
			Name:      "timeouts_total",
			Help:      "Number of pending requests evicted after their deadline elapsed.",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opcua_transport",
			Name:      "errors_total",
			Help:      "Number of requests completed with a non-OK status, by status.",
		}, []string{"status"}),
		publishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opcua_transport",
			Name:      "publish_activity_total",
			Help:      "Number of Publish outcomes reported by the subscription loop, by kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(m.pendingRequests, m.timeoutsTotal, m.errorsTotal, m.publishTotal)
	return m
}

// Handler exposes the collectors on an HTTP mux, e.g. under "/metrics".
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetPendingRequests records the current size of the transport's
// pending-request table.
func (m *Metrics) SetPendingRequests(n int) {
	if m == nil {
		return
	}
	m.pendingRequests.Set(float64(n))
}

// IncTimeout records one pending request evicted for exceeding its
// deadline.
func (m *Metrics) IncTimeout() {
	if m == nil {
		return
	}
	m.timeoutsTotal.Inc()
}

// IncError records one request completed with a non-OK status.
func (m *Metrics) IncError(status string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(status).Inc()
}

// IncPublish records one subscription-loop Publish outcome, labelled "ok"
// or with the failure's status name (e.g. "BadTimeout").
func (m *Metrics) IncPublish(kind string) {
	if m == nil {
		return
	}
	m.publishTotal.WithLabelValues(kind).Inc()
}
