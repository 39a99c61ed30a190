// Package metrics holds the gateway's Prometheus collectors. A nil *Metrics
// is valid and records nothing, so components can be built without it.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	reg *prometheus.Registry

	sendTotal        *prometheus.CounterVec
	callEvents       prometheus.Counter
	linesDebounced   prometheus.Counter
	declineActions   *prometheus.CounterVec
	watcherState     prometheus.Gauge
	watcherRestarts  prometheus.Counter
	forwardTotal     *prometheus.CounterVec
	forwardDuration  prometheus.Histogram
	maintenanceTotal *prometheus.CounterVec
}

// New registers every collector on a private registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		sendTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imessage_send_total",
			Help: "Messages sent through POST /send, by result.",
		}, []string{"result"}),
		callEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imessage_call_events_total",
			Help: "Incoming-call events emitted by the detector.",
		}),
		linesDebounced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imessage_call_lines_debounced_total",
			Help: "Matching log lines dropped inside the debounce window.",
		}),
		declineActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imessage_decline_actions_total",
			Help: "Decline action outcomes, by result.",
		}, []string{"result"}),
		watcherState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "imessage_watcher_state",
			Help: "Watcher state: 0 stopped, 1 starting, 2 running, 3 crashed, 4 stopping.",
		}),
		watcherRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imessage_watcher_restarts_total",
			Help: "Times the log tail was reopened after a crash.",
		}),
		forwardTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imessage_forward_total",
			Help: "Inbound messages forwarded to the webhook, by result.",
		}, []string{"result"}),
		forwardDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "imessage_forward_duration_seconds",
			Help:    "Webhook POST latency.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		maintenanceTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imessage_maintenance_restarts_total",
			Help: "Scheduled maintenance restarts, by result.",
		}, []string{"result"}),
	}
	m.reg.MustRegister(
		m.sendTotal, m.callEvents, m.linesDebounced, m.declineActions,
		m.watcherState, m.watcherRestarts, m.forwardTotal, m.forwardDuration,
		m.maintenanceTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the private registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) Send(result string) {
	if m == nil {
		return
	}
	m.sendTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) CallEvent() {
	if m == nil {
		return
	}
	m.callEvents.Inc()
}

func (m *Metrics) LineDebounced() {
	if m == nil {
		return
	}
	m.linesDebounced.Inc()
}

func (m *Metrics) DeclineAction(result string) {
	if m == nil {
		return
	}
	m.declineActions.WithLabelValues(result).Inc()
}

func (m *Metrics) WatcherState(v int) {
	if m == nil {
		return
	}
	m.watcherState.Set(float64(v))
}

func (m *Metrics) WatcherRestart() {
	if m == nil {
		return
	}
	m.watcherRestarts.Inc()
}

func (m *Metrics) Forward(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.forwardTotal.WithLabelValues(result).Inc()
	m.forwardDuration.Observe(took.Seconds())
}

func (m *Metrics) Maintenance(result string) {
	if m == nil {
		return
	}
	m.maintenanceTotal.WithLabelValues(result).Inc()
}
