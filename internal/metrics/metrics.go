// Package metrics holds the Prometheus metrics of the agent. All metrics live
// in a private registry served by the supervising API at /metrics.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "examguard"

// Metrics holds all the Prometheus metrics for the agent
type Metrics struct {
	registry *prometheus.Registry

	eventsPublished  *prometheus.CounterVec
	eventsSuppressed *prometheus.CounterVec
	riskUpdates      prometheus.Counter
	sweepKilled      prometheus.Counter
	sweepFailed      *prometheus.CounterVec
	monitorCycles    prometheus.Counter
	checksDegraded   *prometheus.CounterVec
	riskScore        prometheus.Gauge
	subscribers      prometheus.Gauge
	forwardErrors    prometheus.Counter
}

// New creates a Metrics instance on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		eventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "violations_published_total",
			Help:      "Violation events delivered to subscribers, by kind",
		}, []string{"kind"}),
		eventsSuppressed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "violations_suppressed_total",
			Help:      "Violation events dropped by the debounce window, by kind",
		}, []string{"kind"}),
		riskUpdates: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_updates_published_total",
			Help:      "Network risk level changes published",
		}),
		sweepKilled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_killed_total",
			Help:      "Processes terminated by pre-exam sweeps",
		}),
		sweepFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_failed_total",
			Help:      "Failed termination attempts, by reason",
		}, []string{"reason"}),
		monitorCycles: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_cycles_total",
			Help:      "Continuous monitor cycles completed",
		}),
		checksDegraded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_checks_degraded_total",
			Help:      "Monitor checks that failed within a cycle, by check",
		}, []string{"check"}),
		riskScore: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "network_risk_score",
			Help:      "Latest network risk score (0..1)",
		}),
		subscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_subscribers",
			Help:      "Currently connected event stream subscribers",
		}),
		forwardErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nats_forward_errors_total",
			Help:      "Events that could not be forwarded to NATS",
		}),
	}
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ViolationPublished(kind string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(kind).Inc()
}

func (m *Metrics) ViolationSuppressed(kind string) {
	if m == nil {
		return
	}
	m.eventsSuppressed.WithLabelValues(kind).Inc()
}

func (m *Metrics) RiskPublished() {
	if m == nil {
		return
	}
	m.riskUpdates.Inc()
}

func (m *Metrics) SweepKilled(n int) {
	if m == nil {
		return
	}
	m.sweepKilled.Add(float64(n))
}

func (m *Metrics) SweepFailed(reason string) {
	if m == nil {
		return
	}
	m.sweepFailed.WithLabelValues(reason).Inc()
}

func (m *Metrics) MonitorCycle() {
	if m == nil {
		return
	}
	m.monitorCycles.Inc()
}

func (m *Metrics) CheckDegraded(check string) {
	if m == nil {
		return
	}
	m.checksDegraded.WithLabelValues(check).Inc()
}

func (m *Metrics) SetRiskScore(score float64) {
	if m == nil {
		return
	}
	m.riskScore.Set(score)
}

func (m *Metrics) SubscriberAdded() {
	if m == nil {
		return
	}
	m.subscribers.Inc()
}

func (m *Metrics) SubscriberRemoved() {
	if m == nil {
		return
	}
	m.subscribers.Dec()
}

func (m *Metrics) ForwardError() {
	if m == nil {
		return
	}
	m.forwardErrors.Inc()
}
