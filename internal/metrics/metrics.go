package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hearth"

// Metrics holds the parent's Prometheus collectors on a private registry.
// All methods are safe on a nil receiver.
type Metrics struct {
	registry            *prometheus.Registry
	registrationsTotal  *prometheus.CounterVec
	heartbeatsTotal     *prometheus.CounterVec
	agentsOnline        prometheus.Gauge
	staleAgentsTotal    prometheus.Counter
	violationsTotal     prometheus.Counter
	deploymentsTotal    *prometheus.CounterVec
	actionsTotal        *prometheus.CounterVec
	pluginDataTotal     *prometheus.CounterVec
	tokensReapedTotal   prometheus.Counter
	sweepDurationSecond prometheus.Histogram
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		registrationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "registrations_total",
			Help:      "Agent registrations by trust path and whether the agent was new.",
		}, []string{"path", "kind"}),
		heartbeatsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "heartbeats_total",
			Help:      "Heartbeats received by result.",
		}, []string{"result"}),
		agentsOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "online",
			Help:      "Agents whose last heartbeat is within the online threshold, as of the last sweep.",
		}),
		staleAgentsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "stale_total",
			Help:      "Stale agent events emitted by the liveness sweep.",
		}),
		violationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "policy",
			Name:      "violations_total",
			Help:      "Violations recorded.",
		}),
		deploymentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extension",
			Name:      "deployments_total",
			Help:      "Extension deployment calls by type and resulting status.",
		}, []string{"type", "status"}),
		actionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "action",
			Name:      "transitions_total",
			Help:      "Action queue entries entering each status.",
		}, []string{"status"}),
		pluginDataTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extension",
			Name:      "plugin_data_total",
			Help:      "Telemetry entries ingested by routing result.",
		}, []string{"result"}),
		tokensReapedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provisioning",
			Name:      "reaped_total",
			Help:      "Expired trust tokens and registration codes removed.",
		}),
		sweepDurationSecond: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "sweep_duration_seconds",
			Help:      "Liveness sweep duration.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	registry.MustRegister(
		m.registrationsTotal,
		m.heartbeatsTotal,
		m.agentsOnline,
		m.staleAgentsTotal,
		m.violationsTotal,
		m.deploymentsTotal,
		m.actionsTotal,
		m.pluginDataTotal,
		m.tokensReapedTotal,
		m.sweepDurationSecond,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) IncRegistration(path string, newAgent bool) {
	if m == nil {
		return
	}
	kind := "refresh"
	if newAgent {
		kind = "new"
	}
	m.registrationsTotal.WithLabelValues(path, kind).Inc()
}

func (m *Metrics) IncHeartbeat(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.heartbeatsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) SetAgentsOnline(n int) {
	if m == nil {
		return
	}
	m.agentsOnline.Set(float64(n))
}

func (m *Metrics) AddStaleAgents(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.staleAgentsTotal.Add(float64(n))
}

func (m *Metrics) ObserveSweep(seconds float64) {
	if m == nil || seconds < 0 {
		return
	}
	m.sweepDurationSecond.Observe(seconds)
}

func (m *Metrics) IncViolation() {
	if m == nil {
		return
	}
	m.violationsTotal.Inc()
}

func (m *Metrics) IncDeployment(extensionType, status string) {
	if m == nil {
		return
	}
	m.deploymentsTotal.WithLabelValues(extensionType, status).Inc()
}

func (m *Metrics) AddActions(status string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.actionsTotal.WithLabelValues(status).Add(float64(n))
}

func (m *Metrics) IncPluginData(routed bool) {
	if m == nil {
		return
	}
	result := "routed"
	if !routed {
		result = "failed"
	}
	m.pluginDataTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) AddReaped(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.tokensReapedTotal.Add(float64(n))
}
