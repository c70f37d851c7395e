package supervisor

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsCollector implements MetricsCollector on a dedicated
// Prometheus registry.
type PrometheusMetricsCollector struct {
	stateTransitions   *prometheus.CounterVec
	healthProbes       *prometheus.CounterVec
	restarts           prometheus.Counter
	heartbeatFailures  *prometheus.CounterVec
	reconnectAttempts  *prometheus.CounterVec
	reconnectExhausted prometheus.Counter
	checkpoints        *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewPrometheusMetricsCollector creates a Prometheus-backed collector under
// the given namespace ("codex_supervisor" when empty).
func NewPrometheusMetricsCollector(namespace string) *PrometheusMetricsCollector {
	if namespace == "" {
		namespace = "codex_supervisor"
	}

	c := &PrometheusMetricsCollector{registry: prometheus.NewRegistry()}

	c.stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_state_transitions_total",
			Help:      "Total number of worker state transitions",
		},
		[]string{"from", "to"},
	)

	c.healthProbes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_probes_total",
			Help:      "Total number of liveness probes by outcome",
		},
		[]string{"outcome"},
	)

	c.restarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_restarts_total",
			Help:      "Total number of automatic worker restarts",
		},
	)

	c.heartbeatFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_failures_total",
			Help:      "Total number of heartbeat failures by classification",
		},
		[]string{"classification"},
	)

	c.reconnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Total number of reconnection attempts by attempt number",
		},
		[]string{"attempt"},
	)

	c.reconnectExhausted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_exhausted_total",
			Help:      "Total number of reconnection sequences that exhausted all attempts",
		},
	)

	c.checkpoints = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_total",
			Help:      "Total number of checkpoint writes by outcome",
		},
		[]string{"outcome"},
	)

	c.registry.MustRegister(
		c.stateTransitions,
		c.healthProbes,
		c.restarts,
		c.heartbeatFailures,
		c.reconnectAttempts,
		c.reconnectExhausted,
		c.checkpoints,
	)

	return c
}

// Registry returns the registry holding this collector's metrics, for
// exposing via promhttp or gathering in tests.
func (c *PrometheusMetricsCollector) Registry() *prometheus.Registry {
	return c.registry
}

// StateTransition implements MetricsCollector.
func (c *PrometheusMetricsCollector) StateTransition(from, to WorkerState) {
	c.stateTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

// HealthProbe implements MetricsCollector.
func (c *PrometheusMetricsCollector) HealthProbe(ok bool) {
	c.healthProbes.WithLabelValues(outcomeLabel(ok)).Inc()
}

// WorkerRestart implements MetricsCollector.
func (c *PrometheusMetricsCollector) WorkerRestart() {
	c.restarts.Inc()
}

// HeartbeatFailure implements MetricsCollector.
func (c *PrometheusMetricsCollector) HeartbeatFailure(connectionLoss bool) {
	label := "transient"
	if connectionLoss {
		label = "connection_loss"
	}
	c.heartbeatFailures.WithLabelValues(label).Inc()
}

// ReconnectAttempt implements MetricsCollector.
func (c *PrometheusMetricsCollector) ReconnectAttempt(attempt int) {
	c.reconnectAttempts.WithLabelValues(strconv.Itoa(attempt)).Inc()
}

// ReconnectExhausted implements MetricsCollector.
func (c *PrometheusMetricsCollector) ReconnectExhausted() {
	c.reconnectExhausted.Inc()
}

// CheckpointSaved implements MetricsCollector.
func (c *PrometheusMetricsCollector) CheckpointSaved(ok bool) {
	c.checkpoints.WithLabelValues(outcomeLabel(ok)).Inc()
}

func outcomeLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
