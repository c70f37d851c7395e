package supervisor

// MetricsCollector receives counters from the lifecycle, health and
// connection layers. Implementations must be safe for concurrent use.
type MetricsCollector interface {
	// StateTransition records a worker state change.
	StateTransition(from, to WorkerState)

	// HealthProbe records the outcome of one liveness probe.
	HealthProbe(ok bool)

	// WorkerRestart records an automatic restart triggered by the health
	// monitor.
	WorkerRestart()

	// HeartbeatFailure records a heartbeat that failed, whether or not it
	// was classified as connection loss.
	HeartbeatFailure(connectionLoss bool)

	// ReconnectAttempt records one attempt of a reconnection sequence.
	ReconnectAttempt(attempt int)

	// ReconnectExhausted records a reconnection sequence ending in failure.
	ReconnectExhausted()

	// CheckpointSaved records the outcome of a checkpoint write.
	CheckpointSaved(ok bool)
}

// noopMetricsCollector is the default MetricsCollector.
type noopMetricsCollector struct{}

func (noopMetricsCollector) StateTransition(from, to WorkerState) {}
func (noopMetricsCollector) HealthProbe(ok bool)                  {}
func (noopMetricsCollector) WorkerRestart()                       {}
func (noopMetricsCollector) HeartbeatFailure(connectionLoss bool) {}
func (noopMetricsCollector) ReconnectAttempt(attempt int)         {}
func (noopMetricsCollector) ReconnectExhausted()                  {}
func (noopMetricsCollector) CheckpointSaved(ok bool)              {}

// NewNoopMetricsCollector creates a no-op metrics collector.
func NewNoopMetricsCollector() MetricsCollector {
	return noopMetricsCollector{}
}
