package supervisor

import (
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// healthMonitor runs a fixed-interval liveness probe against a running
// worker. Its timer exists exactly while the worker is in StateRunning:
// the lifecycle creates a monitor when the worker comes up and stops it —
// always before touching the process — on every stop or restart path.
//
// Three consecutive failures trigger one automatic restart through the
// lifecycle. If that restart fails the monitor reports a terminal error
// and stops retrying: unattended restart loops are deliberately avoided.
type healthMonitor struct {
	addr    string
	timings Timings
	logger  *zap.Logger
	metrics MetricsCollector

	// alive reports whether the process handle still exists.
	alive func() bool

	// restart performs stop → settle pause → start. Supplied by the
	// lifecycle so the monitor never manipulates lifecycle state itself.
	restart func() error

	// onTerminal is invoked when the restart sequence fails.
	onTerminal func(error)

	mu        sync.Mutex
	failures  int
	lastCheck time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func newHealthMonitor(port int, timings Timings, logger *zap.Logger, metrics MetricsCollector,
	alive func() bool, restart func() error, onTerminal func(error)) *healthMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &healthMonitor{
		addr:       fmt.Sprintf("localhost:%d", port),
		timings:    timings,
		logger:     logger,
		metrics:    metrics,
		alive:      alive,
		restart:    restart,
		onTerminal: onTerminal,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// start launches the monitor loop.
func (m *healthMonitor) start() {
	go m.loop()
}

// stop halts the monitor's timer and waits for the loop to exit. Safe to
// call multiple times and safe to call from the loop's own restart path.
func (m *healthMonitor) stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
}

// signalStop halts the timer without waiting, for use from inside the loop.
func (m *healthMonitor) signalStop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// snapshot returns the failure count and time of the most recent probe.
func (m *healthMonitor) snapshot() (failures int, lastCheck time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures, m.lastCheck
}

func (m *healthMonitor) loop() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.timings.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if m.tick() {
				return
			}
		}
	}
}

// tick performs one probe. Returns true when the loop should exit because
// a restart was triggered (a fresh monitor belongs to the fresh worker) or
// the terminal error path was taken.
func (m *healthMonitor) tick() bool {
	err := m.probeOnce()

	m.mu.Lock()
	m.lastCheck = time.Now()
	if err == nil {
		// Full recovery: no partial credit across failure episodes.
		m.failures = 0
		m.mu.Unlock()
		m.metrics.HealthProbe(true)
		return false
	}
	m.failures++
	failures := m.failures
	m.mu.Unlock()

	m.metrics.HealthProbe(false)
	m.logger.Warn("health probe failed",
		zap.Int("consecutive", failures),
		zap.Int("threshold", m.timings.HealthFailureThreshold),
		zap.Error(err))

	if failures < m.timings.HealthFailureThreshold {
		return false
	}

	m.logger.Warn("health failure threshold reached, restarting worker")
	m.metrics.WorkerRestart()

	// This monitor belongs to the dying worker; release the timer before
	// the restart brings up a replacement with its own monitor.
	m.signalStop()

	if rerr := m.restart(); rerr != nil {
		m.logger.Error("automatic restart failed, giving up", zap.Error(rerr))
		if m.onTerminal != nil {
			m.onTerminal(rerr)
		}
	}
	return true
}

// probeOnce verifies the process handle is alive, then performs a bare
// connect-and-close against the worker's advertised port.
func (m *healthMonitor) probeOnce() error {
	if !m.alive() {
		return fmt.Errorf("worker process handle gone")
	}
	conn, err := net.DialTimeout("tcp", m.addr, m.timings.HealthProbeTimeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", m.addr, err)
	}
	return conn.Close()
}
