package supervisor

import (
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// healthyEndpoint opens a real listener that accepts and immediately
// discards connections, mimicking a worker whose port is up.
func healthyEndpoint(t *testing.T) (port int, closeFn func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err = strconv.Atoi(portStr)
	require.NoError(t, err)
	return port, func() { ln.Close() }
}

// deadPort returns a port nothing is listening on.
func deadPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	require.NoError(t, ln.Close())
	return port
}

func healthTimings() Timings {
	tm := DefaultTimings()
	tm.HealthInterval = 20 * time.Millisecond
	tm.HealthProbeTimeout = 200 * time.Millisecond
	tm.HealthFailureThreshold = 3
	return tm
}

func TestHealthMonitorCountsConsecutiveFailures(t *testing.T) {
	port := deadPort(t)
	m := newHealthMonitor(port, healthTimings(), nil, NewNoopMetricsCollector(),
		func() bool { return true },
		func() error { t.Fatal("restart before threshold"); return nil },
		nil)

	require.False(t, m.tick())
	require.False(t, m.tick())

	failures, lastCheck := m.snapshot()
	require.Equal(t, 2, failures)
	require.False(t, lastCheck.IsZero())
}

func TestHealthMonitorSuccessResetsCounter(t *testing.T) {
	port, closeFn := healthyEndpoint(t)
	defer closeFn()

	alive := true
	m := newHealthMonitor(port, healthTimings(), nil, NewNoopMetricsCollector(),
		func() bool { return alive },
		func() error { t.Fatal("unexpected restart"); return nil },
		nil)

	// Two failures via a dead process handle, then full recovery.
	alive = false
	require.False(t, m.tick())
	require.False(t, m.tick())
	alive = true
	require.False(t, m.tick())

	failures, _ := m.snapshot()
	require.Zero(t, failures, "recovery wipes the failure streak entirely")
}

func TestHealthMonitorThresholdTriggersOneRestart(t *testing.T) {
	port := deadPort(t)

	restarts := 0
	m := newHealthMonitor(port, healthTimings(), nil, NewNoopMetricsCollector(),
		func() bool { return true },
		func() error { restarts++; return nil },
		func(error) { t.Fatal("restart succeeded, terminal path must not run") })

	require.False(t, m.tick())
	require.False(t, m.tick())
	require.True(t, m.tick(), "third consecutive failure ends this monitor")
	require.Equal(t, 1, restarts)

	// The monitor released itself before restarting.
	select {
	case <-m.stopCh:
	default:
		t.Fatal("monitor did not signal its own stop")
	}
}

func TestHealthMonitorRestartFailureIsTerminal(t *testing.T) {
	port := deadPort(t)
	restartErr := errors.New("worker would not come back")

	var terminal error
	m := newHealthMonitor(port, healthTimings(), nil, NewNoopMetricsCollector(),
		func() bool { return true },
		func() error { return restartErr },
		func(err error) { terminal = err })

	m.tick()
	m.tick()
	require.True(t, m.tick())
	require.ErrorIs(t, terminal, restartErr)
}

func TestHealthMonitorLoopRunsAndStops(t *testing.T) {
	port, closeFn := healthyEndpoint(t)
	defer closeFn()

	var mu sync.Mutex
	probes := 0
	metrics := &fakeMetrics{onHealthProbe: func(bool) {
		mu.Lock()
		probes++
		mu.Unlock()
	}}

	m := newHealthMonitor(port, healthTimings(), nil, metrics,
		func() bool { return true },
		func() error { return nil },
		nil)
	m.start()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return probes >= 2
	}, 2*time.Second, 10*time.Millisecond)

	m.stop()
	// stop waits for the loop, so a second stop is a no-op.
	m.stop()
}
