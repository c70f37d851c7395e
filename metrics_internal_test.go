package supervisor

import (
	"fmt"
	"sync"
)

// fakeMetrics is a shared counting MetricsCollector for tests.
type fakeMetrics struct {
	mu sync.Mutex

	transitions       []string
	healthProbes      int
	restarts          int
	heartbeatLosses   int
	heartbeatDeclines int
	attempts          []int
	exhausted         int
	checkpointsOK     int
	checkpointsFail   int

	onHealthProbe func(ok bool)
}

func (f *fakeMetrics) StateTransition(from, to WorkerState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions = append(f.transitions, fmt.Sprintf("%s->%s", from, to))
}

func (f *fakeMetrics) HealthProbe(ok bool) {
	f.mu.Lock()
	f.healthProbes++
	hook := f.onHealthProbe
	f.mu.Unlock()
	if hook != nil {
		hook(ok)
	}
}

func (f *fakeMetrics) WorkerRestart() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
}

func (f *fakeMetrics) HeartbeatFailure(connectionLoss bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if connectionLoss {
		f.heartbeatLosses++
	} else {
		f.heartbeatDeclines++
	}
}

func (f *fakeMetrics) ReconnectAttempt(attempt int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, attempt)
}

func (f *fakeMetrics) ReconnectExhausted() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exhausted++
}

func (f *fakeMetrics) CheckpointSaved(ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ok {
		f.checkpointsOK++
	} else {
		f.checkpointsFail++
	}
}

func (f *fakeMetrics) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.attempts)
}
