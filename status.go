package supervisor

import "time"

// WorkerState is the authoritative lifecycle state of the worker.
// It is owned exclusively by the Lifecycle state machine; everything else
// only reads it through WorkerStatus snapshots.
type WorkerState int

const (
	// StateStopped - no worker process exists.
	StateStopped WorkerState = iota
	// StateStarting - a start sequence is in flight.
	StateStarting
	// StateRunning - the worker is up and passed its readiness probe.
	StateRunning
	// StateError - the last start attempt or restart failed; a later
	// EnsureStarted call may retry.
	StateError
)

// String returns the string representation of a WorkerState.
func (s WorkerState) String() string {
	switch s {
	case StateStopped:
		return "Stopped"
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// WorkerStatus is a point-in-time snapshot of the worker, recomputed on
// every read. Callers never mutate it; the zero values of the optional
// fields mean "not applicable in the current state".
type WorkerStatus struct {
	State                     WorkerState
	ProcessID                 int
	Port                      int
	StartedAt                 time.Time
	LastHealthCheck           time.Time
	ConsecutiveHealthFailures int
	Uptime                    time.Duration
	LastError                 error
}
