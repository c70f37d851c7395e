package supervisor

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Lifecycle is the worker state machine. It owns the authoritative
// WorkerState and is the only component that transitions it; the process
// supervisor and health monitor feed it events, everything else reads
// snapshots through Status or Subscribe.
//
// At most one start sequence is ever in flight: concurrent EnsureStarted
// calls during Starting block on the same attempt instead of spawning a
// second process.
type Lifecycle struct {
	cfg     Config
	timings Timings
	logger  *zap.Logger
	metrics MetricsCollector

	proc  WorkerProcess
	probe func(ctx context.Context) (ProbeResult, error)
	ready func() error

	mu        sync.Mutex
	state     WorkerState
	startedAt time.Time
	lastErr   error
	health    *healthMonitor
	startDone chan struct{}
	activity  func() bool
	subs      map[int]chan WorkerStatus
	subSeq    int
	closed    bool
}

// LifecycleOption customizes a Lifecycle.
type LifecycleOption func(*Lifecycle)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) LifecycleOption {
	return func(l *Lifecycle) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithTimings overrides the production intervals, mainly for tests.
func WithTimings(t Timings) LifecycleOption {
	return func(l *Lifecycle) { l.timings = t }
}

// WithMetrics sets the metrics collector. Defaults to a no-op collector.
func WithMetrics(m MetricsCollector) LifecycleOption {
	return func(l *Lifecycle) {
		if m != nil {
			l.metrics = m
		}
	}
}

// WithWorkerProcess substitutes the process implementation. Defaults to a
// ProcessSupervisor for the configured binary.
func WithWorkerProcess(p WorkerProcess) LifecycleOption {
	return func(l *Lifecycle) { l.proc = p }
}

// NewLifecycle creates a stopped Lifecycle for the configured worker.
func NewLifecycle(cfg Config, opts ...LifecycleOption) (*Lifecycle, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := &Lifecycle{
		cfg:     cfg,
		timings: DefaultTimings(),
		logger:  zap.NewNop(),
		metrics: NewNoopMetricsCollector(),
		state:   StateStopped,
		subs:    make(map[int]chan WorkerStatus),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.proc == nil {
		l.proc = NewProcessSupervisor(cfg, l.timings, l.logger)
	}
	if l.probe == nil {
		l.probe = func(ctx context.Context) (ProbeResult, error) {
			return CheckAvailability(ctx, l.cfg, l.timings, l.logger)
		}
	}
	if l.ready == nil {
		addr := fmt.Sprintf("localhost:%d", cfg.Port)
		l.ready = func() error {
			conn, err := net.DialTimeout("tcp", addr, l.timings.HealthProbeTimeout)
			if err != nil {
				return err
			}
			return conn.Close()
		}
	}
	return l, nil
}

// EnsureStarted brings the worker to Running, or returns immediately if it
// already is. From Stopped or Error it runs the full start sequence:
// availability probe, spawn, readiness poll, health monitor. From Starting
// it waits on the attempt already in flight, bounded by the poll ceiling.
func (l *Lifecycle) EnsureStarted(ctx context.Context) (WorkerStatus, error) {
	for {
		l.mu.Lock()
		if l.closed {
			st := l.statusLocked()
			l.mu.Unlock()
			return st, NewCanceledError("lifecycle closed", nil)
		}

		switch l.state {
		case StateRunning:
			st := l.statusLocked()
			l.mu.Unlock()
			return st, nil

		case StateStarting:
			wait := l.startDone
			l.mu.Unlock()
			select {
			case <-wait:
				// Attempt settled; re-read the state.
				continue
			case <-time.After(l.timings.StartPollCeiling):
				err := NewStartTimeoutError(
					fmt.Sprintf("start attempt still pending after %s", l.timings.StartPollCeiling), nil)
				l.mu.Lock()
				if l.state == StateStarting {
					l.lastErr = err
					l.setStateLocked(StateError)
				}
				st := l.statusLocked()
				l.mu.Unlock()
				return st, err
			case <-ctx.Done():
				return l.Status(), NewCanceledError("ensure started", ctx.Err())
			}

		default: // Stopped or Error: this caller owns the attempt.
			l.lastErr = nil
			l.startDone = make(chan struct{})
			done := l.startDone
			l.setStateLocked(StateStarting)
			l.mu.Unlock()

			err := l.runStartSequence(ctx)

			l.mu.Lock()
			l.startDone = nil
			if l.state != StateStarting {
				// Stopped (or forced to Error) underneath us while the
				// sequence ran; do not resurrect the worker.
				close(done)
				st := l.statusLocked()
				l.mu.Unlock()
				l.reapProcess()
				if err == nil {
					err = NewCanceledError("start preempted by stop", nil)
				}
				return st, err
			}
			if err != nil {
				l.lastErr = err
				l.setStateLocked(StateError)
				close(done)
				st := l.statusLocked()
				l.mu.Unlock()
				return st, err
			}

			l.startedAt = time.Now()
			l.health = l.newMonitor()
			l.setStateLocked(StateRunning)
			close(done)
			st := l.statusLocked()
			health := l.health
			l.mu.Unlock()

			health.start()
			return st, nil
		}
	}
}

// runStartSequence performs probe, spawn, readiness poll. It does not touch
// l.state; the caller owns the transition.
func (l *Lifecycle) runStartSequence(ctx context.Context) error {
	if _, err := l.probe(ctx); err != nil {
		return err
	}
	if err := l.proc.Start(l.handleExit); err != nil {
		return NewStartTimeoutError("spawn worker", err)
	}
	if err := l.waitReady(ctx); err != nil {
		l.reapProcess()
		return err
	}
	return nil
}

// waitReady polls the worker's TCP port until it accepts a connection or
// the ceiling elapses.
func (l *Lifecycle) waitReady(ctx context.Context) error {
	deadline := time.Now().Add(l.timings.StartPollCeiling)
	for {
		if err := l.ready(); err == nil {
			return nil
		}
		if !l.proc.Alive() {
			return NewStartTimeoutError("worker exited before becoming ready", nil)
		}
		if time.Now().After(deadline) {
			return NewStartTimeoutError(
				fmt.Sprintf("worker not ready within %s", l.timings.StartPollCeiling), nil)
		}
		select {
		case <-time.After(l.timings.StartPollInterval):
		case <-ctx.Done():
			return NewCanceledError("wait for worker readiness", ctx.Err())
		}
	}
}

// reapProcess stops a process left over from a failed or preempted start.
func (l *Lifecycle) reapProcess() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*l.timings.StopGracePeriod)
	defer cancel()
	if err := l.proc.Stop(ctx); err != nil {
		l.logger.Warn("failed to reap worker after aborted start", zap.Error(err))
	}
}

// newMonitor builds the health monitor for the worker just started. Caller
// holds l.mu.
func (l *Lifecycle) newMonitor() *healthMonitor {
	return newHealthMonitor(l.cfg.Port, l.timings, l.logger, l.metrics,
		l.proc.Alive, l.restartWorker, l.markTerminal)
}

// restartWorker is the health monitor's recovery action: stop, settle,
// start again. The monitor has already signaled its own shutdown and runs
// this from its loop goroutine, so the monitor is detached first to keep
// Stop from waiting on the goroutine invoking it.
func (l *Lifecycle) restartWorker() error {
	l.mu.Lock()
	l.health = nil
	l.mu.Unlock()

	if err := l.Stop(context.Background()); err != nil {
		return err
	}
	time.Sleep(l.timings.RestartPause)
	_, err := l.EnsureStarted(context.Background())
	return err
}

// markTerminal records a failed recovery. The worker stays in Error until
// something explicitly calls EnsureStarted again; there is no retry loop.
func (l *Lifecycle) markTerminal(err error) {
	l.mu.Lock()
	l.lastErr = err
	l.setStateLocked(StateError)
	l.mu.Unlock()
	l.logger.Error("worker restart failed, not retrying", zap.Error(err))
}

// handleExit reacts to a worker exit that no stop requested. Whether the
// worker was mid-use decides the landing state: Error if work may have been
// lost, plain Stopped if it was idle.
func (l *Lifecycle) handleExit(ev ExitEvent) {
	l.mu.Lock()
	if l.closed || l.state != StateRunning {
		l.mu.Unlock()
		return
	}
	health := l.health
	l.health = nil
	l.startedAt = time.Time{}

	active := l.activity != nil && l.activity()
	if active {
		l.lastErr = NewProcessExitError(ev.ExitCode, ev.Err)
		l.setStateLocked(StateError)
	} else {
		l.lastErr = nil
		l.setStateLocked(StateStopped)
	}
	l.mu.Unlock()

	l.logger.Warn("worker exited outside a stop request",
		zap.Int("code", ev.ExitCode),
		zap.Bool("active", active),
		zap.Error(ev.Err))

	if health != nil {
		health.stop()
	}
}

// SetActivityCheck registers a callback reporting whether work is currently
// outstanding. It classifies unsolicited worker exits.
func (l *Lifecycle) SetActivityCheck(fn func() bool) {
	l.mu.Lock()
	l.activity = fn
	l.mu.Unlock()
}

// Stop terminates the worker if one exists. The health monitor always goes
// down before the process is signaled so a probe cannot observe its own
// shutdown as a failure. Idempotent.
func (l *Lifecycle) Stop(ctx context.Context) error {
	l.mu.Lock()
	if l.state == StateStopped {
		l.mu.Unlock()
		return nil
	}
	health := l.health
	l.health = nil
	l.mu.Unlock()

	if health != nil {
		health.stop()
	}

	if err := l.proc.Stop(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	l.startedAt = time.Time{}
	l.lastErr = nil
	l.setStateLocked(StateStopped)
	l.mu.Unlock()
	return nil
}

// Close stops the worker and releases all subscribers. The Lifecycle is
// unusable afterwards.
func (l *Lifecycle) Close(ctx context.Context) error {
	err := l.Stop(ctx)

	l.mu.Lock()
	l.closed = true
	for id, ch := range l.subs {
		delete(l.subs, id)
		close(ch)
	}
	l.mu.Unlock()
	return err
}

// Status returns a point-in-time snapshot of the worker.
func (l *Lifecycle) Status() WorkerStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statusLocked()
}

func (l *Lifecycle) statusLocked() WorkerStatus {
	st := WorkerStatus{
		State:     l.state,
		Port:      l.cfg.Port,
		StartedAt: l.startedAt,
		LastError: l.lastErr,
	}
	st.ProcessID = l.proc.Pid()
	if l.health != nil {
		st.ConsecutiveHealthFailures, st.LastHealthCheck = l.health.snapshot()
	}
	if l.state == StateRunning && !l.startedAt.IsZero() {
		st.Uptime = time.Since(l.startedAt)
	}
	return st
}

// Subscribe returns a channel receiving a status snapshot on every state
// transition, plus an unsubscribe func. Slow receivers drop snapshots
// rather than blocking the state machine.
func (l *Lifecycle) Subscribe() (<-chan WorkerStatus, func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch := make(chan WorkerStatus, 16)
	if l.closed {
		// Nothing will ever publish again; hand back a closed channel so
		// the subscriber drains immediately instead of blocking forever.
		close(ch)
		return ch, func() {}
	}
	id := l.subSeq
	l.subSeq++
	l.subs[id] = ch

	unsubscribe := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if c, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(c)
		}
	}
	return ch, unsubscribe
}

// setStateLocked transitions the state, records metrics, and publishes a
// snapshot to subscribers. Caller holds l.mu.
func (l *Lifecycle) setStateLocked(to WorkerState) {
	if l.state == to {
		return
	}
	from := l.state
	l.state = to
	l.metrics.StateTransition(from, to)
	l.logger.Info("worker state changed",
		zap.Stringer("from", from),
		zap.Stringer("to", to))

	st := l.statusLocked()
	for _, ch := range l.subs {
		select {
		case ch <- st:
		default:
		}
	}
}
