package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// swappableTransport lets the client replace the underlying connection
// after a successful reconnect without invalidating the dispatcher and its
// pending-call map.
type swappableTransport struct {
	mu sync.RWMutex
	t  Transport
}

func (s *swappableTransport) Send(ctx context.Context, req Request) (Response, error) {
	s.mu.RLock()
	t := s.t
	s.mu.RUnlock()
	if t == nil {
		return Response{}, NewTransportError("send "+req.Method, errTransportClosed)
	}
	return t.Send(ctx, req)
}

func (s *swappableTransport) Close() error {
	s.mu.RLock()
	t := s.t
	s.mu.RUnlock()
	if t == nil {
		return nil
	}
	return t.Close()
}

func (s *swappableTransport) swap(t Transport) {
	s.mu.Lock()
	s.t = t
	s.mu.Unlock()
}

// ConnectionClient is the high-level session against the worker: it keeps
// the connection warm with heartbeats while work is outstanding,
// classifies connection loss, runs the bounded reconnection sequence, and
// writes one checkpoint when that sequence gives up.
//
// Only one recovery sequence runs at a time. Failures observed while one
// is already in flight join it instead of starting their own.
type ConnectionClient struct {
	lifecycle *Lifecycle
	logger    *zap.Logger
	metrics   MetricsCollector
	timings   Timings
	store     CheckpointStore
	sessionID string

	// dial is the transport factory, overridable in tests.
	dial func(ctx context.Context) (Transport, error)

	trans      *swappableTransport
	dispatcher *RequestDispatcher

	heartbeatOnce sync.Once
	disposeCh     chan struct{}

	mu            sync.Mutex
	connected     bool
	outstanding   int
	keepWarm      bool
	reconnecting  bool
	reconnectDone chan struct{}
	reconnectErr  error
	failed        error
	disposed      bool

	// lostCalls holds ids of calls whose failure was classified as
	// connection loss. The dispatcher has already dropped them from its
	// pending map by then, so the recovery snapshot merges them back in.
	lostCalls map[string]struct{}
}

// ConnectionOption customizes a ConnectionClient.
type ConnectionOption func(*ConnectionClient)

// WithCheckpointStore enables the checkpoint write when reconnection
// exhausts its attempts. Without a store the failure is still reported,
// just not persisted.
func WithCheckpointStore(store CheckpointStore) ConnectionOption {
	return func(c *ConnectionClient) { c.store = store }
}

// WithConnectionLogger sets the logger. Defaults to the no-op logger.
func WithConnectionLogger(logger *zap.Logger) ConnectionOption {
	return func(c *ConnectionClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithConnectionMetrics sets the metrics collector.
func WithConnectionMetrics(m MetricsCollector) ConnectionOption {
	return func(c *ConnectionClient) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithConnectionTimings overrides the production intervals, mainly for tests.
func WithConnectionTimings(t Timings) ConnectionOption {
	return func(c *ConnectionClient) { c.timings = t }
}

// NewConnectionClient creates a client bound to a worker lifecycle. The
// client does not own the lifecycle: Dispose tears down the session but
// leaves the worker to its owner.
func NewConnectionClient(lifecycle *Lifecycle, opts ...ConnectionOption) *ConnectionClient {
	c := &ConnectionClient{
		lifecycle: lifecycle,
		logger:    zap.NewNop(),
		metrics:   NewNoopMetricsCollector(),
		timings:   DefaultTimings(),
		sessionID: uuid.NewString(),
		trans:     &swappableTransport{},
		disposeCh: make(chan struct{}),
		lostCalls: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.dial = func(ctx context.Context) (Transport, error) {
		return NewTCPTransport(ctx, lifecycle.cfg.Port, c.logger)
	}
	c.dispatcher = NewRequestDispatcher(c.trans, c.logger)
	lifecycle.SetActivityCheck(c.hasOutstandingWork)
	return c
}

// SessionID identifies this client's session in checkpoints and logs.
func (c *ConnectionClient) SessionID() string {
	return c.sessionID
}

// Connect ensures the worker is running and establishes the connection.
// Idempotent while connected.
func (c *ConnectionClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return NewCanceledError("client disposed", nil)
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if _, err := c.lifecycle.EnsureStarted(ctx); err != nil {
		return err
	}
	t, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		_ = t.Close()
		return NewCanceledError("client disposed", nil)
	}
	c.trans.swap(t)
	c.connected = true
	c.failed = nil
	c.mu.Unlock()

	c.heartbeatOnce.Do(func() { go c.heartbeatLoop() })
	c.logger.Info("connected to worker", zap.String("session", c.sessionID))
	return nil
}

// Submit runs one task on the worker. If the call fails because the
// connection went away, Submit waits on the recovery sequence and then
// resolves with ConnectionLostError (recovery succeeded but this call was
// not replayed) or ReconnectionExhaustedError (the session failed).
func (c *ConnectionClient) Submit(ctx context.Context, task Task) (TaskResult, error) {
	return c.submit(ctx, task, nil)
}

// SubmitTracked behaves like Submit and additionally reports the minted
// call id through issued before the request goes out, so another goroutine
// can Cancel this specific call.
func (c *ConnectionClient) SubmitTracked(ctx context.Context, task Task, issued func(callID string)) (TaskResult, error) {
	return c.submit(ctx, task, issued)
}

func (c *ConnectionClient) submit(ctx context.Context, task Task, issued func(string)) (TaskResult, error) {
	if err := c.admit(ctx); err != nil {
		return TaskResult{}, err
	}

	c.mu.Lock()
	c.outstanding++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.outstanding--
		c.mu.Unlock()
	}()

	var callID string
	result, err := c.dispatcher.SubmitTracked(ctx, task, func(id string) {
		callID = id
		if issued != nil {
			issued(id)
		}
	})
	if err == nil {
		return result, nil
	}
	if !isConnectionError(err) {
		return TaskResult{}, err
	}

	// The dispatcher has already released this call; remember it so the
	// checkpoint names the work that was interrupted, not just whatever
	// else happened to be pending.
	c.noteLostCall(callID)

	if rerr := c.recover(err); rerr != nil {
		return TaskResult{}, rerr
	}
	return TaskResult{}, NewConnectionLostError("call interrupted by connection loss", err)
}

func (c *ConnectionClient) noteLostCall(id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	c.lostCalls[id] = struct{}{}
	c.mu.Unlock()
}

// Cancel aborts one in-flight call by id.
func (c *ConnectionClient) Cancel(id string) bool {
	return c.dispatcher.Cancel(id)
}

// PendingCount reports the number of in-flight calls.
func (c *ConnectionClient) PendingCount() int {
	return c.dispatcher.PendingCount()
}

// KeepWarm toggles heartbeating while no work is outstanding. By default
// the heartbeat only runs while calls are in flight.
func (c *ConnectionClient) KeepWarm(on bool) {
	c.mu.Lock()
	c.keepWarm = on
	c.mu.Unlock()
}

// admit gates a new call: rejects after Dispose or session failure, and
// waits out an in-flight recovery.
func (c *ConnectionClient) admit(ctx context.Context) error {
	for {
		c.mu.Lock()
		switch {
		case c.disposed:
			c.mu.Unlock()
			return NewCanceledError("client disposed", nil)
		case c.failed != nil:
			err := c.failed
			c.mu.Unlock()
			return err
		case !c.connected:
			c.mu.Unlock()
			return NewTransportError("not connected", errTransportClosed)
		case c.reconnecting:
			done := c.reconnectDone
			c.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return NewCanceledError("awaiting recovery", ctx.Err())
			}
		default:
			c.mu.Unlock()
			return nil
		}
	}
}

func (c *ConnectionClient) hasOutstandingWork() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outstanding > 0
}

// heartbeatLoop pings the worker on a fixed interval while work is
// outstanding or KeepWarm is on. A ping failure that looks like connection
// loss triggers the recovery sequence; any other failure is only logged.
func (c *ConnectionClient) heartbeatLoop() {
	ticker := time.NewTicker(c.timings.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.disposeCh:
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		active := c.outstanding > 0 || c.keepWarm
		busy := c.reconnecting || c.failed != nil || !c.connected
		c.mu.Unlock()
		if !active || busy {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.timings.HealthProbeTimeout)
		err := c.dispatcher.Ping(ctx)
		cancel()
		if err == nil {
			continue
		}

		loss := isConnectionError(err)
		c.metrics.HeartbeatFailure(loss)
		if !loss {
			c.logger.Warn("heartbeat declined by worker", zap.Error(err))
			continue
		}
		c.logger.Warn("heartbeat detected connection loss", zap.Error(err))
		_ = c.recover(err)
	}
}

// recover runs (or joins) the reconnection sequence. Exactly one sequence
// runs at a time; late arrivals wait for its verdict.
func (c *ConnectionClient) recover(cause error) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return NewCanceledError("client disposed", nil)
	}
	if c.failed != nil {
		err := c.failed
		c.mu.Unlock()
		return err
	}
	if c.reconnecting {
		done := c.reconnectDone
		c.mu.Unlock()
		<-done
		c.mu.Lock()
		err := c.reconnectErr
		c.mu.Unlock()
		return err
	}
	c.reconnecting = true
	c.reconnectDone = make(chan struct{})
	done := c.reconnectDone
	// Snapshot at classification time: what is still pending in the
	// dispatcher, plus the already-released calls whose failure triggered
	// or joined this loss. These are the calls the checkpoint will name
	// if the sequence fails.
	pendingIDs := c.dispatcher.PendingIDs()
	for id := range c.lostCalls {
		pendingIDs = appendMissing(pendingIDs, id)
	}
	c.lostCalls = make(map[string]struct{})
	c.mu.Unlock()

	err := c.runReconnect(cause, pendingIDs)

	c.mu.Lock()
	c.reconnecting = false
	c.reconnectErr = err
	if err != nil {
		c.failed = err
		c.connected = false
	}
	close(done)
	c.mu.Unlock()
	return err
}

func appendMissing(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

// runReconnect tears down the dead session and retries a fixed number of
// times on a fixed interval: stop worker, settle, ensure started, redial.
// On exhaustion it writes one checkpoint and fails the session.
func (c *ConnectionClient) runReconnect(cause error, pendingIDs []string) error {
	c.logger.Warn("connection lost, beginning recovery",
		zap.String("session", c.sessionID),
		zap.Int("maxAttempts", c.timings.ReconnectMaxAttempts),
		zap.Error(cause))

	_ = c.trans.Close()

	lastErr := cause
	for attempt := 1; attempt <= c.timings.ReconnectMaxAttempts; attempt++ {
		select {
		case <-c.disposeCh:
			return NewCanceledError("client disposed during recovery", nil)
		case <-time.After(c.timings.ReconnectInterval):
		}

		c.metrics.ReconnectAttempt(attempt)
		c.logger.Info("reconnection attempt",
			zap.Int("attempt", attempt),
			zap.Int("maxAttempts", c.timings.ReconnectMaxAttempts))

		if err := c.lifecycle.Stop(context.Background()); err != nil {
			lastErr = err
			continue
		}
		if _, err := c.lifecycle.EnsureStarted(context.Background()); err != nil {
			lastErr = err
			continue
		}

		dialCtx, cancel := context.WithTimeout(context.Background(), c.timings.HealthProbeTimeout)
		t, err := c.dial(dialCtx)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}

		c.trans.swap(t)
		c.logger.Info("recovery succeeded", zap.Int("attempt", attempt))
		return nil
	}

	exhausted := NewReconnectionExhaustedError(c.timings.ReconnectMaxAttempts, lastErr)
	c.metrics.ReconnectExhausted()
	c.writeCheckpoint(pendingIDs, exhausted)
	return exhausted
}

// writeCheckpoint records the failed session. One write per exhausted
// sequence; a failed write is logged but never masks the session error.
func (c *ConnectionClient) writeCheckpoint(pendingIDs []string, cause error) {
	if c.store == nil {
		return
	}
	cp := Checkpoint{
		Timestamp:       time.Now(),
		Reason:          "reconnection-exhausted",
		PendingCallIDs:  pendingIDs,
		DiagnosticError: cause.Error(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.store.Save(ctx, c.sessionID, cp, "automatic checkpoint after failed recovery"); err != nil {
		c.metrics.CheckpointSaved(false)
		c.logger.Error("checkpoint write failed", zap.Error(err))
		return
	}
	c.metrics.CheckpointSaved(true)
	c.logger.Info("checkpoint saved",
		zap.String("session", c.sessionID),
		zap.Int("pendingCalls", len(pendingIDs)))
}

// Dispose ends the session: pending calls are cancelled first so their
// callers unblock, then the heartbeat stops and the connection closes.
// The worker itself is left to the lifecycle's owner. Idempotent.
func (c *ConnectionClient) Dispose() error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.disposed = true
	c.connected = false
	c.mu.Unlock()

	if n := c.dispatcher.CancelAll(); n > 0 {
		c.logger.Info("cancelled in-flight calls on dispose", zap.Int("count", n))
	}
	close(c.disposeCh)
	err := c.trans.Close()

	c.lifecycle.SetActivityCheck(nil)
	return err
}
