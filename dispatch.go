package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PendingCall is the dispatcher's record of one in-flight request.
type PendingCall struct {
	ID       string
	Method   string
	IssuedAt time.Time

	cancel context.CancelFunc
}

// RequestDispatcher mints call ids, tracks in-flight calls, and translates
// transport and protocol failures into the typed error taxonomy. It is the
// sole owner of the pending-call map: a call leaves the map exactly once,
// whether it resolved, failed, or was cancelled.
type RequestDispatcher struct {
	transport Transport
	logger    *zap.Logger

	mu      sync.Mutex
	pending map[string]*PendingCall
}

// NewRequestDispatcher creates a dispatcher on top of a connected transport.
func NewRequestDispatcher(transport Transport, logger *zap.Logger) *RequestDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RequestDispatcher{
		transport: transport,
		logger:    logger,
		pending:   make(map[string]*PendingCall),
	}
}

// Submit sends one task to the worker and blocks until it resolves. The
// returned error is always one of the typed errors: CallError for in-band
// worker failures, TimeoutError or CanceledError for context endings, and
// TransportError for connection-level failures.
func (d *RequestDispatcher) Submit(ctx context.Context, task Task) (TaskResult, error) {
	return d.SubmitTracked(ctx, task, nil)
}

// SubmitTracked behaves like Submit and additionally reports the minted
// call id through issued once the call is registered, before the request
// goes out. This is how a blocked caller's id becomes known to whoever
// might want to Cancel it.
func (d *RequestDispatcher) SubmitTracked(ctx context.Context, task Task, issued func(callID string)) (TaskResult, error) {
	params, err := json.Marshal(task)
	if err != nil {
		return TaskResult{}, NewTransportError("encode task", err)
	}

	resp, err := d.call(ctx, methodTaskRun, params, issued)
	if err != nil {
		return TaskResult{}, err
	}

	var result TaskResult
	if len(resp.Result) > 0 {
		if uerr := json.Unmarshal(resp.Result, &result); uerr != nil {
			return TaskResult{}, NewTransportError("decode task result", uerr)
		}
	}
	return result, nil
}

// Ping performs one round trip with no payload. Used by the heartbeat.
func (d *RequestDispatcher) Ping(ctx context.Context) error {
	params, err := json.Marshal(pingParams{})
	if err != nil {
		return NewTransportError("encode ping", err)
	}
	_, err = d.call(ctx, methodWorkerPing, params, nil)
	return err
}

func (d *RequestDispatcher) call(ctx context.Context, method string, params json.RawMessage, issued func(string)) (Response, error) {
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	call := &PendingCall{
		ID:       uuid.NewString(),
		Method:   method,
		IssuedAt: time.Now(),
		cancel:   cancel,
	}

	d.mu.Lock()
	d.pending[call.ID] = call
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pending, call.ID)
		d.mu.Unlock()
	}()

	if issued != nil {
		issued(call.ID)
	}

	d.logger.Debug("dispatching call",
		zap.String("id", call.ID),
		zap.String("method", method))

	resp, err := d.transport.Send(callCtx, Request{
		ID:     call.ID,
		Method: method,
		Params: params,
	})
	if err != nil {
		return Response{}, d.translate(method, err)
	}
	if resp.Error != nil {
		return Response{}, NewCallError(resp.Error)
	}
	return resp, nil
}

// translate maps raw send failures onto the typed taxonomy.
func (d *RequestDispatcher) translate(method string, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return NewCanceledError(method, err)
	case errors.Is(err, context.DeadlineExceeded):
		return NewTimeoutError(method, err)
	}
	var terr *TransportError
	if errors.As(err, &terr) {
		return err
	}
	return NewTransportError(method, err)
}

// Cancel aborts one in-flight call by id. Returns false when no such call
// is pending. The aborted caller observes a CanceledError.
func (d *RequestDispatcher) Cancel(id string) bool {
	d.mu.Lock()
	call, ok := d.pending[id]
	d.mu.Unlock()
	if !ok {
		return false
	}
	call.cancel()
	return true
}

// CancelAll aborts every in-flight call and reports how many there were.
func (d *RequestDispatcher) CancelAll() int {
	d.mu.Lock()
	calls := make([]*PendingCall, 0, len(d.pending))
	for _, c := range d.pending {
		calls = append(calls, c)
	}
	d.mu.Unlock()

	for _, c := range calls {
		c.cancel()
	}
	return len(calls)
}

// PendingIDs snapshots the ids of all in-flight calls.
func (d *RequestDispatcher) PendingIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.pending))
	for id := range d.pending {
		ids = append(ids, id)
	}
	return ids
}

// PendingCount reports the number of in-flight calls.
func (d *RequestDispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// connectionErrorSignatures are substrings in error text that mark a
// failure as connection loss rather than an ordinary call failure. Network
// errors are not reliably typed once they have passed through wrapping, so
// signature matching backstops the structural checks.
var connectionErrorSignatures = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"not connected",
	"transport closed",
	"use of closed network connection",
	"i/o timeout",
	"EOF",
}

// isConnectionError reports whether an error indicates the connection to
// the worker is gone, as opposed to the worker declining a request.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var cerr *ConnectionLostError
	if errors.As(err, &cerr) {
		return true
	}
	var terr *TransportError
	if errors.As(err, &terr) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}
	text := err.Error()
	for _, sig := range connectionErrorSignatures {
		if strings.Contains(text, sig) {
			return true
		}
	}
	return false
}
