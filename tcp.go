package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TCPTransport speaks the worker's wire protocol: newline-delimited JSON
// frames over a TCP connection to localhost. Every request carries a
// string id; the worker answers each id exactly once and never initiates
// traffic of its own, so the read side is purely response dispatch.
type TCPTransport struct {
	conn   net.Conn
	logger *zap.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Response
	closed  bool

	done chan struct{}
}

var _ Transport = (*TCPTransport)(nil)

// NewTCPTransport dials the worker on the given port and starts the read
// loop. The dial itself is bounded by the context.
func NewTCPTransport(ctx context.Context, port int, logger *zap.Logger) (*TCPTransport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	addr := fmt.Sprintf("localhost:%d", port)

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, NewTransportError("dial "+addr, err)
	}

	t := &TCPTransport{
		conn:    conn,
		logger:  logger,
		pending: make(map[string]chan Response),
		done:    make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

// Send writes one request frame and blocks until its response arrives, the
// context ends, or the connection goes away.
func (t *TCPTransport) Send(ctx context.Context, req Request) (Response, error) {
	req.JSONRPC = wireVersion

	ch := make(chan Response, 1)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return Response{}, NewTransportError("send "+req.Method, errTransportClosed)
	}
	t.pending[req.ID] = ch
	t.mu.Unlock()

	if err := t.writeFrame(req); err != nil {
		t.mu.Lock()
		delete(t.pending, req.ID)
		t.mu.Unlock()
		return Response{}, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return Response{}, NewTransportError("connection closed awaiting "+req.Method, errTransportClosed)
		}
		return resp, nil
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, req.ID)
		t.mu.Unlock()
		return Response{}, ctx.Err()
	case <-t.done:
		return Response{}, NewTransportError("connection closed awaiting "+req.Method, errTransportClosed)
	}
}

func (t *TCPTransport) writeFrame(req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return NewTransportError("encode "+req.Method, err)
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	if _, err := t.conn.Write(data); err != nil {
		return NewTransportError("write "+req.Method, err)
	}
	return nil
}

// readLoop dispatches response frames to their waiting senders until the
// connection drops.
func (t *TCPTransport) readLoop() {
	defer t.teardown()

	scanner := bufio.NewScanner(t.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			t.logger.Warn("discarding unparseable frame", zap.Error(err))
			continue
		}
		if resp.ID == "" {
			t.logger.Warn("discarding frame without id")
			continue
		}

		// Claim-then-deliver: deleting under the lock guarantees exactly
		// one delivery even if the sender is concurrently giving up.
		t.mu.Lock()
		ch, ok := t.pending[resp.ID]
		if ok {
			delete(t.pending, resp.ID)
		}
		t.mu.Unlock()

		if !ok {
			t.logger.Debug("response for unknown id", zap.String("id", resp.ID))
			continue
		}
		ch <- resp
	}

	if err := scanner.Err(); err != nil {
		t.logger.Debug("transport read loop ended", zap.Error(err))
	}
}

// teardown marks the transport closed and releases every waiting sender.
func (t *TCPTransport) teardown() {
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
	for id, ch := range t.pending {
		delete(t.pending, id)
		close(ch)
	}
	t.mu.Unlock()
}

// Close tears down the connection. Senders still waiting observe a
// transport-closed error. Idempotent.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	alreadyClosed := t.closed
	t.mu.Unlock()

	err := t.conn.Close()
	if alreadyClosed {
		return nil
	}
	// readLoop notices the closed conn and runs teardown; waiting here
	// keeps Close's postcondition strict: no sender remains blocked.
	<-t.done
	if err != nil {
		return NewTransportError("close connection", err)
	}
	return nil
}
