package supervisor_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	supervisor "github.com/dominicnunez/codex-supervisor-go"
)

// fakeWorkerServer speaks the newline-delimited frame protocol from the
// worker's side of the socket.
type fakeWorkerServer struct {
	ln net.Listener

	mu      sync.Mutex
	conns   []net.Conn
	respond func(req supervisor.Request) *supervisor.Response // nil response = stay silent
}

func newFakeWorkerServer(t *testing.T, respond func(req supervisor.Request) *supervisor.Response) (*fakeWorkerServer, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeWorkerServer{ln: ln, respond: respond}
	go s.serve()
	t.Cleanup(s.close)

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return s, port
}

func (s *fakeWorkerServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		go s.handle(conn)
	}
}

func (s *fakeWorkerServer) handle(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var req supervisor.Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		resp := s.respond(req)
		if resp == nil {
			continue
		}
		data, err := json.Marshal(resp)
		if err != nil {
			continue
		}
		data = append(data, '\n')
		if _, err := conn.Write(data); err != nil {
			return
		}
	}
}

func (s *fakeWorkerServer) dropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func (s *fakeWorkerServer) close() {
	s.ln.Close()
	s.dropConnections()
}

func echoResult(result string) func(req supervisor.Request) *supervisor.Response {
	return func(req supervisor.Request) *supervisor.Response {
		return &supervisor.Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result:  json.RawMessage(result),
		}
	}
}

func TestTCPTransportRoundTrip(t *testing.T) {
	_, port := newFakeWorkerServer(t, echoResult(`{"output":"ok"}`))

	tr, err := supervisor.NewTCPTransport(context.Background(), port, nil)
	require.NoError(t, err)
	defer tr.Close()

	resp, err := tr.Send(context.Background(), supervisor.Request{
		ID:     "call-1",
		Method: "task/run",
		Params: json.RawMessage(`{"instruction":"hi"}`),
	})
	require.NoError(t, err)
	require.Equal(t, "call-1", resp.ID)
	require.JSONEq(t, `{"output":"ok"}`, string(resp.Result))
	require.Nil(t, resp.Error)
}

func TestTCPTransportConcurrentSends(t *testing.T) {
	_, port := newFakeWorkerServer(t, echoResult(`{"output":"ok"}`))

	tr, err := supervisor.NewTCPTransport(context.Background(), port, nil)
	require.NoError(t, err)
	defer tr.Close()

	type outcome struct {
		id   string
		resp supervisor.Response
		err  error
	}
	outcomes := make(chan outcome, 8)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := "call-" + strconv.Itoa(n)
			resp, err := tr.Send(context.Background(), supervisor.Request{ID: id, Method: "worker/ping"})
			outcomes <- outcome{id, resp, err}
		}(i)
	}
	wg.Wait()
	close(outcomes)
	for o := range outcomes {
		require.NoError(t, o.err)
		require.Equal(t, o.id, o.resp.ID, "responses must route to their own sender")
	}
}

func TestTCPTransportDeliversProtocolError(t *testing.T) {
	_, port := newFakeWorkerServer(t, func(req supervisor.Request) *supervisor.Response {
		return &supervisor.Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &supervisor.Error{Code: supervisor.ErrCodeInternalError, Message: "boom"},
		}
	})

	tr, err := supervisor.NewTCPTransport(context.Background(), port, nil)
	require.NoError(t, err)
	defer tr.Close()

	resp, err := tr.Send(context.Background(), supervisor.Request{ID: "call-1", Method: "task/run"})
	require.NoError(t, err, "protocol errors travel in the response, not as send failures")
	require.NotNil(t, resp.Error)
	require.Equal(t, "boom", resp.Error.Message)
}

func TestTCPTransportContextEndsWait(t *testing.T) {
	_, port := newFakeWorkerServer(t, func(req supervisor.Request) *supervisor.Response {
		return nil // never answer
	})

	tr, err := supervisor.NewTCPTransport(context.Background(), port, nil)
	require.NoError(t, err)
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = tr.Send(ctx, supervisor.Request{ID: "call-1", Method: "task/run"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTCPTransportConnectionDropUnblocksSenders(t *testing.T) {
	srv, port := newFakeWorkerServer(t, func(req supervisor.Request) *supervisor.Response {
		return nil // never answer
	})

	tr, err := supervisor.NewTCPTransport(context.Background(), port, nil)
	require.NoError(t, err)
	defer tr.Close()

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func(n int) {
			_, err := tr.Send(context.Background(), supervisor.Request{
				ID:     "call-" + strconv.Itoa(n),
				Method: "task/run",
			})
			errs <- err
		}(i)
	}
	time.Sleep(50 * time.Millisecond)

	srv.dropConnections()

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			var terr *supervisor.TransportError
			require.ErrorAs(t, err, &terr)
		case <-time.After(5 * time.Second):
			t.Fatal("sender still blocked after connection drop")
		}
	}
}

func TestTCPTransportCloseIsIdempotentAndRejectsSends(t *testing.T) {
	_, port := newFakeWorkerServer(t, echoResult(`{}`))

	tr, err := supervisor.NewTCPTransport(context.Background(), port, nil)
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	_, err = tr.Send(context.Background(), supervisor.Request{ID: "late", Method: "worker/ping"})
	var terr *supervisor.TransportError
	require.ErrorAs(t, err, &terr)
}

func TestTCPTransportDialFailure(t *testing.T) {
	// Grab a free port and close it so nothing listens there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	require.NoError(t, ln.Close())

	_, err = supervisor.NewTCPTransport(context.Background(), port, nil)
	var terr *supervisor.TransportError
	require.ErrorAs(t, err, &terr)
}
