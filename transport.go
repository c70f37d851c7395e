package supervisor

import "context"

// Transport abstracts the underlying connection to the worker process.
// The worker protocol is strictly request/response: the worker never
// initiates a message, so the interface is deliberately narrow.
type Transport interface {
	// Send transmits a request to the worker and waits for the response.
	// The transport must match the response to this request by ID.
	// Returns an error if the request cannot be sent or if the response
	// cannot be received.
	Send(ctx context.Context, req Request) (Response, error)

	// Close shuts down the transport, releasing any resources.
	// After Close is called, Send returns errors and any in-flight Send
	// calls are unblocked with a transport-closed error.
	// Close must be safe to call multiple times.
	Close() error
}
