package supervisor

import "encoding/json"

// The worker speaks JSON-RPC-shaped frames, one JSON object per line, over
// a TCP connection on localhost. Every frame carries the protocol version
// and a string id; ids are UUIDs minted by the dispatcher.
const wireVersion = "2.0"

// Methods the worker understands.
const (
	methodTaskRun    = "task/run"
	methodWorkerPing = "worker/ping"
)

// Well-known protocol error codes.
const (
	ErrCodeParseError    = -32700
	ErrCodeInternalError = -32603
)

// Request is one outbound frame.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is one inbound frame. Exactly one of Result and Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the worker's in-band failure payload.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Task is the payload of a task/run request.
type Task struct {
	// Instruction is the natural-language task for the reasoning agent.
	Instruction string `json:"instruction"`

	// Model optionally overrides the worker's default model.
	Model string `json:"model,omitempty"`

	// Sandbox is the execution sandbox policy name.
	Sandbox string `json:"sandbox,omitempty"`

	// ApprovalPolicy controls when the worker pauses for approval.
	ApprovalPolicy string `json:"approvalPolicy,omitempty"`

	// Marker tags the task for correlation in logs and checkpoints.
	Marker string `json:"marker,omitempty"`
}

// TaskResult is the payload of a task/run response.
type TaskResult struct {
	Output   string                 `json:"output"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// worker/ping carries no payload in either direction.
type pingParams struct{}

type pingResult struct{}
