package supervisor

import (
	"errors"
	"fmt"
)

// ProbeReason discriminates availability-probe failures so callers can
// render different remediation guidance (install vs. retry vs. inspect).
type ProbeReason string

const (
	ProbeNotFound ProbeReason = "not-found"
	ProbeTimeout  ProbeReason = "timeout"
	ProbeOther    ProbeReason = "other"
)

// ProbeError reports that the worker tool could not be verified before
// spawn. It is fatal to the start attempt and is not retried automatically.
type ProbeError struct {
	Reason ProbeReason
	msg    string
	cause  error
}

// NewProbeError creates a ProbeError with the given discriminator, message
// and optional cause.
func NewProbeError(reason ProbeReason, msg string, cause error) *ProbeError {
	return &ProbeError{Reason: reason, msg: msg, cause: cause}
}

// Error implements the error interface.
func (e *ProbeError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("availability probe (%s): %s: %v", e.Reason, e.msg, e.cause)
	}
	return fmt.Sprintf("availability probe (%s): %s", e.Reason, e.msg)
}

// Unwrap returns the underlying cause, enabling errors.Is to traverse the chain.
func (e *ProbeError) Unwrap() error {
	return e.cause
}

// Is implements errors.Is by comparing probe reasons.
// Two ProbeErrors match if they carry the same Reason.
func (e *ProbeError) Is(target error) bool {
	t, ok := target.(*ProbeError)
	if !ok {
		return false
	}
	return e.Reason == t.Reason
}

// StartTimeoutError reports that the worker did not become ready within the
// readiness-polling ceiling. The state machine is left in StateError; a
// later EnsureStarted call may retry the full sequence.
type StartTimeoutError struct {
	msg   string
	cause error
}

// NewStartTimeoutError creates a StartTimeoutError with the given message and cause.
func NewStartTimeoutError(msg string, cause error) *StartTimeoutError {
	return &StartTimeoutError{msg: msg, cause: cause}
}

// Error implements the error interface.
func (e *StartTimeoutError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("start timeout: %s: %v", e.msg, e.cause)
	}
	return fmt.Sprintf("start timeout: %s", e.msg)
}

// Unwrap returns the underlying cause, enabling errors.Is to traverse the chain.
func (e *StartTimeoutError) Unwrap() error {
	return e.cause
}

// Is implements errors.Is by matching all StartTimeoutError instances.
func (e *StartTimeoutError) Is(target error) bool {
	_, ok := target.(*StartTimeoutError)
	return ok
}

// TransportError wraps IO/connection failures on the worker connection.
type TransportError struct {
	msg   string
	cause error
}

// NewTransportError creates a TransportError with a message and optional cause.
func NewTransportError(msg string, cause error) *TransportError {
	return &TransportError{msg: msg, cause: cause}
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("transport error: %s: %v", e.msg, e.cause)
	}
	return fmt.Sprintf("transport error: %s", e.msg)
}

// Unwrap returns the underlying cause, enabling errors.Is to traverse the chain.
func (e *TransportError) Unwrap() error {
	return e.cause
}

// ConnectionLostError reports a classified connection-loss event. It is not
// immediately fatal: it triggers the bounded reconnection sequence, and a
// call interrupted by a loss that was later repaired resolves with it.
type ConnectionLostError struct {
	msg   string
	cause error
}

// NewConnectionLostError creates a ConnectionLostError with the given message and cause.
func NewConnectionLostError(msg string, cause error) *ConnectionLostError {
	return &ConnectionLostError{msg: msg, cause: cause}
}

// Error implements the error interface.
func (e *ConnectionLostError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("connection lost: %s: %v", e.msg, e.cause)
	}
	return fmt.Sprintf("connection lost: %s", e.msg)
}

// Unwrap returns the underlying cause, enabling errors.Is to traverse the chain.
func (e *ConnectionLostError) Unwrap() error {
	return e.cause
}

// Is implements errors.Is by matching all ConnectionLostError instances.
func (e *ConnectionLostError) Is(target error) bool {
	_, ok := target.(*ConnectionLostError)
	return ok
}

// ReconnectionExhaustedError is terminal for a session: every reconnection
// attempt failed. A checkpoint has been attempted before this error is
// surfaced, so work in flight does not simply vanish.
type ReconnectionExhaustedError struct {
	Attempts int
	cause    error
}

// NewReconnectionExhaustedError creates a ReconnectionExhaustedError
// recording the number of attempts made and the last failure.
func NewReconnectionExhaustedError(attempts int, cause error) *ReconnectionExhaustedError {
	return &ReconnectionExhaustedError{Attempts: attempts, cause: cause}
}

// Error implements the error interface.
func (e *ReconnectionExhaustedError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("reconnection exhausted after %d attempts: %v", e.Attempts, e.cause)
	}
	return fmt.Sprintf("reconnection exhausted after %d attempts", e.Attempts)
}

// Unwrap returns the underlying cause, enabling errors.Is to traverse the chain.
func (e *ReconnectionExhaustedError) Unwrap() error {
	return e.cause
}

// Is implements errors.Is by matching all ReconnectionExhaustedError instances.
func (e *ReconnectionExhaustedError) Is(target error) bool {
	_, ok := target.(*ReconnectionExhaustedError)
	return ok
}

// CallError is an ordinary application-level error returned by the worker
// for a specific call. It does not affect connection state.
type CallError struct {
	err *Error
}

// NewCallError creates a CallError wrapping a worker protocol error.
func NewCallError(err *Error) *CallError {
	return &CallError{err: err}
}

// Error implements the error interface.
func (e *CallError) Error() string {
	if e.err == nil {
		return "call failed: <nil>"
	}
	return fmt.Sprintf("call failed: code=%d message=%q", e.err.Code, e.err.Message)
}

// Code returns the worker's error code, or 0 when none was supplied.
func (e *CallError) Code() int {
	if e.err == nil {
		return 0
	}
	return e.err.Code
}

// Message returns the worker's error message.
func (e *CallError) Message() string {
	if e.err == nil {
		return ""
	}
	return e.err.Message
}

// Is implements errors.Is by comparing error codes.
func (e *CallError) Is(target error) bool {
	t, ok := target.(*CallError)
	if !ok {
		return false
	}
	if e.err == nil || t.err == nil {
		return e.err == t.err
	}
	return e.err.Code == t.err.Code
}

// TimeoutError represents a call that exceeded its deadline.
type TimeoutError struct {
	msg   string
	cause error
}

// NewTimeoutError creates a TimeoutError with the given message and cause.
func NewTimeoutError(msg string, cause error) *TimeoutError {
	return &TimeoutError{msg: msg, cause: cause}
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("timeout error: %s: %v", e.msg, e.cause)
	}
	return fmt.Sprintf("timeout error: %s", e.msg)
}

// Unwrap returns the underlying cause, enabling errors.Is to traverse the chain.
func (e *TimeoutError) Unwrap() error {
	return e.cause
}

// Is implements errors.Is by matching all TimeoutError instances.
func (e *TimeoutError) Is(target error) bool {
	_, ok := target.(*TimeoutError)
	return ok
}

// CanceledError represents an explicit cancellation (caller-initiated).
// Distinct from TimeoutError which represents deadline-driven cancellation.
type CanceledError struct {
	msg   string
	cause error
}

// NewCanceledError creates a CanceledError with the given message and cause.
func NewCanceledError(msg string, cause error) *CanceledError {
	return &CanceledError{msg: msg, cause: cause}
}

// Error implements the error interface.
func (e *CanceledError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("canceled: %s: %v", e.msg, e.cause)
	}
	return fmt.Sprintf("canceled: %s", e.msg)
}

// Unwrap returns the underlying cause, enabling errors.Is to traverse the chain.
func (e *CanceledError) Unwrap() error {
	return e.cause
}

// Is implements errors.Is by matching all CanceledError instances.
func (e *CanceledError) Is(target error) bool {
	_, ok := target.(*CanceledError)
	return ok
}

// ProcessExitError records an unsolicited worker exit observed while the
// subsystem considered the worker running. It transitions the state machine
// rather than being thrown to an arbitrary caller.
type ProcessExitError struct {
	ExitCode int
	cause    error
}

// NewProcessExitError creates a ProcessExitError with the worker's exit code
// (-1 when unknown) and the underlying wait error, if any.
func NewProcessExitError(exitCode int, cause error) *ProcessExitError {
	return &ProcessExitError{ExitCode: exitCode, cause: cause}
}

// Error implements the error interface.
func (e *ProcessExitError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("worker exited (code %d): %v", e.ExitCode, e.cause)
	}
	return fmt.Sprintf("worker exited (code %d)", e.ExitCode)
}

// Unwrap returns the underlying cause, enabling errors.Is to traverse the chain.
func (e *ProcessExitError) Unwrap() error {
	return e.cause
}

// Is implements errors.Is by matching all ProcessExitError instances.
func (e *ProcessExitError) Is(target error) bool {
	_, ok := target.(*ProcessExitError)
	return ok
}

// errTransportClosed is the sentinel cause used by transports for sends
// attempted or in flight when the transport shut down.
var errTransportClosed = errors.New("transport closed")
