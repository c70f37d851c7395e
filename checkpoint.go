package supervisor

import (
	"context"
	"time"
)

// Checkpoint is the state snapshot written once when a reconnection
// sequence exhausts its attempts, so the session can be resumed or audited
// after the worker comes back.
type Checkpoint struct {
	// Timestamp is when the snapshot was taken.
	Timestamp time.Time `json:"timestamp"`

	// Reason is a short machine-readable cause, e.g. "reconnection-exhausted".
	Reason string `json:"reason"`

	// PendingCallIDs are the calls that were in flight when the
	// connection was lost, as observed at classification time.
	PendingCallIDs []string `json:"pendingCallIds"`

	// DiagnosticError is the rendered error that ended the sequence.
	DiagnosticError string `json:"diagnosticError"`
}

// CheckpointStore persists checkpoints. Implementations must tolerate
// concurrent saves from different sessions.
type CheckpointStore interface {
	// Save persists one checkpoint under the given session. The note is
	// free-form operator context.
	Save(ctx context.Context, sessionID string, snapshot Checkpoint, note string) error
}
