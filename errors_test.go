package supervisor_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	supervisor "github.com/dominicnunez/codex-supervisor-go"
)

func TestProbeErrorMatchesByReason(t *testing.T) {
	notFound := supervisor.NewProbeError(supervisor.ProbeNotFound, "codex-worker missing", nil)
	timeout := supervisor.NewProbeError(supervisor.ProbeTimeout, "no response", nil)

	require.ErrorIs(t, notFound, supervisor.NewProbeError(supervisor.ProbeNotFound, "", nil))
	require.NotErrorIs(t, notFound, timeout)

	wrapped := fmt.Errorf("start sequence: %w", notFound)
	require.ErrorIs(t, wrapped, supervisor.NewProbeError(supervisor.ProbeNotFound, "", nil))
}

func TestCallErrorMatchesByCode(t *testing.T) {
	internal := supervisor.NewCallError(&supervisor.Error{
		Code:    supervisor.ErrCodeInternalError,
		Message: "model unavailable",
	})
	parse := supervisor.NewCallError(&supervisor.Error{
		Code:    supervisor.ErrCodeParseError,
		Message: "bad frame",
	})

	require.ErrorIs(t, internal,
		supervisor.NewCallError(&supervisor.Error{Code: supervisor.ErrCodeInternalError}))
	require.NotErrorIs(t, internal, parse)
	require.Equal(t, supervisor.ErrCodeInternalError, internal.Code())
	require.Contains(t, internal.Error(), "model unavailable")
}

func TestErrorCausesSurviveWrapping(t *testing.T) {
	cause := errors.New("read: connection reset by peer")
	lost := supervisor.NewConnectionLostError("heartbeat", cause)
	exhausted := supervisor.NewReconnectionExhaustedError(3, lost)

	require.ErrorIs(t, exhausted, cause)

	var lostTarget *supervisor.ConnectionLostError
	require.ErrorAs(t, exhausted, &lostTarget)
	require.Equal(t, 3, exhausted.Attempts)
}

func TestTypedErrorsAreDistinct(t *testing.T) {
	timeout := supervisor.NewTimeoutError("task/run", nil)
	canceled := supervisor.NewCanceledError("task/run", nil)

	require.NotErrorIs(t, timeout, canceled)
	require.NotErrorIs(t, canceled, timeout)

	var target *supervisor.TimeoutError
	require.ErrorAs(t, fmt.Errorf("call: %w", timeout), &target)
}
