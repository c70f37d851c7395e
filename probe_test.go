package supervisor_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	supervisor "github.com/dominicnunez/codex-supervisor-go"
)

func TestCheckAvailabilityParsesVersion(t *testing.T) {
	bin := writeFakeWorker(t, `#!/bin/sh
echo "codex-worker 2.14.0 (build abc123)"
`)

	cfg := supervisor.Config{BinaryPath: bin, Port: 19101, MinMajorVersion: 2}
	res, err := supervisor.CheckAvailability(context.Background(), cfg, supervisor.DefaultTimings(), nil)
	require.NoError(t, err)
	require.True(t, res.VersionKnown)
	require.Equal(t, 2, res.Major)
	require.Equal(t, 14, res.Minor)
	require.Contains(t, res.RawOutput, "codex-worker")
}

func TestCheckAvailabilityUnparseableVersionProceeds(t *testing.T) {
	bin := writeFakeWorker(t, `#!/bin/sh
echo "development build"
`)

	cfg := supervisor.Config{BinaryPath: bin, Port: 19102}
	res, err := supervisor.CheckAvailability(context.Background(), cfg, supervisor.DefaultTimings(), nil)
	require.NoError(t, err)
	require.False(t, res.VersionKnown)
}

func TestCheckAvailabilityOldVersionIsOnlyAWarning(t *testing.T) {
	bin := writeFakeWorker(t, `#!/bin/sh
echo "codex-worker 1.2.0"
`)

	cfg := supervisor.Config{BinaryPath: bin, Port: 19103, MinMajorVersion: 2}
	res, err := supervisor.CheckAvailability(context.Background(), cfg, supervisor.DefaultTimings(), nil)
	require.NoError(t, err)
	require.Equal(t, 1, res.Major)
}

func TestCheckAvailabilityResolvesDefaultBinaryFromPath(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("probe tests require a unix shell")
	}
	dir := t.TempDir()
	script := "#!/bin/sh\necho \"codex-worker 2.1.0\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "codex-worker"), []byte(script), 0o755))
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))

	// A zero Config probes the same default binary a Lifecycle would spawn.
	res, err := supervisor.CheckAvailability(context.Background(), supervisor.Config{}, supervisor.DefaultTimings(), nil)
	require.NoError(t, err)
	require.True(t, res.VersionKnown)
	require.Equal(t, 2, res.Major)
	require.Equal(t, 1, res.Minor)
}

func TestCheckAvailabilityNotFound(t *testing.T) {
	cfg := supervisor.Config{
		BinaryPath: filepath.Join(t.TempDir(), "definitely-missing"),
		Port:       19104,
	}
	_, err := supervisor.CheckAvailability(context.Background(), cfg, supervisor.DefaultTimings(), nil)
	require.Error(t, err)

	var perr *supervisor.ProbeError
	require.ErrorAs(t, err, &perr)
	require.True(t, errors.Is(err, supervisor.NewProbeError(supervisor.ProbeNotFound, "", nil)))
}

func TestCheckAvailabilityTimeout(t *testing.T) {
	bin := writeFakeWorker(t, `#!/bin/sh
sleep 10
`)

	cfg := supervisor.Config{BinaryPath: bin, Port: 19105}
	timings := supervisor.DefaultTimings()
	timings.ProbeTimeout = 100 * time.Millisecond

	_, err := supervisor.CheckAvailability(context.Background(), cfg, timings, nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, supervisor.NewProbeError(supervisor.ProbeTimeout, "", nil)))
}

func TestCheckAvailabilityCommandFailure(t *testing.T) {
	bin := writeFakeWorker(t, `#!/bin/sh
echo "fatal: bad install" >&2
exit 1
`)

	cfg := supervisor.Config{BinaryPath: bin, Port: 19106}
	_, err := supervisor.CheckAvailability(context.Background(), cfg, supervisor.DefaultTimings(), nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, supervisor.NewProbeError(supervisor.ProbeOther, "", nil)))
	require.Contains(t, err.Error(), "bad install")
}
