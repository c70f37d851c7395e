package supervisor_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	supervisor "github.com/dominicnunez/codex-supervisor-go"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, `binary: /usr/local/bin/codex-worker`)

	cfg, err := supervisor.LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "/usr/local/bin/codex-worker", cfg.BinaryPath)
	require.Equal(t, supervisor.DefaultPort, cfg.Port)
	require.Equal(t, supervisor.DefaultMinMajorVersion, cfg.MinMajorVersion)
	require.Equal(t, "info", cfg.LogLevel)
}

func TestLoadConfigFullFile(t *testing.T) {
	workspace := t.TempDir()
	path := writeConfigFile(t, `
binary: /opt/codex/worker
port: 9100
workspace: `+workspace+`
scratch: /tmp/codex-scratch
minMajorVersion: 3
logLevel: debug
`)

	cfg, err := supervisor.LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "/opt/codex/worker", cfg.BinaryPath)
	require.Equal(t, 9100, cfg.Port)
	require.Equal(t, workspace, cfg.WorkspaceDir)
	require.Equal(t, "/tmp/codex-scratch", cfg.ScratchDir)
	require.Equal(t, 3, cfg.MinMajorVersion)
	require.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"port out of range", `port: 99999`},
		{"unknown log level", `logLevel: chatty`},
		{"missing workspace", `workspace: /no/such/dir/anywhere`},
		{"malformed yaml", `port: [not a number`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfigFile(t, tc.content)
			_, err := supervisor.LoadConfig(path)
			require.Error(t, err)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := supervisor.LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestBuildLoggerHonorsLevel(t *testing.T) {
	cfg := supervisor.Config{LogLevel: "warn"}
	logger, err := cfg.BuildLogger()
	require.NoError(t, err)
	defer logger.Sync()

	require.False(t, logger.Core().Enabled(zapcore.DebugLevel))
	require.True(t, logger.Core().Enabled(zapcore.ErrorLevel))
}

func TestDefaultTimings(t *testing.T) {
	tm := supervisor.DefaultTimings()
	require.Equal(t, 3, tm.HealthFailureThreshold)
	require.Equal(t, 3, tm.ReconnectMaxAttempts)
	require.Positive(t, tm.HealthInterval)
	require.Positive(t, tm.StopGracePeriod)
}
