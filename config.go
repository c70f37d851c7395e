package supervisor

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

const (
	defaultBinaryName = "codex-worker"

	// DefaultPort is the port the worker advertises when none is configured.
	DefaultPort = 8765

	// DefaultMinMajorVersion is the oldest worker major version the client
	// has been validated against. Older versions produce a warning, not a
	// start-blocking error.
	DefaultMinMajorVersion = 2

	// scratchEnvVar points the worker at its scratch/working subdirectory.
	scratchEnvVar = "CODEX_WORKER_HOME"
)

// Config is the resolved configuration handed to the subsystem at
// construction time. The subsystem never reaches out to ambient or global
// settings; everything it needs arrives here.
type Config struct {
	// Path to the worker binary. If empty, "codex-worker" is resolved from PATH.
	BinaryPath string `yaml:"binary"`

	// Port the worker is told to listen on. Defaults to DefaultPort.
	Port int `yaml:"port"`

	// WorkspaceDir is the working directory for the worker process.
	// Empty inherits the parent's working directory.
	WorkspaceDir string `yaml:"workspace"`

	// ScratchDir, when set, is exported to the worker via CODEX_WORKER_HOME.
	ScratchDir string `yaml:"scratch"`

	// MinMajorVersion is the minimum supported worker major version.
	// Defaults to DefaultMinMajorVersion.
	MinMajorVersion int `yaml:"minMajorVersion"`

	// LogLevel controls the logger built by BuildLogger: debug, info, warn
	// or error. Defaults to info.
	LogLevel string `yaml:"logLevel"`
}

// applyDefaults fills zero-valued fields in place.
func (c *Config) applyDefaults() {
	if c.BinaryPath == "" {
		c.BinaryPath = defaultBinaryName
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.MinMajorVersion == 0 {
		c.MinMajorVersion = DefaultMinMajorVersion
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate reports the first problem with the configuration, after defaults
// have been applied.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.WorkspaceDir != "" {
		info, err := os.Stat(c.WorkspaceDir)
		if err != nil {
			return fmt.Errorf("workspace dir: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("workspace dir %q is not a directory", c.WorkspaceDir)
		}
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	return nil
}

// LoadConfig reads a YAML configuration file, applies defaults and
// validates the result.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// BuildLogger constructs a production zap logger at the configured level.
func (c Config) BuildLogger() (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// Timings holds every fixed interval and ceiling the subsystem uses. They
// are not user-tunable at runtime; tests shrink them to keep runs fast.
type Timings struct {
	// ProbeTimeout bounds the availability probe's version-check command.
	ProbeTimeout time.Duration

	// StartPollInterval is the readiness-poll spacing during startup.
	StartPollInterval time.Duration

	// StartPollCeiling bounds the total readiness wait; exceeding it fails
	// the start attempt with a StartTimeoutError.
	StartPollCeiling time.Duration

	// HealthInterval is the liveness-probe spacing while the worker runs.
	HealthInterval time.Duration

	// HealthProbeTimeout bounds a single TCP liveness probe.
	HealthProbeTimeout time.Duration

	// HealthFailureThreshold is the number of consecutive probe failures
	// that triggers an automatic restart.
	HealthFailureThreshold int

	// RestartPause is the settle delay between stop and restart so the
	// port and process resources are released.
	RestartPause time.Duration

	// HeartbeatInterval is the liveness-check spacing while a unit of work
	// is outstanding.
	HeartbeatInterval time.Duration

	// ReconnectInterval separates reconnection attempts.
	ReconnectInterval time.Duration

	// ReconnectMaxAttempts bounds a reconnection sequence.
	ReconnectMaxAttempts int

	// StopGracePeriod is how long a politely signaled worker may take to
	// exit before termination is forced.
	StopGracePeriod time.Duration
}

// DefaultTimings returns the production intervals.
func DefaultTimings() Timings {
	return Timings{
		ProbeTimeout:           5 * time.Second,
		StartPollInterval:      500 * time.Millisecond,
		StartPollCeiling:       5 * time.Second,
		HealthInterval:         30 * time.Second,
		HealthProbeTimeout:     5 * time.Second,
		HealthFailureThreshold: 3,
		RestartPause:           1 * time.Second,
		HeartbeatInterval:      30 * time.Second,
		ReconnectInterval:      10 * time.Second,
		ReconnectMaxAttempts:   3,
		StopGracePeriod:        5 * time.Second,
	}
}
