package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// versionPattern extracts the leading MAJOR.MINOR from free-form version
// output such as "codex-worker 2.14.0 (build abc123)".
var versionPattern = regexp.MustCompile(`(\d+)\.(\d+)`)

// ProbeResult is the outcome of a successful availability probe.
type ProbeResult struct {
	// RawOutput is the version command's combined stdout/stderr, trimmed.
	RawOutput string

	// Major and Minor are the parsed version components, valid only when
	// VersionKnown is true.
	Major int
	Minor int

	// VersionKnown reports whether a version could be parsed. Unparseable
	// output is acceptable: blocking startup on a parse failure would be a
	// worse outcome than proceeding with an unknown version.
	VersionKnown bool
}

// CheckAvailability runs the worker's version command once with a short
// timeout and verifies the tool is installed at a workable version. It is
// fatal to a start attempt on failure and is never retried automatically;
// a version older than cfg.MinMajorVersion is only a warning because the
// remediation (upgrade) differs from a missing install.
func CheckAvailability(ctx context.Context, cfg Config, timings Timings, logger *zap.Logger) (ProbeResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	// An empty BinaryPath means "codex-worker from PATH"; resolve the
	// documented defaults here so a zero Config probes the same binary a
	// constructed Lifecycle would spawn.
	cfg.applyDefaults()

	ctx, cancel := context.WithTimeout(ctx, timings.ProbeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, cfg.BinaryPath, "--version")
	out, err := cmd.CombinedOutput()
	raw := strings.TrimSpace(string(out))

	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return ProbeResult{}, NewProbeError(ProbeTimeout,
				fmt.Sprintf("%s --version did not respond within %s", cfg.BinaryPath, timings.ProbeTimeout), err)
		case errors.Is(err, exec.ErrNotFound), errors.Is(err, os.ErrNotExist):
			return ProbeResult{}, NewProbeError(ProbeNotFound,
				fmt.Sprintf("%s is not installed or not on PATH", cfg.BinaryPath), err)
		default:
			msg := fmt.Sprintf("%s --version failed", cfg.BinaryPath)
			if raw != "" {
				msg = fmt.Sprintf("%s: %s", msg, raw)
			}
			return ProbeResult{}, NewProbeError(ProbeOther, msg, err)
		}
	}

	result := ProbeResult{RawOutput: raw}
	if m := versionPattern.FindStringSubmatch(raw); m != nil {
		major, majorErr := strconv.Atoi(m[1])
		minor, minorErr := strconv.Atoi(m[2])
		if majorErr == nil && minorErr == nil {
			result.Major = major
			result.Minor = minor
			result.VersionKnown = true
		}
	}

	if !result.VersionKnown {
		logger.Warn("could not parse worker version, proceeding anyway",
			zap.String("output", raw))
		return result, nil
	}

	if result.Major < cfg.MinMajorVersion {
		logger.Warn("worker version older than supported minimum, consider upgrading",
			zap.Int("found", result.Major),
			zap.Int("minimum", cfg.MinMajorVersion),
			zap.String("output", raw))
	}

	return result, nil
}
