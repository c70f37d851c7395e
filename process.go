package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ExitEvent describes an unsolicited worker exit or process error. It is
// forwarded to the lifecycle state machine as an input rather than being
// handled by the supervisor itself.
type ExitEvent struct {
	// Err is the wait error for abnormal exits, nil for a clean exit.
	Err error

	// ExitCode is the worker's exit code, -1 when unknown.
	ExitCode int

	// At is when the exit was observed.
	At time.Time
}

// WorkerProcess is the slice of ProcessSupervisor the state machine drives.
// It exists so lifecycle tests can substitute a fake process.
type WorkerProcess interface {
	// Start spawns the worker. onExit is invoked exactly once if the
	// process exits without Stop having been requested.
	Start(onExit func(ExitEvent)) error

	// Stop terminates the worker: polite signal, bounded grace period,
	// then forced kill. Idempotent and safe to call concurrently.
	Stop(ctx context.Context) error

	// Alive reports whether a worker process handle currently exists.
	Alive() bool

	// Pid returns the worker's process id, 0 when no process exists.
	Pid() int
}

// ProcessSupervisor owns the worker process handle: spawn, output capture,
// exit-event forwarding and two-phase shutdown. The handle exists if and
// only if a start succeeded and no stop or crash has released it; nothing
// outside the supervisor ever touches the handle directly.
type ProcessSupervisor struct {
	cfg     Config
	timings Timings
	logger  *zap.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	stopping bool
	waitDone chan struct{}
}

// NewProcessSupervisor creates a supervisor for the configured worker.
func NewProcessSupervisor(cfg Config, timings Timings, logger *zap.Logger) *ProcessSupervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessSupervisor{cfg: cfg, timings: timings, logger: logger}
}

// Start spawns "codex-worker serve --port N" with the workspace as working
// directory and the scratch dir exported through the environment. Worker
// stdout/stderr are streamed line-by-line into the logger for diagnostics.
// The process deliberately outlives the caller's context: its lifetime is
// managed through Stop, not through request cancellation.
func (s *ProcessSupervisor) Start(onExit func(ExitEvent)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		return errors.New("worker already running")
	}

	args := []string{"serve", "--port", fmt.Sprintf("%d", s.cfg.Port)}
	cmd := exec.Command(s.cfg.BinaryPath, args...)
	cmd.Dir = s.cfg.WorkspaceDir
	cmd.Env = os.Environ()
	if s.cfg.ScratchDir != "" {
		cmd.Env = append(cmd.Env, scratchEnvVar+"="+s.cfg.ScratchDir)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	s.logger.Info("worker spawned",
		zap.Int("pid", cmd.Process.Pid),
		zap.Int("port", s.cfg.Port),
		zap.String("binary", s.cfg.BinaryPath))

	go s.pipeOutput("stdout", stdout)
	go s.pipeOutput("stderr", stderr)

	done := make(chan struct{})
	s.cmd = cmd
	s.waitDone = done

	go func() {
		waitErr := cmd.Wait()
		close(done)

		s.mu.Lock()
		requested := s.stopping
		if s.cmd == cmd {
			s.cmd = nil
			s.waitDone = nil
			s.stopping = false
		}
		s.mu.Unlock()

		code := -1
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		}

		if requested {
			s.logger.Info("worker exited after stop request", zap.Int("code", code))
			return
		}

		s.logger.Warn("worker exited unexpectedly", zap.Int("code", code), zap.Error(waitErr))
		if onExit != nil {
			onExit(ExitEvent{Err: waitErr, ExitCode: code, At: time.Now()})
		}
	}()

	return nil
}

// pipeOutput drains one of the worker's output streams into the logger.
func (s *ProcessSupervisor) pipeOutput(stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.logger.Debug("worker output",
			zap.String("stream", stream),
			zap.String("line", scanner.Text()))
	}
}

// Stop requests graceful termination, waits up to the grace period, and
// escalates to a forced kill if the worker is still up. Not every worker
// traps the polite signal; without the escalation a restart could leak the
// old process. Safe to call multiple times and concurrently: duplicate
// calls wait on the same exit rather than signaling again.
func (s *ProcessSupervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	cmd := s.cmd
	done := s.waitDone
	if cmd == nil {
		s.mu.Unlock()
		return nil
	}
	if s.stopping {
		s.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.stopping = true
	s.mu.Unlock()

	if cmd.Process != nil {
		_ = cmd.Process.Signal(os.Interrupt)
	}

	select {
	case <-done:
	case <-time.After(s.timings.StopGracePeriod):
		s.logger.Warn("worker did not exit within grace period, killing",
			zap.Duration("grace", s.timings.StopGracePeriod))
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		return ctx.Err()
	}

	s.logger.Info("worker stopped")
	return nil
}

// Alive reports whether a worker process handle currently exists.
func (s *ProcessSupervisor) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmd != nil
}

// Pid returns the worker's process id, 0 when no process exists.
func (s *ProcessSupervisor) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}
