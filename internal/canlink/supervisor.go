package canlink

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Status represents the current state of a supervised process.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusFailed   Status = "failed"
)

// maxConsecutiveHealthFailures is how many failed checks kill the process.
const maxConsecutiveHealthFailures = 3

// SupervisorConfig holds configuration for a supervised helper daemon.
type SupervisorConfig struct {
	// Name is a human-readable identifier for logging.
	Name string

	Binary string
	Args   []string

	// RestartOnFailure enables automatic restart when the process exits unexpectedly.
	RestartOnFailure bool

	// RestartDelay is the first restart delay. Each further attempt doubles
	// it up to MaxRestartDelay.
	RestartDelay    time.Duration
	MaxRestartDelay time.Duration

	// StableThreshold is how long a process must run before the restart
	// counter resets.
	StableThreshold time.Duration

	// MaxRestartAttempts limits restart attempts. 0 means unlimited.
	MaxRestartAttempts int

	// GracefulTimeout is how long to wait after SIGTERM before SIGKILL.
	GracefulTimeout time.Duration

	// HealthCheckFunc is polled while the process runs. Three failures in a
	// row kill the process so the restart logic takes over.
	HealthCheckFunc     func(ctx context.Context) error
	HealthCheckInterval time.Duration

	OnStart   func()
	OnStop    func(err error)
	OnRestart func(attempt int)
}

// RecoverableError is implemented by errors that know whether a restart
// can help.
type RecoverableError interface {
	error
	IsRecoverable() bool
}

// IsRecoverable reports whether a restart is worth attempting after err.
// Errors that do not say otherwise are treated as recoverable.
func IsRecoverable(err error) bool {
	if err == nil {
		return true
	}
	var re RecoverableError
	if errors.As(err, &re) {
		return re.IsRecoverable()
	}
	return true
}

// Supervisor runs one helper daemon (slcand) and restarts it on failure.
type Supervisor struct {
	config SupervisorConfig
	logger Logger

	mu            sync.RWMutex
	cmd           *exec.Cmd
	status        Status
	restartCount  int
	lastError     error
	startTime     time.Time
	stopRequested bool

	done chan struct{}
}

// NewSupervisor creates a supervisor, filling zero durations with defaults.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.RestartDelay == 0 {
		cfg.RestartDelay = 5 * time.Second
	}
	if cfg.MaxRestartDelay == 0 {
		cfg.MaxRestartDelay = 5 * time.Minute
	}
	if cfg.StableThreshold == 0 {
		cfg.StableThreshold = 2 * time.Minute
	}
	if cfg.GracefulTimeout == 0 {
		cfg.GracefulTimeout = 10 * time.Second
	}
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}

	return &Supervisor{
		config: cfg,
		logger: noopLogger{},
		status: StatusStopped,
	}
}

// SetLogger sets the logger for the supervisor.
func (s *Supervisor) SetLogger(logger Logger) {
	s.logger = logger
}

// Start launches the process and begins monitoring it.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.status == StatusRunning || s.status == StatusStarting {
		s.mu.Unlock()
		return fmt.Errorf("process %s is already running", s.config.Name)
	}
	s.status = StatusStarting
	s.stopRequested = false
	s.done = make(chan struct{})
	s.mu.Unlock()

	if err := s.startProcess(ctx); err != nil {
		s.mu.Lock()
		s.status = StatusFailed
		s.lastError = err
		close(s.done)
		s.mu.Unlock()
		return err
	}

	go s.monitor(ctx)
	return nil
}

func (s *Supervisor) startProcess(ctx context.Context) error {
	s.logger.Info("starting process",
		"name", s.config.Name,
		"binary", s.config.Binary,
		"args", s.config.Args,
	)

	cmd := exec.CommandContext(ctx, s.config.Binary, s.config.Args...) //nolint:gosec // Binary path comes from operator config

	// Own process group so shutdown signals reach any children.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", s.config.Name, err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.status = StatusRunning
	s.startTime = time.Now()
	s.mu.Unlock()

	go s.captureOutput("stdout", stdout)
	go s.captureOutput("stderr", stderr)

	s.logger.Info("process started", "name", s.config.Name, "pid", cmd.Process.Pid)

	if s.config.OnStart != nil {
		s.config.OnStart()
	}
	return nil
}

func (s *Supervisor) captureOutput(stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		s.logger.Debug("process output",
			"name", s.config.Name,
			"stream", stream,
			"line", scanner.Text(),
		)
	}
}

// waitForExit waits for the process to exit or for the health check to fail
// repeatedly, in which case the process is killed.
func (s *Supervisor) waitForExit(ctx context.Context, cmd *exec.Cmd) error {
	exitCh := make(chan error, 1)
	go func() {
		exitCh <- cmd.Wait()
	}()

	if s.config.HealthCheckFunc == nil {
		return <-exitCh
	}

	ticker := time.NewTicker(s.config.HealthCheckInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case err := <-exitCh:
			return err

		case <-ctx.Done():
			return <-exitCh

		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := s.config.HealthCheckFunc(checkCtx)
			cancel()

			if err == nil {
				if failures > 0 {
					s.logger.Info("health check recovered", "name", s.config.Name, "previous_failures", failures)
				}
				failures = 0
				continue
			}

			failures++
			s.logger.Warn("health check failed",
				"name", s.config.Name,
				"error", err,
				"consecutive_failures", failures,
			)
			if failures < maxConsecutiveHealthFailures {
				continue
			}

			s.logger.Error("health check failed repeatedly, killing process",
				"name", s.config.Name,
				"failures", failures,
			)
			if cmd.Process != nil {
				cmd.Process.Kill() //nolint:errcheck // Exit is observed below
			}
			select {
			case <-exitCh:
				return fmt.Errorf("killed after %d failed health checks: %w", failures, err)
			case <-time.After(5 * time.Second):
				return errors.New("process did not exit after kill")
			}
		}
	}
}

func (s *Supervisor) monitor(ctx context.Context) {
	defer close(s.done)

	for {
		s.mu.RLock()
		cmd := s.cmd
		s.mu.RUnlock()
		if cmd == nil {
			return
		}

		err := s.waitForExit(ctx, cmd)

		s.mu.Lock()
		stopRequested := s.stopRequested
		ranFor := time.Since(s.startTime)
		s.mu.Unlock()

		if stopRequested || ctx.Err() != nil {
			s.logger.Info("process stopped as requested", "name", s.config.Name)
			s.setStatus(StatusStopped, nil)
			if s.config.OnStop != nil {
				s.config.OnStop(nil)
			}
			return
		}

		s.logger.Warn("process exited unexpectedly", "name", s.config.Name, "error", err)
		s.setStatus(StatusFailed, err)
		if s.config.OnStop != nil {
			s.config.OnStop(err)
		}

		if !s.config.RestartOnFailure {
			s.logger.Info("restart disabled, not restarting", "name", s.config.Name)
			return
		}
		if !IsRecoverable(err) {
			s.logger.Error("process failed with unrecoverable error", "name", s.config.Name, "error", err)
			return
		}

		s.mu.Lock()
		if ranFor >= s.config.StableThreshold {
			s.restartCount = 0
		}
		s.restartCount++
		attempt := s.restartCount
		s.mu.Unlock()

		if s.config.MaxRestartAttempts > 0 && attempt > s.config.MaxRestartAttempts {
			s.logger.Error("max restart attempts reached", "name", s.config.Name, "attempts", attempt-1)
			return
		}

		delay := s.calculateBackoffDelay(attempt)
		s.logger.Info("restarting process", "name", s.config.Name, "attempt", attempt, "delay", delay)
		if s.config.OnRestart != nil {
			s.config.OnRestart(attempt)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		s.mu.RLock()
		stopRequested = s.stopRequested
		s.mu.RUnlock()
		if stopRequested {
			s.setStatus(StatusStopped, nil)
			return
		}

		if err := s.startProcess(ctx); err != nil {
			s.logger.Error("failed to restart process", "name", s.config.Name, "error", err)
			s.setStatus(StatusFailed, err)
			return
		}
	}
}

// calculateBackoffDelay doubles RestartDelay per attempt, capped at
// MaxRestartDelay.
func (s *Supervisor) calculateBackoffDelay(attempt int) time.Duration {
	delay := s.config.RestartDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.config.MaxRestartDelay {
			return s.config.MaxRestartDelay
		}
	}
	return delay
}

func (s *Supervisor) setStatus(status Status, err error) {
	s.mu.Lock()
	s.status = status
	if err != nil {
		s.lastError = err
	}
	s.mu.Unlock()
}

// Stop sends SIGTERM to the process group and SIGKILL after GracefulTimeout.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	s.stopRequested = true
	if s.status != StatusRunning && s.status != StatusStarting {
		s.mu.Unlock()
		return nil
	}
	cmd := s.cmd
	done := s.done
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil || done == nil {
		return nil
	}

	pid := cmd.Process.Pid
	s.logger.Info("stopping process", "name", s.config.Name, "pid", pid)

	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		s.logger.Warn("failed to send SIGTERM", "name", s.config.Name, "error", err)
	}

	select {
	case <-done:
		return nil
	case <-time.After(s.config.GracefulTimeout):
		s.logger.Warn("graceful shutdown timeout, sending SIGKILL", "name", s.config.Name)
	}

	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("killing %s: %w", s.config.Name, err)
	}
	<-done
	return nil
}

// Status returns the current status.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// IsRunning returns true if the process is currently running.
func (s *Supervisor) IsRunning() bool {
	return s.Status() == StatusRunning
}

// LastError returns the error from the last unexpected exit.
func (s *Supervisor) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastError
}

// RestartCount returns the restart attempts since the last stable run.
func (s *Supervisor) RestartCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.restartCount
}

// PID returns the process ID, or 0 if never started.
func (s *Supervisor) PID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cmd != nil && s.cmd.Process != nil {
		return s.cmd.Process.Pid
	}
	return 0
}

// Wait blocks until the monitor goroutine has exited.
func (s *Supervisor) Wait() {
	s.mu.RLock()
	done := s.done
	s.mu.RUnlock()
	if done != nil {
		<-done
	}
}

// ProcessStats describes the supervised process.
type ProcessStats struct {
	Name          string  `json:"name"`
	Status        Status  `json:"status"`
	PID           int     `json:"pid,omitempty"`
	UptimeSeconds float64 `json:"uptime_seconds,omitempty"`
	RestartCount  int     `json:"restart_count"`
	LastError     string  `json:"last_error,omitempty"`
}

// Stats returns current statistics for the process.
func (s *Supervisor) Stats() ProcessStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := ProcessStats{
		Name:         s.config.Name,
		Status:       s.status,
		RestartCount: s.restartCount,
	}
	if s.cmd != nil && s.cmd.Process != nil {
		stats.PID = s.cmd.Process.Pid
	}
	if s.status == StatusRunning {
		stats.UptimeSeconds = time.Since(s.startTime).Seconds()
	}
	if s.lastError != nil {
		stats.LastError = s.lastError.Error()
	}
	return stats
}
