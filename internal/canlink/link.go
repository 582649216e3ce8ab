package canlink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/can2mqtt/internal/infrastructure/config"
)

// Link modes.
const (
	ModeIP     = "ip"
	ModeSlcand = "slcand"
)

const (
	// commandTimeout bounds each ip-link invocation.
	commandTimeout = 10 * time.Second

	// readyTimeout is how long slcand gets to create the interface.
	readyTimeout = 10 * time.Second

	readyPollInterval = 100 * time.Millisecond
)

// slcanSpeeds maps bit-rates to the slcand -s codes.
var slcanSpeeds = map[int]string{
	10000:   "0",
	20000:   "1",
	50000:   "2",
	100000:  "3",
	125000:  "4",
	250000:  "5",
	500000:  "6",
	800000:  "7",
	1000000: "8",
}

// Logger defines the logging interface for link management.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// runFunc executes a command and returns its combined output.
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput() //nolint:gosec // Binary path comes from operator config
}

// Manager brings the CAN interface up before the bridge dials it and takes
// it down on shutdown. In slcand mode it also supervises the slcand daemon.
type Manager struct {
	cfg       config.CANLinkConfig
	iface     string
	bitrate   int
	logger    Logger
	run       runFunc
	lookup    func(name string) (*net.Interface, error)
	readyWait time.Duration

	supervisor *Supervisor
	up         atomic.Bool
	mu         sync.Mutex
}

// NewManager creates a link manager for iface at the given bit-rate.
func NewManager(cfg config.CANLinkConfig, iface string, bitrate int) *Manager {
	if cfg.Mode == "" {
		cfg.Mode = ModeIP
	}
	if cfg.IPBinary == "" {
		cfg.IPBinary = "/sbin/ip"
	}
	if cfg.SlcandBinary == "" {
		cfg.SlcandBinary = "/usr/bin/slcand"
	}
	return &Manager{
		cfg:       cfg,
		iface:     iface,
		bitrate:   bitrate,
		logger:    noopLogger{},
		run:       runCommand,
		lookup:    net.InterfaceByName,
		readyWait: readyTimeout,
	}
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
}

// IsManaged reports whether can2mqtt owns the link configuration.
func (m *Manager) IsManaged() bool {
	return m.cfg.Managed
}

// Up configures and raises the interface. It is a no-op when the link is
// not managed.
func (m *Manager) Up(ctx context.Context) error {
	if !m.cfg.Managed {
		m.logger.Info("CAN link management disabled, expecting configured interface", "interface", m.iface)
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	switch m.cfg.Mode {
	case ModeIP:
		err = m.upNative(ctx)
	case ModeSlcand:
		err = m.upSlcand(ctx)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownMode, m.cfg.Mode)
	}
	if err != nil {
		return err
	}

	m.up.Store(true)
	m.logger.Info("CAN link up", "interface", m.iface, "mode", m.cfg.Mode, "bitrate", m.bitrate)
	return nil
}

// upNative runs down, set bitrate, up. The bit-rate cannot change while the
// interface is up, so the first step tolerates failure.
func (m *Manager) upNative(ctx context.Context) error {
	if err := m.ip(ctx, "link", "set", "dev", m.iface, "down"); err != nil {
		m.logger.Debug("link down before configure failed", "interface", m.iface, "error", err)
	}
	if err := m.ip(ctx, "link", "set", "dev", m.iface, "type", "can", "bitrate", strconv.Itoa(m.bitrate)); err != nil {
		return fmt.Errorf("setting %s bitrate: %w", m.iface, err)
	}
	if err := m.ip(ctx, "link", "set", "dev", m.iface, "up"); err != nil {
		return fmt.Errorf("raising %s: %w", m.iface, err)
	}
	return nil
}

func (m *Manager) upSlcand(ctx context.Context) error {
	args, err := m.SlcandArgs()
	if err != nil {
		return err
	}

	m.supervisor = NewSupervisor(SupervisorConfig{
		Name:               "slcand",
		Binary:             m.cfg.SlcandBinary,
		Args:               args,
		RestartOnFailure:   m.cfg.RestartOnFailure,
		RestartDelay:       time.Duration(m.cfg.RestartDelaySeconds) * time.Second,
		MaxRestartAttempts: m.cfg.MaxRestartAttempts,
		GracefulTimeout:    5 * time.Second,
		OnRestart: func(attempt int) {
			m.logger.Info("slcand restarting", "attempt", attempt)
		},
		OnStart: func() {
			// The first start is raised synchronously by Up.
			if m.up.Load() {
				go m.raiseAfterRestart(ctx)
			}
		},
		HealthCheckFunc: m.HealthCheck,
	})
	m.supervisor.SetLogger(m.logger)

	if err := m.supervisor.Start(ctx); err != nil {
		return fmt.Errorf("starting slcand: %w", err)
	}

	if err := m.raise(ctx); err != nil {
		if stopErr := m.supervisor.Stop(); stopErr != nil {
			m.logger.Warn("error stopping slcand after failed link up", "error", stopErr)
		}
		return err
	}
	return nil
}

// raise waits for slcand to create the interface and sets it up.
func (m *Manager) raise(ctx context.Context) error {
	if err := m.waitForInterface(ctx); err != nil {
		return err
	}
	if err := m.ip(ctx, "link", "set", "dev", m.iface, "up"); err != nil {
		return fmt.Errorf("raising %s: %w", m.iface, err)
	}
	return nil
}

func (m *Manager) raiseAfterRestart(ctx context.Context) {
	if err := m.raise(ctx); err != nil {
		m.logger.Error("raising CAN link after slcand restart failed", "interface", m.iface, "error", err)
		return
	}
	m.logger.Info("CAN link raised after slcand restart", "interface", m.iface)
}

func (m *Manager) waitForInterface(ctx context.Context) error {
	deadline := time.Now().Add(m.readyWait)
	for {
		if _, err := m.lookup(m.iface); err == nil {
			return nil
		}
		if m.supervisor != nil && !m.supervisor.IsRunning() {
			if lastErr := m.supervisor.LastError(); lastErr != nil {
				return fmt.Errorf("%w: %w", ErrSlcandExited, lastErr)
			}
			return fmt.Errorf("%w before creating %s", ErrSlcandExited, m.iface)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for %s after %v", m.iface, m.readyWait)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", m.iface, ctx.Err())
		case <-time.After(readyPollInterval):
		}
	}
}

// SlcandArgs builds the slcand command line: open the channel, close it on
// exit, stay in the foreground, and apply the bit-rate code.
func (m *Manager) SlcandArgs() ([]string, error) {
	code, ok := slcanSpeeds[m.bitrate]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedBitrate, m.bitrate)
	}
	if m.cfg.SerialDevice == "" {
		return nil, errors.New("serial device is required in slcand mode")
	}
	return []string{"-o", "-c", "-F", "-s" + code, m.cfg.SerialDevice, m.iface}, nil
}

// Down lowers the interface and stops slcand. Safe to call when Up failed
// or was never called.
func (m *Manager) Down() error {
	if !m.cfg.Managed || !m.up.Swap(false) {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	var errs []error
	if err := m.ip(ctx, "link", "set", "dev", m.iface, "down"); err != nil {
		errs = append(errs, fmt.Errorf("lowering %s: %w", m.iface, err))
	}
	if m.supervisor != nil {
		if err := m.supervisor.Stop(); err != nil {
			errs = append(errs, err)
		}
	}

	m.logger.Info("CAN link down", "interface", m.iface)
	return errors.Join(errs...)
}

// HealthCheck verifies the interface exists and is administratively up.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("link health check: %w", err)
	}
	ifi, err := m.lookup(m.iface)
	if err != nil {
		return fmt.Errorf("looking up %s: %w", m.iface, err)
	}
	if ifi.Flags&net.FlagUp == 0 {
		return fmt.Errorf("%w: %s", ErrInterfaceDown, m.iface)
	}
	return nil
}

// LinkStats describes the managed link.
type LinkStats struct {
	Managed   bool          `json:"managed"`
	Mode      string        `json:"mode,omitempty"`
	Interface string        `json:"interface"`
	Bitrate   int           `json:"bitrate,omitempty"`
	Up        bool          `json:"up"`
	Slcand    *ProcessStats `json:"slcand,omitempty"`
}

// Stats returns the link state.
func (m *Manager) Stats() LinkStats {
	stats := LinkStats{
		Managed:   m.cfg.Managed,
		Interface: m.iface,
		Up:        m.up.Load(),
	}
	if m.cfg.Managed {
		stats.Mode = m.cfg.Mode
		stats.Bitrate = m.bitrate
	}

	m.mu.Lock()
	sup := m.supervisor
	m.mu.Unlock()
	if sup != nil {
		ps := sup.Stats()
		stats.Slcand = &ps
	}
	return stats
}

func (m *Manager) ip(ctx context.Context, args ...string) error {
	runCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	m.logger.Debug("running ip", "args", args)
	out, err := m.run(runCtx, m.cfg.IPBinary, args...)
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}
