package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// DaemonStatus is the lifecycle state of the supervised engine process.
type DaemonStatus string

const (
	DaemonStopped  DaemonStatus = "stopped"
	DaemonRunning  DaemonStatus = "running"
	DaemonFailed   DaemonStatus = "failed"
	DaemonStopping DaemonStatus = "stopping"
)

// maxHealthFailures is how many consecutive failed pings kill the engine.
const maxHealthFailures = 3

// DaemonConfig describes how to run the engine binary.
type DaemonConfig struct {
	Binary string
	Args   []string

	// Env is appended to the bridge's own environment. The engine database
	// paths are passed this way so both sides agree on file locations.
	Env []string

	RestartOnFailure   bool
	RestartDelay       time.Duration
	MaxRestartAttempts int // 0 means unlimited
	GracefulTimeout    time.Duration

	// HealthCheck is run every HealthCheckInterval while the engine runs.
	// Nil disables the watchdog.
	HealthCheck         func(ctx context.Context) error
	HealthCheckInterval time.Duration
}

// Daemon starts the engine as a child process and restarts it when it exits
// or stops answering health checks.
type Daemon struct {
	cfg    DaemonConfig
	logger Logger

	mu            sync.Mutex
	cmd           *exec.Cmd
	status        DaemonStatus
	restarts      int
	lastErr       error
	stopRequested bool
	done          chan struct{}
}

// NewDaemon creates a supervisor. Nothing is started until Start.
func NewDaemon(cfg DaemonConfig, logger Logger) *Daemon {
	if cfg.RestartDelay == 0 {
		cfg.RestartDelay = 5 * time.Second
	}
	if cfg.GracefulTimeout == 0 {
		cfg.GracefulTimeout = 10 * time.Second
	}
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}
	return &Daemon{cfg: cfg, logger: logger, status: DaemonStopped}
}

// Start launches the engine and its monitor goroutine.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.status == DaemonRunning {
		d.mu.Unlock()
		return fmt.Errorf("engine daemon already running")
	}
	d.stopRequested = false
	d.done = make(chan struct{})
	d.mu.Unlock()

	cmd, err := d.spawn(ctx)
	if err != nil {
		d.setFailed(err)
		close(d.done)
		return err
	}

	go d.monitor(ctx, cmd)
	return nil
}

func (d *Daemon) spawn(ctx context.Context) (*exec.Cmd, error) {
	cmd := exec.CommandContext(ctx, d.cfg.Binary, d.cfg.Args...) //nolint:gosec // Binary path comes from operator config
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if len(d.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), d.cfg.Env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting engine %s: %w", d.cfg.Binary, err)
	}

	d.mu.Lock()
	d.cmd = cmd
	d.status = DaemonRunning
	d.mu.Unlock()

	go d.forward("stdout", stdout)
	go d.forward("stderr", stderr)

	d.logInfo("engine started", "binary", d.cfg.Binary, "pid", cmd.Process.Pid)
	return cmd, nil
}

// forward logs the engine's output line by line.
func (d *Daemon) forward(stream string, r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if d.logger != nil {
			d.logger.Debug("engine output", "stream", stream, "line", sc.Text())
		}
	}
}

// monitor waits for exits and restarts the engine until stopped.
func (d *Daemon) monitor(ctx context.Context, cmd *exec.Cmd) {
	defer close(d.done)

	for {
		err := d.wait(ctx, cmd)

		d.mu.Lock()
		stopping := d.stopRequested
		d.mu.Unlock()
		if stopping || ctx.Err() != nil {
			d.setStatus(DaemonStopped)
			return
		}

		d.logWarn("engine exited unexpectedly", "error", err)
		d.setFailed(err)

		if !d.cfg.RestartOnFailure {
			return
		}

		d.mu.Lock()
		d.restarts++
		attempt := d.restarts
		d.mu.Unlock()

		if d.cfg.MaxRestartAttempts > 0 && attempt > d.cfg.MaxRestartAttempts {
			d.logError("engine restart limit reached", "attempts", attempt-1)
			return
		}

		select {
		case <-ctx.Done():
			d.setStatus(DaemonStopped)
			return
		case <-time.After(d.cfg.RestartDelay):
		}

		d.logInfo("restarting engine", "attempt", attempt)
		next, err := d.spawn(ctx)
		if err != nil {
			d.logError("engine restart failed", "error", err)
			d.setFailed(err)
			return
		}
		cmd = next
	}
}

// wait blocks until cmd exits or the watchdog kills it.
func (d *Daemon) wait(ctx context.Context, cmd *exec.Cmd) error {
	exitCh := make(chan error, 1)
	go func() { exitCh <- cmd.Wait() }()

	if d.cfg.HealthCheck == nil {
		return <-exitCh
	}

	ticker := time.NewTicker(d.cfg.HealthCheckInterval)
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
			err := d.cfg.HealthCheck(checkCtx)
			cancel()

			if err == nil {
				failures = 0
				continue
			}
			failures++
			d.logWarn("engine health check failed", "error", err, "consecutive_failures", failures)
			if failures >= maxHealthFailures {
				d.logError("engine unresponsive, killing", "failures", failures)
				_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL) //nolint:errcheck // Exit is observed on exitCh
				<-exitCh
				return fmt.Errorf("engine killed after %d failed health checks", failures)
			}
		}
	}
}

// Stop sends SIGTERM to the engine's process group, then SIGKILL after
// GracefulTimeout.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if d.status != DaemonRunning || d.cmd == nil || d.cmd.Process == nil {
		d.stopRequested = true
		d.mu.Unlock()
		return nil
	}
	d.stopRequested = true
	d.status = DaemonStopping
	pid := d.cmd.Process.Pid
	done := d.done
	d.mu.Unlock()

	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		d.logWarn("failed to signal engine", "error", err)
	}

	select {
	case <-done:
		d.logInfo("engine stopped")
		return nil
	case <-time.After(d.cfg.GracefulTimeout):
	}

	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("killing engine: %w", err)
	}
	<-done
	d.logWarn("engine killed after graceful timeout")
	return nil
}

// Status returns the current lifecycle state.
func (d *Daemon) Status() DaemonStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// Restarts returns how many times the engine has been restarted.
func (d *Daemon) Restarts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.restarts
}

// LastError returns the error from the most recent unexpected exit.
func (d *Daemon) LastError() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

func (d *Daemon) setStatus(s DaemonStatus) {
	d.mu.Lock()
	d.status = s
	d.mu.Unlock()
}

func (d *Daemon) setFailed(err error) {
	d.mu.Lock()
	d.status = DaemonFailed
	d.lastErr = err
	d.mu.Unlock()
}

func (d *Daemon) logInfo(msg string, kv ...any) {
	if d.logger != nil {
		d.logger.Info(msg, kv...)
	}
}

func (d *Daemon) logWarn(msg string, kv ...any) {
	if d.logger != nil {
		d.logger.Warn(msg, kv...)
	}
}

func (d *Daemon) logError(msg string, kv ...any) {
	if d.logger != nil {
		d.logger.Error(msg, kv...)
	}
}
