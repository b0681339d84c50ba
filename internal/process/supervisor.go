package process

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

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"
)

// State is the supervisor's view of the child.
type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
	StateBackoff State = "backoff"
	StateFailed  State = "failed"
)

// Defaults applied by New to zero-valued Spec fields.
const (
	DefaultRestartDelay    = 2 * time.Second
	DefaultMaxRestartDelay = time.Minute
	DefaultStableAfter     = time.Minute
	DefaultStopTimeout     = 5 * time.Second
	DefaultProbeInterval   = 15 * time.Second
	DefaultProbeFailures   = 3

	probeTimeout = 5 * time.Second
)

// Spec describes the child daemon and its restart policy.
type Spec struct {
	Name   string
	Binary string
	Args   []string

	// Env is appended to the parent environment.
	Env []string

	// RestartDelay is the first backoff step; MaxRestartDelay caps it.
	RestartDelay    time.Duration
	MaxRestartDelay time.Duration

	// MaxRestarts bounds consecutive restarts. 0 means unlimited.
	MaxRestarts int

	// StableAfter is the uptime after which a run resets the backoff.
	StableAfter time.Duration

	// StopTimeout is the wait between SIGTERM and SIGKILL.
	StopTimeout time.Duration

	// Probe, if set, is polled while the child runs. ProbeFailures
	// consecutive failures kill the child, which then restarts.
	Probe         func(ctx context.Context) error
	ProbeInterval time.Duration
	ProbeFailures int
}

// Logger defines the logging interface used by the supervisor.
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

// Supervisor runs one child daemon and restarts it when it exits.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Supervisor struct {
	spec   Spec
	logger Logger

	mu        sync.Mutex
	state     State
	cmd       *exec.Cmd
	startedAt time.Time
	restarts  int
	lastErr   error
	cancel    context.CancelFunc
	done      chan struct{}
}

// New validates spec and applies defaults.
func New(spec Spec) (*Supervisor, error) {
	if spec.Name == "" || spec.Binary == "" {
		return nil, fmt.Errorf("%w: name and binary are required", ErrInvalidSpec)
	}
	if spec.RestartDelay <= 0 {
		spec.RestartDelay = DefaultRestartDelay
	}
	if spec.MaxRestartDelay < spec.RestartDelay {
		spec.MaxRestartDelay = max(DefaultMaxRestartDelay, spec.RestartDelay)
	}
	if spec.StableAfter <= 0 {
		spec.StableAfter = DefaultStableAfter
	}
	if spec.StopTimeout <= 0 {
		spec.StopTimeout = DefaultStopTimeout
	}
	if spec.ProbeInterval <= 0 {
		spec.ProbeInterval = DefaultProbeInterval
	}
	if spec.ProbeFailures <= 0 {
		spec.ProbeFailures = DefaultProbeFailures
	}

	return &Supervisor{
		spec:   spec,
		logger: noopLogger{},
		state:  StateStopped,
	}, nil
}

// SetLogger sets the logger. Call before Start.
func (s *Supervisor) SetLogger(logger Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Start launches the child and its supervision loop. An error means the
// first launch failed and nothing was left running. Cancelling ctx has the
// same effect as Stop.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateRunning || s.state == StateBackoff {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, s.spec.Name)
	}

	cmd, err := s.launch()
	if err != nil {
		s.state = StateFailed
		s.lastErr = err
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cmd = cmd
	s.state = StateRunning
	s.startedAt = time.Now()
	s.restarts = 0
	s.lastErr = nil
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.supervise(runCtx, cmd, s.done)
	return nil
}

// Stop terminates the child and waits for the loop to finish.
// Safe to call on a supervisor that was never started.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if done == nil {
		return
	}
	cancel()
	<-done
}

func (s *Supervisor) launch() (*exec.Cmd, error) {
	cmd := exec.Command(s.spec.Binary, s.spec.Args...) //nolint:gosec // binary comes from operator config
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if len(s.spec.Env) > 0 {
		cmd.Env = append(os.Environ(), s.spec.Env...)
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
		return nil, fmt.Errorf("starting %s: %w", s.spec.Name, err)
	}

	go s.relay("stdout", stdout)
	go s.relay("stderr", stderr)

	s.logger.Info("process started", "name", s.spec.Name, "pid", cmd.Process.Pid, "args", s.spec.Args)
	return cmd, nil
}

// relay forwards child output to the debug log line by line.
func (s *Supervisor) relay(stream string, r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		s.logger.Debug("process output", "name", s.spec.Name, "stream", stream, "line", sc.Text())
	}
}

func (s *Supervisor) supervise(ctx context.Context, cmd *exec.Cmd, done chan struct{}) {
	defer close(done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.spec.RestartDelay
	b.MaxInterval = s.spec.MaxRestartDelay
	b.MaxElapsedTime = 0
	b.Reset()

	var exitErr error
	for {
		var uptime time.Duration
		if cmd != nil {
			started := time.Now()
			exitErr = s.watch(ctx, cmd)
			uptime = time.Since(started)
		}

		if ctx.Err() != nil {
			s.finish(StateStopped, nil)
			s.logger.Info("process stopped", "name", s.spec.Name)
			return
		}
		if exitErr == nil {
			exitErr = fmt.Errorf("%s exited with status 0", s.spec.Name)
		}
		s.logger.Warn("process exited unexpectedly", "name", s.spec.Name, "uptime", uptime.String(), "error", exitErr)

		if uptime >= s.spec.StableAfter {
			b.Reset()
		}

		s.mu.Lock()
		s.restarts++
		attempt := s.restarts
		s.lastErr = exitErr
		s.mu.Unlock()

		if s.spec.MaxRestarts > 0 && attempt > s.spec.MaxRestarts {
			err := fmt.Errorf("%w after %d attempts: %w", ErrRestartLimit, s.spec.MaxRestarts, exitErr)
			s.finish(StateFailed, err)
			s.logger.Error("process not restarted", "name", s.spec.Name, "error", err)
			return
		}

		delay := b.NextBackOff()
		s.setState(StateBackoff)
		s.logger.Info("restarting process", "name", s.spec.Name, "attempt", attempt, "delay", delay.String())

		select {
		case <-ctx.Done():
			s.finish(StateStopped, nil)
			return
		case <-time.After(delay):
		}

		cmd, exitErr = s.launch()
		if exitErr != nil {
			s.logger.Error("process restart failed", "name", s.spec.Name, "error", exitErr)
			continue
		}

		s.mu.Lock()
		s.cmd = cmd
		s.state = StateRunning
		s.startedAt = time.Now()
		s.mu.Unlock()
	}
}

// watch blocks until the child exits, ctx ends, or the probe gives up.
func (s *Supervisor) watch(ctx context.Context, cmd *exec.Cmd) error {
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	var probeC <-chan time.Time
	if s.spec.Probe != nil {
		t := time.NewTicker(s.spec.ProbeInterval)
		defer t.Stop()
		probeC = t.C
	}

	failures := 0
	for {
		select {
		case err := <-exited:
			return err

		case <-ctx.Done():
			s.terminate(cmd, exited)
			return ctx.Err()

		case <-probeC:
			pctx, cancel := context.WithTimeout(ctx, probeTimeout)
			err := s.spec.Probe(pctx)
			cancel()

			if err == nil {
				if failures > 0 {
					s.logger.Info("process probe recovered", "name", s.spec.Name, "previous_failures", failures)
				}
				failures = 0
				continue
			}

			failures++
			s.logger.Warn("process probe failed", "name", s.spec.Name, "failures", failures, "error", err)
			if failures >= s.spec.ProbeFailures {
				s.logger.Error("process unresponsive, killing", "name", s.spec.Name, "pid", cmd.Process.Pid)
				if kerr := signalGroup(cmd.Process.Pid, unix.SIGKILL); kerr != nil {
					s.logger.Warn("kill failed", "name", s.spec.Name, "error", kerr)
				}
				<-exited
				return fmt.Errorf("%w: %w", ErrProbeFailed, err)
			}
		}
	}
}

// terminate sends SIGTERM to the process group and escalates to SIGKILL
// after StopTimeout.
func (s *Supervisor) terminate(cmd *exec.Cmd, exited <-chan error) {
	pid := cmd.Process.Pid
	s.logger.Info("stopping process", "name", s.spec.Name, "pid", pid)

	if err := signalGroup(pid, unix.SIGTERM); err != nil {
		s.logger.Warn("SIGTERM failed", "name", s.spec.Name, "error", err)
	}

	select {
	case <-exited:
		return
	case <-time.After(s.spec.StopTimeout):
		s.logger.Warn("process ignored SIGTERM, killing", "name", s.spec.Name, "timeout", s.spec.StopTimeout.String())
	}

	if err := signalGroup(pid, unix.SIGKILL); err != nil {
		s.logger.Warn("SIGKILL failed", "name", s.spec.Name, "error", err)
	}
	<-exited
}

func signalGroup(pid int, sig syscall.Signal) error {
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Supervisor) finish(st State, err error) {
	s.mu.Lock()
	s.state = st
	s.cmd = nil
	if err != nil {
		s.lastErr = err
	}
	s.mu.Unlock()
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that ended the last run, or nil.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Snapshot is a point-in-time view for health reporting.
type Snapshot struct {
	Name      string        `json:"name"`
	State     State         `json:"state"`
	PID       int           `json:"pid,omitempty"`
	Uptime    time.Duration `json:"uptime,omitempty"`
	Restarts  int           `json:"restarts"`
	LastError string        `json:"last_error,omitempty"`
}

// Snapshot returns the current view.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Name:     s.spec.Name,
		State:    s.state,
		Restarts: s.restarts,
	}
	if s.state == StateRunning && s.cmd != nil && s.cmd.Process != nil {
		snap.PID = s.cmd.Process.Pid
		snap.Uptime = time.Since(s.startedAt)
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	}
	return snap
}
