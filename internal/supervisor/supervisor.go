package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/stackd/stackd/internal/logger"
	"github.com/stackd/stackd/internal/metrics"
	"github.com/stackd/stackd/internal/service"
)

// Failure taxonomy surfaced to callers.
var (
	ErrExternalInstance = errors.New("an instance of the executable is already running outside supervision")
	ErrReadinessTimeout = errors.New("service did not become ready before the startup timeout")
	ErrConfigInvalid    = errors.New("configuration validation failed")
	ErrStopFatal        = errors.New("graceful shutdown exhausted all recovery paths")
	ErrShuttingDown     = errors.New("supervisor shutting down")
)

// State machine: Stopped -> Starting -> Running -> Stopping -> Stopped,
// with Running -> Crashed as the only unrequested transition.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// CrashEvent is emitted when a process exits nonzero without a requested
// stop and outside fleet shutdown. The orchestrator relays it outward; it
// never triggers an automatic restart.
type CrashEvent struct {
	Service string
	PID     int
	ExitErr error
}

// Status is the externally visible snapshot of one supervised service.
type Status struct {
	Service   string    `json:"service"`
	State     string    `json:"state"`
	Running   bool      `json:"running"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
	StoppedAt time.Time `json:"stopped_at,omitzero"`
	ExitErr   string    `json:"exit_error,omitempty"`
}

type commandAction int

const (
	actionStart commandAction = iota
	actionStop
	actionRestart
	actionShutdown
)

type command struct {
	action commandAction
	reply  chan error
}

// Default timings for supervisors whose capability table leaves them unset.
const (
	defaultStartTimeout    = 10 * time.Second
	defaultStopWait        = 10 * time.Second
	gracefulAttemptTimeout = 15 * time.Second
	gracefulExitWait       = 30 * time.Second
)

// Supervisor owns exactly one OS process for a service. All lifecycle
// commands funnel through a single goroutine, so operations on one service
// are serialized while different services proceed independently.
//
// A process handle lives from start to stop and is never reused across a
// stop/start cycle.
type Supervisor struct {
	def    service.Definition
	caps   service.Capabilities
	dir    string
	logCfg logger.Config
	logger *slog.Logger
	crashC chan<- CrashEvent
	tail   *TailBuffer

	mu              sync.RWMutex
	state           State
	cmd             *exec.Cmd
	pid             int
	startedAt       time.Time
	stoppedAt       time.Time
	exitErr         error
	intentionalStop bool
	fleetShutdown   bool
	waitDone        chan struct{}
	outW, errW      io.WriteCloser

	cmdChan  chan command
	doneChan chan struct{}
}

// New creates a supervisor for a service whose canonical directory is dir.
// crashC may be nil when nobody routes crash signals.
func New(def service.Definition, dir string, logCfg logger.Config, crashC chan<- CrashEvent) *Supervisor {
	s := &Supervisor{
		def:      def,
		caps:     service.CapabilitiesFor(def.Kind),
		dir:      dir,
		logCfg:   logCfg,
		logger:   slog.Default().With(slog.String("service", def.ID)),
		crashC:   crashC,
		tail:     NewTailBuffer(0),
		state:    StateStopped,
		cmdChan:  make(chan command, 16),
		doneChan: make(chan struct{}),
	}
	go s.run()
	return s
}

// Start launches the process and waits for readiness where the service
// defines a probe.
func (s *Supervisor) Start() error { return s.send(actionStart) }

// Stop terminates the process: graceful command first where defined, then
// signal-based termination, then force-kill by executable name.
func (s *Supervisor) Stop() error { return s.send(actionStop) }

// Restart validates the configuration first where the service defines a
// dry-run check; a failed validation leaves the running instance untouched.
func (s *Supervisor) Restart() error { return s.send(actionRestart) }

// Shutdown stops the process if needed and terminates the command loop.
func (s *Supervisor) Shutdown() error { return s.send(actionShutdown) }

func (s *Supervisor) send(a commandAction) error {
	reply := make(chan error, 1)
	select {
	case s.cmdChan <- command{action: a, reply: reply}:
		return <-reply
	case <-s.doneChan:
		if a == actionShutdown {
			return nil
		}
		return ErrShuttingDown
	}
}

// SetFleetShutdown marks whole-fleet shutdown so process exits during it
// are never classified as crashes.
func (s *Supervisor) SetFleetShutdown(v bool) {
	s.mu.Lock()
	s.fleetShutdown = v
	s.mu.Unlock()
}

// Status returns the current snapshot.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		Service:   s.def.ID,
		State:     s.state.String(),
		Running:   s.state == StateRunning,
		PID:       s.pid,
		StartedAt: s.startedAt,
		StoppedAt: s.stoppedAt,
	}
	if s.exitErr != nil {
		st.ExitErr = s.exitErr.Error()
	}
	return st
}

// Output returns the bounded trailing window of captured stdout/stderr.
func (s *Supervisor) Output() []byte { return s.tail.Bytes() }

func (s *Supervisor) run() {
	defer close(s.doneChan)
	for cmd := range s.cmdChan {
		var err error
		switch cmd.action {
		case actionStart:
			err = s.handleStart()
		case actionStop:
			err = s.handleStop()
		case actionRestart:
			err = s.handleRestart()
		case actionShutdown:
			err = s.handleStop()
			cmd.reply <- err
			return
		}
		cmd.reply <- err
	}
}

func (s *Supervisor) handleStart() error {
	switch s.currentState() {
	case StateRunning:
		return fmt.Errorf("service %s is already running", s.def.ID)
	case StateStarting:
		return fmt.Errorf("service %s is already starting", s.def.ID)
	case StateStopping:
		return fmt.Errorf("service %s is currently stopping", s.def.ID)
	default:
		return s.doStart()
	}
}

func (s *Supervisor) doStart() error {
	// Duplicate instances from a prior crash or a manual launch are a hard
	// error. Auto-adopting or killing them here would hide real problems.
	if externalInstanceRunning(s.def.ExeName, 0) {
		return fmt.Errorf("%w: %s", ErrExternalInstance, s.def.ExeName)
	}

	s.setState(StateStarting)

	cmd, err := s.configureCmd()
	if err != nil {
		s.setState(StateStopped)
		return err
	}
	if err := cmd.Start(); err != nil {
		s.closeWriters()
		s.setState(StateStopped)
		return fmt.Errorf("start %s: %w", s.def.ID, err)
	}

	waitDone := make(chan struct{})
	s.mu.Lock()
	s.cmd = cmd
	s.pid = cmd.Process.Pid
	s.startedAt = time.Now()
	s.exitErr = nil
	s.intentionalStop = false
	s.waitDone = waitDone
	s.mu.Unlock()

	go s.monitor(cmd, waitDone)

	if s.caps.ReadinessProbe != nil {
		if err := s.awaitReady(waitDone); err != nil {
			// The process is up but unusable; take it back down.
			s.mu.Lock()
			s.intentionalStop = true
			pid := s.pid
			s.mu.Unlock()
			_ = syscall.Kill(-pid, syscall.SIGKILL)
			s.awaitExit(waitDone, 2*time.Second)
			s.setState(StateStopped)
			return err
		}
	}

	// The process may already have exited and been classified by the
	// monitor; only a still-starting supervisor moves to running.
	if s.setStateIf(StateStarting, StateRunning) {
		metrics.IncStart(s.def.ID)
		s.logger.Info("started", "pid", cmd.Process.Pid)
	}
	return nil
}

func (s *Supervisor) configureCmd() (*exec.Cmd, error) {
	exe := s.def.ExePath(s.dir)
	// #nosec G204 -- executable path comes from the static catalog
	cmd := exec.Command(exe, s.def.Args...)
	cmd.Dir = s.dir
	cmd.Env = append(os.Environ(), s.def.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	outW, errW, err := s.logCfg.Writers(s.def.ID)
	if err != nil {
		return nil, fmt.Errorf("prepare log writers: %w", err)
	}
	s.mu.Lock()
	s.outW, s.errW = outW, errW
	s.mu.Unlock()
	if outW != nil {
		cmd.Stdout = io.MultiWriter(outW, s.tail)
	} else {
		cmd.Stdout = s.tail
	}
	if errW != nil {
		cmd.Stderr = io.MultiWriter(errW, s.tail)
	} else {
		cmd.Stderr = s.tail
	}
	return cmd, nil
}

func (s *Supervisor) awaitReady(waitDone chan struct{}) error {
	timeout := s.caps.StartTimeout
	if timeout <= 0 {
		timeout = defaultStartTimeout
	}
	interval := s.caps.ProbeInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if s.caps.ReadinessProbe(ctx, s.dir) == nil {
			return nil
		}
		select {
		case <-waitDone:
			s.mu.RLock()
			exitErr := s.exitErr
			s.mu.RUnlock()
			return fmt.Errorf("start %s: process exited during startup: %v", s.def.ID, exitErr)
		case <-ctx.Done():
			return fmt.Errorf("%w: %s after %s", ErrReadinessTimeout, s.def.ID, timeout)
		case <-ticker.C:
		}
	}
}

// monitor reaps the process and classifies its exit. Exactly one monitor
// exists per started process.
func (s *Supervisor) monitor(cmd *exec.Cmd, waitDone chan struct{}) {
	err := cmd.Wait()
	s.closeWriters()

	s.mu.Lock()
	s.exitErr = err
	s.stoppedAt = time.Now()
	s.cmd = nil
	intentional := s.intentionalStop || s.fleetShutdown
	pid := s.pid
	s.mu.Unlock()

	if err != nil && !intentional {
		s.setState(StateCrashed)
		metrics.IncCrash(s.def.ID)
		s.logger.Warn("process exited unexpectedly", "pid", pid, "error", err)
		if s.crashC != nil {
			select {
			case s.crashC <- CrashEvent{Service: s.def.ID, PID: pid, ExitErr: err}:
			default:
				s.logger.Warn("crash channel full, dropping crash event")
			}
		}
	} else {
		s.setState(StateStopped)
		s.logger.Info("process exited", "pid", pid, "error", err)
	}
	// Closed last so waiters observe the final classification.
	close(waitDone)
}

func (s *Supervisor) handleStop() error {
	switch s.currentState() {
	case StateStopped, StateCrashed:
		return nil
	case StateStopping:
		return fmt.Errorf("service %s is already stopping", s.def.ID)
	default:
		return s.doStop()
	}
}

func (s *Supervisor) doStop() error {
	s.setState(StateStopping)

	s.mu.Lock()
	s.intentionalStop = true
	pid := s.pid
	waitDone := s.waitDone
	s.mu.Unlock()

	if s.caps.GracefulStop != nil {
		if err := s.gracefulStop(waitDone); err != nil {
			return err
		}
		s.finishStop()
		return nil
	}

	if pid > 0 {
		if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
			// Handle unusable; force-terminate by process name.
			s.logger.Warn("signal via process group failed, killing by name", "error", err)
			killByName(s.def.ExeName)
		}
		if !s.awaitExit(waitDone, defaultStopWait) {
			s.logger.Warn("process ignored SIGTERM, escalating", "pid", pid)
			_ = syscall.Kill(-pid, syscall.SIGKILL)
			if !s.awaitExit(waitDone, 2*time.Second) {
				killByName(s.def.ExeName)
			}
		}
	}
	s.finishStop()
	return nil
}

// gracefulStop drives the administrative shutdown with bounded retries and
// a fixed delay, then the last-resort path. For the database this is the
// only stop sequence: force-killing it risks corrupting on-disk state, so
// exhausting every path is fatal for the host rather than swallowed.
func (s *Supervisor) gracefulStop(waitDone chan struct{}) error {
	attempts := s.caps.GracefulStopRetries + 1
	delay := s.caps.GracefulStopDelay
	if delay <= 0 {
		delay = time.Second
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), gracefulAttemptTimeout)
		lastErr = s.caps.GracefulStop(ctx, s.dir)
		cancel()
		if lastErr == nil {
			if s.awaitExit(waitDone, gracefulExitWait) {
				return nil
			}
			lastErr = fmt.Errorf("process still alive after accepted shutdown request")
		}
		s.logger.Warn("graceful shutdown attempt failed",
			"attempt", attempt, "of", attempts, "error", lastErr)
		if attempt < attempts {
			time.Sleep(delay)
		}
	}

	if s.caps.Rescue == nil {
		// Non-critical service: forced termination is acceptable.
		s.mu.RLock()
		pid := s.pid
		s.mu.RUnlock()
		if pid > 0 {
			_ = syscall.Kill(-pid, syscall.SIGKILL)
			s.awaitExit(waitDone, 2*time.Second)
		}
		killByName(s.def.ExeName)
		return nil
	}

	timeout := s.caps.RescueTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	s.logger.Warn("graceful shutdown exhausted retries, starting last-resort instance")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.caps.Rescue(ctx, s.dir); err != nil {
		return fmt.Errorf("%w: %s: %v (last graceful error: %v)", ErrStopFatal, s.def.ID, err, lastErr)
	}
	s.awaitExit(waitDone, gracefulExitWait)
	return nil
}

func (s *Supervisor) finishStop() {
	s.mu.Lock()
	s.cmd = nil
	s.waitDone = nil
	s.mu.Unlock()
	s.setState(StateStopped)
	metrics.IncStop(s.def.ID)
	s.logger.Info("stopped")
}

func (s *Supervisor) handleRestart() error {
	if s.caps.ValidateConfig != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := s.caps.ValidateConfig(ctx, s.dir)
		cancel()
		if err != nil {
			// Never restart into a known-broken configuration; the running
			// instance keeps serving with the previous one.
			return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
		}
	}
	if s.currentState() == StateRunning {
		if err := s.doStop(); err != nil {
			return err
		}
	}
	return s.doStart()
}

func (s *Supervisor) awaitExit(waitDone chan struct{}, d time.Duration) bool {
	if waitDone == nil {
		return true
	}
	select {
	case <-waitDone:
		return true
	case <-time.After(d):
		return false
	}
}

func (s *Supervisor) currentState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// setStateIf transitions only when the current state matches cur.
func (s *Supervisor) setStateIf(cur, next State) bool {
	s.mu.Lock()
	if s.state != cur {
		s.mu.Unlock()
		return false
	}
	s.state = next
	s.mu.Unlock()
	metrics.RecordStateTransition(s.def.ID, cur.String(), next.String())
	metrics.SetCurrentState(s.def.ID, cur.String(), false)
	metrics.SetCurrentState(s.def.ID, next.String(), true)
	return true
}

func (s *Supervisor) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev == next {
		return
	}
	metrics.RecordStateTransition(s.def.ID, prev.String(), next.String())
	metrics.SetCurrentState(s.def.ID, prev.String(), false)
	metrics.SetCurrentState(s.def.ID, next.String(), true)
}

func (s *Supervisor) closeWriters() {
	s.mu.Lock()
	outW, errW := s.outW, s.errW
	s.outW, s.errW = nil, nil
	s.mu.Unlock()
	if outW != nil {
		_ = outW.Close()
	}
	if errW != nil {
		_ = errW.Close()
	}
}
