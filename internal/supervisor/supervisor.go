// Package supervisor owns the managed processes: it launches them, watches
// for exits, applies each spec's restart policy and serves start, stop,
// restart and status requests.
//
// Every state transition happens under a single mutex. One goroutine per
// running process blocks in Wait and records the exit. Restarts are delayed
// with time.AfterFunc; each pending timer carries a generation number so a
// stop or a manual start invalidates it.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/xid"

	"github.com/mbrock/herd/internal/eventlog"
	"github.com/mbrock/herd/internal/eventlog/memory"
	"github.com/mbrock/herd/internal/process"
	"github.com/mbrock/herd/internal/procspec"
)

// Config holds the configuration for creating a Supervisor.
type Config struct {
	Specs    []procspec.Spec
	Launcher process.Launcher

	// Events receives lifecycle events and output lines. Defaults to an
	// in-memory log.
	Events eventlog.EventLog

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Supervisor manages a fixed set of named processes.
type Supervisor struct {
	launcher process.Launcher
	events   eventlog.EventLog
	log      *slog.Logger

	mu      sync.Mutex
	order   []string
	entries map[string]*entry
	closed  bool

	wg sync.WaitGroup // monitor goroutines
}

// New registers every spec in the Pending state. Nothing is launched.
// A spec with a zero restart policy gets procspec.DefaultRestartPolicy.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Launcher == nil {
		return nil, errors.New("supervisor: no launcher")
	}
	events := cfg.Events
	if events == nil {
		events = memory.New(0)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Supervisor{
		launcher: cfg.Launcher,
		events:   events,
		log:      logger,
		entries:  make(map[string]*entry, len(cfg.Specs)),
	}
	for _, spec := range cfg.Specs {
		if spec.Name == "" {
			return nil, errors.New("supervisor: spec without a name")
		}
		if spec.Name == procspec.ReservedName {
			return nil, fmt.Errorf("supervisor: process name %q is reserved", spec.Name)
		}
		if _, dup := s.entries[spec.Name]; dup {
			return nil, fmt.Errorf("supervisor: duplicate process name %q", spec.Name)
		}
		spec = spec.Clone()
		if spec.Restart.Mode == "" {
			spec.Restart = procspec.DefaultRestartPolicy()
		}
		if err := spec.Restart.Validate(); err != nil {
			return nil, fmt.Errorf("supervisor: process %q: %w", spec.Name, err)
		}
		s.order = append(s.order, spec.Name)
		s.entries[spec.Name] = &entry{
			spec:    spec,
			state:   StatePending,
			backoff: newBackOff(spec.Restart),
		}
	}
	return s, nil
}

// Events returns the log the supervisor writes to. Transports that push
// events to clients read from it.
func (s *Supervisor) Events() eventlog.EventLog {
	return s.events
}

// StartAll starts every process in spec order. A failure to start one
// process does not prevent the others; all failures are joined.
func (s *Supervisor) StartAll(ctx context.Context) error {
	s.mu.Lock()
	names := append([]string(nil), s.order...)
	s.mu.Unlock()

	var errs []error
	for _, name := range names {
		if err := s.Start(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Start launches name unless it is already running or waiting to restart.
// The restart counter and backoff are reset. If a previous run is still
// being stopped, Start waits for it to be reaped first.
func (s *Supervisor) Start(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookupLocked(name)
	if err != nil {
		return err
	}

	for {
		if s.closed {
			return ErrShutdown
		}
		if e.state == StateRunning || e.state == StateRestarting {
			return nil
		}
		if e.run == nil {
			break
		}
		done := e.run.done
		s.mu.Unlock()
		select {
		case <-done:
			s.mu.Lock()
		case <-ctx.Done():
			s.mu.Lock()
			return ctx.Err()
		}
	}

	s.cancelRestartLocked(e)
	e.restarts = 0
	e.backoff.Reset()
	e.lastErr = nil
	return s.launchLocked(e)
}

// Stop marks name Stopped, cancels any pending restart and terminates the
// running process: StopSignal first, SIGKILL after StopTimeout. It returns
// once the process has been reaped.
func (s *Supervisor) Stop(ctx context.Context, name string) error {
	s.mu.Lock()
	e, err := s.lookupLocked(name)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	s.cancelRestartLocked(e)
	if e.state != StateStopped {
		e.state = StateStopped
		s.log.Info("stopping process", "process", name)
		s.emit(eventlog.EmitStopped(s.events, name))
	}
	r := e.run
	policy := e.spec.Restart
	s.mu.Unlock()

	if r == nil {
		return nil
	}
	return s.terminate(ctx, name, policy, r)
}

// Restart stops name and starts it again.
func (s *Supervisor) Restart(ctx context.Context, name string) error {
	if err := s.Stop(ctx, name); err != nil {
		return err
	}
	return s.Start(ctx, name)
}

// Status returns a snapshot of every process in spec order.
func (s *Supervisor) Status() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Status, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.entries[name].status())
	}
	return out
}

// Logs returns events (lifecycle and output) for name after cursor that
// also match filters.
func (s *Supervisor) Logs(ctx context.Context, name, cursor string, filters ...eventlog.EventFilter) ([]eventlog.EventRecord, string, error) {
	if err := s.check(name); err != nil {
		return nil, cursor, err
	}
	return s.events.Poll(ctx, processFilters(name, filters), cursor)
}

// Follow yields name's retained events, then new ones as they are written,
// until ctx is done or the event log is closed.
func (s *Supervisor) Follow(ctx context.Context, name string, filters ...eventlog.EventFilter) (iter.Seq[eventlog.EventRecord], error) {
	if err := s.check(name); err != nil {
		return nil, err
	}
	return s.events.Follow(ctx, processFilters(name, filters)), nil
}

func (s *Supervisor) check(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.lookupLocked(name)
	return err
}

func processFilters(name string, filters []eventlog.EventFilter) []eventlog.EventFilter {
	return append([]eventlog.EventFilter{eventlog.FilterByProcess(name)}, filters...)
}

// Shutdown stops accepting starts, marks every active process Stopped and
// terminates them concurrently. Processes still alive when ctx is done (or
// their StopTimeout passes) are killed. Shutdown returns after every
// monitor goroutine has finished.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	type victim struct {
		name   string
		policy procspec.RestartPolicy
		run    *run
	}

	s.mu.Lock()
	s.closed = true
	var victims []victim
	for _, name := range s.order {
		e := s.entries[name]
		s.cancelRestartLocked(e)
		if e.run == nil && e.state != StateRestarting {
			continue
		}
		if e.state != StateStopped {
			e.state = StateStopped
			s.emit(eventlog.EmitStopped(s.events, name))
		}
		if e.run != nil {
			victims = append(victims, victim{name, e.spec.Restart, e.run})
		}
	}
	s.mu.Unlock()

	s.log.Info("shutting down", "processes", len(victims))

	errs := make([]error, len(victims))
	var wg sync.WaitGroup
	for i, v := range victims {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.terminate(ctx, v.name, v.policy, v.run)
		}()
	}
	wg.Wait()
	s.wg.Wait()
	return errors.Join(errs...)
}

func (s *Supervisor) lookupLocked(name string) (*entry, error) {
	e, ok := s.entries[name]
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	return e, nil
}

// launchLocked starts a new run of e. On failure the entry goes Failed and
// keeps no handle.
func (s *Supervisor) launchLocked(e *entry) error {
	name := e.spec.Name
	id := xid.New().String()
	tags := map[string]string{
		eventlog.FieldProcess: name,
		eventlog.FieldRun:     id,
	}
	logger := s.log.With("process", name, "run", id)

	r := &run{
		id:     id,
		done:   make(chan struct{}),
		stdout: eventlog.NewLineWriter(s.outputFunc(logger, 1, tags)),
		stderr: eventlog.NewLineWriter(s.outputFunc(logger, 2, tags)),
	}

	proc, err := s.launcher.Launch(e.spec, r.stdout, r.stderr)
	if err != nil {
		e.state = StateFailed
		e.run = nil
		e.lastErr = err
		logger.Error("launch failed", "error", err)
		s.emit(eventlog.EmitLaunchFailed(s.events, name, err))
		return err
	}

	r.proc = proc
	r.pid = proc.Pid()
	r.startedAt = time.Now()

	e.run = r
	e.state = StateRunning
	e.lastRunID = id
	e.startedAt = r.startedAt
	e.lastErr = nil

	logger.Info("process started", "pid", r.pid, "restarts", e.restarts)
	s.emit(eventlog.EmitStarted(s.events, eventlog.Run{Process: name, ID: id, Pid: r.pid}, e.spec.Argv()))

	s.wg.Add(1)
	go s.monitor(e, r)
	return nil
}

func (s *Supervisor) outputFunc(logger *slog.Logger, fd int, tags map[string]string) func(string) {
	return func(line string) {
		logger.Debug("output", "fd", fd, "line", line)
		s.emit(eventlog.WriteOutput(s.events, fd, line, tags))
	}
}

// monitor waits for r to exit, records the result and applies the restart
// policy unless the entry was stopped in the meantime.
func (s *Supervisor) monitor(e *entry, r *run) {
	defer s.wg.Done()

	st := r.proc.Wait()
	r.stdout.Flush()
	r.stderr.Flush()

	s.mu.Lock()
	defer s.mu.Unlock()
	defer close(r.done)

	if e.run == r {
		e.run = nil
	}
	e.lastExit = &st

	name := e.spec.Name
	policy := e.spec.Restart
	expected := st.Expected(policy.ExitCodes)
	uptime := time.Since(r.startedAt)

	var sig string
	if st.Signal != 0 {
		sig = st.Signal.String()
	}
	logger := s.log.With("process", name, "run", r.id)

	if e.state != StateRunning {
		// Stopped explicitly or by Shutdown: the exit is expected.
		logger.Info("process stopped", "status", st.String())
		s.emit(eventlog.EmitExited(s.events, eventlog.Run{Process: name, ID: r.id, Pid: r.pid}, st.Code, sig, false))
		return
	}

	s.emit(eventlog.EmitExited(s.events, eventlog.Run{Process: name, ID: r.id, Pid: r.pid}, st.Code, sig, !expected))
	if expected {
		e.state = StateExited
		logger.Info("process exited", "status", st.String(), "uptime", uptime)
	} else {
		e.state = StateCrashed
		logger.Warn("process crashed", "status", st.String(), "uptime", uptime)
	}

	if policy.StableAfter > 0 && uptime >= policy.StableAfter {
		e.restarts = 0
		e.backoff.Reset()
	}

	restart := policy.Mode == procspec.RestartAlways ||
		(policy.Mode == procspec.RestartOnFailure && !expected)
	if !restart || s.closed {
		return
	}
	s.scheduleRestartLocked(e)
}

func (s *Supervisor) scheduleRestartLocked(e *entry) {
	name := e.spec.Name

	delay := e.backoff.NextBackOff()
	if delay == backoff.Stop {
		err := &CrashLoopError{Name: name, Restarts: e.restarts, Last: *e.lastExit}
		e.state = StateFailed
		e.lastErr = err
		s.log.Error("giving up on process", "process", name, "restarts", e.restarts, "error", err)
		s.emit(eventlog.EmitFailed(s.events, name, e.restarts, err))
		return
	}

	e.restarts++
	e.state = StateRestarting
	e.nextRestart = time.Now().Add(delay)
	e.gen++
	gen := e.gen
	e.timer = time.AfterFunc(delay, func() { s.restartAfterBackoff(e, gen) })

	s.log.Info("scheduling restart", "process", name, "restarts", e.restarts, "delay", delay)
	s.emit(eventlog.EmitRestarting(s.events, name, e.restarts, delay))
}

func (s *Supervisor) restartAfterBackoff(e *entry, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || e.gen != gen || e.state != StateRestarting {
		return
	}
	e.timer = nil
	e.nextRestart = time.Time{}
	_ = s.launchLocked(e)
}

func (s *Supervisor) cancelRestartLocked(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.gen++
	e.nextRestart = time.Time{}
}

// terminate signals r and waits for it to be reaped, escalating to SIGKILL
// after the policy's StopTimeout or when ctx is done.
func (s *Supervisor) terminate(ctx context.Context, name string, policy procspec.RestartPolicy, r *run) error {
	logger := s.log.With("process", name, "run", r.id)

	if err := r.proc.Signal(policy.StopSignal); err != nil && !errors.Is(err, os.ErrProcessDone) {
		logger.Warn("signal failed", "signal", policy.StopSignal, "error", err)
	}

	timeout := time.NewTimer(policy.StopTimeout)
	defer timeout.Stop()

	var err error
	select {
	case <-r.done:
		return nil
	case <-timeout.C:
		logger.Warn("process did not stop in time, killing", "timeout", policy.StopTimeout)
	case <-ctx.Done():
		logger.Warn("stop interrupted, killing", "error", ctx.Err())
		err = fmt.Errorf("stopping %s: %w", name, ctx.Err())
	}

	if kerr := r.proc.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
		logger.Warn("kill failed", "error", kerr)
	}
	<-r.done
	return err
}

// emit logs event log failures; they never fail an operation.
func (s *Supervisor) emit(err error) {
	if err != nil {
		s.log.Warn("writing event failed", "error", err)
	}
}
