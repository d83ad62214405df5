package supervisor

import (
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mbrock/herd/internal/eventlog"
	"github.com/mbrock/herd/internal/process"
	"github.com/mbrock/herd/internal/procspec"
)

// State is the lifecycle state of a managed process.
type State string

const (
	StatePending    State = "pending"
	StateRunning    State = "running"
	StateExited     State = "exited"
	StateCrashed    State = "crashed"
	StateRestarting State = "restarting"
	StateStopped    State = "stopped"
	StateFailed     State = "failed"
)

// Status is a snapshot of one managed process.
type Status struct {
	Name        string    `json:"name"`
	State       State     `json:"state"`
	Pid         int       `json:"pid,omitempty"`
	Restarts    int       `json:"restarts"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	ExitCode    *int      `json:"exit_code,omitempty"`
	Signal      string    `json:"signal,omitempty"`
	Error       string    `json:"error,omitempty"`
	NextRestart time.Time `json:"next_restart,omitzero"`
	RunID       string    `json:"run_id,omitempty"`
}

// entry is the supervisor's record for one spec. Guarded by Supervisor.mu.
type entry struct {
	spec    procspec.Spec
	state   State
	backoff backoff.BackOff

	// restarts counts consecutive restarts since the last explicit start
	// or stable run.
	restarts int

	run       *run
	lastRunID string
	startedAt time.Time
	lastExit  *process.ExitStatus
	lastErr   error

	// Pending restart. gen invalidates timers that fired late.
	timer       *time.Timer
	gen         uint64
	nextRestart time.Time
}

// run is the handle of one launch.
type run struct {
	id        string
	proc      process.Process
	pid       int
	startedAt time.Time
	done      chan struct{} // closed after the exit is recorded

	stdout *eventlog.LineWriter
	stderr *eventlog.LineWriter
}

func (e *entry) status() Status {
	st := Status{
		Name:        e.spec.Name,
		State:       e.state,
		Restarts:    e.restarts,
		StartedAt:   e.startedAt,
		NextRestart: e.nextRestart,
		RunID:       e.lastRunID,
	}
	if e.run != nil {
		st.Pid = e.run.pid
	}
	if e.lastExit != nil {
		if e.lastExit.Signal != 0 {
			st.Signal = e.lastExit.Signal.String()
		} else if e.lastExit.Err == nil {
			code := e.lastExit.Code
			st.ExitCode = &code
		}
	}
	if e.lastErr != nil {
		st.Error = e.lastErr.Error()
	}
	return st
}

// newBackOff builds the restart schedule: MinBackoff doubling up to
// MaxBackoff, no jitter, at most MaxRestarts delays before backoff.Stop.
func newBackOff(p procspec.RestartPolicy) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.MinBackoff
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = p.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(p.MaxRestarts))
}

// String renders a status row for logs and plain output.
func (st Status) String() string {
	out := st.Name + " " + string(st.State)
	if st.Pid > 0 {
		out += " pid=" + strconv.Itoa(st.Pid)
	}
	out += " restarts=" + strconv.Itoa(st.Restarts)
	if st.Error != "" {
		out += " error=" + strconv.Quote(st.Error)
	}
	return out
}
