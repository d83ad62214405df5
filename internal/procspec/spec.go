// Package procspec loads and validates the declarative process definitions
// that herd supervises.
//
// A config file is YAML (JSON works too) in the shape of a pm2 ecosystem file:
//
//	defaults:
//	  max_restarts: 5
//	apps:
//	  - name: dsc-backend
//	    script: ./start_backend.sh
//	    interpreter: bash
//	    env:
//	      PORT: 5051
//	  - name: cloudflared-dsc-backend
//	    script: cloudflared
//	    args: tunnel --url localhost:5051
//	    interpreter: none
//
// Loaded specs are plain values; nothing in this package mutates them after
// Load returns.
package procspec

import (
	"maps"
	"slices"
	"syscall"
	"time"
)

// InterpreterNone disables the interpreter wrapper (pm2 convention).
const InterpreterNone = "none"

// ReservedName cannot name a process: `herd start all` starts every process.
const ReservedName = "all"

// Spec is the immutable definition of one managed process.
type Spec struct {
	Name        string
	Command     string
	Args        []string
	Interpreter string
	Env         map[string]string
	Cwd         string
	Restart     RestartPolicy
}

// Argv returns the argument vector to execute: the interpreter (if any),
// then the command, then the arguments.
func (s Spec) Argv() []string {
	argv := make([]string, 0, len(s.Args)+2)
	if s.Interpreter != "" && s.Interpreter != InterpreterNone {
		argv = append(argv, s.Interpreter)
	}
	argv = append(argv, s.Command)
	return append(argv, s.Args...)
}

// Clone returns a deep copy of s.
func (s Spec) Clone() Spec {
	s.Args = slices.Clone(s.Args)
	s.Env = maps.Clone(s.Env)
	s.Restart.ExitCodes = slices.Clone(s.Restart.ExitCodes)
	return s
}

// RestartMode selects when a terminated process is started again.
type RestartMode string

const (
	// RestartOnFailure restarts only after an unexpected exit.
	RestartOnFailure RestartMode = "on-failure"
	// RestartAlways restarts after any exit that was not requested.
	RestartAlways RestartMode = "always"
	// RestartNever leaves the process down after it exits.
	RestartNever RestartMode = "never"
)

func (m RestartMode) valid() bool {
	switch m {
	case RestartOnFailure, RestartAlways, RestartNever:
		return true
	}
	return false
}

// RestartPolicy controls crash handling and stopping for one process.
type RestartPolicy struct {
	Mode RestartMode

	// MaxRestarts caps consecutive restarts before the process is Failed.
	MaxRestarts int

	// MinBackoff is the first restart delay; it doubles up to MaxBackoff.
	MinBackoff time.Duration
	MaxBackoff time.Duration

	// ExitCodes are the exit statuses treated as a clean exit.
	ExitCodes []int

	StopSignal  syscall.Signal
	StopTimeout time.Duration

	// StableAfter resets the crash counter once a run has lasted this long.
	// Zero disables the reset.
	StableAfter time.Duration
}

// DefaultRestartPolicy returns the built-in policy used when neither the
// spec nor the config defaults say otherwise.
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{
		Mode:        RestartOnFailure,
		MaxRestarts: 5,
		MinBackoff:  time.Second,
		MaxBackoff:  30 * time.Second,
		ExitCodes:   []int{0},
		StopSignal:  syscall.SIGTERM,
		StopTimeout: 5 * time.Second,
	}
}

// Validate reports the problems a loaded policy can never have: an unknown
// mode, negative limits, no stop signal or MinBackoff above MaxBackoff.
func (p RestartPolicy) Validate() error {
	verr := &ValidationError{}
	if !p.Mode.valid() {
		verr.add("unknown restart mode %q", p.Mode)
	}
	if p.MaxRestarts < 0 {
		verr.add("max_restarts must not be negative")
	}
	if p.MinBackoff < 0 || p.MaxBackoff < 0 || p.StopTimeout < 0 || p.StableAfter < 0 {
		verr.add("durations must not be negative")
	}
	if p.MinBackoff > p.MaxBackoff {
		verr.add("min_backoff %s exceeds max_backoff %s", p.MinBackoff, p.MaxBackoff)
	}
	if p.StopSignal <= 0 {
		verr.add("no stop signal")
	}
	return verr.orNil()
}
