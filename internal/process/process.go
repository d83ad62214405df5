// Package process defines how herd starts and signals child processes.
//
// The supervisor only sees the Launcher and Process interfaces. Two
// implementations exist:
//   - process/exec starts real OS processes with os/exec.
//   - process/fake runs registered Go functions, for tests.
package process

import (
	"fmt"
	"io"
	"strings"
	"syscall"

	"github.com/mbrock/herd/internal/procspec"
)

// Launcher starts child processes from specs.
type Launcher interface {
	// Launch spawns the process described by spec and returns as soon as it
	// is running. Output is copied to stdout and stderr.
	// Failures to spawn are reported as *LaunchError.
	Launch(spec procspec.Spec, stdout, stderr io.Writer) (Process, error)
}

// Process is a spawned child.
type Process interface {
	Pid() int

	// Signal delivers sig to the process (and its group, where supported).
	Signal(sig syscall.Signal) error

	// Kill sends SIGKILL.
	Kill() error

	// Wait blocks until the process exits. It must be called exactly once.
	Wait() ExitStatus
}

// ExitStatus describes how a process terminated.
type ExitStatus struct {
	// Code is the exit code, or -1 when the process was killed by a signal.
	Code int
	// Signal is the terminating signal, zero if the process exited normally.
	Signal syscall.Signal
	// Err is set when waiting failed for reasons other than a non-zero exit.
	Err error
}

// Expected reports whether the exit counts as clean for the given codes.
func (s ExitStatus) Expected(codes []int) bool {
	if s.Err != nil || s.Signal != 0 {
		return false
	}
	for _, c := range codes {
		if c == s.Code {
			return true
		}
	}
	return false
}

func (s ExitStatus) String() string {
	switch {
	case s.Err != nil:
		return "wait failed: " + s.Err.Error()
	case s.Signal != 0:
		return "killed by " + s.Signal.String()
	default:
		return fmt.Sprintf("exit status %d", s.Code)
	}
}

// LaunchError reports that a process could not be spawned.
type LaunchError struct {
	Name string
	Argv []string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launching %s (%s): %v", e.Name, strings.Join(e.Argv, " "), e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }
