package supervisor

import (
	"errors"
	"fmt"

	"github.com/mbrock/herd/internal/process"
)

// ErrNotFound matches every *NotFoundError.
var ErrNotFound = errors.New("no such process")

// ErrShutdown is returned by operations attempted after Shutdown began.
var ErrShutdown = errors.New("supervisor is shutting down")

// NotFoundError reports a control command naming an unknown process.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("process %q not found", e.Name)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// CrashLoopError reports that a process exhausted its restarts.
type CrashLoopError struct {
	Name     string
	Restarts int
	Last     process.ExitStatus
}

func (e *CrashLoopError) Error() string {
	return fmt.Sprintf("process %q is crash looping: gave up after %d restarts (last: %s)", e.Name, e.Restarts, e.Last)
}
