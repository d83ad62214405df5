// Package control is the command surface of the herd daemon.
//
// Controller is transport-neutral. Local implements it on top of a
// supervisor; the unix and dbus subpackages carry it between processes and
// return Clients that implement it remotely. The control layer checks the
// shape of arguments only.
package control

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/mbrock/herd/internal/eventlog"
	"github.com/mbrock/herd/internal/process"
	"github.com/mbrock/herd/internal/supervisor"
)

// Controller defines the operations exposed to clients.
// Both Local (server side) and the transport clients implement it.
type Controller interface {
	StartAll(ctx context.Context) error
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
	Status(ctx context.Context) ([]supervisor.Status, error)

	// Logs returns a process's events after cursor that match filters, and
	// the cursor to resume from.
	Logs(ctx context.Context, name, cursor string, filters ...eventlog.EventFilter) ([]eventlog.EventRecord, string, error)

	// Follow streams a process's retained events and then new ones until
	// ctx is done. Name errors are returned before streaming starts; a
	// broken stream ends with a non-nil error.
	Follow(ctx context.Context, name string, filters ...eventlog.EventFilter) (iter.Seq2[eventlog.EventRecord, error], error)
}

// Client extends Controller with connection management.
type Client interface {
	Controller

	// Close releases the connection.
	Close() error
}

// ControlPlane abstracts how clients reach a running daemon, so the CLI
// does not care which transport is in use.
type ControlPlane interface {
	Connect(ctx context.Context) (Client, error)
}

// ErrInvalid matches malformed requests.
var ErrInvalid = errors.New("invalid request")

// ErrEmptyName is returned for commands that need a process name.
var ErrEmptyName = fmt.Errorf("%w: process name is empty", ErrInvalid)

// CheckName validates the shape of a process name argument.
func CheckName(name string) error {
	if name == "" {
		return ErrEmptyName
	}
	return nil
}

// Local implements Controller by calling a supervisor directly.
type Local struct {
	sup *supervisor.Supervisor
}

var _ Controller = (*Local)(nil)

func NewLocal(sup *supervisor.Supervisor) *Local {
	return &Local{sup: sup}
}

func (l *Local) StartAll(ctx context.Context) error {
	return l.sup.StartAll(ctx)
}

func (l *Local) Start(ctx context.Context, name string) error {
	if err := CheckName(name); err != nil {
		return err
	}
	return l.sup.Start(ctx, name)
}

func (l *Local) Stop(ctx context.Context, name string) error {
	if err := CheckName(name); err != nil {
		return err
	}
	return l.sup.Stop(ctx, name)
}

func (l *Local) Restart(ctx context.Context, name string) error {
	if err := CheckName(name); err != nil {
		return err
	}
	return l.sup.Restart(ctx, name)
}

func (l *Local) Status(ctx context.Context) ([]supervisor.Status, error) {
	return l.sup.Status(), nil
}

func (l *Local) Logs(ctx context.Context, name, cursor string, filters ...eventlog.EventFilter) ([]eventlog.EventRecord, string, error) {
	if err := CheckName(name); err != nil {
		return nil, cursor, err
	}
	return l.sup.Logs(ctx, name, cursor, filters...)
}

func (l *Local) Follow(ctx context.Context, name string, filters ...eventlog.EventFilter) (iter.Seq2[eventlog.EventRecord, error], error) {
	if err := CheckName(name); err != nil {
		return nil, err
	}
	seq, err := l.sup.Follow(ctx, name, filters...)
	if err != nil {
		return nil, err
	}
	return func(yield func(eventlog.EventRecord, error) bool) {
		for r := range seq {
			if !yield(r, nil) {
				return
			}
		}
	}, nil
}

// Error kinds carried by the transports.
const (
	KindNotFound  = "not-found"
	KindLaunch    = "launch"
	KindCrashLoop = "crash-loop"
	KindShutdown  = "shutdown"
	KindInvalid   = "invalid"
	KindFailed    = "failed"
)

// Kind classifies err for the wire.
func Kind(err error) string {
	var (
		lerr  *process.LaunchError
		crash *supervisor.CrashLoopError
	)
	switch {
	case errors.Is(err, supervisor.ErrNotFound):
		return KindNotFound
	case errors.As(err, &lerr):
		return KindLaunch
	case errors.As(err, &crash):
		return KindCrashLoop
	case errors.Is(err, supervisor.ErrShutdown):
		return KindShutdown
	case errors.Is(err, ErrInvalid):
		return KindInvalid
	default:
		return KindFailed
	}
}

// RemoteError is an error reported by the daemon. It matches the sentinel
// errors of its kind, so errors.Is(err, supervisor.ErrShutdown) works on
// the client side too.
type RemoteError struct {
	Kind    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s (%s)", e.Message, e.Kind)
}

func (e *RemoteError) Is(target error) bool {
	switch e.Kind {
	case KindNotFound:
		return target == supervisor.ErrNotFound
	case KindShutdown:
		return target == supervisor.ErrShutdown
	case KindInvalid:
		return target == ErrInvalid
	}
	return false
}

// Decode turns a transported error back into the most specific local
// error: a *supervisor.NotFoundError for kind not-found when the name is
// known, a *RemoteError otherwise.
func Decode(kind, message, name string) error {
	if kind == KindNotFound && name != "" {
		return &supervisor.NotFoundError{Name: name}
	}
	return &RemoteError{Kind: kind, Message: message}
}
