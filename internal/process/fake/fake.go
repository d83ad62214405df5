// Package fake provides a process.Launcher that runs registered Go functions
// instead of executables. Supervisor tests use it to script exits, crashes
// and slow shutdowns without touching the OS.
package fake

import (
	"context"
	"fmt"
	"io"
	"os"
	osexec "os/exec"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/mbrock/herd/internal/process"
	"github.com/mbrock/herd/internal/procspec"
)

// Command simulates an executable. It receives the full argv and returns an
// exit code. ctx is cancelled when the process is signalled.
type Command func(ctx context.Context, stdout, stderr io.Writer, args []string) int

// Launcher runs registered commands.
type Launcher struct {
	mu       sync.RWMutex
	commands map[string]Command
	launches map[string]int
	nextPid  atomic.Int64
}

var _ process.Launcher = (*Launcher)(nil)

func NewLauncher() *Launcher {
	l := &Launcher{
		commands: make(map[string]Command),
		launches: make(map[string]int),
	}
	l.nextPid.Store(10000)
	return l
}

// RegisterCommand registers handler for argv[0] == name.
func (l *Launcher) RegisterCommand(name string, handler Command) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.commands[name] = handler
}

// Launches reports how many times the process called name was launched.
func (l *Launcher) Launches(name string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.launches[name]
}

func (l *Launcher) Launch(spec procspec.Spec, stdout, stderr io.Writer) (process.Process, error) {
	argv := spec.Argv()

	l.mu.Lock()
	handler, ok := l.commands[argv[0]]
	if ok {
		l.launches[spec.Name]++
	}
	l.mu.Unlock()

	if !ok {
		return nil, &process.LaunchError{
			Name: spec.Name,
			Argv: argv,
			Err:  &osexec.Error{Name: argv[0], Err: osexec.ErrNotFound},
		}
	}

	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &fakeProcess{
		pid:    int(l.nextPid.Add(1)),
		cancel: cancel,
		done:   make(chan struct{}),
		killed: make(chan struct{}),
	}

	go func() {
		code := handler(ctx, stdout, stderr, argv)
		p.mu.Lock()
		p.code = code
		p.exited = true
		p.mu.Unlock()
		cancel()
		close(p.done)
	}()

	return p, nil
}

type fakeProcess struct {
	pid    int
	cancel context.CancelFunc
	done   chan struct{}
	killed chan struct{}

	mu     sync.Mutex
	code   int
	exited bool
	signal syscall.Signal
}

func (p *fakeProcess) Pid() int { return p.pid }

// Signal cancels the command context. The first signal delivered before the
// command returns is reported as the cause of death.
func (p *fakeProcess) Signal(sig syscall.Signal) error {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return os.ErrProcessDone
	}
	if p.signal == 0 {
		p.signal = sig
	}
	p.mu.Unlock()
	p.cancel()
	return nil
}

// Kill makes Wait return at once, even if the command ignores its context.
func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return os.ErrProcessDone
	}
	p.cancel()
	p.signal = syscall.SIGKILL
	select {
	case <-p.killed:
	default:
		close(p.killed)
	}
	return nil
}

func (p *fakeProcess) Wait() process.ExitStatus {
	select {
	case <-p.done:
	case <-p.killed:
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.signal != 0 {
		return process.ExitStatus{Code: -1, Signal: p.signal}
	}
	return process.ExitStatus{Code: p.code}
}

// Exit returns a command that exits immediately with code.
func Exit(code int) Command {
	return func(context.Context, io.Writer, io.Writer, []string) int { return code }
}

// Ignore returns a command that ignores signals and exits when release is
// closed. Only Kill ends it early.
func Ignore(release <-chan struct{}) Command {
	return func(context.Context, io.Writer, io.Writer, []string) int {
		<-release
		return 0
	}
}

// Block returns a command that runs until signalled.
func Block() Command {
	return func(ctx context.Context, _, _ io.Writer, _ []string) int {
		<-ctx.Done()
		return 0
	}
}

// Echo returns a command that prints its arguments to stdout, then blocks.
func Echo() Command {
	return func(ctx context.Context, stdout, _ io.Writer, args []string) int {
		for _, a := range args[1:] {
			fmt.Fprintln(stdout, a)
		}
		<-ctx.Done()
		return 0
	}
}
