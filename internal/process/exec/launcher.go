package exec

import (
	"errors"
	"fmt"
	"io"
	"os"
	osexec "os/exec"
	"sort"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mbrock/herd/internal/process"
	"github.com/mbrock/herd/internal/procspec"
)

// DefaultWaitDelay bounds how long Wait keeps copying output after the child
// exits while a grandchild still holds its stdout or stderr open.
const DefaultWaitDelay = 2 * time.Second

// Launcher is a process.Launcher backed by plain OS processes.
type Launcher struct {
	// Environ returns the base environment. Defaults to os.Environ.
	Environ func() []string

	// WaitDelay overrides DefaultWaitDelay when non-zero.
	WaitDelay time.Duration
}

var _ process.Launcher = (*Launcher)(nil)

func New() *Launcher {
	return &Launcher{}
}

// Launch starts spec and returns without waiting for it to finish.
func (l *Launcher) Launch(spec procspec.Spec, stdout, stderr io.Writer) (process.Process, error) {
	argv := spec.Argv()
	if argv[0] == "" {
		return nil, &process.LaunchError{Name: spec.Name, Argv: argv, Err: errors.New("empty command")}
	}

	environ := os.Environ
	if l.Environ != nil {
		environ = l.Environ
	}

	cmd := osexec.Command(argv[0], argv[1:]...)
	cmd.Dir = spec.Cwd
	cmd.Env = MergeEnv(environ(), spec.Env)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = DefaultWaitDelay
	if l.WaitDelay > 0 {
		cmd.WaitDelay = l.WaitDelay
	}

	// Give each process its own group so we can signal it reliably.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, &process.LaunchError{Name: spec.Name, Argv: argv, Err: err}
	}
	return &execProcess{cmd: cmd}, nil
}

// execProcess wraps a started exec.Cmd.
type execProcess struct {
	cmd    *osexec.Cmd
	exited atomic.Bool
}

func (p *execProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Signal(sig syscall.Signal) error {
	if p.exited.Load() {
		return os.ErrProcessDone
	}

	// Try the process group first (negative PID), then the process itself.
	pid := p.Pid()
	if pid > 0 {
		_ = unix.Kill(-pid, sig)
	}
	err := p.cmd.Process.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *execProcess) Kill() error {
	return p.Signal(unix.SIGKILL)
}

func (p *execProcess) Wait() process.ExitStatus {
	err := p.cmd.Wait()
	p.exited.Store(true)
	return exitStatus(p.cmd.ProcessState, err)
}

func exitStatus(ps *os.ProcessState, err error) process.ExitStatus {
	if ps == nil {
		if err == nil {
			err = errors.New("no process state")
		}
		return process.ExitStatus{Code: -1, Err: err}
	}

	var status process.ExitStatus
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		status = process.ExitStatus{Code: -1, Signal: ws.Signal()}
	} else {
		status = process.ExitStatus{Code: ps.ExitCode()}
	}

	// A non-zero exit is carried by the status. A lingering grandchild that
	// kept the output pipes open is not a failure of the process itself.
	var exitErr *osexec.ExitError
	if err != nil && !errors.As(err, &exitErr) && !errors.Is(err, osexec.ErrWaitDelay) {
		status.Err = fmt.Errorf("waiting for process: %w", err)
	}
	return status
}

// MergeEnv overlays env onto base ("KEY=VALUE" entries). Values from env win
// on conflict. The result is sorted.
func MergeEnv(base []string, env map[string]string) []string {
	merged := make(map[string]string, len(base)+len(env))
	for _, kv := range base {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		merged[k] = v
	}
	for k, v := range env {
		merged[k] = v
	}

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
