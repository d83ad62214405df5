// herd - a small process supervisor
//
// Usage:
//
//	herd daemon                    Run the supervisor in the foreground
//	herd start <name|all>          Start a process (or every process)
//	herd stop <name>               Stop a process
//	herd restart <name>            Restart a process
//	herd status                    Show the process table
//	herd logs <name>               Show a process's output and events
//	herd validate                  Check the config file
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/mbrock/herd/internal/control"
	dbusctl "github.com/mbrock/herd/internal/control/dbus"
	unixctl "github.com/mbrock/herd/internal/control/unix"
	"github.com/mbrock/herd/internal/dirs"
	"github.com/mbrock/herd/internal/eventlog"
	"github.com/mbrock/herd/internal/procspec"
)

// Global flags
var (
	configFlag          string
	socketFlag          string
	controlFlag         string
	logLevelFlag        string
	outputFlag          string
	followFlag          bool
	runFlag             string
	eventFlag           string
	journalFlag         bool
	noAutostartFlag     bool
	shutdownTimeoutFlag time.Duration
)

const defaultConfig = "herd.yaml"

// usageError is reported with exit status 2.
type usageError string

func (e usageError) Error() string { return string(e) }

func usagef(format string, args ...any) error {
	return usageError(fmt.Sprintf(format, args...))
}

func main() {
	flag.StringVarP(&configFlag, "config", "c", envOr("HERD_CONFIG", defaultConfig), "Config file (YAML or JSON)")
	flag.StringVar(&socketFlag, "socket", dirs.SocketPath(), "Control socket path (overrides HERD_SOCKET)")
	flag.StringVar(&controlFlag, "control", envOr("HERD_CONTROL", "unix"), "Control transport: unix, dbus")
	flag.StringVar(&logLevelFlag, "log-level", envOr("HERD_LOG_LEVEL", "info"), "Daemon log level: debug, info, warn, error")
	flag.StringVarP(&outputFlag, "output", "o", "table", "Status output: table, json")
	flag.BoolVarP(&followFlag, "follow", "f", false, "Keep printing new log lines")
	flag.StringVar(&runFlag, "run", "", "Only show logs of one run (see run_id in status -o json)")
	flag.StringVar(&eventFlag, "event", "", "Only show lifecycle events of one kind: started, exited, crashed, restarting, failed, stopped, launch-failed")
	flag.BoolVar(&journalFlag, "journal", false, "Also send events to systemd-journald")
	flag.BoolVar(&noAutostartFlag, "no-autostart", false, "Do not start processes when the daemon starts")
	flag.DurationVar(&shutdownTimeoutFlag, "shutdown-timeout", 10*time.Second, "How long the daemon waits for children on shutdown")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `herd - a small process supervisor

Usage:
  herd daemon [-c FILE]          Run the supervisor in the foreground
  herd start <name|all>          Start a process (or every process)
  herd stop <name>               Stop a process
  herd restart <name>            Restart a process
  herd status [-o table|json]    Show the process table
  herd logs <name> [-f] [--run ID] [--event KIND]
                                 Show a process's output and events
  herd validate [-c FILE]        Check the config file

Flags:
`)
		flag.PrintDefaults()
	}
	flag.Parse()

	err := run(flag.Args(), os.Stdout)

	var uerr usageError
	switch {
	case err == nil:
	case errors.As(err, &uerr):
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		flag.Usage()
		os.Exit(2)
	default:
		fatal("%v", err)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// run dispatches a command line (without global flags).
func run(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return usagef("missing command")
	}

	cmd := args[0]
	cmdArgs := args[1:]

	needName := func(usage string) (string, error) {
		if len(cmdArgs) != 1 || cmdArgs[0] == "" {
			return "", usagef("usage: %s", usage)
		}
		return cmdArgs[0], nil
	}

	switch cmd {
	case "daemon":
		if len(cmdArgs) != 0 {
			return usagef("usage: herd daemon [-c FILE]")
		}
		return cmdDaemon()
	case "validate":
		if len(cmdArgs) != 0 {
			return usagef("usage: herd validate [-c FILE]")
		}
		return cmdValidate(stdout, configFlag)
	case "start":
		name, err := needName("herd start <name|all>")
		if err != nil {
			return err
		}
		return withClient(func(ctx context.Context, c control.Client) error {
			return cmdStart(ctx, stdout, c, name)
		})
	case "stop":
		name, err := needName("herd stop <name>")
		if err != nil {
			return err
		}
		return withClient(func(ctx context.Context, c control.Client) error {
			if err := c.Stop(ctx, name); err != nil {
				return fmt.Errorf("stopping %s: %w", name, err)
			}
			fmt.Fprintf(stdout, "%s stopped\n", name)
			return nil
		})
	case "restart":
		name, err := needName("herd restart <name>")
		if err != nil {
			return err
		}
		return withClient(func(ctx context.Context, c control.Client) error {
			if err := c.Restart(ctx, name); err != nil {
				return fmt.Errorf("restarting %s: %w", name, err)
			}
			fmt.Fprintf(stdout, "%s restarted\n", name)
			return nil
		})
	case "status":
		if len(cmdArgs) != 0 {
			return usagef("usage: herd status [-o table|json]")
		}
		if outputFlag != "table" && outputFlag != "json" {
			return usagef("unknown output format %q (want table or json)", outputFlag)
		}
		return withClient(func(ctx context.Context, c control.Client) error {
			rows, err := c.Status(ctx)
			if err != nil {
				return fmt.Errorf("getting status: %w", err)
			}
			return renderStatus(stdout, rows, outputFlag, terminalWidth(stdout))
		})
	case "logs":
		name, err := needName("herd logs <name> [-f] [--run ID] [--event KIND]")
		if err != nil {
			return err
		}
		filters := logFilters(runFlag, eventFlag)
		return withClient(func(ctx context.Context, c control.Client) error {
			return cmdLogs(ctx, stdout, c, name, followFlag, filters)
		})
	default:
		return usagef("unknown command: %s", cmd)
	}
}

// planeFor picks the transport named by kind.
func planeFor(kind, socketPath string) (control.ControlPlane, error) {
	switch kind {
	case "unix":
		return unixctl.Plane{SocketPath: socketPath}, nil
	case "dbus":
		return dbusctl.Plane{}, nil
	default:
		return nil, usagef("unknown control transport %q (want unix or dbus)", kind)
	}
}

// withClient connects to the daemon and runs fn with a context cancelled
// on SIGINT/SIGTERM.
func withClient(fn func(context.Context, control.Client) error) error {
	plane, err := planeFor(controlFlag, socketFlag)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := plane.Connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}

func cmdStart(ctx context.Context, stdout io.Writer, c control.Client, name string) error {
	if name == procspec.ReservedName {
		if err := c.StartAll(ctx); err != nil {
			return fmt.Errorf("starting processes: %w", err)
		}
		fmt.Fprintln(stdout, "all processes started")
		return nil
	}
	if err := c.Start(ctx, name); err != nil {
		return fmt.Errorf("starting %s: %w", name, err)
	}
	fmt.Fprintf(stdout, "%s started\n", name)
	return nil
}

func logFilters(run, event string) []eventlog.EventFilter {
	var filters []eventlog.EventFilter
	if run != "" {
		filters = append(filters, eventlog.FilterByRun(run))
	}
	if event != "" {
		filters = append(filters, eventlog.FilterByEvent(event))
	}
	return filters
}

// cmdLogs prints a process's events. With follow it keeps streaming until
// ctx is cancelled.
func cmdLogs(ctx context.Context, stdout io.Writer, c control.Client, name string, follow bool, filters []eventlog.EventFilter) error {
	if !follow {
		records, _, err := c.Logs(ctx, name, "", filters...)
		if err != nil {
			return fmt.Errorf("reading logs of %s: %w", name, err)
		}
		for _, r := range records {
			fmt.Fprintln(stdout, formatRecord(r))
		}
		return nil
	}

	seq, err := c.Follow(ctx, name, filters...)
	if err != nil {
		return fmt.Errorf("following logs of %s: %w", name, err)
	}
	for r, err := range seq {
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("following logs of %s: %w", name, err)
		}
		fmt.Fprintln(stdout, formatRecord(r))
	}
	return nil
}

func formatRecord(r eventlog.EventRecord) string {
	if out, ok := eventlog.ParseOutput(r); ok {
		if out.FD == 2 {
			return "! " + out.Text
		}
		return out.Text
	}
	return fmt.Sprintf("-- %s %s", r.Timestamp.Format(time.DateTime), r.Message)
}

func cmdValidate(stdout io.Writer, path string) error {
	specs, err := procspec.LoadFile(path)
	if err != nil {
		return err
	}
	for _, s := range specs {
		fmt.Fprintf(stdout, "%-24s %s\n", s.Name, strings.Join(s.Argv(), " "))
	}
	fmt.Fprintf(stdout, "%s: %d processes OK\n", path, len(specs))
	return nil
}

// newLogger builds the daemon's stderr logger.
func newLogger(level string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, usagef("invalid log level %q", level)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}
