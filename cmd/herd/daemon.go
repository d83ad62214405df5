package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/godbus/dbus/v5"

	"github.com/mbrock/herd/internal/control"
	dbusctl "github.com/mbrock/herd/internal/control/dbus"
	unixctl "github.com/mbrock/herd/internal/control/unix"
	"github.com/mbrock/herd/internal/eventlog"
	"github.com/mbrock/herd/internal/eventlog/journald"
	"github.com/mbrock/herd/internal/eventlog/memory"
	"github.com/mbrock/herd/internal/process/exec"
	"github.com/mbrock/herd/internal/procspec"
	"github.com/mbrock/herd/internal/supervisor"
)

// cmdDaemon loads the config, starts the supervisor and serves the control
// interface until SIGINT or SIGTERM.
func cmdDaemon() error {
	logger, err := newLogger(logLevelFlag, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	specs, err := procspec.LoadFile(configFlag)
	if err != nil {
		return err
	}
	logger.Info("config loaded", "path", configFlag, "processes", len(specs))

	events := openEventLog(logger, journalFlag)
	defer events.Close()

	sup, err := supervisor.New(supervisor.Config{
		Specs:    specs,
		Launcher: exec.New(),
		Events:   events,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	closeControl, err := serveControl(sup, logger)
	if err != nil {
		return err
	}
	defer closeControl()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !noAutostartFlag {
		if err := sup.StartAll(ctx); err != nil {
			logger.Error("some processes failed to start", "error", err)
		}
	}

	notify(logger, daemon.SdNotifyReady)
	logger.Info("herd daemon ready", "control", controlFlag, "socket", socketFlag)

	<-ctx.Done()
	stop()

	notify(logger, daemon.SdNotifyStopping)
	logger.Info("shutting down", "timeout", shutdownTimeoutFlag)

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeoutFlag)
	defer cancel()
	if err := sup.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// openEventLog returns the memory log, teed into journald when requested
// and available.
func openEventLog(logger *slog.Logger, useJournal bool) eventlog.EventLog {
	mem := memory.New(0)
	if !useJournal {
		return mem
	}

	sink, err := journald.Open("herd")
	if err != nil {
		logger.Warn("journald forwarding disabled", "error", err)
		return mem
	}
	return eventlog.NewCombinedEventLog(eventlog.Tee(mem, sink), mem)
}

// serveControl exposes sup on the configured transport and returns the
// function that tears it down. On D-Bus, events are also broadcast as
// signals for followers.
func serveControl(sup *supervisor.Supervisor, logger *slog.Logger) (func(), error) {
	ctrl := control.NewLocal(sup)
	switch controlFlag {
	case "unix":
		srv, err := unixctl.Serve(socketFlag, ctrl, logger)
		if err != nil {
			return nil, err
		}
		return func() { _ = srv.Close() }, nil
	case "dbus":
		conn, err := dbus.ConnectSessionBus()
		if err != nil {
			return nil, fmt.Errorf("connecting to D-Bus: %w", err)
		}
		if err := dbusctl.Export(conn, ctrl); err != nil {
			conn.Close()
			return nil, err
		}
		ctx, cancel := context.WithCancel(context.Background())
		go dbusctl.Publish(ctx, conn, sup.Events(), logger)
		return func() {
			cancel()
			_ = conn.Close()
		}, nil
	default:
		return nil, usagef("unknown control transport %q (want unix or dbus)", controlFlag)
	}
}

// notify reports state to systemd when running as a Type=notify service.
func notify(logger *slog.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	switch {
	case err != nil:
		logger.Warn("sd_notify failed", "state", state, "error", err)
	case sent:
		logger.Debug("sd_notify sent", "state", state)
	}
}
