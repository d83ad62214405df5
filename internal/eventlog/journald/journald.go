// Package journald forwards herd events to systemd-journald.
//
// Entries keep their HERD_* fields, so `journalctl HERD_PROCESS=web` shows one
// process's lifecycle and output. The sink is write-only; queries are served
// by the memory log it is paired with.
package journald

import (
	"errors"
	"log/slog"
	"maps"

	"github.com/coreos/go-systemd/v22/journal"

	"github.com/mbrock/herd/internal/eventlog"
)

// ErrUnavailable is returned by Open when no journald socket is reachable.
var ErrUnavailable = errors.New("journald is not available")

// Sink implements eventlog.EventSink by sending entries to journald.
type Sink struct {
	identifier string
}

var _ eventlog.EventSink = (*Sink)(nil)

// Open returns a sink tagging entries with SYSLOG_IDENTIFIER=identifier.
func Open(identifier string) (*Sink, error) {
	if !journal.Enabled() {
		return nil, ErrUnavailable
	}
	slog.Debug("journald eventlog opened", "identifier", identifier)
	return &Sink{identifier: identifier}, nil
}

// Write sends an entry to journald. Output on FD 2 is logged at warning
// priority, everything else at info.
func (s *Sink) Write(message string, fields map[string]string) error {
	vars := make(map[string]string, len(fields)+1)
	maps.Copy(vars, fields)
	if s.identifier != "" {
		vars["SYSLOG_IDENTIFIER"] = s.identifier
	}
	return journal.Send(message, priority(fields), vars)
}

func priority(fields map[string]string) journal.Priority {
	switch {
	case fields[eventlog.FieldFD] == "2":
		return journal.PriWarning
	case fields[eventlog.FieldEvent] == eventlog.EventFailed,
		fields[eventlog.FieldEvent] == eventlog.EventLaunchFailed:
		return journal.PriErr
	case fields[eventlog.FieldEvent] == eventlog.EventCrashed:
		return journal.PriWarning
	default:
		return journal.PriInfo
	}
}

func (s *Sink) Close() error { return nil }
