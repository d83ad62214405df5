package eventlog

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"strconv"
	"strings"
	"time"
)

// EventRecord represents a single stored event.
type EventRecord struct {
	Cursor    string            `json:"cursor"`
	Timestamp time.Time         `json:"timestamp"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields"`
}

// EventFilter describes a simple equality match for queries.
type EventFilter struct {
	Field string
	Value string
}

// String renders f as FIELD=VALUE, the form ParseFilter accepts.
func (f EventFilter) String() string {
	return f.Field + "=" + f.Value
}

// ParseFilter parses FIELD=VALUE.
func ParseFilter(s string) (EventFilter, error) {
	field, value, ok := strings.Cut(s, "=")
	if !ok || field == "" {
		return EventFilter{}, fmt.Errorf("invalid event filter %q (want FIELD=VALUE)", s)
	}
	return EventFilter{Field: field, Value: value}, nil
}

// Matches reports whether every filter matches the record's fields.
func Matches(fields map[string]string, filters []EventFilter) bool {
	for _, f := range filters {
		if fields[f.Field] != f.Value {
			return false
		}
	}
	return true
}

// FilterByProcess creates a filter for a process's HERD_PROCESS field.
func FilterByProcess(name string) EventFilter {
	return EventFilter{Field: FieldProcess, Value: name}
}

// FilterByEvent creates a filter for an event kind (started, exited, ...).
func FilterByEvent(kind string) EventFilter {
	return EventFilter{Field: FieldEvent, Value: kind}
}

// FilterByRun creates a filter for a single launch.
func FilterByRun(runID string) EventFilter {
	return EventFilter{Field: FieldRun, Value: runID}
}

// EventSink is a write-only destination for events.
type EventSink interface {
	// Write sends a structured entry (fire-and-forget).
	Write(message string, fields map[string]string) error

	Close() error
}

// EventSource is a read-only view of stored events.
type EventSource interface {
	// Poll reads entries matching filters after cursor. An empty cursor
	// starts at the oldest retained entry. The returned cursor is the one
	// to pass next time; it is unchanged when nothing new was found.
	Poll(ctx context.Context, filters []EventFilter, cursor string) ([]EventRecord, string, error)

	// Follow returns an iterator over entries matching filters, starting at
	// the oldest retained entry and blocking for new ones until ctx is done.
	Follow(ctx context.Context, filters []EventFilter) iter.Seq[EventRecord]

	Close() error
}

// EventLog is both a sink and a source. This is the interface the
// supervisor and the control layer use.
type EventLog interface {
	EventSink
	EventSource
}

// -----------------------------------------------------------------------------
// Lifecycle + output helpers (semantic)
// -----------------------------------------------------------------------------

// Lifecycle event kinds.
const (
	EventStarted      = "started"
	EventExited       = "exited"
	EventCrashed      = "crashed"
	EventRestarting   = "restarting"
	EventFailed       = "failed"
	EventStopped      = "stopped"
	EventLaunchFailed = "launch-failed"
)

// Event field names.
const (
	FieldEvent    = "HERD_EVENT"
	FieldProcess  = "HERD_PROCESS"
	FieldRun      = "HERD_RUN"
	FieldPid      = "HERD_PID"
	FieldCommand  = "HERD_COMMAND"
	FieldExitCode = "HERD_EXIT_CODE"
	FieldSignal   = "HERD_SIGNAL"
	FieldRestarts = "HERD_RESTARTS"
	FieldDelay    = "HERD_DELAY"
	FieldError    = "HERD_ERROR"
	FieldFD       = "FD"
)

// Run identifies one launch of a named process in events.
type Run struct {
	Process string
	ID      string
	Pid     int
}

func (r Run) fields(kind string) map[string]string {
	f := map[string]string{
		FieldEvent:   kind,
		FieldProcess: r.Process,
	}
	if r.ID != "" {
		f[FieldRun] = r.ID
	}
	if r.Pid > 0 {
		f[FieldPid] = strconv.Itoa(r.Pid)
	}
	return f
}

// EmitStarted records a successful launch.
func EmitStarted(log EventLog, run Run, argv []string) error {
	f := run.fields(EventStarted)
	f[FieldCommand] = strings.Join(argv, " ")
	return log.Write("Process "+run.Process+" started", f)
}

// EmitExited records a clean exit (or a crash when crashed is true).
// signal is empty for a normal exit.
func EmitExited(log EventLog, run Run, exitCode int, signal string, crashed bool) error {
	kind, verb := EventExited, " exited"
	if crashed {
		kind, verb = EventCrashed, " crashed"
	}
	f := run.fields(kind)
	f[FieldExitCode] = strconv.Itoa(exitCode)
	msg := "Process " + run.Process + verb + " with status " + strconv.Itoa(exitCode)
	if signal != "" {
		f[FieldSignal] = signal
		msg = "Process " + run.Process + verb + " by signal " + signal
	}
	return log.Write(msg, f)
}

// EmitRestarting records a scheduled restart.
func EmitRestarting(log EventLog, name string, restarts int, delay time.Duration) error {
	f := Run{Process: name}.fields(EventRestarting)
	f[FieldRestarts] = strconv.Itoa(restarts)
	f[FieldDelay] = delay.String()
	return log.Write("Restarting "+name+" in "+delay.String(), f)
}

// EmitFailed records that a process gave up restarting.
func EmitFailed(log EventLog, name string, restarts int, cause error) error {
	f := Run{Process: name}.fields(EventFailed)
	f[FieldRestarts] = strconv.Itoa(restarts)
	f[FieldError] = cause.Error()
	return log.Write("Process "+name+" failed: "+cause.Error(), f)
}

// EmitLaunchFailed records a spawn failure.
func EmitLaunchFailed(log EventLog, name string, cause error) error {
	f := Run{Process: name}.fields(EventLaunchFailed)
	f[FieldError] = cause.Error()
	return log.Write("Launching "+name+" failed: "+cause.Error(), f)
}

// EmitStopped records an explicit stop.
func EmitStopped(log EventLog, name string) error {
	return log.Write("Process "+name+" stopped", Run{Process: name}.fields(EventStopped))
}

// WriteOutput writes one line of process output with FD and extra fields.
func WriteOutput(log EventSink, fd int, text string, extraFields map[string]string) error {
	fields := map[string]string{
		FieldFD: strconv.Itoa(fd),
	}
	maps.Copy(fields, extraFields)
	return log.Write(text, fields)
}

// OutputEvent is a parsed output line.
type OutputEvent struct {
	Cursor    string    `json:"cursor"`
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
	FD        int       `json:"fd"` // 1=stdout, 2=stderr
	Run       string    `json:"run,omitempty"`
}

// ParseOutput converts a record written by WriteOutput. ok is false for
// lifecycle events.
func ParseOutput(r EventRecord) (OutputEvent, bool) {
	fd, err := strconv.Atoi(r.Fields[FieldFD])
	if err != nil {
		return OutputEvent{}, false
	}
	return OutputEvent{
		Cursor:    r.Cursor,
		Timestamp: r.Timestamp,
		Text:      r.Message,
		FD:        fd,
		Run:       r.Fields[FieldRun],
	}, true
}
