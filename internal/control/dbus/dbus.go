// Package dbus publishes the control interface on the D-Bus session bus as
// sh.swa.Herd at /sh/swa/Herd, and provides the matching client.
//
// Status rows and log records cross the bus as JSON strings. Every event
// record is also broadcast as an Event signal, which Follow subscribes to.
package dbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/mbrock/herd/internal/control"
	"github.com/mbrock/herd/internal/eventlog"
	"github.com/mbrock/herd/internal/supervisor"
)

const (
	BusName   = "sh.swa.Herd"
	Interface = "sh.swa.Herd"
	Path      = dbus.ObjectPath("/sh/swa/Herd")

	ErrorNotFound = "sh.swa.Herd.Error.NotFound"
	ErrorFailed   = "sh.swa.Herd.Error.Failed"

	// EventSignal carries (process name, record JSON).
	EventSignal = Interface + ".Event"
)

// object is the exported D-Bus object. Method names are the wire names.
type object struct {
	ctrl control.Controller
}

func (o *object) StartAll() *dbus.Error {
	return toDBusError(o.ctrl.StartAll(context.Background()))
}

func (o *object) Start(name string) *dbus.Error {
	return toDBusError(o.ctrl.Start(context.Background(), name))
}

func (o *object) Stop(name string) *dbus.Error {
	return toDBusError(o.ctrl.Stop(context.Background(), name))
}

func (o *object) Restart(name string) *dbus.Error {
	return toDBusError(o.ctrl.Restart(context.Background(), name))
}

func (o *object) Status() (string, *dbus.Error) {
	st, err := o.ctrl.Status(context.Background())
	if err != nil {
		return "", toDBusError(err)
	}
	b, err := json.Marshal(st)
	if err != nil {
		return "", toDBusError(err)
	}
	return string(b), nil
}

func (o *object) Logs(name, cursor string, filters map[string]string) (string, string, *dbus.Error) {
	records, next, err := o.ctrl.Logs(context.Background(), name, cursor, fromFilterMap(filters)...)
	if err != nil {
		return "", cursor, toDBusError(err)
	}
	if records == nil {
		records = []eventlog.EventRecord{}
	}
	b, err := json.Marshal(records)
	if err != nil {
		return "", cursor, toDBusError(err)
	}
	return string(b), next, nil
}

// Filters travel as a field → value dict, so each field can be matched
// against one value.
func toFilterMap(filters []eventlog.EventFilter) map[string]string {
	m := make(map[string]string, len(filters))
	for _, f := range filters {
		m[f.Field] = f.Value
	}
	return m
}

func fromFilterMap(m map[string]string) []eventlog.EventFilter {
	filters := make([]eventlog.EventFilter, 0, len(m))
	for field, value := range m {
		filters = append(filters, eventlog.EventFilter{Field: field, Value: value})
	}
	return filters
}

// toDBusError maps err to a named D-Bus error. The body carries the message
// and the control error kind.
func toDBusError(err error) *dbus.Error {
	if err == nil {
		return nil
	}
	kind := control.Kind(err)
	name := ErrorFailed
	if kind == control.KindNotFound {
		name = ErrorNotFound
	}
	return dbus.NewError(name, []any{err.Error(), kind})
}

// fromDBusError reverses toDBusError on the client side.
func fromDBusError(err error, name string) error {
	if err == nil {
		return nil
	}
	var derr dbus.Error
	var pderr *dbus.Error
	switch {
	case errors.As(err, &pderr):
		derr = *pderr
	case errors.As(err, &derr):
	default:
		return err
	}

	msg, kind := derr.Error(), control.KindFailed
	if len(derr.Body) >= 2 {
		if m, ok := derr.Body[0].(string); ok {
			msg = m
		}
		if k, ok := derr.Body[1].(string); ok {
			kind = k
		}
	}
	switch derr.Name {
	case ErrorNotFound:
		return control.Decode(control.KindNotFound, msg, name)
	case ErrorFailed:
		return control.Decode(kind, msg, name)
	}
	return err
}

// Export publishes ctrl on conn and claims BusName. The object stays
// exported until conn is closed.
func Export(conn *dbus.Conn, ctrl control.Controller) error {
	obj := &object{ctrl: ctrl}
	if err := conn.Export(obj, Path, Interface); err != nil {
		return fmt.Errorf("exporting control object: %w", err)
	}

	node := &introspect.Node{
		Name: string(Path),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name:    Interface,
				Methods: introspect.Methods(obj),
				Signals: []introspect.Signal{{
					Name: "Event",
					Args: []introspect.Arg{{Name: "process", Type: "s"}, {Name: "record", Type: "s"}},
				}},
			},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), Path, "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("exporting introspection: %w", err)
	}

	reply, err := conn.RequestName(BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("requesting bus name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("bus name %s is already taken", BusName)
	}
	return nil
}

// Publish emits an Event signal for every record in source, retained ones
// first, until ctx is done or source is closed.
func Publish(ctx context.Context, conn *dbus.Conn, source eventlog.EventSource, logger *slog.Logger) {
	for rec := range source.Follow(ctx, nil) {
		b, err := json.Marshal(rec)
		if err != nil {
			logger.Warn("encoding event signal failed", "error", err)
			continue
		}
		if err := conn.Emit(Path, EventSignal, rec.Fields[eventlog.FieldProcess], string(b)); err != nil {
			logger.Debug("emitting event signal failed", "error", err)
		}
	}
}

func decodeEventSignal(sig *dbus.Signal, name string) (eventlog.EventRecord, bool) {
	var rec eventlog.EventRecord
	if sig == nil || sig.Name != EventSignal || len(sig.Body) != 2 {
		return rec, false
	}
	process, _ := sig.Body[0].(string)
	raw, _ := sig.Body[1].(string)
	if process != name || json.Unmarshal([]byte(raw), &rec) != nil {
		return rec, false
	}
	return rec, true
}

// Plane implements control.ControlPlane on the session bus.
type Plane struct{}

var _ control.ControlPlane = Plane{}

func (Plane) Connect(ctx context.Context) (control.Client, error) {
	return Connect(ctx)
}

// client implements control.Client via D-Bus.
type client struct {
	conn *dbus.Conn
	obj  dbus.BusObject
}

var _ control.Client = (*client)(nil)

// Connect opens a private session bus connection to the daemon.
func Connect(ctx context.Context) (control.Client, error) {
	conn, err := dbus.ConnectSessionBus(dbus.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("connecting to session bus: %w", err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an existing connection. Close closes conn.
func NewClient(conn *dbus.Conn) control.Client {
	return &client{conn: conn, obj: conn.Object(BusName, Path)}
}

func (c *client) Close() error {
	return c.conn.Close()
}

func (c *client) call(ctx context.Context, method, name string, args ...any) *dbus.Call {
	call := c.obj.CallWithContext(ctx, Interface+"."+method, 0, args...)
	if call.Err != nil {
		call.Err = fromDBusError(call.Err, name)
	}
	return call
}

func (c *client) StartAll(ctx context.Context) error {
	return c.call(ctx, "StartAll", "").Err
}

func (c *client) Start(ctx context.Context, name string) error {
	if err := control.CheckName(name); err != nil {
		return err
	}
	return c.call(ctx, "Start", name, name).Err
}

func (c *client) Stop(ctx context.Context, name string) error {
	if err := control.CheckName(name); err != nil {
		return err
	}
	return c.call(ctx, "Stop", name, name).Err
}

func (c *client) Restart(ctx context.Context, name string) error {
	if err := control.CheckName(name); err != nil {
		return err
	}
	return c.call(ctx, "Restart", name, name).Err
}

func (c *client) Status(ctx context.Context) ([]supervisor.Status, error) {
	var raw string
	if err := c.call(ctx, "Status", "").Store(&raw); err != nil {
		return nil, fmt.Errorf("calling Status: %w", err)
	}
	var out []supervisor.Status
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decoding status: %w", err)
	}
	return out, nil
}

func (c *client) Logs(ctx context.Context, name, cursor string, filters ...eventlog.EventFilter) ([]eventlog.EventRecord, string, error) {
	if err := control.CheckName(name); err != nil {
		return nil, cursor, err
	}
	var raw, next string
	if err := c.call(ctx, "Logs", name, name, cursor, toFilterMap(filters)).Store(&raw, &next); err != nil {
		return nil, cursor, err
	}
	var records []eventlog.EventRecord
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		return nil, cursor, fmt.Errorf("decoding logs: %w", err)
	}
	return records, next, nil
}

// Follow subscribes to Event signals for name, then yields the retained
// records followed by the signalled ones.
func (c *client) Follow(ctx context.Context, name string, filters ...eventlog.EventFilter) (iter.Seq2[eventlog.EventRecord, error], error) {
	if err := control.CheckName(name); err != nil {
		return nil, err
	}

	match := []dbus.MatchOption{
		dbus.WithMatchObjectPath(Path),
		dbus.WithMatchInterface(Interface),
		dbus.WithMatchMember("Event"),
		dbus.WithMatchArg(0, name),
	}
	if err := c.conn.AddMatchSignalContext(ctx, match...); err != nil {
		return nil, fmt.Errorf("subscribing to events: %w", err)
	}
	ch := make(chan *dbus.Signal, 256)
	c.conn.Signal(ch)
	unsubscribe := func() {
		c.conn.RemoveSignal(ch)
		_ = c.conn.RemoveMatchSignal(match...)
	}

	backlog, _, err := c.Logs(ctx, name, "", filters...)
	if err != nil {
		unsubscribe()
		return nil, err
	}

	return func(yield func(eventlog.EventRecord, error) bool) {
		defer unsubscribe()

		// Records written between subscribing and the Logs call arrive twice.
		seen := make(map[string]bool, len(backlog))
		for _, rec := range backlog {
			seen[rec.Cursor] = true
			if !yield(rec, nil) {
				return
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-ch:
				if !ok {
					yield(eventlog.EventRecord{}, errors.New("D-Bus connection closed"))
					return
				}
				rec, ok := decodeEventSignal(sig, name)
				if !ok || seen[rec.Cursor] || !eventlog.Matches(rec.Fields, filters) {
					continue
				}
				if !yield(rec, nil) {
					return
				}
			}
		}
	}, nil
}
