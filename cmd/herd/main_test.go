package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"iter"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/mbrock/herd/internal/eventlog"
	"github.com/mbrock/herd/internal/supervisor"
)

// stubClient serves canned records and records calls.
type stubClient struct {
	records   []eventlog.EventRecord
	stream    []eventlog.EventRecord
	streamErr error
	filters   []eventlog.EventFilter
	started   []string
}

func (s *stubClient) StartAll(ctx context.Context) error {
	s.started = append(s.started, "all")
	return nil
}

func (s *stubClient) Start(ctx context.Context, name string) error {
	s.started = append(s.started, name)
	return nil
}

func (s *stubClient) Stop(ctx context.Context, name string) error { return nil }
func (s *stubClient) Restart(ctx context.Context, name string) error { return nil }
func (s *stubClient) Close() error { return nil }

func (s *stubClient) Status(ctx context.Context) ([]supervisor.Status, error) {
	return nil, nil
}

func (s *stubClient) Logs(ctx context.Context, name, cursor string, filters ...eventlog.EventFilter) ([]eventlog.EventRecord, string, error) {
	s.filters = filters
	return s.records, cursor, nil
}

func (s *stubClient) Follow(ctx context.Context, name string, filters ...eventlog.EventFilter) (iter.Seq2[eventlog.EventRecord, error], error) {
	s.filters = filters
	return func(yield func(eventlog.EventRecord, error) bool) {
		for _, r := range s.stream {
			if !yield(r, nil) {
				return
			}
		}
		if s.streamErr != nil {
			yield(eventlog.EventRecord{}, s.streamErr)
		}
	}, nil
}

func outputRecord(cursor, fd, text string) eventlog.EventRecord {
	return eventlog.EventRecord{
		Cursor:  cursor,
		Message: text,
		Fields:  map[string]string{eventlog.FieldFD: fd, eventlog.FieldProcess: "web"},
	}
}

func TestRun_UsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no command", nil},
		{"unknown command", []string{"frobnicate"}},
		{"stop without name", []string{"stop"}},
		{"start with two names", []string{"start", "a", "b"}},
		{"daemon with args", []string{"daemon", "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(tt.args, &bytes.Buffer{})
			var uerr usageError
			if !errors.As(err, &uerr) {
				t.Errorf("run(%q) = %v, want usage error", tt.args, err)
			}
		})
	}
}

func TestRun_UnknownOutputFormat(t *testing.T) {
	old := outputFlag
	outputFlag = "yaml"
	defer func() { outputFlag = old }()

	var uerr usageError
	if err := run([]string{"status"}, &bytes.Buffer{}); !errors.As(err, &uerr) {
		t.Errorf("expected usage error, got %v", err)
	}
}

func TestPlaneFor(t *testing.T) {
	if _, err := planeFor("unix", "/tmp/x.sock"); err != nil {
		t.Errorf("unix: %v", err)
	}
	if _, err := planeFor("dbus", ""); err != nil {
		t.Errorf("dbus: %v", err)
	}
	if _, err := planeFor("carrier-pigeon", ""); err == nil {
		t.Error("expected error for unknown transport")
	}
}

func TestCmdValidate(t *testing.T) {
	var out bytes.Buffer
	if err := cmdValidate(&out, "../../examples/ecosystem.yaml"); err != nil {
		t.Fatalf("cmdValidate: %v", err)
	}
	got := out.String()
	for _, want := range []string{
		"bash ./start_backend.sh",
		"cloudflared tunnel --url localhost:5051",
		"2 processes OK",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestCmdValidate_MissingFile(t *testing.T) {
	if err := cmdValidate(&bytes.Buffer{}, "/nonexistent/herd.yaml"); err == nil {
		t.Error("expected error for missing config")
	}
}

func TestCmdStart(t *testing.T) {
	c := &stubClient{}
	var out bytes.Buffer
	ctx := context.Background()

	if err := cmdStart(ctx, &out, c, "all"); err != nil {
		t.Fatal(err)
	}
	if err := cmdStart(ctx, &out, c, "web"); err != nil {
		t.Fatal(err)
	}
	if strings.Join(c.started, ",") != "all,web" {
		t.Errorf("started = %v", c.started)
	}
	if !strings.Contains(out.String(), "web started") {
		t.Errorf("output = %q", out.String())
	}
}

func TestCmdLogs(t *testing.T) {
	c := &stubClient{records: []eventlog.EventRecord{
		{Cursor: "1", Message: "Process web started", Fields: map[string]string{eventlog.FieldEvent: eventlog.EventStarted}},
		outputRecord("2", "1", "listening"),
		outputRecord("3", "2", "warning: low disk"),
	}}

	var out bytes.Buffer
	if err := cmdLogs(context.Background(), &out, c, "web", false, nil); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines: %q", len(lines), out.String())
	}
	if !strings.HasPrefix(lines[0], "-- ") || !strings.HasSuffix(lines[0], "Process web started") {
		t.Errorf("event line = %q", lines[0])
	}
	if lines[1] != "listening" {
		t.Errorf("stdout line = %q", lines[1])
	}
	if lines[2] != "! warning: low disk" {
		t.Errorf("stderr line = %q", lines[2])
	}
}

func TestCmdLogs_Filters(t *testing.T) {
	c := &stubClient{}
	filters := logFilters("cq1", eventlog.EventCrashed)
	if err := cmdLogs(context.Background(), &bytes.Buffer{}, c, "web", false, filters); err != nil {
		t.Fatal(err)
	}
	want := []eventlog.EventFilter{eventlog.FilterByRun("cq1"), eventlog.FilterByEvent(eventlog.EventCrashed)}
	if !slices.Equal(c.filters, want) {
		t.Errorf("filters = %+v, want %+v", c.filters, want)
	}
	if logFilters("", "") != nil {
		t.Error("expected no filters without --run and --event")
	}
}

func TestCmdLogs_Follow(t *testing.T) {
	c := &stubClient{stream: []eventlog.EventRecord{
		outputRecord("1", "1", "one"),
		outputRecord("2", "1", "two"),
	}}

	var out bytes.Buffer
	if err := cmdLogs(context.Background(), &out, c, "web", true, logFilters("cq1", "")); err != nil {
		t.Fatal(err)
	}
	if out.String() != "one\ntwo\n" {
		t.Errorf("output = %q", out.String())
	}
	if len(c.filters) != 1 || c.filters[0] != eventlog.FilterByRun("cq1") {
		t.Errorf("filters = %+v", c.filters)
	}
}

func TestCmdLogs_FollowErrors(t *testing.T) {
	broken := errors.New("connection reset")

	c := &stubClient{stream: []eventlog.EventRecord{outputRecord("1", "1", "one")}, streamErr: broken}
	if err := cmdLogs(context.Background(), &bytes.Buffer{}, c, "web", true, nil); !errors.Is(err, broken) {
		t.Errorf("broken stream = %v, want %v", err, broken)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c = &stubClient{streamErr: context.Canceled}
	if err := cmdLogs(ctx, &bytes.Buffer{}, c, "web", true, nil); err != nil {
		t.Errorf("cancelled follow = %v, want nil", err)
	}
}

func TestRenderStatus_JSON(t *testing.T) {
	code := 1
	rows := []supervisor.Status{
		{Name: "web", State: supervisor.StateRunning, Pid: 42, StartedAt: time.Now()},
		{Name: "tunnel", State: supervisor.StateCrashed, Restarts: 2, ExitCode: &code},
	}

	var out bytes.Buffer
	if err := renderStatus(&out, rows, "json", 0); err != nil {
		t.Fatal(err)
	}
	var got []supervisor.Status
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, out.String())
	}
	if len(got) != 2 || got[0].Pid != 42 || got[1].ExitCode == nil || *got[1].ExitCode != 1 {
		t.Errorf("decoded = %+v", got)
	}
}

func TestRenderStatus_EmptyJSON(t *testing.T) {
	var out bytes.Buffer
	if err := renderStatus(&out, nil, "json", 0); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out.String()) != "[]" {
		t.Errorf("output = %q, want []", out.String())
	}
}

func TestRenderStatus_Table(t *testing.T) {
	rows := []supervisor.Status{
		{Name: "dsc-backend", State: supervisor.StateRunning, Pid: 4242, StartedAt: time.Now().Add(-3 * time.Minute)},
		{Name: "cloudflared-dsc-backend", State: supervisor.StateFailed, Restarts: 10, Signal: "SIGSEGV", Error: "gave up"},
	}

	var out bytes.Buffer
	if err := renderStatus(&out, rows, "table", 0); err != nil {
		t.Fatal(err)
	}
	got := out.String()
	for _, want := range []string{"NAME", "dsc-backend", "4242", "3m", "failed", "SIGSEGV", "gave up"} {
		if !strings.Contains(got, want) {
			t.Errorf("table missing %q:\n%s", want, got)
		}
	}
}

func TestRenderStatus_NoProcesses(t *testing.T) {
	var out bytes.Buffer
	if err := renderStatus(&out, nil, "table", 0); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out.String()) != "no processes" {
		t.Errorf("output = %q", out.String())
	}
}

func TestFormatAge(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{5 * time.Second, "5s"},
		{90 * time.Second, "1m"},
		{2 * time.Hour, "2h"},
		{49 * time.Hour, "2d"},
	}
	for _, tt := range tests {
		if got := formatAge(tt.d); got != tt.want {
			t.Errorf("formatAge(%s) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger("warn", &buf)
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("log output = %q", buf.String())
	}

	var uerr usageError
	if _, err := newLogger("chatty", &buf); !errors.As(err, &uerr) {
		t.Errorf("expected usage error, got %v", err)
	}
}
