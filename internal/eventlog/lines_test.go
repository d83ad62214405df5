package eventlog

import (
	"slices"
	"strings"
	"testing"
)

func TestLineWriter(t *testing.T) {
	var lines []string
	w := NewLineWriter(func(l string) { lines = append(lines, l) })

	_, _ = w.Write([]byte("hello\nwor"))
	_, _ = w.Write([]byte("ld\r\n\npartial"))
	if want := []string{"hello", "world", ""}; !slices.Equal(lines, want) {
		t.Fatalf("lines = %q, want %q", lines, want)
	}

	w.Flush()
	if lines[len(lines)-1] != "partial" {
		t.Errorf("Flush emitted %q", lines[len(lines)-1])
	}
	w.Flush()
	if len(lines) != 4 {
		t.Errorf("second Flush emitted again: %q", lines)
	}
}

func TestLineWriter_LongLine(t *testing.T) {
	var lines []string
	w := NewLineWriter(func(l string) { lines = append(lines, l) })

	_, _ = w.Write([]byte(strings.Repeat("x", MaxLineLength+10)))
	if len(lines) != 1 || len(lines[0]) != MaxLineLength {
		t.Fatalf("expected one full chunk, got %d lines", len(lines))
	}
	w.Flush()
	if len(lines) != 2 || len(lines[1]) != 10 {
		t.Errorf("remainder not flushed: %d lines", len(lines))
	}
}

func TestLineWriter_LongLineAcrossWrites(t *testing.T) {
	var lines []string
	w := NewLineWriter(func(l string) { lines = append(lines, l) })

	_, _ = w.Write([]byte(strings.Repeat("a", 60*1024)))
	_, _ = w.Write([]byte(strings.Repeat("b", 30*1024) + "\n"))

	if len(lines) != 2 {
		t.Fatalf("expected 2 pieces, got %d", len(lines))
	}
	if len(lines[0]) != MaxLineLength || len(lines[1]) != 90*1024-MaxLineLength {
		t.Errorf("piece lengths = %d, %d", len(lines[0]), len(lines[1]))
	}
	if strings.Join(lines, "") != strings.Repeat("a", 60*1024)+strings.Repeat("b", 30*1024) {
		t.Error("pieces do not reassemble the line")
	}
}

func TestTee(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	sink := Tee(a, b)
	if err := EmitStopped(NewCombinedEventLog(sink, nil), "web"); err != nil {
		t.Fatal(err)
	}
	if len(a.messages) != 1 || len(b.messages) != 1 {
		t.Errorf("tee delivered %d/%d entries", len(a.messages), len(b.messages))
	}
	if a.fields[0][FieldEvent] != EventStopped || a.fields[0][FieldProcess] != "web" {
		t.Errorf("fields = %v", a.fields[0])
	}
}

func TestEmitExited(t *testing.T) {
	s := &recordingSink{}
	log := NewCombinedEventLog(s, nil)

	_ = EmitExited(log, Run{Process: "web", ID: "r1", Pid: 7}, 0, "", false)
	_ = EmitExited(log, Run{Process: "web", ID: "r2", Pid: 8}, -1, "terminated", true)

	if s.fields[0][FieldEvent] != EventExited || s.fields[0][FieldExitCode] != "0" {
		t.Errorf("clean exit fields = %v", s.fields[0])
	}
	if _, ok := s.fields[0][FieldSignal]; ok {
		t.Error("clean exit carries a signal")
	}
	if s.fields[1][FieldEvent] != EventCrashed || s.fields[1][FieldSignal] != "terminated" {
		t.Errorf("crash fields = %v", s.fields[1])
	}
	if !strings.Contains(s.messages[1], "by signal terminated") {
		t.Errorf("crash message = %q", s.messages[1])
	}
}

type recordingSink struct {
	messages []string
	fields   []map[string]string
}

func (r *recordingSink) Write(message string, fields map[string]string) error {
	r.messages = append(r.messages, message)
	r.fields = append(r.fields, fields)
	return nil
}

func (r *recordingSink) Close() error { return nil }

func TestParseFilter(t *testing.T) {
	for _, f := range []EventFilter{FilterByRun("cq1"), FilterByEvent(EventCrashed), {Field: "FD", Value: ""}} {
		got, err := ParseFilter(f.String())
		if err != nil {
			t.Errorf("ParseFilter(%q) failed: %v", f.String(), err)
			continue
		}
		if got != f {
			t.Errorf("ParseFilter(%q) = %+v, want %+v", f.String(), got, f)
		}
	}

	for _, bad := range []string{"", "HERD_RUN", "=x"} {
		if _, err := ParseFilter(bad); err == nil {
			t.Errorf("ParseFilter(%q): expected error", bad)
		}
	}
}

func TestMatches(t *testing.T) {
	fields := map[string]string{FieldEvent: EventStarted, FieldRun: "cq1", FieldProcess: "web"}
	if !Matches(fields, []EventFilter{FilterByProcess("web"), FilterByRun("cq1"), FilterByEvent(EventStarted)}) {
		t.Error("expected all filters to match")
	}
	if Matches(fields, []EventFilter{FilterByEvent(EventCrashed)}) {
		t.Error("crashed filter matched a started event")
	}
}
