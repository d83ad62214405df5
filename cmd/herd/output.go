package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"golang.org/x/term"

	"github.com/mbrock/herd/internal/supervisor"
)

// terminalWidth returns the width of w when it is a terminal, 0 otherwise.
func terminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return 0
	}
	cols, _, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return 0
	}
	return cols
}

// renderStatus prints rows as JSON or as a table. A non-zero width means
// the output is a terminal of that many columns.
func renderStatus(w io.Writer, rows []supervisor.Status, format string, width int) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if rows == nil {
			rows = []supervisor.Status{}
		}
		return enc.Encode(rows)
	}

	if len(rows) == 0 {
		fmt.Fprintln(w, "no processes")
		return nil
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	if width > 0 {
		tw.SetStyle(table.StyleRounded)
		tw.SetAllowedRowLength(width)
	} else {
		style := table.StyleDefault
		style.Options = table.OptionsNoBordersAndSeparators
		tw.SetStyle(style)
	}
	tw.Style().Format.Header = text.FormatDefault

	tw.AppendHeader(table.Row{"NAME", "STATE", "PID", "RESTARTS", "UPTIME", "LAST EXIT", "INFO"})
	for _, st := range rows {
		tw.AppendRow(table.Row{st.Name, stateText(st.State, width > 0), pidText(st), st.Restarts, uptime(st), lastExit(st), info(st)})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Name: "PID", Align: text.AlignRight},
		{Name: "RESTARTS", Align: text.AlignRight},
		{Name: "INFO", WidthMax: 60},
	})
	tw.Render()
	return nil
}

func stateText(s supervisor.State, color bool) string {
	if !color {
		return string(s)
	}
	switch s {
	case supervisor.StateRunning:
		return text.FgGreen.Sprint(s)
	case supervisor.StateCrashed, supervisor.StateFailed:
		return text.FgRed.Sprint(s)
	case supervisor.StateRestarting:
		return text.FgYellow.Sprint(s)
	default:
		return string(s)
	}
}

func pidText(st supervisor.Status) string {
	if st.Pid == 0 {
		return "-"
	}
	return strconv.Itoa(st.Pid)
}

func uptime(st supervisor.Status) string {
	if st.State != supervisor.StateRunning || st.StartedAt.IsZero() {
		return "-"
	}
	return formatAge(time.Since(st.StartedAt))
}

func lastExit(st supervisor.Status) string {
	switch {
	case st.Signal != "":
		return st.Signal
	case st.ExitCode != nil:
		return "exit " + strconv.Itoa(*st.ExitCode)
	default:
		return "-"
	}
}

func info(st supervisor.Status) string {
	switch {
	case st.Error != "":
		return st.Error
	case !st.NextRestart.IsZero():
		return "next restart in " + time.Until(st.NextRestart).Round(time.Millisecond).String()
	default:
		return ""
	}
}

// formatAge converts a duration to a short age like "2m", "1h", "3d".
func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
