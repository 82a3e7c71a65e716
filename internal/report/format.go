// Package report renders daemon status and publish history for the terminal.
package report

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/piframe/pi-frame/internal/ipc"
	"github.com/piframe/pi-frame/internal/store"
)

// ANSI escape codes for terminal formatting.
const (
	bold   = "\033[1m"
	red    = "\033[31m"
	green  = "\033[32m"
	yellow = "\033[33m"
	reset  = "\033[0m"
)

// FormatStatus formats daemon StatusData as a terminal-friendly table.
// Times are rendered relative to now.
func FormatStatus(status *ipc.StatusData, now time.Time) string {
	var b strings.Builder

	b.WriteString(bold + "Pi Frame - Daemon Status" + reset + "\n")
	b.WriteString(strings.Repeat("=", 40) + "\n\n")

	b.WriteString(fmt.Sprintf("%-20s %s\n", "Uptime:", status.Uptime))
	b.WriteString(fmt.Sprintf("%-20s %s\n", "Started:", relTime(status.StartedAt, now)))
	b.WriteString(fmt.Sprintf("%-20s %s%s%s\n", "State:", colorForState(status.State), status.State, reset))
	b.WriteString(fmt.Sprintf("%-20s %t\n", "Pending changes:", status.Dirty))
	b.WriteString(fmt.Sprintf("%-20s %s\n", "Last change:", relTime(status.LastChangeAt, now)))
	b.WriteString(fmt.Sprintf("%-20s %s\n", "Last publish:", relTime(status.LastPublishAt, now)))
	b.WriteString(fmt.Sprintf("%-20s %d ok, %d failed\n", "Since start:", status.Publishes, status.Failures))
	b.WriteString(fmt.Sprintf("%-20s %s ok, %s failed\n", "All time:",
		humanize.Comma(status.TotalPublishes), humanize.Comma(status.TotalFailures)))
	if status.LastError != "" {
		b.WriteString(fmt.Sprintf("%-20s %s%s%s\n", "Last error:", red, status.LastError, reset))
	}

	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("%-20s %s\n", "Mount point:", status.MountPoint))
	b.WriteString(fmt.Sprintf("%-20s %s\n", "Storage file:", status.StorageFile))
	b.WriteString(fmt.Sprintf("%-20s %s\n", "DB Size:", humanize.IBytes(uint64(max(status.DBSizeBytes, 0)))))

	return b.String()
}

// FormatHistory formats publish attempts newest first.
func FormatHistory(records []store.PublishRecord, now time.Time) string {
	var b strings.Builder

	b.WriteString(bold + "Pi Frame - Publish History" + reset + "\n")
	b.WriteString(strings.Repeat("=", 40) + "\n\n")

	if len(records) == 0 {
		b.WriteString("no publishes recorded\n")
		return b.String()
	}

	b.WriteString(fmt.Sprintf("%-18s %-7s %9s  %-10s %s\n", "Started", "Result", "Duration", "Step", "Error"))
	b.WriteString(strings.Repeat("-", 70) + "\n")

	for _, r := range records {
		result, width := green+"ok"+reset, len("ok")
		if !r.OK {
			result, width = red+"failed"+reset, len("failed")
		}
		step := r.Step
		if step == "" {
			step = "-"
		}
		// Pad the visible text, not the escape codes.
		pad := strings.Repeat(" ", 7-width)
		b.WriteString(fmt.Sprintf("%-18s %s%s %9s  %-10s %s\n",
			humanize.RelTime(r.StartedAt, now, "ago", "from now"),
			result, pad,
			r.Duration().Round(time.Millisecond),
			step, r.Error))
	}

	return b.String()
}

// FormatJSON marshals any value as indented JSON.
func FormatJSON(v interface{}) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"error": %q}`, err.Error())
	}
	return string(data)
}

func relTime(t *time.Time, now time.Time) string {
	if t == nil || t.IsZero() {
		return "never"
	}
	return humanize.RelTime(*t, now, "ago", "from now")
}

// colorForState returns an ANSI color code for a controller state:
// idle = green, awaiting_quiet = yellow, publishing = red.
func colorForState(state string) string {
	switch state {
	case "publishing":
		return red
	case "awaiting_quiet":
		return yellow
	default:
		return green
	}
}
