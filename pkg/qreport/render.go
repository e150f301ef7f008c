package qreport

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/quatton/qbatch/pkg/qengine"
)

var stateMarks = map[qengine.State]string{
	qengine.StateSucceeded: "✅",
	qengine.StateFailed:    "❌",
	qengine.StateSkipped:   "⏭️",
	qengine.StateCancelled: "🛑",
}

// Summary is a one-line description used by the CLI and notifications.
func Summary(report *qengine.RunReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s run %s %s", pipelineKey(report.Pipeline), report.RunID, report.State)
	fmt.Fprintf(&b, " (%d/%d succeeded", report.Count(qengine.StateSucceeded), len(report.Jobs))
	if len(report.Failed) > 0 {
		fmt.Fprintf(&b, ", failed: %s", strings.Join(report.Failed, ", "))
	}
	if len(report.Skipped) > 0 {
		fmt.Fprintf(&b, ", skipped: %s", strings.Join(report.Skipped, ", "))
	}
	if len(report.Cancelled) > 0 {
		fmt.Fprintf(&b, ", cancelled: %s", strings.Join(report.Cancelled, ", "))
	}
	b.WriteString(")")
	return b.String()
}

// Render writes a table of the report's jobs.
func Render(w io.Writer, report *qengine.RunReport) error {
	if _, err := fmt.Fprintln(w, Summary(report)); err != nil {
		return err
	}
	if len(report.Presatisfied) > 0 {
		fmt.Fprintf(w, "presatisfied: %s\n", strings.Join(report.Presatisfied, ", "))
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tSTATE\tDURATION\tEXIT\tREASON")
	for _, j := range report.Jobs {
		mark := stateMarks[j.State]
		if mark == "" {
			mark = "•"
		}
		exit := "-"
		if j.ExitCode != nil {
			exit = fmt.Sprint(*j.ExitCode)
		}
		duration := "-"
		if d := j.Duration(); d > 0 {
			duration = d.Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s %s\t%s\t%s\t%s\t%s\n", mark, j.Name, j.State, duration, exit, j.Reason)
	}
	return tw.Flush()
}
