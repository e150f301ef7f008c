package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/quatton/qbatch/apps/qbatch/internal/batch"
	"github.com/quatton/qbatch/pkg/qengine"
	"github.com/quatton/qbatch/pkg/qreport"
	"github.com/spf13/cobra"
)

var (
	rerunFailed bool
	runID       string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the pipeline once",
	Long: `Run executes every job of the pipeline in dependency order and prints the
report. Interrupting the command (Ctrl-C, SIGTERM) cancels running jobs and
leaves pending ones unstarted; the report is still written.

Examples:
  # Run everything
  qbatch run

  # Re-execute only the jobs that did not succeed last time
  qbatch run --rerun-failed`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService(cmd)
		if err != nil {
			return err
		}
		defer svc.Close()

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		report, err := svc.RunExclusive(ctx, batch.RunOptions{
			RunID:       runID,
			RerunFailed: rerunFailed,
			Observer:    printEvent,
		})
		if err != nil {
			return err
		}

		fmt.Println()
		if err := qreport.Render(os.Stdout, report); err != nil {
			return err
		}
		return runError(report)
	},
}

func printEvent(ev qengine.Event) {
	switch ev.To {
	case qengine.StateRunning:
		fmt.Printf("▶ %s started\n", ev.Job)
	case qengine.StateSucceeded:
		fmt.Printf("✓ %s succeeded\n", ev.Job)
	case qengine.StateFailed:
		fmt.Printf("✗ %s failed\n", ev.Job)
	case qengine.StateSkipped:
		fmt.Printf("⤼ %s skipped\n", ev.Job)
	case qengine.StateCancelled:
		fmt.Printf("■ %s cancelled\n", ev.Job)
	}
}

// runError makes the exit status reflect the run outcome.
func runError(report *qengine.RunReport) error {
	if report.Succeeded() {
		return nil
	}
	return fmt.Errorf("%s", qreport.Summary(report))
}

// signalContext cancels on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&rerunFailed, "rerun-failed", false, "only run jobs that did not succeed in the latest report")
	runCmd.Flags().StringVar(&runID, "run-id", "", "run ID to use instead of a generated one")
}
