package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/quatton/qbatch/pkg/qengine"
	"github.com/quatton/qbatch/pkg/qreport"
	"github.com/spf13/cobra"
)

var (
	reportJSON   bool
	historyLimit int
)

var reportCmd = &cobra.Command{
	Use:   "report [run-id]",
	Short: "Show the report of a run",
	Long: `Report prints the per-job outcome of a run: the latest run of the
pipeline when no run ID is given. With --history it lists past runs from the
run history database instead.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService(cmd)
		if err != nil {
			return err
		}
		defer svc.Close()
		ctx := cmd.Context()

		if historyLimit > 0 {
			runs, err := svc.History(ctx, historyLimit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tSTATE\tSTARTED\tFAILED")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", r.ID, r.State, r.StartedAt.Local().Format(time.DateTime), len(r.Failed))
			}
			return w.Flush()
		}

		var report *qengine.RunReport
		if len(args) == 1 && args[0] != "latest" {
			report, err = svc.Load(ctx, args[0])
		} else {
			report, err = svc.Latest(ctx, svc.Pipeline.Name)
		}
		if err != nil {
			return fmt.Errorf("loading report: %w", err)
		}

		if reportJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}
		return qreport.Render(os.Stdout, report)
	},
}

func init() {
	rootCmd.AddCommand(reportCmd)
	reportCmd.Flags().BoolVar(&reportJSON, "json", false, "print the report as JSON")
	reportCmd.Flags().IntVar(&historyLimit, "history", 0, "list the last N runs from the history database")
}
