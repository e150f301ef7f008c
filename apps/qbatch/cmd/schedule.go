package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/quatton/qbatch/pkg/qreport"
	"github.com/quatton/qbatch/pkg/qtrigger"
	"github.com/spf13/cobra"
)

var fireNow bool

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the pipeline on its cron schedule",
	Long: `Schedule runs the pipeline at every tick of its "schedule" expression
until interrupted. Missed ticks are not backfilled. With REDIS_ADDR set, a lock
in Valkey keeps replicas and manual runs from overlapping.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService(cmd)
		if err != nil {
			return err
		}
		defer svc.Close()

		trig, err := svc.Trigger()
		if err != nil {
			return err
		}

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		if fireNow {
			report, err := trig.Fire(ctx)
			if errors.Is(err, qtrigger.ErrLocked) {
				fmt.Println("⏭  pipeline already running elsewhere, skipping")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Println(qreport.Summary(report))
			return runError(report)
		}

		fmt.Printf("⏰ %s: next run at %s\n", svc.Pipeline.Name, trig.Next(time.Now()).Format(time.RFC3339))
		return trig.Start(ctx)
	},
}

func init() {
	rootCmd.AddCommand(scheduleCmd)
	scheduleCmd.Flags().BoolVar(&fireNow, "now", false, "fire one scheduled run immediately and exit")
}
