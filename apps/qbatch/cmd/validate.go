package cmd

import (
	"fmt"

	"github.com/quatton/qbatch/pkg/qpipeline"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the pipeline file without running anything",
	Long: `Validate loads the pipeline, checks it against the pipeline schema and
builds the job graph. Duplicate jobs, unknown dependencies and cycles are
reported here, before any job is dispatched.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := getConfig(cmd)
		if err != nil {
			return err
		}

		path := cfg.Settings.PipelinePath()
		pipeline, err := qpipeline.Load(path)
		if err != nil {
			return err
		}
		graph, err := pipeline.Graph()
		if err != nil {
			return fmt.Errorf("❌ %s: %w", path, err)
		}

		fmt.Printf("✓ %s: pipeline %s is valid (%d jobs, %d edges)\n", path, pipeline.Name, graph.Len(), len(graph.Edges()))
		if pipeline.Schedule != "" {
			fmt.Printf("  schedule: %s\n", pipeline.Schedule)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
