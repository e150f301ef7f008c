package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/quatton/qbatch/pkg/qgraph"
	"github.com/quatton/qbatch/pkg/qpipeline"
	"github.com/spf13/cobra"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the order jobs will be dispatched in",
	Long: `Plan prints the job graph as stages. Every job in a stage depends only
on jobs of earlier stages, so jobs sharing a stage may run at the same time.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := getConfig(cmd)
		if err != nil {
			return err
		}
		pipeline, err := qpipeline.Load(cfg.Settings.PipelinePath())
		if err != nil {
			return err
		}
		graph, err := pipeline.Graph()
		if err != nil {
			return err
		}

		fmt.Printf("📋 %s (concurrency %d, backend %s)\n", pipeline.Name, cfg.Settings.Concurrency, cfg.Settings.Backend)
		printPlan(os.Stdout, graph)
		return nil
	},
}

// stages groups jobs by their longest dependency chain.
func stages(g *qgraph.Graph) [][]string {
	depth := make(map[string]int, g.Len())
	var out [][]string
	for _, name := range g.Names() {
		d := 0
		for _, dep := range g.Dependencies(name) {
			d = max(d, depth[dep]+1)
		}
		depth[name] = d
		for len(out) <= d {
			out = append(out, nil)
		}
		out[d] = append(out[d], name)
	}
	return out
}

func printPlan(w io.Writer, g *qgraph.Graph) {
	for i, stage := range stages(g) {
		fmt.Fprintf(w, "  stage %d:\n", i+1)
		for _, name := range stage {
			spec, _ := g.Spec(name)
			line := fmt.Sprintf("    • %s: %s", name, strings.Join(spec.Command, " "))
			if deps := g.Dependencies(name); len(deps) > 0 {
				line += fmt.Sprintf("  (after %s)", strings.Join(deps, ", "))
			}
			fmt.Fprintln(w, line)
		}
	}
}

func init() {
	rootCmd.AddCommand(planCmd)
}
