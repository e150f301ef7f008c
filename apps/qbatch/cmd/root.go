package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/quatton/qbatch/apps/qbatch/internal/batch"
	"github.com/quatton/qbatch/pkg/qconfig"
	"github.com/quatton/qbatch/pkg/qlog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type contextKey string

const configContextKey contextKey = "qbatchconfig"

// config is what every subcommand receives from the root pre-run.
type config struct {
	Settings *qconfig.Settings
	Env      *qconfig.EnvConfig
	Logger   *qlog.Logger
}

var (
	cfgFile string
	verbose bool
	rootCmd = &cobra.Command{
		Use:   "qbatch",
		Short: "Run a static job graph in dependency order",
		Long: `qbatch executes a pipeline of container jobs with named dependencies.
Each job runs exactly once, after all of its dependencies succeeded; a failed
job skips its descendants while independent branches keep going. The report of
every run is kept so that "qbatch run --rerun-failed" re-executes only what did
not succeed.

Project settings come from qbatch.yaml (and .qbatch/config.yaml), infrastructure
endpoints and credentials from the environment (.env in development).`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			flags := cmd.Flags()
			for key, flag := range map[string]string{
				qconfig.PipelineKey:    "pipeline",
				qconfig.BackendKey:     "backend",
				qconfig.ConcurrencyKey: "concurrency",
				qconfig.JobTimeoutKey:  "job-timeout",
			} {
				if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
					return err
				}
			}

			settings, err := qconfig.LoadSettingsWith(v, cfgFile)
			if err != nil {
				return err
			}
			env, err := qconfig.LoadEnv()
			if err != nil {
				return err
			}

			logger := qlog.NewDefault()
			switch {
			case verbose:
				logger = qlog.NewVerbose()
			case qconfig.IsProd():
				logger = qlog.NewJSON(slog.LevelInfo, os.Stdout)
			}

			ctx := context.WithValue(cmd.Context(), configContextKey, &config{
				Settings: settings,
				Env:      env,
				Logger:   logger,
			})
			cmd.SetContext(qlog.WithContext(ctx, logger))
			return nil
		},
	}
)

// getConfig retrieves the config from the command context
func getConfig(cmd *cobra.Command) (*config, error) {
	cfg, ok := cmd.Context().Value(configContextKey).(*config)
	if !ok {
		return nil, errors.New("no config in context")
	}
	return cfg, nil
}

// newService connects the pipeline described by the command's config.
func newService(cmd *cobra.Command) (*batch.Service, error) {
	cfg, err := getConfig(cmd)
	if err != nil {
		return nil, err
	}
	return batch.NewService(cmd.Context(), cfg.Settings, cfg.Env, batch.WithLogger(cfg.Logger))
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML). Searches: qbatch.yaml, qbatch.yml, .qbatch.yaml, then merges .qbatch/config.yaml")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().String("pipeline", "", "pipeline file (overrides config)")
	rootCmd.PersistentFlags().String("backend", "", "job backend: local, k8s or docker (overrides config)")
	rootCmd.PersistentFlags().Int("concurrency", 0, "maximum jobs running at once (overrides config)")
	rootCmd.PersistentFlags().Duration("job-timeout", 0, "timeout for jobs that set none (overrides config)")
}
