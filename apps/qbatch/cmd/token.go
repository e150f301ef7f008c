package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/quatton/qbatch/pkg/qauth"
	"github.com/quatton/qbatch/pkg/qpipeline"
	"github.com/spf13/cobra"
)

var (
	tokenSubject     string
	tokenTTL         time.Duration
	tokenAnyPipeline bool
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for the qbatch API",
	Long: `Token signs a JWT with API_SECRET. By default the token may only trigger
and cancel runs of the configured pipeline.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := getConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.Env.APISecret == "" {
			return errors.New("API_SECRET is not set")
		}
		auth, err := qauth.NewAuthenticator(cfg.Env.APISecret)
		if err != nil {
			return err
		}

		var pipeline string
		if !tokenAnyPipeline {
			p, err := qpipeline.Load(cfg.Settings.PipelinePath())
			if err != nil {
				return err
			}
			pipeline = p.Name
		}

		token, err := auth.Issue(tokenSubject, pipeline, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "qbatch", "who the token is issued to")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", qauth.DefaultTokenTTL, "token lifetime")
	tokenCmd.Flags().BoolVar(&tokenAnyPipeline, "any-pipeline", false, "do not scope the token to the configured pipeline")
}
