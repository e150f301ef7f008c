package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/quatton/qbatch/apps/qbatch/internal/batch"
	"github.com/quatton/qbatch/pkg/qapi"
	"github.com/quatton/qbatch/pkg/qapi/routes"
	"github.com/quatton/qbatch/pkg/qapi/services"
	"github.com/quatton/qbatch/pkg/qapi/services/runs"
	"github.com/quatton/qbatch/pkg/qauth"
	"github.com/quatton/qbatch/pkg/qengine"
	"github.com/quatton/qbatch/pkg/qtrigger"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

var withSchedule bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve run reports and run control over HTTP",
	Long: `Serve starts the qbatch API on PORT. Reports are readable without a token;
triggering and cancelling runs requires a bearer token from "qbatch token"
signed with API_SECRET. Without API_SECRET run control is disabled.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := getConfig(cmd)
		if err != nil {
			return err
		}
		cfg.Env.Print(log.Printf)

		svc, err := newService(cmd)
		if err != nil {
			return err
		}
		defer svc.Close()

		var auth *qauth.Authenticator
		if cfg.Env.APISecret != "" {
			if auth, err = qauth.NewAuthenticator(cfg.Env.APISecret); err != nil {
				return err
			}
		} else {
			cfg.Logger.Warn("API_SECRET not set, run control is disabled")
		}

		runSvc := runs.NewRunService(svc.Pipeline.Name, func(ctx context.Context, req runs.StartRequest) (*qengine.RunReport, error) {
			return svc.RunExclusive(ctx, batch.RunOptions{RunID: req.RunID, RerunFailed: req.RerunFailed})
		}, cfg.Logger)

		api := qapi.NewApi(qapi.WithLogger(cfg.Logger))
		routes.RegisterAPI(api.Api, services.NewServices(svc.Pipeline.Name, auth, svc, runSvc, cfg.Logger))

		addr := fmt.Sprintf(":%s", cfg.Env.Port)
		server := &http.Server{Addr: addr, Handler: api.Router, ReadHeaderTimeout: 10 * time.Second}

		var trig *qtrigger.Trigger
		if withSchedule {
			if trig, err = svc.Trigger(); err != nil {
				return err
			}
		}

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			log.Printf("🚀 qbatch API for %s starting on %s\n", svc.Pipeline.Name, addr)
			log.Printf("📚 OpenAPI docs: http://localhost%s/docs\n", addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		if trig != nil {
			g.Go(func() error { return trig.Start(ctx) })
		}
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			log.Println("🛑 shutting down")
			return errors.Join(server.Shutdown(shutdownCtx), runSvc.Shutdown(shutdownCtx))
		})
		return g.Wait()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&withSchedule, "schedule", false, "also run the pipeline on its cron schedule")
}
