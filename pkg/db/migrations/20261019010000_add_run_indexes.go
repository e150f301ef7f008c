package migrations

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		fmt.Print(" [up migration] ")

		stmts := []string{
			"CREATE INDEX IF NOT EXISTS batch_runs_pipeline_started_at_idx ON batch.runs (pipeline, started_at DESC)",
			"CREATE UNIQUE INDEX IF NOT EXISTS batch_job_runs_run_id_name_idx ON batch.job_runs (run_id, name)",
		}
		for _, stmt := range stmts {
			if _, err := db.NewRaw(stmt).Exec(ctx); err != nil {
				return err
			}
		}
		return nil
	}, func(ctx context.Context, db *bun.DB) error {
		fmt.Print(" [down migration] ")

		stmts := []string{
			"DROP INDEX IF EXISTS batch.batch_job_runs_run_id_name_idx",
			"DROP INDEX IF EXISTS batch.batch_runs_pipeline_started_at_idx",
		}
		for _, stmt := range stmts {
			if _, err := db.NewRaw(stmt).Exec(ctx); err != nil {
				return err
			}
		}
		return nil
	})
}
