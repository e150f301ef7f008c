package migrations

import (
	"context"
	"fmt"

	"github.com/quatton/qbatch/pkg/db/models"
	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		fmt.Print(" [up migration] ")

		if _, err := db.NewRaw("CREATE SCHEMA IF NOT EXISTS batch").Exec(ctx); err != nil {
			return err
		}

		if _, err := db.NewCreateTable().
			Model((*models.Run)(nil)).
			IfNotExists().
			Exec(ctx); err != nil {
			return err
		}

		_, err := db.NewCreateTable().
			Model((*models.JobRun)(nil)).
			IfNotExists().
			ForeignKey(`("run_id") REFERENCES batch.runs ("id") ON DELETE CASCADE`).
			Exec(ctx)
		return err
	}, func(ctx context.Context, db *bun.DB) error {
		fmt.Print(" [down migration] ")

		if _, err := db.NewDropTable().Model((*models.JobRun)(nil)).IfExists().Exec(ctx); err != nil {
			return err
		}
		if _, err := db.NewDropTable().Model((*models.Run)(nil)).IfExists().Exec(ctx); err != nil {
			return err
		}
		_, err := db.NewRaw("DROP SCHEMA IF EXISTS batch").Exec(ctx)
		return err
	})
}
