package db

import (
	"context"
	"fmt"

	"github.com/quatton/qbatch/pkg/db/migrations"
	"github.com/quatton/qbatch/pkg/qlog"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
)

// Migrate applies every pending migration.
func Migrate(ctx context.Context, db *bun.DB, logger *qlog.Logger) error {
	migrator := migrate.NewMigrator(db, migrations.Migrations)

	if err := migrator.Init(ctx); err != nil {
		return fmt.Errorf("failed to init migrations: %w", err)
	}

	if err := migrator.Lock(ctx); err != nil {
		return fmt.Errorf("failed to lock migrations: %w", err)
	}
	defer migrator.Unlock(ctx)

	group, err := migrator.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}

	if group.IsZero() {
		logger.Info("database is up to date")
		return nil
	}

	logger.Info("migrated", "group", group.String())
	return nil
}

// Rollback reverts the last migration group.
func Rollback(ctx context.Context, db *bun.DB, logger *qlog.Logger) error {
	migrator := migrate.NewMigrator(db, migrations.Migrations)

	if err := migrator.Lock(ctx); err != nil {
		return fmt.Errorf("failed to lock migrations: %w", err)
	}
	defer migrator.Unlock(ctx)

	group, err := migrator.Rollback(ctx)
	if err != nil {
		return fmt.Errorf("failed to rollback: %w", err)
	}

	if group.IsZero() {
		logger.Info("there are no groups to roll back")
		return nil
	}

	logger.Info("rolled back", "group", group.String())
	return nil
}
