// Package migrations holds the run-history schema migrations. Files are named
// <timestamp>_<name>.go; bun derives the migration name from the file name.
package migrations

import "github.com/uptrace/bun/migrate"

var Migrations = migrate.NewMigrations()
