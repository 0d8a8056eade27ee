// Package migrations holds the Postgres schema, applied with bun's migrator.
package migrations

import "github.com/uptrace/bun/migrate"

// Migrations is populated by the numbered files in this package; bun derives each
// migration's name from its file name.
var Migrations = migrate.NewMigrations()
