// Package migrations holds goose migrations for schemas that predate the
// current table definitions. Table constructors create missing tables
// themselves; migrations only reshape data that already exists.
package migrations

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed *.go
var embedMigrations embed.FS

// Up runs all pending migrations. Each migration guards on the old schema
// actually being present, so running against a database whose tables were
// freshly created by the state constructors is a no-op.
func Up(db *sql.DB) error {
	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
