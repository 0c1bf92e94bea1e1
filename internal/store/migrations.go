package store

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"

	"github.com/hyperengineering/pantry/migrations"
	"github.com/pressly/goose/v3"
)

// RunMigrations applies all pending local store migrations using goose.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	return RunMigrationsFS(ctx, db, migrations.Local())
}

// RunMigrationsFS applies the migrations found in fsys. A goose Provider is
// used instead of the package-level goose state so that the local store and
// the backend can migrate in the same process.
func RunMigrationsFS(ctx context.Context, db *sql.DB, fsys fs.FS) error {
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}
