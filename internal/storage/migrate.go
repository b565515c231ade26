package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/ironrealm/mmoserver/internal/storage/migrations"
)

// RunMigrations brings the schema on dsn up to date with the embedded
// migration set. It opens its own short-lived database/sql connection:
// goose needs *sql.DB, while the rest of this package runs on pgxpool,
// and migrations happen once at startup so sharing a pool buys nothing.
func RunMigrations(ctx context.Context, dsn string) error {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("opening migration connection: %w", err)
	}
	defer sqlDB.Close()

	// A Provider scopes the dialect and FS to this call instead of
	// goose's package-level globals, so concurrent callers (tests,
	// multiple pools) cannot trample each other's configuration.
	provider, err := goose.NewProvider(goose.DialectPostgres, sqlDB, migrations.FS)
	if err != nil {
		return fmt.Errorf("building migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	for _, r := range results {
		if r.Error != nil {
			return fmt.Errorf("migration %s: %w", r.Source.Path, r.Error)
		}
	}
	return nil
}

// PendingMigrations reports whether dsn's schema is behind the embedded
// migration set, for startup preflight checks that must not mutate.
func PendingMigrations(ctx context.Context, dsn string) (bool, error) {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return false, fmt.Errorf("opening migration connection: %w", err)
	}
	defer sqlDB.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, sqlDB, migrations.FS)
	if err != nil {
		return false, fmt.Errorf("building migration provider: %w", err)
	}

	pending, err := provider.HasPending(ctx)
	if err != nil {
		return false, fmt.Errorf("checking pending migrations: %w", err)
	}
	return pending, nil
}
