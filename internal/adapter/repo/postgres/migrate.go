package postgres

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"sort"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// advisoryLockID serializes migration runs across concurrent starters.
const advisoryLockID = 0x636770 // "cgp"

// Migrate applies the embedded SQL migrations in filename order, recording
// each in schema_migrations so reruns are no-ops.
func Migrate(ctx context.Context, pool PgxPool) error {
	if _, err := pool.Exec(ctx, `SELECT pg_advisory_lock($1)`, advisoryLockID); err != nil {
		return fmt.Errorf("op=postgres.Migrate: advisory lock: %w", err)
	}
	defer func() {
		_, _ = pool.Exec(ctx, `SELECT pg_advisory_unlock($1)`, advisoryLockID)
	}()

	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return fmt.Errorf("op=postgres.Migrate: ledger: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("op=postgres.Migrate: read dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		var applied bool
		row := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version=$1)`, name)
		if err := row.Scan(&applied); err != nil {
			return fmt.Errorf("op=postgres.Migrate: check %s: %w", name, err)
		}
		if applied {
			continue
		}
		sqlBytes, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("op=postgres.Migrate: read %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(sqlBytes)); err != nil {
			return fmt.Errorf("op=postgres.Migrate: apply %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, name); err != nil {
			return fmt.Errorf("op=postgres.Migrate: record %s: %w", name, err)
		}
		slog.Info("applied migration", slog.String("version", name))
	}
	return nil
}
