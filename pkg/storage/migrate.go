package storage

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
)

//go:embed migrations/postgres/*.sql migrations/mysql/*.sql migrations/sqlite3/*.sql
var migrationFS embed.FS

// schemaMigrationsDDL creates the bookkeeping table in whichever dialect
// is connecting. It has to be dialect-specific only because of each
// engine's default-timestamp spelling (now() vs CURRENT_TIMESTAMP);
// everything else is portable.
func schemaMigrationsDDL(dialect Dialect) string {
	switch dialect {
	case DialectPostgres:
		return `CREATE TABLE IF NOT EXISTS schema_migrations (
			version     TEXT PRIMARY KEY,
			applied_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`
	case DialectMySQL:
		return `CREATE TABLE IF NOT EXISTS schema_migrations (
			version     VARCHAR(255) PRIMARY KEY,
			applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`
	default:
		return `CREATE TABLE IF NOT EXISTS schema_migrations (
			version     TEXT PRIMARY KEY,
			applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`
	}
}

// Migrate applies every migration for dialect that hasn't already been
// recorded in schema_migrations, in filename order, each inside its own
// transaction. Migrations are forward-only: there is no Down.
func Migrate(ctx context.Context, db *sqlx.DB, dialect Dialect) error {
	if _, err := db.ExecContext(ctx, schemaMigrationsDDL(dialect)); err != nil {
		return fmt.Errorf("storage: create schema_migrations: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := db.QueryxContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("storage: read schema_migrations: %w", err)
	}
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("storage: scan schema_migrations: %w", err)
		}
		applied[version] = true
	}
	rows.Close()

	files, err := pendingMigrations(dialect)
	if err != nil {
		return err
	}

	for _, name := range files {
		if applied[name] {
			continue
		}
		body, err := migrationFS.ReadFile(path.Join("migrations", string(dialect), name))
		if err != nil {
			return fmt.Errorf("storage: read migration %s: %w", name, err)
		}

		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("storage: begin migration %s: %w", name, err)
		}
		for _, stmt := range splitStatements(string(body)) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("storage: apply migration %s: %w", name, err)
			}
		}
		insert := tx.Rebind("INSERT INTO schema_migrations (version) VALUES (?)")
		if _, err := tx.ExecContext(ctx, insert, name); err != nil {
			tx.Rollback()
			return fmt.Errorf("storage: record migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("storage: commit migration %s: %w", name, err)
		}
	}
	return nil
}

// Migrate applies every pending migration for r's own dialect over r's
// connection pool.
func (r *SQLRepository) Migrate(ctx context.Context) error {
	return Migrate(ctx, r.db, r.dialect)
}

// pendingMigrations lists dialect's embedded .sql files in ascending
// filename order. Filenames are zero-padded sequence numbers
// (0001_init.sql, 0002_....sql) so lexical sort is numeric sort.
func pendingMigrations(dialect Dialect) ([]string, error) {
	entries, err := fs.ReadDir(migrationFS, path.Join("migrations", string(dialect)))
	if err != nil {
		return nil, fmt.Errorf("storage: list migrations for %s: %w", dialect, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// splitStatements breaks a migration file into individual statements on
// ';' line terminators. It's deliberately naive: migration files in this
// repository never embed a semicolon inside a string literal or comment.
func splitStatements(body string) []string {
	var out []string
	for _, stmt := range strings.Split(body, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
