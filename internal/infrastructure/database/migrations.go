package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

// migrationTimeout is the maximum time allowed for all migrations to complete.
const migrationTimeout = 30 * time.Second

// Migration represents a single database migration.
type Migration struct {
	Version int
	Name    string
	UpSQL   string
	DownSQL string
}

// Migrate runs all pending migrations from the provided filesystem.
//
// Migration files must follow the naming convention:
//
//	NNN_description.up.sql   (for applying)
//	NNN_description.down.sql (for rollback)
//
// where NNN is a zero-padded version number (001, 002, etc.).
//
// Applied migrations are tracked in the schema_migrations table and
// are never re-run. Each migration runs in its own transaction.
func (db *DB) Migrate(migrationsFS embed.FS, dir string) error {
	ctx, cancel := context.WithTimeout(context.Background(), migrationTimeout)
	defer cancel()

	// Ensure migrations tracking table exists
	if err := db.createMigrationsTable(ctx); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	// Load migrations from filesystem
	migrations, err := loadMigrations(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}

	// Get applied migrations
	applied, err := db.getAppliedMigrations(ctx)
	if err != nil {
		return fmt.Errorf("getting applied migrations: %w", err)
	}

	// Apply pending migrations in order
	for _, migration := range migrations {
		if applied[migration.Version] {
			continue
		}

		if err := db.applyMigration(ctx, migration); err != nil {
			return fmt.Errorf("applying migration %d (%s): %w",
				migration.Version, migration.Name, err)
		}
	}

	return nil
}

// createMigrationsTable creates the schema_migrations tracking table.
func (db *DB) createMigrationsTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`
	_, err := db.ExecContext(ctx, query)
	return err
}

// getAppliedMigrations returns a set of already-applied migration versions.
func (db *DB) getAppliedMigrations(ctx context.Context) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck // Read-only query cleanup

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}

	return applied, rows.Err()
}

// applyMigration applies a single migration in a transaction.
func (db *DB) applyMigration(ctx context.Context, migration Migration) error {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // No-op after successful commit

	// Execute migration SQL
	if _, err := tx.ExecContext(ctx, migration.UpSQL); err != nil {
		return fmt.Errorf("executing migration SQL: %w", err)
	}

	// Record migration as applied
	query := "INSERT INTO schema_migrations (version, name) VALUES (?, ?)"
	if _, err := tx.ExecContext(ctx, query, migration.Version, migration.Name); err != nil {
		return fmt.Errorf("recording migration: %w", err)
	}

	return tx.Commit()
}

// loadMigrations loads and parses migration files from the embedded filesystem.
func loadMigrations(migrationsFS embed.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return nil, fmt.Errorf("reading migrations directory: %w", err)
	}

	migrationMap := make(map[int]*Migration)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if !strings.HasSuffix(name, ".sql") {
			continue
		}

		version, migrationName, direction, err := parseMigrationFilename(name)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", name, err)
		}

		content, err := fs.ReadFile(migrationsFS, path.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}

		migration, exists := migrationMap[version]
		if !exists {
			migration = &Migration{
				Version: version,
				Name:    migrationName,
			}
			migrationMap[version] = migration
		}

		switch direction {
		case "up":
			migration.UpSQL = string(content)
		case "down":
			migration.DownSQL = string(content)
		}
	}

	// Convert map to sorted slice
	migrations := make([]Migration, 0, len(migrationMap))
	for _, m := range migrationMap {
		if m.UpSQL == "" {
			return nil, fmt.Errorf("migration %d (%s) missing up file", m.Version, m.Name)
		}
		migrations = append(migrations, *m)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return migrations, nil
}

// parseMigrationFilename extracts version, name, and direction from a filename.
// Expected format: NNN_description.up.sql or NNN_description.down.sql
func parseMigrationFilename(filename string) (version int, name, direction string, err error) {
	base := strings.TrimSuffix(filename, ".sql")

	switch {
	case strings.HasSuffix(base, ".up"):
		direction = "up"
		base = strings.TrimSuffix(base, ".up")
	case strings.HasSuffix(base, ".down"):
		direction = "down"
		base = strings.TrimSuffix(base, ".down")
	default:
		return 0, "", "", fmt.Errorf("filename must end in .up.sql or .down.sql")
	}

	parts := strings.SplitN(base, "_", 2)
	if len(parts) != 2 {
		return 0, "", "", fmt.Errorf("filename must start with NNN_")
	}

	if _, err := fmt.Sscanf(parts[0], "%d", &version); err != nil {
		return 0, "", "", fmt.Errorf("invalid version number: %w", err)
	}

	return version, parts[1], direction, nil
}
