package database

import (
	"database/sql"
	"fmt"
)

// migration is a single named, idempotence-tracked schema change.
type migration struct {
	name string
	sql  map[string]string // driver -> statement
}

var migrations = []migration{
	{
		name: "create_object_table",
		sql: map[string]string{
			"sqlite": `CREATE TABLE IF NOT EXISTS object (
				id                INTEGER PRIMARY KEY AUTOINCREMENT,
				path              TEXT NOT NULL UNIQUE,
				content_size      INTEGER NOT NULL,
				mime_type         TEXT NOT NULL DEFAULT 'application/octet-stream',
				internal_filename TEXT NOT NULL,
				filename          TEXT,
				encoded_filename  TEXT
			)`,
			"postgres": `CREATE TABLE IF NOT EXISTS object (
				id                SERIAL PRIMARY KEY,
				path              TEXT NOT NULL UNIQUE,
				content_size      BIGINT NOT NULL,
				mime_type         TEXT NOT NULL DEFAULT 'application/octet-stream',
				internal_filename TEXT NOT NULL,
				filename          TEXT,
				encoded_filename  TEXT
			)`,
		},
	},
	{
		name: "create_object_path_index",
		sql: map[string]string{
			"sqlite":   `CREATE UNIQUE INDEX IF NOT EXISTS idx_object_path ON object (path)`,
			"postgres": `CREATE UNIQUE INDEX IF NOT EXISTS idx_object_path ON object (path)`,
		},
	},
}

// Migrate applies every migration not yet recorded in schema_migrations,
// in order, inside individual transactions.
func Migrate(db *sql.DB, driver string) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (name TEXT PRIMARY KEY)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	for _, m := range migrations {
		applied, err := isApplied(db, driver, m.name)
		if err != nil {
			return err
		}
		if applied {
			continue
		}

		stmt, ok := m.sql[driver]
		if !ok {
			return fmt.Errorf("migration %q has no statement for driver %q", m.name, driver)
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration transaction: %w", err)
		}

		if _, err := tx.Exec(stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %q failed: %w", m.name, err)
		}

		if _, err := tx.Exec(`INSERT INTO schema_migrations (name) VALUES (`+placeholder(driver, 1)+`)`, m.name); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %q: %w", m.name, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %q: %w", m.name, err)
		}
	}

	return nil
}

func isApplied(db *sql.DB, driver, name string) (bool, error) {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations WHERE name = `+placeholder(driver, 1), name).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check migration status: %w", err)
	}
	return count > 0, nil
}

// placeholder mirrors metadata.Store's dialect-specific bound-parameter
// syntax: "$N" for postgres, "?" for sqlite.
func placeholder(driver string, pos int) string {
	if driver == "postgres" {
		return fmt.Sprintf("$%d", pos)
	}
	return "?"
}
