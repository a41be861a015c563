// Package database manages the metadata-store connection lifecycle:
// opening the configured driver and applying schema migrations before
// any other component touches the database.
package database

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/hideki0403/ofuton-go/internal/config"
)

// Open connects to the configured database backend and applies any
// pending migrations. The returned *sql.DB is safe for concurrent use
// by every goroutine-per-request handler.
func Open(cfg *config.Database) (*sql.DB, error) {
	driver, dsn, err := dsn(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.Provider == "sqlite" || cfg.Provider == "sqlite_memory" {
		// SQLite only safely supports a single writer at a time; a
		// larger pool just serializes on SQLITE_BUSY retries.
		db.SetMaxOpenConns(1)
	}

	if err := Migrate(db, driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return db, nil
}

func dsn(cfg *config.Database) (driver, dsn string, err error) {
	switch cfg.Provider {
	case "sqlite":
		return "sqlite", cfg.SQLite.Path, nil
	case "sqlite_memory":
		return "sqlite", "file::memory:?cache=shared", nil
	case "postgres":
		return "postgres", fmt.Sprintf(
			"postgres://%s:%s@%s:%d/%s?sslmode=disable",
			cfg.Postgres.User, cfg.Postgres.Password, cfg.Postgres.Host, cfg.Postgres.Port, cfg.Postgres.Database,
		), nil
	default:
		return "", "", fmt.Errorf("unsupported database provider: %q", cfg.Provider)
	}
}
