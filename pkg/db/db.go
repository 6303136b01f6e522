package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite event store: the device registry the gateway restores
// from at startup, plus join history, security events and automation traces.
type DB struct {
	*sql.DB
	path string
}

// Open opens or creates the store at the given path, defaulting to
// ./data/zigbridge.db. WAL mode and foreign keys are enabled.
func Open(path string) (*DB, error) {
	if path == "" {
		path = filepath.Join("data", "zigbridge.db")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", path)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}

	// modernc.org/sqlite serialises writes; one connection avoids lock churn.
	sqlDB.SetMaxOpenConns(1)

	return &DB{DB: sqlDB, path: path}, nil
}

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

// Migrate applies the schema.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
