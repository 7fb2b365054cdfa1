// Package db provides catalog persistence for stepflow.
//
// Workflows and their steps live in one database, SQLite by default or
// PostgreSQL, with embedded versioned migrations per dialect.
package db

import (
	"context"
	"embed"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/randalmurphal/stepflow/internal/db/driver"
)

//go:embed schema
var schemaFS embed.FS

// DB wraps a database connection with driver abstraction.
type DB struct {
	driver driver.Driver
	dsn    string
}

// Open opens the database named by dialect and dsn and applies pending
// migrations. For SQLite the parent directory of dsn is created if missing.
func Open(ctx context.Context, dialect, dsn string) (*DB, error) {
	d, err := driver.ParseDialect(dialect)
	if err != nil {
		return nil, err
	}

	if d == driver.DialectSQLite && dsn != ":memory:" {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create db directory: %w", err)
			}
		}
	}

	drv, err := driver.New(d)
	if err != nil {
		return nil, err
	}
	if err := drv.Open(ctx, dsn); err != nil {
		return nil, err
	}

	db := &DB{driver: drv, dsn: dsn}
	if err := db.Migrate(ctx); err != nil {
		_ = drv.Close()
		return nil, err
	}
	return db, nil
}

// OpenInMemory opens a private in-memory SQLite database.
// Each call creates a new isolated database.
func OpenInMemory(ctx context.Context) (*DB, error) {
	return Open(ctx, string(driver.DialectSQLite), ":memory:")
}

// Migrate applies the embedded migrations for the current dialect.
func (d *DB) Migrate(ctx context.Context) error {
	dir := path.Join("schema", string(d.driver.Dialect()))
	if err := d.driver.Migrate(ctx, schemaFS, dir); err != nil {
		return fmt.Errorf("migrate %s: %w", d.driver.Dialect(), err)
	}
	return nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.driver.Close()
}

// DSN returns the database DSN/path.
func (d *DB) DSN() string {
	return d.dsn
}

// Driver returns the underlying driver for dialect-specific operations.
func (d *DB) Driver() driver.Driver {
	return d.driver
}

// Dialect returns the database dialect.
func (d *DB) Dialect() driver.Dialect {
	return d.driver.Dialect()
}
