// Package registry keeps dataset metadata in a SQL database.
package registry

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"           // postgres driver
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/mr-tron/base58"
)

const datasetsDDL = `
CREATE TABLE IF NOT EXISTS datasets (
	id              TEXT PRIMARY KEY,
	title           TEXT NOT NULL,
	category        TEXT NOT NULL DEFAULT '',
	description     TEXT NOT NULL DEFAULT '',
	contributor_id  TEXT NOT NULL,
	organization_id TEXT NOT NULL DEFAULT '',
	location        TEXT NOT NULL,
	encryption_key  TEXT NOT NULL,
	schema_json     TEXT NOT NULL,
	tags_json       TEXT NOT NULL DEFAULT '[]',
	number_of_rows  BIGINT NOT NULL,
	size_bytes      BIGINT NOT NULL,
	price           DOUBLE PRECISION NOT NULL DEFAULT 0,
	view_count      BIGINT NOT NULL DEFAULT 0,
	download_count  BIGINT NOT NULL DEFAULT 0,
	is_active       BOOLEAN NOT NULL DEFAULT TRUE,
	is_deleted      BOOLEAN NOT NULL DEFAULT FALSE,
	created_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL
)`

// OpenDB connects to driver ("sqlite3" or "postgres") at dsn.
func OpenDB(ctx context.Context, driver, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", driver, err)
	}
	if driver == "sqlite3" {
		// sqlite allows one writer; in-memory databases are per connection.
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// Migrate creates the datasets table.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, datasetsDDL); err != nil {
		return fmt.Errorf("failed to create datasets table: %w", err)
	}
	return nil
}

// NewID returns a short random base58 identifier.
func NewID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate id: %w", err)
	}
	return base58.Encode(b), nil
}
