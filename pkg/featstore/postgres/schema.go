// Package postgres provides a PostgreSQL-backed [featstore.Store].
//
// Arrays are stored as a header row in feature_arrays plus one pgvector row
// per matrix frame in feature_rows. A 1-D array is stored as a single row.
// The pgvector extension must be available in the target database; [Migrate]
// installs it automatically via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	feat, err := store.ReadMatrix(ctx, "data/SEF1/E10001.h5", featstore.KeyMceplf0cap)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const ddlFeatures = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS feature_arrays (
    file        TEXT         NOT NULL,
    key         TEXT         NOT NULL,
    ndim        SMALLINT     NOT NULL CHECK (ndim IN (1, 2)),
    n_rows      INTEGER      NOT NULL DEFAULT 0,
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (file, key)
);

CREATE INDEX IF NOT EXISTS idx_feature_arrays_file
    ON feature_arrays (file);

CREATE TABLE IF NOT EXISTS feature_rows (
    file     TEXT     NOT NULL,
    key      TEXT     NOT NULL,
    row_idx  INTEGER  NOT NULL,
    value    vector   NOT NULL,
    PRIMARY KEY (file, key, row_idx),
    FOREIGN KEY (file, key) REFERENCES feature_arrays (file, key) ON DELETE CASCADE
);
`

// Execer is satisfied by *pgx.Conn, *pgxpool.Pool and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Migrate creates the feature tables and the pgvector extension if they do
// not exist. It is idempotent.
func Migrate(ctx context.Context, db Execer) error {
	if _, err := db.Exec(ctx, ddlFeatures); err != nil {
		return fmt.Errorf("migrate: feature tables: %w", err)
	}
	return nil
}

func migrateOnce(ctx context.Context, cfg *pgx.ConnConfig) error {
	conn, err := pgx.ConnectConfig(ctx, cfg.Copy())
	if err != nil {
		return fmt.Errorf("migrate: connect: %w", err)
	}
	defer conn.Close(context.WithoutCancel(ctx))
	return Migrate(ctx, conn)
}
