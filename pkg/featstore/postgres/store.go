package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/cyclevc/pkg/featstore"
)

// Compile-time interface checks.
var (
	_ featstore.Store  = (*Store)(nil)
	_ featstore.Writer = (*Store)(nil)
)

// Store is a feature store backed by a single [pgxpool.Pool]. All operations
// are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// Option configures [NewStore].
type Option func(*options)

type options struct {
	migrate bool
}

// WithMigrate controls whether [NewStore] runs [Migrate]. Default: true.
func WithMigrate(on bool) Option {
	return func(o *options) { o.migrate = on }
}

// NewStore creates a new Store, establishes a connection pool to the
// PostgreSQL database at dsn, registers pgvector types on every connection,
// and runs [Migrate] unless disabled with [WithMigrate].
func NewStore(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	o := options{migrate: true}
	for _, opt := range opts {
		opt(&o)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres featstore: parse dsn: %w", err)
	}

	// Type registration needs the vector extension, so the schema is
	// created over a plain connection before the pool exists.
	if o.migrate {
		if err := migrateOnce(ctx, cfg.ConnConfig); err != nil {
			return nil, fmt.Errorf("postgres featstore: %w", err)
		}
	}

	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres featstore: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres featstore: ping: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases all connections held by the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping implements [featstore.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Exists implements [featstore.Reader].
func (s *Store) Exists(ctx context.Context, file, key string) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM feature_arrays WHERE file = $1 AND key = $2)`
	var ok bool
	if err := s.pool.QueryRow(ctx, q, file, key).Scan(&ok); err != nil {
		return false, fmt.Errorf("postgres featstore: exists %s%s: %w", file, key, err)
	}
	return ok, nil
}

// HasFile implements [featstore.Reader].
func (s *Store) HasFile(ctx context.Context, file string) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM feature_arrays WHERE file = $1)`
	var ok bool
	if err := s.pool.QueryRow(ctx, q, file).Scan(&ok); err != nil {
		return false, fmt.Errorf("postgres featstore: has file %s: %w", file, err)
	}
	return ok, nil
}

// ReadMatrix implements [featstore.Reader].
func (s *Store) ReadMatrix(ctx context.Context, file, key string) ([][]float32, error) {
	if err := s.checkShape(ctx, file, key, 2); err != nil {
		return nil, err
	}
	return s.readRows(ctx, file, key)
}

// ReadVector implements [featstore.Reader].
func (s *Store) ReadVector(ctx context.Context, file, key string) ([]float32, error) {
	if err := s.checkShape(ctx, file, key, 1); err != nil {
		return nil, err
	}
	rows, err := s.readRows(ctx, file, key)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return []float32{}, nil
	}
	return rows[0], nil
}

// WriteMatrix implements [featstore.Writer]. An existing array under the same
// (file, key) is replaced.
func (s *Store) WriteMatrix(ctx context.Context, file, key string, m [][]float32) error {
	return s.write(ctx, file, key, 2, m)
}

// WriteVector implements [featstore.Writer].
func (s *Store) WriteVector(ctx context.Context, file, key string, v []float32) error {
	var rows [][]float32
	if len(v) > 0 {
		rows = [][]float32{v}
	}
	return s.write(ctx, file, key, 1, rows)
}

func (s *Store) checkShape(ctx context.Context, file, key string, ndim int) error {
	const q = `SELECT ndim FROM feature_arrays WHERE file = $1 AND key = $2`
	var got int16
	err := s.pool.QueryRow(ctx, q, file, key).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s%s", featstore.ErrNotFound, file, key)
	}
	if err != nil {
		return fmt.Errorf("postgres featstore: read header %s%s: %w", file, key, err)
	}
	if int(got) != ndim {
		return fmt.Errorf("postgres featstore: %s%s has %d dimensions, want %d", file, key, got, ndim)
	}
	return nil
}

func (s *Store) readRows(ctx context.Context, file, key string) ([][]float32, error) {
	const q = `
		SELECT value
		FROM   feature_rows
		WHERE  file = $1 AND key = $2
		ORDER  BY row_idx`

	rows, err := s.pool.Query(ctx, q, file, key)
	if err != nil {
		return nil, fmt.Errorf("postgres featstore: read %s%s: %w", file, key, err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) ([]float32, error) {
		var vec pgvector.Vector
		if err := row.Scan(&vec); err != nil {
			return nil, err
		}
		return vec.Slice(), nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres featstore: scan %s%s: %w", file, key, err)
	}
	if out == nil {
		out = [][]float32{}
	}
	return out, nil
}

func (s *Store) write(ctx context.Context, file, key string, ndim int, m [][]float32) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres featstore: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const upsert = `
		INSERT INTO feature_arrays (file, key, ndim, n_rows, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (file, key) DO UPDATE SET
		    ndim       = EXCLUDED.ndim,
		    n_rows     = EXCLUDED.n_rows,
		    updated_at = EXCLUDED.updated_at`
	if _, err := tx.Exec(ctx, upsert, file, key, ndim, len(m)); err != nil {
		return fmt.Errorf("postgres featstore: write header %s%s: %w", file, key, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM feature_rows WHERE file = $1 AND key = $2`, file, key); err != nil {
		return fmt.Errorf("postgres featstore: clear rows %s%s: %w", file, key, err)
	}

	if len(m) > 0 {
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"feature_rows"},
			[]string{"file", "key", "row_idx", "value"},
			pgx.CopyFromSlice(len(m), func(i int) ([]any, error) {
				return []any{file, key, i, pgvector.NewVector(m[i])}, nil
			}),
		)
		if err != nil {
			return fmt.Errorf("postgres featstore: copy rows %s%s: %w", file, key, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres featstore: commit %s%s: %w", file, key, err)
	}
	return nil
}
