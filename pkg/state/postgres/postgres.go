// Package postgres stores watermarks in a PostgreSQL table through a pgx
// connection pool.
package postgres

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ajitpratap0/tapstripe/pkg/errors"
	"github.com/ajitpratap0/tapstripe/pkg/state"
)

// Store is a state.Store backed by PostgreSQL.
type Store struct {
	pool  *pgxpool.Pool
	table string
}

// Open connects to dsn and ensures the watermark table exists.
func Open(ctx context.Context, dsn, table string) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse connection string")
	}
	// The driver writes one watermark at a time.
	poolConfig.MaxConns = 2
	poolConfig.MinConns = 0
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeState, "failed to create connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeState, "failed to validate connection")
	}

	s := &Store{pool: pool, table: table}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    resource   TEXT PRIMARY KEY,
    watermark  TEXT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, pgx.Identifier{table}.Sanitize())
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeState, "create state table").WithDetail("table", table)
	}
	return s, nil
}

// Get implements state.Store.
func (s *Store) Get(ctx context.Context, resource string) (string, bool, error) {
	var value string
	query := fmt.Sprintf(`SELECT watermark FROM %s WHERE resource = $1`, pgx.Identifier{s.table}.Sanitize())
	err := s.pool.QueryRow(ctx, query, resource).Scan(&value)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, errors.ErrorTypeState, "read watermark").WithDetail("resource", resource)
	}
	return value, true, nil
}

// Set implements state.Store.
func (s *Store) Set(ctx context.Context, resource string, end int64) error {
	stmt := fmt.Sprintf(`INSERT INTO %s (resource, watermark, updated_at) VALUES ($1, $2, now())
    ON CONFLICT (resource) DO UPDATE SET watermark = EXCLUDED.watermark, updated_at = EXCLUDED.updated_at`,
		pgx.Identifier{s.table}.Sanitize())
	if _, err := s.pool.Exec(ctx, stmt, resource, state.FormatWatermark(end)); err != nil {
		return errors.Wrap(err, errors.ErrorTypeState, "write watermark").WithDetail("resource", resource)
	}
	return nil
}

// Close implements state.Store.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func init() {
	_ = state.Register("postgres", func(ctx context.Context, cfg state.Config) (state.Store, error) {
		if cfg.DSN == "" {
			return nil, errors.New(errors.ErrorTypeConfig, "postgres state backend requires state.dsn")
		}
		table, err := state.TableName(cfg)
		if err != nil {
			return nil, err
		}
		return Open(ctx, cfg.DSN, table)
	})
}
