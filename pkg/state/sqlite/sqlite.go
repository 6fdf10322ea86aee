// Package sqlite stores watermarks in a SQLite database using the pure Go
// modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/ajitpratap0/tapstripe/pkg/errors"
	"github.com/ajitpratap0/tapstripe/pkg/state"
)

// DefaultPath is used when neither a path nor a DSN is configured.
const DefaultPath = "tapstripe-state.db"

// Store is a state.Store backed by one SQLite table.
type Store struct {
	db    *sql.DB
	table string
}

// Open opens (and if needed creates) the database at dsn and ensures the
// watermark table exists.
func Open(ctx context.Context, dsn, table string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeState, "open sqlite database").WithDetail("dsn", dsn)
	}
	// One writer at a time; SQLite serialises writes anyway.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, table: table}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    resource   TEXT PRIMARY KEY,
    watermark  TEXT NOT NULL,
    updated_at INTEGER NOT NULL
)`, s.table)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return errors.Wrap(err, errors.ErrorTypeState, "create sqlite state table").WithDetail("table", s.table)
	}
	return nil
}

// Get implements state.Store.
func (s *Store) Get(ctx context.Context, resource string) (string, bool, error) {
	var value string
	query := fmt.Sprintf(`SELECT watermark FROM %s WHERE resource = ?`, s.table)
	err := s.db.QueryRowContext(ctx, query, resource).Scan(&value)
	if stderrors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, errors.ErrorTypeState, "read watermark").WithDetail("resource", resource)
	}
	return value, true, nil
}

// Set implements state.Store.
func (s *Store) Set(ctx context.Context, resource string, end int64) error {
	stmt := fmt.Sprintf(`INSERT INTO %s(resource, watermark, updated_at) VALUES (?, ?, ?)
    ON CONFLICT(resource) DO UPDATE SET watermark = excluded.watermark, updated_at = excluded.updated_at`, s.table)
	if _, err := s.db.ExecContext(ctx, stmt, resource, state.FormatWatermark(end), time.Now().Unix()); err != nil {
		return errors.Wrap(err, errors.ErrorTypeState, "write watermark").WithDetail("resource", resource)
	}
	return nil
}

// Close implements state.Store.
func (s *Store) Close() error {
	return s.db.Close()
}

func init() {
	_ = state.Register("sqlite", func(ctx context.Context, cfg state.Config) (state.Store, error) {
		table, err := state.TableName(cfg)
		if err != nil {
			return nil, err
		}
		dsn := cfg.DSN
		if dsn == "" {
			dsn = cfg.Path
		}
		if dsn == "" {
			dsn = DefaultPath
		}
		return Open(ctx, dsn, table)
	})
}
