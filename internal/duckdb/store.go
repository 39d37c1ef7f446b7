// Package duckdb persists log entries, metrics and analysis results in an
// embedded DuckDB database and answers the window queries the analyzer and
// reporter run against them.
package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"go.uber.org/zap"

	"github.com/tinytelemetry/beacon/internal/duckdb/migrate"
)

// DefaultQueryTimeout bounds every store query.
const DefaultQueryTimeout = 30 * time.Second

// Store owns the DuckDB connection.
type Store struct {
	db           *sql.DB
	mu           sync.RWMutex
	path         string
	logger       *zap.Logger
	QueryTimeout time.Duration
}

// NewStore opens or creates a database at path and applies migrations.
// An empty path opens an in-memory database.
func NewStore(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("duckdb: mkdir: %w", err)
		}
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("duckdb: open %q: %w", path, err)
	}
	if err := migrate.NewRunner(db, logger).Run(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{
		db:           db,
		path:         path,
		logger:       logger,
		QueryTimeout: DefaultQueryTimeout,
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path, empty for in-memory stores.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.QueryTimeout)
}

// DeleteBefore removes logs and metrics older than cutoff and returns the
// number of rows deleted.
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	var total int64
	for _, table := range []string{"logs", "metrics"} {
		res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE timestamp < ?", table), cutoff)
		if err != nil {
			return total, fmt.Errorf("duckdb: delete from %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("duckdb: rows affected: %w", err)
		}
		total += n
	}
	return total, nil
}

// withTx runs fn in a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// jsonOrNil marshals v, storing NULL for nil/empty values.
func jsonOrNil(v any, empty bool) (any, error) {
	if empty {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
